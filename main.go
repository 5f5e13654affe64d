// The main package for the finder executable.
package main

import (
	"github.com/JakeFAU/appointment-finder/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
