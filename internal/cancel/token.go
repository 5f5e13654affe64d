// Package cancel provides the run/stop flag shared by a search run and its workers.
package cancel

import "sync"

// Token is a mutex-guarded boolean that workers poll to learn whether their
// run is still active. A Token belongs to exactly one run; callers must
// allocate a fresh Token for every new run.
type Token struct {
	mu      sync.Mutex
	running bool
}

// New returns a Token holding the given flag.
func New(running bool) *Token {
	return &Token{running: running}
}

// Set stores the flag. Setting the current value again is a no-op.
func (t *Token) Set(running bool) {
	t.mu.Lock()
	t.running = running
	t.mu.Unlock()
}

// Get reports the current flag.
func (t *Token) Get() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Stop is shorthand for Set(false).
func (t *Token) Stop() {
	t.Set(false)
}
