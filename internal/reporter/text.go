package reporter

import (
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/appointment-finder/internal/eventlog"
	"github.com/JakeFAU/appointment-finder/internal/orchestrator"
)

// TextRenderer writes log lines and state changes to a stream. Entries already
// written are not repeated on later ticks.
type TextRenderer struct {
	mu        sync.Mutex
	out       io.Writer
	last      eventlog.Entry
	seen      bool
	lastState orchestrator.State
}

// NewTextRenderer writes to out.
func NewTextRenderer(out io.Writer) *TextRenderer {
	return &TextRenderer{out: out}
}

// Render implements Renderer.
func (t *TextRenderer) Render(status orchestrator.Status, entries []eventlog.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.unseen(entries) {
		if _, err := fmt.Fprintln(t.out, e.String()); err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		t.last, t.seen = e, true
	}
	if status.State != t.lastState {
		if _, err := fmt.Fprintf(t.out, "state: %s\n", status.State); err != nil {
			return fmt.Errorf("write state: %w", err)
		}
		t.lastState = status.State
	}
	return nil
}

// unseen returns the entries after the last one written. When the last entry
// has scrolled out of the window the whole window is new.
func (t *TextRenderer) unseen(entries []eventlog.Entry) []eventlog.Entry {
	if !t.seen {
		return entries
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i] == t.last {
			return entries[i+1:]
		}
	}
	return entries
}
