package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/appointment-finder/internal/cancel"
	"github.com/JakeFAU/appointment-finder/internal/profile"
)

// Run is one search: a token shared by its workers and a handle per worker.
type Run struct {
	ID      string
	Token   *cancel.Token
	Started time.Time

	handles []*Handle
	done    chan struct{}
}

func newRun(id string, token *cancel.Token, started time.Time) *Run {
	return &Run{
		ID:      id,
		Token:   token,
		Started: started,
		done:    make(chan struct{}),
	}
}

func (r *Run) add(h *Handle) {
	r.handles = append(r.handles, h)
}

// watch closes done once every handle has completed.
func (r *Run) watch() {
	for _, h := range r.handles {
		<-h.done
	}
	close(r.done)
}

// Done is closed once every worker of the run has returned and cleaned up.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) drained() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the run drains or ctx ends.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("run %s still draining: %w", r.ID, ctx.Err())
	}
}

// Handles returns the run's worker handles in spawn order.
func (r *Run) Handles() []*Handle {
	out := make([]*Handle, len(r.handles))
	copy(out, r.handles)
	return out
}

// Active counts workers that have not yet returned.
func (r *Run) Active() int {
	n := 0
	for _, h := range r.handles {
		select {
		case <-h.done:
		default:
			n++
		}
	}
	return n
}

// Handle tracks one spawned worker.
type Handle struct {
	Target   profile.Target
	Autobook bool

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// Done is closed after the worker returns and its scratch space is removed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the worker's error once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *Handle) status() WorkerStatus {
	ws := WorkerStatus{Target: h.Target, Autobook: h.Autobook}
	select {
	case <-h.done:
		ws.Done = true
	default:
	}
	if err := h.Err(); err != nil {
		ws.Error = err.Error()
	}
	return ws
}
