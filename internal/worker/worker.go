// Package worker defines the contract between the orchestrator and the
// automation that probes one target, and the boundary that isolates a
// misbehaving worker from its siblings.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/JakeFAU/appointment-finder/internal/cancel"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/progress"
)

// Events receives user-facing status messages.
type Events interface {
	Append(text string)
}

// Task is everything one worker needs for one run. Config is a value copy and
// must be treated as read-only. Token is shared with every other worker of the
// same run.
type Task struct {
	RunID      string
	Target     profile.Target
	Config     profile.Config
	Token      *cancel.Token
	Autobook   bool
	ScratchDir string
	Events     Events
	Logger     *zap.Logger
	Emit       func(stage progress.Stage, note string)
}

// Logf writes a user-facing message prefixed with the target.
func (t Task) Logf(format string, args ...any) {
	if t.Events == nil {
		return
	}
	t.Events.Append(fmt.Sprintf("[%s] ", t.Target) + fmt.Sprintf(format, args...))
}

// Notify forwards a progress stage when the orchestrator supplied an emitter.
func (t Task) Notify(stage progress.Stage, note string) {
	if t.Emit != nil {
		t.Emit(stage, note)
	}
}

// Worker probes a target until it succeeds, fails, or observes the token go
// false. Implementations must poll Token.Get at bounded intervals and return
// promptly once it reads false; nothing will stop them forcibly.
type Worker interface {
	Run(ctx context.Context, task Task) error
}

// Func adapts a function to Worker.
type Func func(ctx context.Context, task Task) error

// Run calls f.
func (f Func) Run(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Invoke runs w and converts a panic into an error so one failing target
// cannot take the process down.
func Invoke(ctx context.Context, w Worker, task Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if task.Logger != nil {
				task.Logger.Error("worker panicked",
					zap.String("target", string(task.Target)),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
			}
			err = fmt.Errorf("worker panic: %v", rec)
		}
	}()
	if w == nil {
		return fmt.Errorf("no worker registered for %s", task.Target)
	}
	return w.Run(ctx, task)
}
