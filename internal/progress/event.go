package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone an Event records.
type Stage string

// Supported stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunStop      Stage = "RUN_STOP"
	StageWorkerStart  Stage = "WORKER_START"
	StageWorkerDone   Stage = "WORKER_DONE"
	StageWorkerError  Stage = "WORKER_ERROR"
	StageCleanupError Stage = "CLEANUP_ERROR"
	StageSlotFound    Stage = "SLOT_FOUND"
)

// Event is one milestone of a search run.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string

	// TS is when the milestone happened.
	TS    time.Time
	Stage Stage

	// Target scopes worker-level events to one remote service.
	Target string

	// Dur is the worker runtime on WORKER_DONE and WORKER_ERROR.
	Dur time.Duration

	// Note carries short context such as an error message or stop reason.
	Note string
}

// Validate rejects events that sinks cannot attribute.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunStop:
	case StageWorkerStart, StageWorkerDone, StageWorkerError, StageCleanupError, StageSlotFound:
		if e.Target == "" {
			return fmt.Errorf("%s requires target", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
