package orchestrator

import (
	"fmt"
	"time"

	"github.com/JakeFAU/appointment-finder/internal/cancel"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/worker"
)

// State is the visible run state.
type State int

// Run states.
const (
	StateIdle State = iota
	StateValidating
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// AutobookPolicy decides whether a target's worker may book on its own.
type AutobookPolicy int

// Autobook policies.
const (
	// AutobookFollow inherits the global toggle passed to Start.
	AutobookFollow AutobookPolicy = iota
	// AutobookNever always runs report-only.
	AutobookNever
)

// Resolve applies the policy to the global toggle.
func (p AutobookPolicy) Resolve(global bool) bool {
	if p == AutobookNever {
		return false
	}
	return global
}

func (p AutobookPolicy) String() string {
	if p == AutobookNever {
		return "never"
	}
	return "follow"
}

// ParseAutobookPolicy accepts "follow" or "never".
func ParseAutobookPolicy(s string) (AutobookPolicy, error) {
	switch s {
	case "", "follow":
		return AutobookFollow, nil
	case "never":
		return AutobookNever, nil
	default:
		return 0, fmt.Errorf("unknown autobook policy %q", s)
	}
}

// TargetSpec registers the worker for one target.
type TargetSpec struct {
	Target   profile.Target
	Worker   worker.Worker
	Autobook AutobookPolicy
}

// DefaultPolicies returns the built-in autobook policy for each target: RVSQ
// never books automatically, Bonjour Santé follows the global toggle.
func DefaultPolicies() map[profile.Target]AutobookPolicy {
	return map[profile.Target]AutobookPolicy{
		profile.TargetRVSQ:         AutobookNever,
		profile.TargetBonjourSante: AutobookFollow,
	}
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State   State          `json:"state"`
	RunID   string         `json:"run_id,omitempty"`
	Started time.Time      `json:"started,omitzero"`
	Workers []WorkerStatus `json:"workers,omitempty"`
	// Drained is set once every worker of the run has returned.
	Drained bool `json:"drained,omitempty"`
	// Token is the current run's token, for reconciliation.
	Token *cancel.Token `json:"-"`
}

// WorkerStatus describes one tracked worker.
type WorkerStatus struct {
	Target   profile.Target `json:"target"`
	Autobook bool           `json:"autobook"`
	Done     bool           `json:"done"`
	Error    string         `json:"error,omitempty"`
}

// Ended reports whether a visibly running run has in fact finished, either
// because its token was cleared or because all of its workers returned.
func (s Status) Ended() bool {
	if s.State != StateRunning || s.Token == nil {
		return false
	}
	return !s.Token.Get() || s.Drained
}
