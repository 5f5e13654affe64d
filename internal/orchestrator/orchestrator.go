// Package orchestrator validates search requests, spawns one worker per
// enabled target, and tracks the run until every worker has drained.
//
// The lifecycle is Idle → Validating → Running → Stopping → Idle. Stopping is
// cooperative: Stop flips the run's token and returns at once; workers notice
// on their next poll. Each worker is tracked by a Handle so callers that need
// to know when a run has fully drained can wait on Run.Done.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/appointment-finder/internal/cancel"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/progress"
	"github.com/JakeFAU/appointment-finder/internal/worker"
)

// ErrBusy rejects Start while a previous run is still visible as active.
var ErrBusy = errors.New("a search is already running")

// ErrUnregisteredTarget rejects Start when an enabled target has no worker.
var ErrUnregisteredTarget = errors.New("no worker registered")

// Store persists the validated profile before workers start.
type Store interface {
	Save(cfg profile.Config) error
}

// IDGenerator issues run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock stamps runs and progress events.
type Clock interface {
	Now() time.Time
}

// Config carries orchestrator settings.
type Config struct {
	// ScratchDir is the base directory for per-worker scratch space. Each
	// worker gets <ScratchDir>/<run id>/<target>, removed when it exits.
	ScratchDir string
}

// Deps bundles the orchestrator's collaborators. Events and Targets are
// required; the rest fall back to no-op or default implementations.
type Deps struct {
	Targets []TargetSpec
	Store   Store
	Events  worker.Events
	Emitter progress.Emitter
	IDs     IDGenerator
	Clock   Clock
	Logger  *zap.Logger
	// BaseContext parents every worker context. Shutdown cancels it.
	BaseContext context.Context
}

// Orchestrator owns the visible run state. Its methods are safe for concurrent
// use; no lock is held while a worker runs.
type Orchestrator struct {
	cfg     Config
	targets map[profile.Target]TargetSpec
	store   Store
	events  worker.Events
	emitter progress.Emitter
	ids     IDGenerator
	clock   Clock
	logger  *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	removeAll func(path string) error

	mu      sync.Mutex
	state   State
	current *Run
}

// New wires an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		return nil, errors.New("scratch dir is required")
	}
	if deps.Events == nil {
		return nil, errors.New("event log is required")
	}
	if len(deps.Targets) == 0 {
		return nil, errors.New("at least one target spec is required")
	}
	targets := make(map[profile.Target]TargetSpec, len(deps.Targets))
	for _, spec := range deps.Targets {
		if spec.Worker == nil {
			return nil, fmt.Errorf("target %s has no worker", spec.Target)
		}
		if _, dup := targets[spec.Target]; dup {
			return nil, fmt.Errorf("target %s registered twice", spec.Target)
		}
		targets[spec.Target] = spec
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}
	baseCtx, cancelBase := context.WithCancel(base)

	return &Orchestrator{
		cfg:        cfg,
		targets:    targets,
		store:      deps.Store,
		events:     deps.Events,
		emitter:    deps.Emitter,
		ids:        deps.IDs,
		clock:      deps.Clock,
		logger:     deps.Logger,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		removeAll:  os.RemoveAll,
	}, nil
}

// Start validates in, persists the resulting profile, and launches one worker
// per enabled target. Validation failures are logged and returned; the state
// is left Idle and nothing is spawned. autobook is the global toggle that
// targets with AutobookFollow inherit.
func (o *Orchestrator) Start(in profile.Input, autobook bool) (*Run, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.state = StateValidating
	o.mu.Unlock()

	cfg, err := profile.Validate(in)
	if err == nil {
		err = o.checkRegistered(cfg)
	}
	if err != nil {
		o.events.Append("Error: " + err.Error())
		o.logger.Warn("search rejected", zap.Error(err))
		o.setState(StateIdle)
		return nil, err
	}

	if o.store != nil {
		if err := o.store.Save(cfg); err != nil {
			o.events.Append(fmt.Sprintf("Error saving config: %v", err))
			o.logger.Error("save profile failed", zap.Error(err))
		}
	}

	runID, err := o.ids.NewID()
	if err != nil {
		o.setState(StateIdle)
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	run := newRun(runID, cancel.New(true), o.clock.Now())
	for _, target := range cfg.EnabledTargets() {
		spec := o.targets[target]
		run.add(&Handle{
			Target:   target,
			Autobook: spec.Autobook.Resolve(autobook),
			done:     make(chan struct{}),
		})
	}

	o.mu.Lock()
	o.state = StateRunning
	o.current = run
	o.mu.Unlock()

	o.events.Append("Search started...")
	o.logger.Info("search started",
		zap.String("run_id", runID),
		zap.Int("workers", len(run.handles)),
	)
	o.emit(runID, progress.StageRunStart, "", 0, "")

	for _, h := range run.handles {
		go o.runWorker(run, cfg, h)
	}
	go run.watch()
	return run, nil
}

// checkRegistered rejects enabled targets that have no worker wired.
func (o *Orchestrator) checkRegistered(cfg profile.Config) error {
	for _, target := range cfg.EnabledTargets() {
		if _, ok := o.targets[target]; !ok {
			return fmt.Errorf("%w for %s", ErrUnregisteredTarget, target)
		}
	}
	return nil
}

func (o *Orchestrator) runWorker(run *Run, cfg profile.Config, h *Handle) {
	started := o.clock.Now()
	scratch := filepath.Join(o.cfg.ScratchDir, run.ID, string(h.Target))
	logger := o.logger.With(zap.String("run_id", run.ID), zap.String("target", string(h.Target)))

	defer close(h.done)
	defer o.cleanup(run.ID, h.Target, scratch, logger)

	o.emit(run.ID, progress.StageWorkerStart, h.Target, 0, "")
	task := worker.Task{
		RunID:      run.ID,
		Target:     h.Target,
		Config:     cfg,
		Token:      run.Token,
		Autobook:   h.Autobook,
		ScratchDir: scratch,
		Events:     o.events,
		Logger:     logger,
		Emit: func(stage progress.Stage, note string) {
			o.emit(run.ID, stage, h.Target, 0, note)
		},
	}
	err := worker.Invoke(o.baseCtx, o.targets[h.Target].Worker, task)
	elapsed := o.clock.Now().Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}
	h.setErr(err)
	if err != nil {
		o.events.Append(fmt.Sprintf("Error in %s: %v", h.Target, err))
		logger.Error("worker failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		o.emit(run.ID, progress.StageWorkerError, h.Target, elapsed, err.Error())
		return
	}
	logger.Info("worker finished", zap.Duration("elapsed", elapsed))
	o.emit(run.ID, progress.StageWorkerDone, h.Target, elapsed, "")
}

// cleanup removes the worker's scratch directory. Failures are logged once
// and never retried.
func (o *Orchestrator) cleanup(runID string, target profile.Target, dir string, logger *zap.Logger) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return
	}
	if err := o.removeAll(dir); err != nil {
		o.events.Append(fmt.Sprintf("Error clearing data for %s: %v", target, err))
		logger.Warn("scratch cleanup failed", zap.String("dir", dir), zap.Error(err))
		o.emit(runID, progress.StageCleanupError, target, 0, err.Error())
		return
	}
	o.events.Append(fmt.Sprintf("Browser data cleared for %s.", target))
	// The per-run parent is empty once the last worker is gone; Remove fails
	// harmlessly while siblings still hold theirs.
	_ = os.Remove(filepath.Dir(dir))
}

// Stop asks the current run to wind down and returns without waiting for
// workers. The visible state is Idle when Stop returns, unless a concurrent
// MarkIdle already claimed the run and is finishing it.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	run := o.current
	if run == nil || o.state != StateRunning {
		o.mu.Unlock()
		return
	}
	o.state = StateStopping
	o.mu.Unlock()

	run.Token.Stop()
	o.events.Append("Stopping search...")
	o.finish(run, "user")
}

// MarkIdle reconciles the visible state once the run has ended without an
// explicit Stop: a worker cleared the token, or every worker has returned. It
// reports whether the state changed. Calls for a run that is no longer current
// are ignored.
func (o *Orchestrator) MarkIdle(runID string) bool {
	o.mu.Lock()
	run := o.current
	if run == nil || run.ID != runID || o.state != StateRunning {
		o.mu.Unlock()
		return false
	}
	if run.Token.Get() && !run.drained() {
		o.mu.Unlock()
		return false
	}
	o.state = StateStopping
	o.mu.Unlock()

	run.Token.Stop()

	o.events.Append("Stopping search...")
	o.finish(run, "worker")
	return true
}

func (o *Orchestrator) finish(run *Run, reason string) {
	o.mu.Lock()
	if o.current == run {
		o.current = nil
	}
	o.state = StateIdle
	o.mu.Unlock()

	o.logger.Info("search stopped", zap.String("run_id", run.ID), zap.String("reason", reason))
	o.emit(run.ID, progress.StageRunStop, "", 0, reason)
}

// Status snapshots the visible state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{State: o.state}
	if run := o.current; run != nil {
		st.RunID = run.ID
		st.Started = run.Started
		st.Token = run.Token
		st.Drained = run.drained()
		for _, h := range run.handles {
			st.Workers = append(st.Workers, h.status())
		}
	}
	return st
}

// Current returns the visible run, or nil when idle.
func (o *Orchestrator) Current() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Shutdown stops any current run, waits for its workers to drain until ctx
// expires, then cancels the worker base context.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	run := o.Current()
	o.Stop()
	defer o.cancelBase()
	if run == nil {
		return nil
	}
	if err := run.Wait(ctx); err != nil {
		return fmt.Errorf("wait for workers: %w", err)
	}
	return nil
}

func (o *Orchestrator) emit(runID string, stage progress.Stage, target profile.Target, dur time.Duration, note string) {
	o.emitter.Emit(progress.Event{
		RunID:  runID,
		TS:     o.clock.Now(),
		Stage:  stage,
		Target: string(target),
		Dur:    dur,
		Note:   note,
	})
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}
