// Package reporter runs the fixed-interval reconciliation loop: every tick it
// renders the tail of the event log and, when the visible run has ended on
// its own, drives the orchestrator back to idle.
package reporter

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/appointment-finder/internal/eventlog"
	"github.com/JakeFAU/appointment-finder/internal/orchestrator"
)

const (
	defaultInterval = 500 * time.Millisecond
	defaultWindow   = 10
)

// Config tunes the loop. Zero values select defaults.
type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	Window   int           `mapstructure:"window"`
}

// StatusSource is the part of the orchestrator the reporter reconciles.
type StatusSource interface {
	Status() orchestrator.Status
	MarkIdle(runID string) bool
}

// Tailer reads the most recent log entries.
type Tailer interface {
	Tail(n int) []eventlog.Entry
}

// Renderer displays one snapshot. It is called from the reporter goroutine
// only.
type Renderer interface {
	Render(status orchestrator.Status, entries []eventlog.Entry) error
}

// Reporter owns the ticker.
type Reporter struct {
	cfg      Config
	source   StatusSource
	log      Tailer
	renderer Renderer
	logger   *zap.Logger
}

// New validates inputs and applies defaults.
func New(cfg Config, source StatusSource, log Tailer, renderer Renderer, logger *zap.Logger) (*Reporter, error) {
	if source == nil {
		return nil, errors.New("status source is required")
	}
	if log == nil {
		return nil, errors.New("event log is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{cfg: cfg, source: source, log: log, renderer: renderer, logger: logger}, nil
}

// Run ticks until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.Tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick performs one reconciliation pass and returns the status it rendered.
func (r *Reporter) Tick() orchestrator.Status {
	status := r.source.Status()
	if status.Ended() && r.source.MarkIdle(status.RunID) {
		r.logger.Info("run ended without explicit stop", zap.String("run_id", status.RunID))
		status = r.source.Status()
	}
	if r.renderer != nil {
		if err := r.renderer.Render(status, r.log.Tail(r.cfg.Window)); err != nil {
			r.logger.Warn("render status failed", zap.Error(err))
		}
	}
	return status
}
