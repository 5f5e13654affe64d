// Package probe is the reference worker: it polls a target through a Checker
// at a rate-limited cadence until a slot turns up or the run's token clears.
//
// On a match the worker reports it, books through the Checker when the task
// allows autobooking, and then clears the token so every sibling worker of the
// run winds down as well.
package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/appointment-finder/internal/cancel"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/progress"
	"github.com/JakeFAU/appointment-finder/internal/worker"
)

// ErrBookingUnsupported is returned by checkers that can only observe.
var ErrBookingUnsupported = errors.New("checker cannot book")

// Result is the outcome of one check.
type Result struct {
	Found bool
	// Slot describes the opening, e.g. the text of the matched element.
	Slot string
}

// Checker inspects one target. A Checker belongs to a single worker and is
// not shared.
type Checker interface {
	Check(ctx context.Context) (Result, error)
	Book(ctx context.Context, slot Result) error
	Close() error
}

// Opener builds the Checker for a task. ScratchDir in the task is the only
// place a Checker may keep on-disk state.
type Opener interface {
	Open(ctx context.Context, task worker.Task) (Checker, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, task worker.Task) (Checker, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, task worker.Task) (Checker, error) {
	return f(ctx, task)
}

// TargetConfig describes how to probe one target.
type TargetConfig struct {
	URL string `mapstructure:"url"`
	// AvailableSelector matches an element that exists only while a slot is
	// open.
	AvailableSelector string `mapstructure:"available_selector"`
	// Keyword, when set, must appear in the matched element's text.
	Keyword        string `mapstructure:"keyword"`
	BookSelector   string `mapstructure:"book_selector"`
	SubmitSelector string `mapstructure:"submit_selector"`
	ReasonSelector string `mapstructure:"reason_selector"`
	// Fields maps profile field keys to input selectors.
	Fields map[string]string `mapstructure:"fields"`
	// Autobook is "follow" or "never".
	Autobook string `mapstructure:"autobook"`
}

// Validate checks the settings every checker relies on.
func (c TargetConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("url is required")
	}
	if strings.TrimSpace(c.AvailableSelector) == "" {
		return errors.New("available_selector is required")
	}
	for key := range c.Fields {
		if !knownField(key) {
			return fmt.Errorf("unknown profile field %q", key)
		}
	}
	return nil
}

// Matches reports whether text satisfies the keyword filter.
func (c TargetConfig) Matches(text string) bool {
	if c.Keyword == "" {
		return true
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(c.Keyword))
}

func knownField(key string) bool {
	for _, f := range profile.Fields() {
		if f.Key() == key {
			return true
		}
	}
	return key == profile.ReasonField
}

// FormValues resolves the configured field selectors against a profile. The
// reason selector, when set, receives the resolved reason identifier.
func (c TargetConfig) FormValues(cfg profile.Config) map[string]string {
	out := make(map[string]string, len(c.Fields)+1)
	for _, f := range profile.Fields() {
		if sel, ok := c.Fields[f.Key()]; ok && sel != "" {
			out[sel] = cfg.PersonalInfo.Value(f)
		}
	}
	if c.ReasonSelector != "" {
		out[c.ReasonSelector] = cfg.PersonalInfo.ReasonID
	}
	return out
}

const (
	defaultPollInterval = 30 * time.Second
	defaultTokenPoll    = 250 * time.Millisecond
	defaultMaxFailures  = 5
)

// Config tunes the polling loop.
type Config struct {
	// PollInterval is the minimum spacing between checks.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// TokenPoll bounds how long the worker waits before re-reading the token.
	TokenPoll time.Duration `mapstructure:"token_poll"`
	// MaxConsecutiveFailures ends the worker with an error after this many
	// failed checks in a row.
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
}

// Worker implements worker.Worker.
type Worker struct {
	cfg    Config
	opener Opener
}

// New builds a Worker around opener.
func New(cfg Config, opener Opener) (*Worker, error) {
	if opener == nil {
		return nil, errors.New("checker opener is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.TokenPoll <= 0 {
		cfg.TokenPoll = defaultTokenPoll
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = defaultMaxFailures
	}
	return &Worker{cfg: cfg, opener: opener}, nil
}

// Run polls until a slot is found, the token clears, or checks keep failing.
func (w *Worker) Run(ctx context.Context, task worker.Task) error {
	logger := task.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checker, err := w.opener.Open(ctx, task)
	if err != nil {
		return fmt.Errorf("open checker: %w", err)
	}
	defer func() {
		if cerr := checker.Close(); cerr != nil {
			logger.Warn("close checker failed", zap.Error(cerr))
		}
	}()

	task.Logf("Searching for appointments...")
	limiter := rate.NewLimiter(rate.Every(w.cfg.PollInterval), 1)
	failures := 0
	for {
		if !w.wait(ctx, limiter, task.Token) {
			task.Logf("Search stopped.")
			return nil
		}
		res, err := checker.Check(ctx)
		if err != nil {
			failures++
			logger.Warn("check failed", zap.Error(err), zap.Int("consecutive", failures))
			task.Logf("Check failed: %v", err)
			if failures >= w.cfg.MaxConsecutiveFailures {
				return fmt.Errorf("%d consecutive checks failed: %w", failures, err)
			}
			continue
		}
		failures = 0
		if !res.Found {
			logger.Debug("no slot available")
			continue
		}
		return w.onFound(ctx, task, checker, res, logger)
	}
}

func (w *Worker) onFound(ctx context.Context, task worker.Task, checker Checker, res Result, logger *zap.Logger) error {
	// Siblings stop as soon as any worker finds a slot.
	defer task.Token.Stop()

	task.Logf("Appointment found: %s", res.Slot)
	task.Notify(progress.StageSlotFound, res.Slot)
	logger.Info("slot found", zap.String("slot", res.Slot), zap.Bool("autobook", task.Autobook))
	if !task.Autobook {
		task.Logf("Autobook is off; complete the booking manually.")
		return nil
	}
	if err := checker.Book(ctx, res); err != nil {
		return fmt.Errorf("book appointment: %w", err)
	}
	task.Logf("Appointment booked.")
	return nil
}

// wait blocks until the limiter admits the next check. It returns false once
// the token clears or ctx ends, re-reading the token at least every TokenPoll.
func (w *Worker) wait(ctx context.Context, limiter *rate.Limiter, token *cancel.Token) bool {
	if !token.Get() {
		return false
	}
	reservation := limiter.Reserve()
	deadline := time.Now().Add(reservation.Delay())
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return token.Get()
		}
		slice := min(remaining, w.cfg.TokenPoll)
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			reservation.Cancel()
			return false
		case <-timer.C:
		}
		if !token.Get() {
			reservation.Cancel()
			return false
		}
	}
}
