// Package headless drives a real Chrome instance through chromedp for targets
// that render availability client-side or need a form submitted first. Each
// session keeps its browser profile in the task's scratch directory, which the
// orchestrator removes once the worker exits.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/appointment-finder/internal/probe"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/worker"
)

const (
	defaultNavTimeout = 45 * time.Second
	settleDelay       = 500 * time.Millisecond
)

// Config controls the browser.
type Config struct {
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// Headless=false opens a visible window so the user can finish a booking.
	Headless bool `mapstructure:"headless"`
}

// Opener launches one browser per task.
type Opener struct {
	cfg     Config
	targets map[profile.Target]probe.TargetConfig
}

// NewOpener validates every target's settings up front.
func NewOpener(cfg Config, targets map[profile.Target]probe.TargetConfig) (*Opener, error) {
	for target, tc := range targets {
		if err := tc.Validate(); err != nil {
			return nil, fmt.Errorf("target %s: %w", target, err)
		}
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	return &Opener{cfg: cfg, targets: targets}, nil
}

// Open implements probe.Opener. The browser starts lazily on the first check.
func (o *Opener) Open(ctx context.Context, task worker.Task) (probe.Checker, error) {
	tc, ok := o.targets[task.Target]
	if !ok {
		return nil, fmt.Errorf("no probe settings for %s", task.Target)
	}
	if strings.TrimSpace(task.ScratchDir) == "" {
		return nil, errors.New("scratch dir is required for a browser profile")
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, o.allocatorOptions(task.ScratchDir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return &Session{
		cfg:    o.cfg,
		target: tc,
		form:   tc.FormValues(task.Config),
		ctx:    browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}, nil
}

func (o *Opener) allocatorOptions(userDataDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(userDataDir),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if o.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Session is a browser tab bound to one target.
type Session struct {
	cfg    Config
	target probe.TargetConfig
	form   map[string]string
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	startErr  error
}

// start launches the browser on the session context itself. The first Run on
// a chromedp context owns the browser, so it must not carry a per-check
// timeout.
func (s *Session) start() error {
	s.startOnce.Do(func() {
		if err := chromedp.Run(s.ctx); err != nil {
			s.startErr = fmt.Errorf("start browser: %w", err)
		}
	})
	return s.startErr
}

// Check loads the target, submits the search form when one is configured, and
// looks for the availability selector.
func (s *Session) Check(ctx context.Context) (probe.Result, error) {
	if err := s.start(); err != nil {
		return probe.Result{}, err
	}
	runCtx, cancel := s.runContext(ctx)
	defer cancel()

	var (
		present bool
		text    string
	)
	actions := []chromedp.Action{s.userAgentAction(), chromedp.Navigate(s.target.URL), chromedp.WaitReady("body", chromedp.ByQuery)}
	actions = append(actions, fillActions(s.form)...)
	if s.target.SubmitSelector != "" {
		actions = append(actions,
			chromedp.Click(s.target.SubmitSelector, chromedp.ByQuery),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	}
	actions = append(actions,
		chromedp.Sleep(settleDelay),
		chromedp.Evaluate(existsScript(s.target.AvailableSelector), &present),
	)
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return probe.Result{}, fmt.Errorf("chromedp check: %w", err)
	}
	if !present {
		return probe.Result{}, nil
	}
	if err := chromedp.Run(runCtx, chromedp.Text(s.target.AvailableSelector, &text, chromedp.ByQuery)); err != nil {
		return probe.Result{}, fmt.Errorf("read slot text: %w", err)
	}
	text = strings.Join(strings.Fields(text), " ")
	if !s.target.Matches(text) {
		return probe.Result{}, nil
	}
	return probe.Result{Found: true, Slot: text}, nil
}

// Book clicks the first open slot and then the booking control.
func (s *Session) Book(ctx context.Context, _ probe.Result) error {
	if s.target.BookSelector == "" {
		return probe.ErrBookingUnsupported
	}
	if err := s.start(); err != nil {
		return err
	}
	runCtx, cancel := s.runContext(ctx)
	defer cancel()
	err := chromedp.Run(runCtx,
		chromedp.Click(s.target.AvailableSelector, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.Click(s.target.BookSelector, chromedp.ByQuery, chromedp.NodeVisible),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("chromedp book: %w", err)
	}
	return nil
}

// Close shuts the browser down.
func (s *Session) Close() error {
	s.cancel()
	return nil
}

// runContext bounds one action sequence by the navigation timeout and by the
// caller's ctx, while keeping the browser tab alive between checks.
func (s *Session) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout())
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (s *Session) navTimeout() time.Duration {
	if s.cfg.NavigationTimeout > 0 {
		return s.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func (s *Session) userAgentAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if s.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// fillActions sets every configured input, in selector order so runs are
// reproducible.
func fillActions(form map[string]string) []chromedp.Action {
	selectors := make([]string, 0, len(form))
	for sel := range form {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)
	actions := make([]chromedp.Action, 0, len(selectors))
	for _, sel := range selectors {
		actions = append(actions, chromedp.SetValue(sel, form[sel], chromedp.ByQuery))
	}
	return actions
}

func existsScript(selector string) string {
	return fmt.Sprintf("document.querySelector(%q) !== null", selector)
}
