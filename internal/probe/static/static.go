// Package static checks targets whose availability is visible in the served
// HTML, using a colly collector.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/appointment-finder/internal/probe"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/worker"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

const defaultTimeout = 15 * time.Second

// Opener builds one Checker per task from the target's settings.
type Opener struct {
	cfg       Config
	targets   map[profile.Target]probe.TargetConfig
	transport http.RoundTripper
}

// NewOpener validates every target's settings up front.
func NewOpener(cfg Config, targets map[profile.Target]probe.TargetConfig) (*Opener, error) {
	for target, tc := range targets {
		if err := tc.Validate(); err != nil {
			return nil, fmt.Errorf("target %s: %w", target, err)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Opener{cfg: cfg, targets: targets, transport: newHTTPTransport()}, nil
}

// Open implements probe.Opener.
func (o *Opener) Open(_ context.Context, task worker.Task) (probe.Checker, error) {
	tc, ok := o.targets[task.Target]
	if !ok {
		return nil, fmt.Errorf("no probe settings for %s", task.Target)
	}
	return &Checker{cfg: o.cfg, target: tc, transport: o.transport}, nil
}

// Checker fetches the target page and looks for the availability selector.
type Checker struct {
	cfg       Config
	target    probe.TargetConfig
	transport http.RoundTripper
}

// Check implements probe.Checker.
func (c *Checker) Check(ctx context.Context) (probe.Result, error) {
	var (
		result   probe.Result
		fetchErr error
	)
	collector := c.newCollector()
	collector.OnHTML(c.target.AvailableSelector, func(e *colly.HTMLElement) {
		if result.Found {
			return
		}
		text := strings.Join(strings.Fields(e.Text), " ")
		if c.target.Matches(text) {
			result = probe.Result{Found: true, Slot: text}
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(c.target.URL)
	}()
	select {
	case <-ctx.Done():
		return probe.Result{}, fmt.Errorf("colly check canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return probe.Result{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return probe.Result{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return result, nil
	}
}

// Book implements probe.Checker. Booking needs a browser session.
func (c *Checker) Book(context.Context, probe.Result) error {
	return probe.ErrBookingUnsupported
}

// Close implements probe.Checker.
func (c *Checker) Close() error {
	return nil
}

func (c *Checker) newCollector() *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(c.transport)
	return collector
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
