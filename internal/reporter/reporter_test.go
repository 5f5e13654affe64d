package reporter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/appointment-finder/internal/eventlog"
	"github.com/JakeFAU/appointment-finder/internal/orchestrator"
	"github.com/JakeFAU/appointment-finder/internal/profile"
	"github.com/JakeFAU/appointment-finder/internal/worker"
)

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-1", nil }

type captureRenderer struct {
	mu       sync.Mutex
	statuses []orchestrator.Status
	entries  [][]eventlog.Entry
}

func (c *captureRenderer) Render(status orchestrator.Status, entries []eventlog.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	c.entries = append(c.entries, entries)
	return nil
}

func (c *captureRenderer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.statuses)
}

func pollUntilStopped(ctx context.Context, task worker.Task) error {
	for task.Token.Get() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

func newOrchestrator(t *testing.T, events *eventlog.Log) *orchestrator.Orchestrator {
	t.Helper()
	w := worker.Func(pollUntilStopped)
	orch, err := orchestrator.New(orchestrator.Config{ScratchDir: t.TempDir()}, orchestrator.Deps{
		Targets: []orchestrator.TargetSpec{
			{Target: profile.TargetRVSQ, Worker: w, Autobook: orchestrator.AutobookNever},
			{Target: profile.TargetBonjourSante, Worker: w},
		},
		Events: events,
		IDs:    fixedIDs{},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })
	return orch
}

func startBoth(t *testing.T, orch *orchestrator.Orchestrator) *orchestrator.Run {
	t.Helper()
	run, err := orch.Start(profile.Input{Info: profile.PersonalInfo{
		FirstName:      "Marie",
		LastName:       "Tremblay",
		NAM:            "TREM12345678",
		CardSeqNumber:  "01",
		PostalCode:     "H2X 1Y4",
		Cellphone:      "514-555-0199",
		Email:          "marie@example.com",
		BirthDay:       "14",
		BirthMonth:     "03",
		BirthYear:      "1988",
		RVSQEnabled:    true,
		BonjourEnabled: true,
	}}, true)
	require.NoError(t, err)
	return run
}

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	events := eventlog.New(4, nil)
	_, err := New(Config{}, nil, events, nil, nil)
	require.Error(t, err)
	_, err = New(Config{}, newOrchestrator(t, events), nil, nil, nil)
	require.Error(t, err)

	r, err := New(Config{}, newOrchestrator(t, events), events, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultInterval, r.cfg.Interval)
	assert.Equal(t, defaultWindow, r.cfg.Window)
}

func TestTickDrivesIdleAfterExternalTokenFlip(t *testing.T) {
	t.Parallel()

	events := eventlog.New(32, nil)
	orch := newOrchestrator(t, events)
	renderer := &captureRenderer{}
	r, err := New(Config{Window: 5}, orch, events, renderer, nil)
	require.NoError(t, err)

	run := startBoth(t, orch)
	require.Equal(t, orchestrator.StateRunning, r.Tick().State)

	// A worker clears the token without telling the orchestrator.
	run.Token.Set(false)

	status := r.Tick()
	assert.Equal(t, orchestrator.StateIdle, status.State)
	assert.Equal(t, orchestrator.StateIdle, orch.Status().State)
	require.NoError(t, run.Wait(context.Background()))
}

func TestTickRendersWindow(t *testing.T) {
	t.Parallel()

	events := eventlog.New(32, nil)
	for i := 0; i < 15; i++ {
		events.Appendf("line %d", i)
	}
	renderer := &captureRenderer{}
	r, err := New(Config{Window: 10}, newOrchestrator(t, events), events, renderer, nil)
	require.NoError(t, err)

	r.Tick()
	require.Len(t, renderer.entries, 1)
	require.Len(t, renderer.entries[0], 10)
	assert.Equal(t, "line 5", renderer.entries[0][0].Text)
	assert.Equal(t, "line 14", renderer.entries[0][9].Text)
}

func TestRunTicksUntilCanceled(t *testing.T) {
	t.Parallel()

	events := eventlog.New(8, nil)
	renderer := &captureRenderer{}
	r, err := New(Config{Interval: 5 * time.Millisecond}, newOrchestrator(t, events), events, renderer, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return renderer.count() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop after cancel")
	}
}

type failingRenderer struct{}

func (failingRenderer) Render(orchestrator.Status, []eventlog.Entry) error {
	return errors.New("terminal gone")
}

func TestTickSurvivesRenderErrors(t *testing.T) {
	t.Parallel()

	events := eventlog.New(8, nil)
	r, err := New(Config{}, newOrchestrator(t, events), events, failingRenderer{}, nil)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateIdle, r.Tick().State)
}

func TestTextRendererWritesOnlyNewEntries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewTextRenderer(&buf)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	first := eventlog.Entry{Time: at, Text: "Search started..."}
	second := eventlog.Entry{Time: at.Add(time.Second), Text: "[rvsq] no slot yet"}

	running := orchestrator.Status{State: orchestrator.StateRunning}
	require.NoError(t, tr.Render(running, []eventlog.Entry{first}))
	require.NoError(t, tr.Render(running, []eventlog.Entry{first, second}))
	require.NoError(t, tr.Render(orchestrator.Status{}, []eventlog.Entry{first, second}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"[09:00:00] Search started...",
		"state: running",
		"[09:00:01] [rvsq] no slot yet",
		"state: idle",
	}, lines)
}
