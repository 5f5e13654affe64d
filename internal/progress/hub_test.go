package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubDeliversEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 4}, sink)

	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageWorkerStart))
	require.Eventually(t, func() bool {
		return sink.Count() == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close(context.Background()))
	require.True(t, sink.Closed())
}

func TestHubRespectsBatchLimit(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := &Hub{
		cfg:    Config{MaxBatchEvents: 2, SinkTimeout: time.Second, BaseContext: context.Background()},
		sinks:  []Sink{sink},
		events: make(chan Event, 8),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: zap.NewNop(),
	}
	for i := 0; i < 5; i++ {
		hub.events <- sampleEvent(StageWorkerDone)
	}
	go hub.run()
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, 5, sink.Count())
	for _, batch := range sink.Batches() {
		require.LessOrEqual(t, len(batch), 2)
	}
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	for i := 0; i < 10; i++ {
		hub.Emit(sampleEvent(StageRunStart))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
	// The first drop is reported and reset; the rest accumulate until the next warning.
	require.Equal(t, int64(9), hub.dropped.Load())
}

func TestHubDropsInvalidAndLateEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink)
	hub.Emit(Event{Stage: StageRunStart})
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(StageRunStart))

	require.Zero(t, sink.Count())
}

func TestHubSinkErrorsDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	failing := &stubSink{err: errors.New("registry gone")}
	ok := newStubSink()
	hub := NewHub(Config{}, failing, nil, ok)
	hub.Emit(sampleEvent(StageRunStop))
	require.NoError(t, hub.Close(context.Background()))

	require.Equal(t, 1, ok.Count())
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	valid := sampleEvent(StageRunStart)
	require.NoError(t, valid.Validate())

	cases := map[string]Event{
		"missing run":    {TS: time.Now(), Stage: StageRunStart},
		"missing ts":     {RunID: "r", Stage: StageRunStart},
		"unknown stage":  {RunID: "r", TS: time.Now(), Stage: "LATER"},
		"missing target": {RunID: "r", TS: time.Now(), Stage: StageWorkerStart},
		"negative dur":   {RunID: "r", TS: time.Now(), Stage: StageRunStop, Dur: -time.Second},
	}
	for name, evt := range cases {
		require.Error(t, evt.Validate(), name)
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
	err     error
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(stage Stage) Event {
	return Event{
		RunID:  "0190c2a4-7b1e-7000-8000-000000000001",
		TS:     time.Now(),
		Stage:  stage,
		Target: "rvsq",
	}
}
