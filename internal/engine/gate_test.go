package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/monitor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type fakeClassifier struct {
	mu      sync.Mutex
	verdict incident.Verdict
	err     error
	calls   int
	lastMsg map[string]any
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, _ []string, meta map[string]any) (incident.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastMsg = meta
	return f.verdict, f.err
}

type fakeRegistry struct {
	descs map[string]monitor.Descriptor
}

func (f *fakeRegistry) Get(id string) (monitor.Descriptor, bool) {
	d, ok := f.descs[id]
	return d, ok
}

func (f *fakeRegistry) Snapshot() []monitor.Descriptor {
	out := make([]monitor.Descriptor, 0, len(f.descs))
	for _, d := range f.descs {
		out = append(out, d)
	}
	return out
}

type fakeOpener struct {
	mu       sync.Mutex
	opened   []incident.Incident
	created  bool
	lastSeen time.Time
	hasLast  bool
}

func (f *fakeOpener) Open(containerID, containerName, service string, v incident.Verdict) (incident.Incident, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inc := incident.Incident{
		ID:            "INC-20250601-120000",
		ContainerID:   containerID,
		ContainerName: containerName,
		Service:       service,
		State:         incident.StateNew,
		Verdict:       v,
	}
	f.opened = append(f.opened, inc)
	return inc, f.created
}

func (f *fakeOpener) LastDetectedAt(string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSeen, f.hasLast
}

func (f *fakeOpener) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

type fakeHandler struct {
	handled chan incident.Incident
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{handled: make(chan incident.Incident, 4)}
}

func (f *fakeHandler) Handle(_ context.Context, inc incident.Incident) {
	f.handled <- inc
}

func anomalyVerdict(confidence float64) incident.Verdict {
	return incident.Verdict{
		IsAnomaly:   true,
		Confidence:  confidence,
		AnomalyType: "crash",
		Severity:    incident.SeverityHigh,
		Summary:     "repeated OOM kills",
	}
}

func window(id string, seq uint64) monitor.LogWindow {
	return monitor.LogWindow{
		ContainerID: id,
		Service:     "api",
		Seq:         seq,
		Lines:       []string{"fatal: out of memory"},
	}
}

func newTestGate(cls *fakeClassifier, reg *fakeRegistry, opener *fakeOpener, handler *fakeHandler) (*Gate, *fakeClock) {
	if reg == nil {
		reg = &fakeRegistry{}
	}
	clk := newFakeClock()
	return NewGate(cls, reg, opener, handler, clk, logging.New(false)), clk
}

func TestGateOpensIncident(t *testing.T) {
	cls := &fakeClassifier{verdict: anomalyVerdict(0.92)}
	opener := &fakeOpener{created: true}
	handler := newFakeHandler()
	g, _ := newTestGate(cls, nil, opener, handler)

	g.process(context.Background(), window("c1", 7))

	select {
	case inc := <-handler.handled:
		if inc.ContainerID != "c1" {
			t.Errorf("handled container = %q, want c1", inc.ContainerID)
		}
		if inc.Verdict.WindowSeq != 7 {
			t.Errorf("verdict window seq = %d, want 7", inc.Verdict.WindowSeq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestGateConfidenceThreshold(t *testing.T) {
	cases := []struct {
		confidence float64
		wantOpen   bool
	}{
		{0.699, false},
		{0.7, true},
		{0.95, true},
		{0.1, false},
	}
	for _, tc := range cases {
		cls := &fakeClassifier{verdict: anomalyVerdict(tc.confidence)}
		opener := &fakeOpener{created: true}
		g, _ := newTestGate(cls, nil, opener, newFakeHandler())

		g.process(context.Background(), window("c1", 1))

		if got := opener.openCount() > 0; got != tc.wantOpen {
			t.Errorf("confidence %.3f: opened = %v, want %v", tc.confidence, got, tc.wantOpen)
		}
	}
}

func TestGateNonAnomalySkipped(t *testing.T) {
	cls := &fakeClassifier{verdict: incident.Verdict{IsAnomaly: false, Confidence: 0.99}}
	opener := &fakeOpener{created: true}
	g, _ := newTestGate(cls, nil, opener, newFakeHandler())

	g.process(context.Background(), window("c1", 1))

	if opener.openCount() != 0 {
		t.Error("non-anomaly opened an incident")
	}
}

func TestGateDebounce(t *testing.T) {
	cls := &fakeClassifier{verdict: anomalyVerdict(0.9)}
	opener := &fakeOpener{created: true, hasLast: true}
	g, clk := newTestGate(cls, nil, opener, newFakeHandler())

	opener.lastSeen = clk.Now().Add(-30 * time.Second)
	g.process(context.Background(), window("c1", 1))
	if opener.openCount() != 0 {
		t.Fatal("verdict inside the debounce window opened an incident")
	}

	opener.lastSeen = clk.Now().Add(-90 * time.Second)
	g.process(context.Background(), window("c1", 2))
	if opener.openCount() != 1 {
		t.Error("verdict past the debounce window did not open an incident")
	}
}

func TestGateClassifierErrorSkipsWindow(t *testing.T) {
	cls := &fakeClassifier{err: errors.New("model overloaded")}
	opener := &fakeOpener{created: true}
	g, _ := newTestGate(cls, nil, opener, newFakeHandler())

	g.process(context.Background(), window("c1", 1))

	if opener.openCount() != 0 {
		t.Error("classifier failure opened an incident")
	}
}

func TestGateDuplicateOpenNotHandled(t *testing.T) {
	cls := &fakeClassifier{verdict: anomalyVerdict(0.9)}
	opener := &fakeOpener{created: false}
	handler := newFakeHandler()
	g, _ := newTestGate(cls, nil, opener, handler)

	g.process(context.Background(), window("c1", 1))

	select {
	case <-handler.handled:
		t.Error("handler invoked for an already-open incident")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGateUsesDescriptorContext(t *testing.T) {
	cls := &fakeClassifier{verdict: anomalyVerdict(0.9)}
	reg := &fakeRegistry{descs: map[string]monitor.Descriptor{
		"c1": {
			ID:           "c1",
			Name:         "shop-api-1",
			Service:      "api",
			Status:       monitor.StatusRunning,
			RestartCount: 3,
			LastSample:   &monitor.ResourceSample{CPUPercent: 88.5, MemoryPercent: 91.2},
		},
	}}
	opener := &fakeOpener{created: true}
	handler := newFakeHandler()
	g, _ := newTestGate(cls, reg, opener, handler)

	g.process(context.Background(), window("c1", 1))

	inc := <-handler.handled
	if inc.ContainerName != "shop-api-1" {
		t.Errorf("container name = %q, want shop-api-1", inc.ContainerName)
	}
	if cls.lastMsg["restarts"] != 3 {
		t.Errorf("classifier meta restarts = %v, want 3", cls.lastMsg["restarts"])
	}
	if cls.lastMsg["cpu_percent"] != 88.5 {
		t.Errorf("classifier meta cpu = %v, want 88.5", cls.lastMsg["cpu_percent"])
	}
}

func TestGateSubmitNeverBlocks(t *testing.T) {
	cls := &fakeClassifier{verdict: anomalyVerdict(0.9)}
	g, _ := newTestGate(cls, nil, &fakeOpener{}, newFakeHandler())

	// Nothing drains the queue, so everything past capacity is dropped.
	for i := 0; i < gateQueueSize+5; i++ {
		g.Submit(window("c1", uint64(i)))
	}
	if got := g.Dropped(); got != 5 {
		t.Errorf("Dropped() = %d, want 5", got)
	}
}

func TestGateRunStopsOnCancel(t *testing.T) {
	cls := &fakeClassifier{verdict: anomalyVerdict(0.9)}
	opener := &fakeOpener{created: true}
	handler := newFakeHandler()
	g, _ := newTestGate(cls, nil, opener, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	g.Submit(window("c1", 1))
	select {
	case <-handler.handled:
	case <-time.After(2 * time.Second):
		t.Fatal("queued window never processed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
