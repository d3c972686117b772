package incident

import (
	"sync"
	"testing"
	"time"

	"github.com/sre-sentinel/sentinel/internal/clock"
	"github.com/sre-sentinel/sentinel/internal/events"
	"github.com/sre-sentinel/sentinel/internal/logging"
)

type fakeBus struct {
	mu     sync.Mutex
	topics []events.Topic
	events []any
}

func (f *fakeBus) Publish(topic events.Topic, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.events = append(f.events, payload)
}

func (f *fakeBus) count(topic events.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newTestStore() (*Store, *fakeBus) {
	bus := &fakeBus{}
	return NewStore(bus, clock.Real{}, logging.New(false)), bus
}

func highVerdict() Verdict {
	return Verdict{IsAnomaly: true, Confidence: 0.92, AnomalyType: "error", Severity: SeverityHigh, Summary: "db unreachable"}
}

func TestOpenPublishesIncident(t *testing.T) {
	s, bus := newTestStore()

	inc, created := s.Open("c1", "demo-api", "api", highVerdict())
	if !created {
		t.Fatal("created = false")
	}
	if inc.State != StateNew {
		t.Errorf("State = %q, want new", inc.State)
	}
	if inc.ID == "" || inc.ID[:4] != "INC-" {
		t.Errorf("ID = %q", inc.ID)
	}
	if bus.count(events.TopicIncident) != 1 {
		t.Errorf("incident events = %d, want 1", bus.count(events.TopicIncident))
	}
}

func TestOneOpenIncidentPerContainer(t *testing.T) {
	s, bus := newTestStore()

	first, _ := s.Open("c1", "demo-api", "api", highVerdict())
	second, created := s.Open("c1", "demo-api", "api", highVerdict())
	if created {
		t.Fatal("second Open created a new incident")
	}
	if second.ID != first.ID {
		t.Errorf("second.ID = %q, want %q", second.ID, first.ID)
	}
	if bus.count(events.TopicIncident) != 1 {
		t.Errorf("incident events = %d, want 1", bus.count(events.TopicIncident))
	}

	// A different container opens independently.
	_, created = s.Open("c2", "demo-db", "db", highVerdict())
	if !created {
		t.Error("open for second container refused")
	}
}

func TestUniqueIDsWithinSameSecond(t *testing.T) {
	s, _ := newTestStore()
	a, _ := s.Open("c1", "a", "a", highVerdict())
	b, _ := s.Open("c2", "b", "b", highVerdict())
	if a.ID == b.ID {
		t.Errorf("duplicate incident id %q", a.ID)
	}
}

func TestTransitionHappyPath(t *testing.T) {
	s, bus := newTestStore()
	inc, _ := s.Open("c1", "demo-api", "api", highVerdict())

	for _, to := range []State{StateAnalyzing, StateRemediating, StateVerifying, StateResolved} {
		got, err := s.Transition(inc.ID, to, nil)
		if err != nil {
			t.Fatalf("Transition(%s) error: %v", to, err)
		}
		if got.State != to {
			t.Errorf("State = %q, want %q", got.State, to)
		}
	}

	final, _ := s.Get(inc.ID)
	if final.ResolvedAt == nil {
		t.Error("ResolvedAt not set on terminal transition")
	}
	if bus.count(events.TopicIncidentUpdate) != 4 {
		t.Errorf("incident_update events = %d, want 4", bus.count(events.TopicIncidentUpdate))
	}

	// Container is free to open a fresh incident now.
	if _, created := s.Open("c1", "demo-api", "api", highVerdict()); !created {
		t.Error("container still blocked after terminal incident")
	}
}

func TestTerminalIncidentImmutable(t *testing.T) {
	s, _ := newTestStore()
	inc, _ := s.Open("c1", "demo-api", "api", highVerdict())
	s.Transition(inc.ID, StateAnalyzing, nil)
	s.Transition(inc.ID, StateUnresolved, nil)

	if _, err := s.Transition(inc.ID, StateRemediating, nil); err == nil {
		t.Error("transition from terminal state succeeded")
	}
	if err := s.AppendOutcome(inc.ID, ActionOutcome{}); err == nil {
		t.Error("AppendOutcome on terminal incident succeeded")
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	s, _ := newTestStore()
	inc, _ := s.Open("c1", "demo-api", "api", highVerdict())

	if _, err := s.Transition(inc.ID, StateVerifying, nil); err == nil {
		t.Error("new -> verifying allowed")
	}
	if _, err := s.Transition(inc.ID, StateResolved, nil); err == nil {
		t.Error("new -> resolved allowed")
	}
	if _, err := s.Transition("INC-nope", StateAnalyzing, nil); err == nil {
		t.Error("transition on unknown incident allowed")
	}
}

func TestMutateAppliedUnderTransition(t *testing.T) {
	s, _ := newTestStore()
	inc, _ := s.Open("c1", "demo-api", "api", highVerdict())

	got, err := s.Transition(inc.ID, StateAnalyzing, func(i *Incident) {
		i.Analysis = &Analysis{RootCause: "db down", Confidence: 0.9}
		i.Plan = []Action{{Tool: "restart_container", Target: "demo-db", Priority: 1}}
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Analysis == nil || got.Analysis.RootCause != "db down" {
		t.Errorf("Analysis = %+v", got.Analysis)
	}
	if len(got.Plan) != 1 {
		t.Errorf("Plan = %+v", got.Plan)
	}

	// Returned snapshots are copies, not aliases into the store.
	got.Plan[0].Tool = "mutated"
	fresh, _ := s.Get(inc.ID)
	if fresh.Plan[0].Tool != "restart_container" {
		t.Error("snapshot mutation leaked into store")
	}
}

func TestAppendOutcomePublishes(t *testing.T) {
	s, bus := newTestStore()
	inc, _ := s.Open("c1", "demo-api", "api", highVerdict())

	err := s.AppendOutcome(inc.ID, ActionOutcome{
		Action:  Action{Tool: "restart_container", Priority: 1},
		Success: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if bus.count(events.TopicActionOutcome) != 1 {
		t.Errorf("action_outcome events = %d, want 1", bus.count(events.TopicActionOutcome))
	}
	got, _ := s.Get(inc.ID)
	if len(got.Outcomes) != 1 || got.Outcomes[0].IncidentID != inc.ID {
		t.Errorf("Outcomes = %+v", got.Outcomes)
	}
}

func TestListOrderedByDetection(t *testing.T) {
	s, _ := newTestStore()
	a, _ := s.Open("c1", "a", "a", highVerdict())
	b, _ := s.Open("c2", "b", "b", highVerdict())

	list := s.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("List() = %+v", list)
	}
}

func TestLastDetectedAtSurvivesResolution(t *testing.T) {
	s, _ := newTestStore()
	inc, _ := s.Open("c1", "demo-api", "api", highVerdict())
	s.Transition(inc.ID, StateAnalyzing, nil)
	s.Transition(inc.ID, StateUnresolved, nil)

	at, ok := s.LastDetectedAt("c1")
	if !ok || at.IsZero() {
		t.Errorf("LastDetectedAt = %v, %v", at, ok)
	}
	if time.Since(at) > time.Minute {
		t.Errorf("LastDetectedAt suspiciously old: %v", at)
	}
}

func TestErrorKindFatal(t *testing.T) {
	for _, k := range []ErrorKind{ErrToolNotFound, ErrSchemaViolation, ErrGatewayUnavailable, ErrConfig} {
		if !k.Fatal() {
			t.Errorf("%s.Fatal() = false, want true", k)
		}
	}
	for _, k := range []ErrorKind{ErrToolExecution, ErrClassifier, ErrAnalyzer, ErrVerifierTimeout, ErrEngineUnavailable} {
		if k.Fatal() {
			t.Errorf("%s.Fatal() = true, want false", k)
		}
	}
}
