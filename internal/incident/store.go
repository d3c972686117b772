package incident

import (
	"fmt"
	"sync"
	"time"

	"github.com/sre-sentinel/sentinel/internal/clock"
	"github.com/sre-sentinel/sentinel/internal/events"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/metrics"
)

// Publisher is the bus surface the store publishes on.
type Publisher interface {
	Publish(topic events.Topic, payload any)
}

// Store is the in-memory incident index. It enforces at most one open
// incident per container, serializes state transitions, and rejects any
// mutation of a terminal incident. Incidents are retained for process
// lifetime so the dashboard can bootstrap from them.
type Store struct {
	bus Publisher
	clk clock.Clock
	log *logging.Logger

	mu              sync.Mutex
	byID            map[string]*Incident
	order           []string
	openByContainer map[string]string
	lastDetected    map[string]time.Time
}

func NewStore(bus Publisher, clk clock.Clock, log *logging.Logger) *Store {
	return &Store{
		bus:             bus,
		clk:             clk,
		log:             log.Component("incidents"),
		byID:            make(map[string]*Incident),
		openByContainer: make(map[string]string),
		lastDetected:    make(map[string]time.Time),
	}
}

// Open creates an incident for the container in state new and publishes it
// on the incident topic. If the container already has an open incident, that
// incident is returned instead and created is false.
func (s *Store) Open(containerID, containerName, service string, v Verdict) (Incident, bool) {
	s.mu.Lock()
	if id, ok := s.openByContainer[containerID]; ok {
		existing := s.byID[id].clone()
		s.mu.Unlock()
		return existing, false
	}

	now := s.clk.Now().UTC()
	inc := &Incident{
		ID:            s.newID(now),
		ContainerID:   containerID,
		ContainerName: containerName,
		Service:       service,
		DetectedAt:    now,
		State:         StateNew,
		Verdict:       v,
	}
	s.byID[inc.ID] = inc
	s.order = append(s.order, inc.ID)
	s.openByContainer[containerID] = inc.ID
	s.lastDetected[containerID] = now
	snapshot := inc.clone()
	s.mu.Unlock()

	s.log.Info("incident opened", "incident", snapshot.ID, "service", service, "severity", v.Severity)
	metrics.IncidentsOpen.Inc()
	s.bus.Publish(events.TopicIncident, snapshot)
	return snapshot, true
}

// newID builds an INC-YYYYMMDD-HHMMSS identifier, suffixed when two
// incidents open within the same second. Caller holds the lock.
func (s *Store) newID(now time.Time) string {
	base := "INC-" + now.Format("20060102-150405")
	id := base
	for n := 2; ; n++ {
		if _, taken := s.byID[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// Transition moves an incident along a legal state machine edge, applying
// mutate (which may be nil) under the store's lock before publishing the
// update. Terminal incidents and illegal edges are rejected.
func (s *Store) Transition(id string, to State, mutate func(*Incident)) (Incident, error) {
	s.mu.Lock()
	inc, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return Incident{}, fmt.Errorf("incident %s not found", id)
	}
	if inc.State.Terminal() {
		s.mu.Unlock()
		return Incident{}, fmt.Errorf("incident %s is terminal (%s)", id, inc.State)
	}
	if !legalTransition(inc.State, to) {
		s.mu.Unlock()
		return Incident{}, fmt.Errorf("illegal transition %s -> %s for %s", inc.State, to, id)
	}

	inc.State = to
	if mutate != nil {
		mutate(inc)
	}
	if to.Terminal() {
		now := s.clk.Now().UTC()
		inc.ResolvedAt = &now
		delete(s.openByContainer, inc.ContainerID)
	}
	snapshot := inc.clone()
	s.mu.Unlock()

	s.log.Info("incident transition", "incident", id, "state", to)
	if to.Terminal() {
		metrics.IncidentsOpen.Dec()
		metrics.IncidentsTotal.WithLabelValues(string(to)).Inc()
	}
	s.bus.Publish(events.TopicIncidentUpdate, snapshot)
	return snapshot, nil
}

// AppendOutcome records an action outcome on an open incident and publishes
// it on the action_outcome topic.
func (s *Store) AppendOutcome(id string, o ActionOutcome) error {
	s.mu.Lock()
	inc, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("incident %s not found", id)
	}
	if inc.State.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("incident %s is terminal (%s)", id, inc.State)
	}
	o.IncidentID = id
	inc.Outcomes = append(inc.Outcomes, o)
	s.mu.Unlock()

	s.bus.Publish(events.TopicActionOutcome, o)
	return nil
}

// Get returns a copy of the incident.
func (s *Store) Get(id string) (Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.byID[id]
	if !ok {
		return Incident{}, false
	}
	return inc.clone(), true
}

// List returns all incidents ordered by detection time, oldest first.
func (s *Store) List() []Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Incident, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].clone())
	}
	return out
}

// OpenForContainer returns the container's open incident, if any.
func (s *Store) OpenForContainer(containerID string) (Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.openByContainer[containerID]
	if !ok {
		return Incident{}, false
	}
	return s.byID[id].clone(), true
}

// LastDetectedAt returns when the container's most recent incident was
// detected, terminal or not. The anomaly gate uses it for debouncing.
func (s *Store) LastDetectedAt(containerID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastDetected[containerID]
	return t, ok
}
