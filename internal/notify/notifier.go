// Package notify fans incident lifecycle events out to external channels.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened during an incident's lifecycle.
type EventType string

const (
	EventIncidentOpened     EventType = "incident_opened"
	EventIncidentResolved   EventType = "incident_resolved"
	EventIncidentFailed     EventType = "incident_failed"
	EventIncidentUnresolved EventType = "incident_unresolved"
)

// Event is one notification about an incident.
type Event struct {
	Type          EventType `json:"type"`
	IncidentID    string    `json:"incident_id"`
	Service       string    `json:"service"`
	ContainerName string    `json:"container_name"`
	Severity      string    `json:"severity,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	RootCause     string    `json:"root_cause,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors — failures are logged but don't block the pipeline.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"incident", event.IncidentID,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
