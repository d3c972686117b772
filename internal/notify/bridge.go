package notify

import (
	"context"

	"github.com/sre-sentinel/sentinel/internal/events"
	"github.com/sre-sentinel/sentinel/internal/incident"
)

// Bridge subscribes to incident bus topics and turns lifecycle transitions
// into notifications: one when an incident opens, one when it reaches a
// terminal state. Intermediate transitions stay on the bus only.
type Bridge struct {
	ch     <-chan events.Event
	cancel func()
	multi  *Multi
}

// NewBridge subscribes immediately, so no transition published after
// construction is missed.
func NewBridge(bus *events.Bus, multi *Multi) *Bridge {
	ch, cancel := bus.Subscribe([]events.Topic{events.TopicIncident, events.TopicIncidentUpdate}, 16)
	return &Bridge{ch: ch, cancel: cancel, multi: multi}
}

// Run forwards events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	defer b.cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.ch:
			if e, ok := eventFor(evt); ok {
				b.multi.Notify(ctx, e)
			}
		}
	}
}

// eventFor maps a bus event to a notification, or reports false for
// transitions that don't notify.
func eventFor(evt events.Event) (Event, bool) {
	inc, ok := evt.Payload.(incident.Incident)
	if !ok {
		return Event{}, false
	}

	var t EventType
	switch {
	case evt.Topic == events.TopicIncident:
		t = EventIncidentOpened
	case inc.State == incident.StateResolved:
		t = EventIncidentResolved
	case inc.State == incident.StateFailed:
		t = EventIncidentFailed
	case inc.State == incident.StateUnresolved:
		t = EventIncidentUnresolved
	default:
		return Event{}, false
	}

	e := Event{
		Type:          t,
		IncidentID:    inc.ID,
		Service:       inc.Service,
		ContainerName: inc.ContainerName,
		Severity:      string(inc.Verdict.Severity),
		Summary:       inc.Verdict.Summary,
		ErrorKind:     string(inc.ErrorKind),
		Timestamp:     evt.Timestamp,
	}
	if inc.Analysis != nil {
		e.RootCause = inc.Analysis.RootCause
	}
	return e, true
}
