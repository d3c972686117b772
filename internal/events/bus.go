// Package events provides the pub/sub fabric carrying all observability
// topics: container updates, log lines, resource samples, and the incident
// lifecycle.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sre-sentinel/sentinel/internal/metrics"
)

// Topic identifies an event stream on the bus.
type Topic string

const (
	TopicLog             Topic = "log"
	TopicMetrics         Topic = "metrics"
	TopicContainerUpdate Topic = "container_update"
	TopicIncident        Topic = "incident"
	TopicIncidentUpdate  Topic = "incident_update"
	TopicActionOutcome   Topic = "action_outcome"
)

// AllTopics lists every topic the bus carries.
func AllTopics() []Topic {
	return []Topic{
		TopicLog, TopicMetrics, TopicContainerUpdate,
		TopicIncident, TopicIncidentUpdate, TopicActionOutcome,
	}
}

// Event is a single published event. Seq increases strictly per topic.
type Event struct {
	Topic     Topic     `json:"topic"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Journal receives every published event synchronously and must not drop.
// Append errors are counted but never fail the publish.
type Journal interface {
	Append(evt Event) error
}

// DefaultQueueSize is the subscriber channel buffer when the caller passes
// capacity <= 0.
const DefaultQueueSize = 64

type subscriber struct {
	topics  map[Topic]bool
	ch      chan Event
	dropped atomic.Uint64
}

func (s *subscriber) wants(t Topic) bool {
	return len(s.topics) == 0 || s.topics[t]
}

// Bus is a topic-multiplexed fan-out bus. Publish never blocks: when a
// subscriber queue is full the oldest queued event is discarded so slow
// consumers see a suffix of the stream rather than stalling producers.
type Bus struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	next    uint64
	seq     map[Topic]uint64
	journal Journal

	dropped     atomic.Uint64
	journalErrs atomic.Uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]*subscriber),
		seq:  make(map[Topic]uint64),
	}
}

// SetJournal attaches a durable fan-out target. Must be called before any
// Publish.
func (b *Bus) SetJournal(j Journal) {
	b.journal = j
}

// Publish stamps the event with a per-topic sequence number and delivers it
// to every matching subscriber. It never blocks and never fails.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[topic]++
	evt := Event{
		Topic:     topic,
		Seq:       b.seq[topic],
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	metrics.EventsPublished.WithLabelValues(string(topic)).Inc()

	if b.journal != nil {
		if err := b.journal.Append(evt); err != nil {
			b.journalErrs.Add(1)
		}
	}

	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		for {
			select {
			case sub.ch <- evt:
			default:
				// Queue full: evict the oldest entry and retry so the
				// subscriber keeps the newest suffix of the stream.
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
					b.dropped.Add(1)
					metrics.EventsDropped.Inc()
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a subscriber for the given topics (nil or empty means
// all topics) with a bounded queue. It returns the receive channel and a
// cancel function that deregisters the subscriber and closes the channel.
func (b *Bus) Subscribe(topics []Topic, capacity int) (<-chan Event, func()) {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	sub := &subscriber{
		ch:     make(chan Event, capacity),
		topics: make(map[Topic]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}

	return sub.ch, cancel
}

// Dropped returns the total number of events discarded across all
// subscribers since the bus was created.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// JournalErrors returns the number of failed journal appends.
func (b *Bus) JournalErrors() uint64 {
	return b.journalErrs.Load()
}
