package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/sre-sentinel/sentinel/internal/clock"
	sdocker "github.com/sre-sentinel/sentinel/internal/docker"
	"github.com/sre-sentinel/sentinel/internal/events"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/metrics"
)

const (
	// maxSamples bounds the per-container metrics ring.
	maxSamples = 120
	// missThreshold is how many consecutive discovery passes a container may
	// be absent before its descriptor is dropped.
	missThreshold = 2
)

// Lister is the engine surface discovery needs.
type Lister interface {
	ListMonitored(ctx context.Context, label string) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
}

// Publisher is the bus surface the registry publishes on.
type Publisher interface {
	Publish(topic events.Topic, payload any)
}

// Watcher runs a per-container task (log follower, metrics sampler) until its
// context is cancelled.
type Watcher interface {
	Watch(ctx context.Context, d Descriptor)
}

type entry struct {
	desc    Descriptor
	misses  int
	cancel  context.CancelFunc
	samples []ResourceSample
}

// Registry discovers opt-in containers on a fixed interval and owns the
// lifecycle of their watchers. It is the single source of truth for
// container descriptors and their metrics history.
type Registry struct {
	api          Lister
	bus          Publisher
	watchers     []Watcher
	interval     time.Duration
	monitorLabel string
	serviceLabel string
	clk          clock.Clock
	log          *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

func NewRegistry(api Lister, bus Publisher, interval time.Duration, clk clock.Clock, log *logging.Logger, watchers ...Watcher) *Registry {
	return &Registry{
		api:          api,
		bus:          bus,
		watchers:     watchers,
		interval:     interval,
		monitorLabel: sdocker.DefaultMonitorLabel,
		serviceLabel: sdocker.DefaultServiceLabel,
		clk:          clk,
		log:          log.Component("registry"),
		entries:      make(map[string]*entry),
	}
}

// AddWatchers registers per-container watchers. Call before Run; watcher
// construction often needs the registry itself, so they can't always be
// passed to NewRegistry.
func (r *Registry) AddWatchers(ws ...Watcher) {
	r.watchers = append(r.watchers, ws...)
}

// SetLabels overrides the opt-in and service label keys. Call before Run.
func (r *Registry) SetLabels(monitorLabel, serviceLabel string) {
	if monitorLabel != "" {
		r.monitorLabel = monitorLabel
	}
	if serviceLabel != "" {
		r.serviceLabel = serviceLabel
	}
}

// Run performs an immediate discovery pass and then repeats on the configured
// interval until ctx is cancelled. On cancellation all watchers are stopped
// and Run blocks until they exit.
func (r *Registry) Run(ctx context.Context) {
	r.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			r.stopAll()
			r.wg.Wait()
			return
		case <-r.clk.After(r.interval):
			r.pass(ctx)
		}
	}
}

func (r *Registry) pass(ctx context.Context) {
	summaries, err := r.api.ListMonitored(ctx, r.monitorLabel)
	if err != nil {
		// A failed list says nothing about individual containers, so miss
		// counters are left alone.
		r.log.Warn("discovery pass failed", "error", err)
		return
	}

	seen := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		seen[s.ID] = true
		r.upsert(ctx, s)
	}

	r.mu.Lock()
	var removed []Descriptor
	for id, e := range r.entries {
		if seen[id] {
			continue
		}
		e.misses++
		if e.misses >= missThreshold {
			e.cancel()
			e.desc.Status = StatusExited
			removed = append(removed, e.desc)
			delete(r.entries, id)
		}
	}
	count := len(r.entries)
	r.mu.Unlock()
	metrics.ContainersMonitored.Set(float64(count))

	for _, d := range removed {
		r.log.Info("container gone", "container", d.Name)
		r.bus.Publish(events.TopicContainerUpdate, d)
	}
}

func (r *Registry) upsert(ctx context.Context, s container.Summary) {
	desc := r.describe(ctx, s)

	r.mu.Lock()
	e, ok := r.entries[desc.ID]
	if ok {
		e.misses = 0
		desc.LastSample = e.desc.LastSample
		changed := desc.Status != e.desc.Status || desc.Health != e.desc.Health ||
			desc.RestartCount != e.desc.RestartCount
		e.desc = desc
		r.mu.Unlock()
		if changed {
			r.bus.Publish(events.TopicContainerUpdate, desc)
		}
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	e = &entry{desc: desc, cancel: cancel}
	r.entries[desc.ID] = e
	r.mu.Unlock()

	r.log.Info("container discovered", "container", desc.Name, "service", desc.Service)
	r.bus.Publish(events.TopicContainerUpdate, desc)

	for _, w := range r.watchers {
		r.wg.Add(1)
		go func(w Watcher) {
			defer r.wg.Done()
			w.Watch(wctx, desc)
		}(w)
	}
}

// describe builds a descriptor from a list summary, enriched with restart
// count and health from an inspect when one succeeds.
func (r *Registry) describe(ctx context.Context, s container.Summary) Descriptor {
	name := sdocker.ContainerName(s.Names, s.ID)
	d := Descriptor{
		ID:        s.ID,
		Name:      name,
		Service:   sdocker.ServiceName(s.Labels, r.serviceLabel, name),
		Status:    mapStatus(string(s.State), ""),
		CreatedAt: time.Unix(s.Created, 0).UTC(),
	}

	inspect, err := r.api.InspectContainer(ctx, s.ID)
	if err != nil {
		r.log.Debug("inspect failed", "container", name, "error", err)
		return d
	}
	d.RestartCount = inspect.RestartCount
	if inspect.State != nil {
		health := ""
		if inspect.State.Health != nil {
			health = string(inspect.State.Health.Status)
		}
		d.Health = health
		d.Status = mapStatus(string(inspect.State.Status), health)
	}
	return d
}

func (r *Registry) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.cancel()
	}
}

// RecordSample stores a metrics sample in the container's ring and publishes
// the refreshed descriptor. Samples for unknown containers are dropped.
func (r *Registry) RecordSample(s ResourceSample) {
	r.mu.Lock()
	e, ok := r.entries[s.ContainerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.samples = append(e.samples, s)
	if len(e.samples) > maxSamples {
		e.samples = e.samples[len(e.samples)-maxSamples:]
	}
	e.desc.LastSample = &s
	desc := e.desc
	r.mu.Unlock()

	r.bus.Publish(events.TopicContainerUpdate, desc)
}

// Snapshot returns all current descriptors sorted by name.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.Lock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Samples returns a copy of the container's metrics ring, oldest first.
func (r *Registry) Samples(id string) []ResourceSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	return append([]ResourceSample(nil), e.samples...)
}

// Get returns the descriptor for a container ID.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

func mapStatus(state, health string) Status {
	switch state {
	case "running":
		if health == "starting" {
			return StatusStarting
		}
		return StatusRunning
	case "created", "restarting":
		return StatusStarting
	case "exited", "dead", "removing":
		return StatusExited
	default:
		return StatusUnknown
	}
}
