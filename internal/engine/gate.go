// Package engine connects the monitoring side of the pipeline to the
// healing side: the anomaly gate screens log windows through the fast
// classifier, and the driver walks each confirmed incident through
// analysis, remediation, and verification.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sre-sentinel/sentinel/internal/clock"
	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/metrics"
	"github.com/sre-sentinel/sentinel/internal/monitor"
)

const (
	// confidenceThreshold is the minimum classifier confidence that opens
	// an incident.
	confidenceThreshold = 0.7
	// debounceWindow suppresses repeat verdicts per container, so one
	// underlying fault doesn't open an incident storm.
	debounceWindow = 60 * time.Second
	// gateQueueSize bounds windows waiting on the classifier.
	gateQueueSize = 64
)

// WindowClassifier is the inference surface the gate calls per window.
type WindowClassifier interface {
	Classify(ctx context.Context, service string, lines []string, meta map[string]any) (incident.Verdict, error)
}

// Descriptors exposes registry lookups the gate and driver need.
type Descriptors interface {
	Get(id string) (monitor.Descriptor, bool)
	Snapshot() []monitor.Descriptor
}

// IncidentOpener is the store surface the gate uses.
type IncidentOpener interface {
	Open(containerID, containerName, service string, v incident.Verdict) (incident.Incident, bool)
	LastDetectedAt(containerID string) (time.Time, bool)
}

// IncidentHandler drives a freshly opened incident to a terminal state.
type IncidentHandler interface {
	Handle(ctx context.Context, inc incident.Incident)
}

// Gate screens log windows: every window goes to the fast classifier, and
// only anomalous, confident, non-debounced verdicts open incidents.
type Gate struct {
	classifier WindowClassifier
	registry   Descriptors
	store      IncidentOpener
	handler    IncidentHandler
	clk        clock.Clock
	log        *logging.Logger

	windows chan monitor.LogWindow
	dropped atomic.Uint64
}

func NewGate(classifier WindowClassifier, registry Descriptors, store IncidentOpener, handler IncidentHandler, clk clock.Clock, log *logging.Logger) *Gate {
	return &Gate{
		classifier: classifier,
		registry:   registry,
		store:      store,
		handler:    handler,
		clk:        clk,
		log:        log.Component("gate"),
		windows:    make(chan monitor.LogWindow, gateQueueSize),
	}
}

// Submit hands a log window to the gate. It never blocks the ingester; when
// the gate is saturated the window is dropped and counted.
func (g *Gate) Submit(w monitor.LogWindow) {
	select {
	case g.windows <- w:
	default:
		g.dropped.Add(1)
		metrics.WindowsDropped.Inc()
		g.log.Warn("gate saturated, window dropped", "container", w.ContainerID, "seq", w.Seq)
	}
}

// Dropped returns how many windows were discarded under load.
func (g *Gate) Dropped() uint64 { return g.dropped.Load() }

// Run classifies windows until ctx is cancelled.
func (g *Gate) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-g.windows:
			g.process(ctx, w)
		}
	}
}

func (g *Gate) process(ctx context.Context, w monitor.LogWindow) {
	started := time.Now()
	verdict, err := g.classifier.Classify(ctx, w.Service, w.Lines, g.meta(w.ContainerID))
	metrics.ClassifierDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		// A broken classifier only costs this window.
		metrics.WindowsClassified.WithLabelValues("error").Inc()
		g.log.Warn("classifier failed, window skipped", "service", w.Service, "seq", w.Seq, "error", err)
		return
	}
	verdict.WindowSeq = w.Seq

	if !verdict.IsAnomaly || verdict.Confidence < confidenceThreshold {
		metrics.WindowsClassified.WithLabelValues("normal").Inc()
		return
	}
	metrics.WindowsClassified.WithLabelValues("anomaly").Inc()
	if last, ok := g.store.LastDetectedAt(w.ContainerID); ok {
		if since := g.clk.Now().Sub(last); since < debounceWindow {
			g.log.Info("verdict debounced", "container", w.ContainerID, "since_last", since)
			return
		}
	}

	name, service := w.ContainerID, w.Service
	if d, ok := g.registry.Get(w.ContainerID); ok {
		name = d.Name
	}
	inc, created := g.store.Open(w.ContainerID, name, service, verdict)
	if !created {
		return
	}
	go g.handler.Handle(ctx, inc)
}

// meta builds the classifier's optional container context from the current
// descriptor.
func (g *Gate) meta(containerID string) map[string]any {
	d, ok := g.registry.Get(containerID)
	if !ok {
		return nil
	}
	meta := map[string]any{
		"status":   d.Status,
		"restarts": d.RestartCount,
	}
	if s := d.LastSample; s != nil {
		meta["cpu_percent"] = s.CPUPercent
		meta["memory_percent"] = s.MemoryPercent
	}
	return meta
}

var _ monitor.WindowSink = (*Gate)(nil)
