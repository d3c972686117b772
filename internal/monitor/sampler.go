package monitor

import (
	"context"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/sre-sentinel/sentinel/internal/clock"
	"github.com/sre-sentinel/sentinel/internal/events"
	"github.com/sre-sentinel/sentinel/internal/logging"
)

// StatsSource is the engine surface the sampler polls.
type StatsSource interface {
	ContainerStats(ctx context.Context, id string) (container.StatsResponse, error)
}

// Sampler polls one-shot container stats on a fixed interval, converts the
// cumulative counters to rates against the previous reading, and publishes a
// ResourceSample on the metrics topic.
type Sampler struct {
	api      StatsSource
	bus      Publisher
	sink     *Registry
	interval time.Duration
	clk      clock.Clock
	log      *logging.Logger
}

func NewSampler(api StatsSource, bus Publisher, sink *Registry, interval time.Duration, clk clock.Clock, log *logging.Logger) *Sampler {
	return &Sampler{
		api:      api,
		bus:      bus,
		sink:     sink,
		interval: interval,
		clk:      clk,
		log:      log.Component("sampler"),
	}
}

// Watch polls the container until ctx is cancelled.
func (s *Sampler) Watch(ctx context.Context, d Descriptor) {
	var (
		prev   *container.StatsResponse
		prevAt time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clk.After(s.interval):
		}

		st, err := s.api.ContainerStats(ctx, d.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Stats briefly fail while a container restarts. Drop the
			// previous reading so the next success doesn't compute rates
			// across the gap.
			s.log.Debug("stats poll failed", "container", d.Name, "error", err)
			prev = nil
			continue
		}

		now := s.clk.Now()
		sample := computeSample(d.ID, prev, &st, prevAt, now)
		prev, prevAt = &st, now

		if s.sink != nil {
			s.sink.RecordSample(sample)
		}
		s.bus.Publish(events.TopicMetrics, sample)
	}
}
