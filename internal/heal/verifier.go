package heal

import (
	"context"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/sre-sentinel/sentinel/internal/clock"
	"github.com/sre-sentinel/sentinel/internal/logging"
)

const (
	defaultVerifyDeadline = 60 * time.Second
	defaultVerifyInterval = 5 * time.Second
	// A container must look healthy this many polls in a row, so a restart
	// flap right after remediation doesn't count as recovery.
	consecutiveHealthy = 2
)

// HealthSource is the engine surface the verifier polls.
type HealthSource interface {
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
}

// Verifier decides whether a container returned to health after remediation.
type Verifier struct {
	api      HealthSource
	deadline time.Duration
	interval time.Duration
	clk      clock.Clock
	log      *logging.Logger
}

func NewVerifier(api HealthSource, clk clock.Clock, log *logging.Logger) *Verifier {
	return &Verifier{
		api:      api,
		deadline: defaultVerifyDeadline,
		interval: defaultVerifyInterval,
		clk:      clk,
		log:      log.Component("verifier"),
	}
}

// Verify polls the container until it has reported healthy for two
// consecutive samples or the deadline passes. It returns true when the
// container converged to healthy.
func (v *Verifier) Verify(ctx context.Context, containerID string) bool {
	started := v.clk.Now()
	healthyStreak := 0

	for v.clk.Since(started) < v.deadline {
		if v.probe(ctx, containerID) {
			healthyStreak++
			if healthyStreak >= consecutiveHealthy {
				v.log.Info("container verified healthy", "container", containerID)
				return true
			}
		} else {
			healthyStreak = 0
		}

		select {
		case <-ctx.Done():
			return false
		case <-v.clk.After(v.interval):
		}
	}

	v.log.Warn("verification deadline elapsed", "container", containerID)
	return false
}

// probe is one health sample: the container must be running and, when it
// declares a health check, that check must report healthy.
func (v *Verifier) probe(ctx context.Context, containerID string) bool {
	inspect, err := v.api.InspectContainer(ctx, containerID)
	if err != nil {
		v.log.Debug("verify inspect failed", "container", containerID, "error", err)
		return false
	}
	state := inspect.State
	if state == nil || !state.Running || state.Restarting {
		return false
	}
	if state.Health != nil {
		return string(state.Health.Status) == "healthy"
	}
	return true
}
