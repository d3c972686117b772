package main

import (
	"context"

	"github.com/sre-sentinel/sentinel/internal/docker"
	"github.com/sre-sentinel/sentinel/internal/heal"
)

// envUpdater bridges the executor's env-var remediation to the engine-level
// recreate flow. The inspect call inside RecreateWithEnv accepts container
// names as well as IDs, so the analyzer's target passes through unchanged.
type envUpdater struct {
	api docker.API
}

func (u *envUpdater) UpdateEnv(ctx context.Context, containerName string, updates map[string]string) (string, error) {
	return docker.RecreateWithEnv(ctx, u.api, containerName, updates)
}

var _ heal.EnvUpdater = (*envUpdater)(nil)
