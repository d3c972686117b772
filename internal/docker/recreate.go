package docker

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
)

// stopTimeoutSeconds is how long the engine waits for a clean stop before
// killing the container during a recreate.
const stopTimeoutSeconds = 30

// RecreateWithEnv replaces a container with an identical one whose
// environment has updates merged in. The current filesystem state is
// committed as an image first so writable-layer changes survive:
// commit -> stop -> remove -> create (from committed image, merged env)
// -> start. Returns the new container ID.
func RecreateWithEnv(ctx context.Context, api API, id string, updates map[string]string) (string, error) {
	inspect, err := api.InspectContainer(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", TruncateID(id), err)
	}
	name := strippedName(inspect.Name)

	ref := fmt.Sprintf("sre-sentinel/%s:heal-%d", name, time.Now().UTC().Unix())
	imageID, err := api.CommitContainer(ctx, id, ref)
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", name, err)
	}

	newConfig := cloneConfig(inspect.Config)
	newConfig.Image = imageID
	newConfig.Env = MergeEnv(newConfig.Env, updates)

	hostConfig := inspect.HostConfig
	netConfig := rebuildNetworkingConfig(inspect.NetworkSettings)

	if err := api.StopContainer(ctx, id, stopTimeoutSeconds); err != nil {
		return "", fmt.Errorf("stop %s: %w", name, err)
	}
	if err := api.RemoveContainer(ctx, id); err != nil {
		return "", fmt.Errorf("remove %s: %w", name, err)
	}

	newID, err := api.CreateContainer(ctx, name, newConfig, hostConfig, netConfig)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if err := api.StartContainer(ctx, newID); err != nil {
		return newID, fmt.Errorf("start %s: %w", name, err)
	}
	return newID, nil
}

// MergeEnv overlays updates onto a docker-style KEY=VALUE list. Existing
// keys are replaced in place; new keys are appended.
func MergeEnv(env []string, updates map[string]string) []string {
	remaining := maps.Clone(updates)
	out := make([]string, 0, len(env)+len(updates))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := remaining[k]; ok {
			out = append(out, k+"="+v)
			delete(remaining, k)
			continue
		}
		out = append(out, kv)
	}
	for k, v := range remaining {
		out = append(out, k+"="+v)
	}
	return out
}

// strippedName removes the leading / the engine puts on inspect names.
func strippedName(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// cloneConfig creates a shallow copy of the container config with cloned
// labels and env so mutations don't leak into the inspect response.
func cloneConfig(cfg *container.Config) *container.Config {
	if cfg == nil {
		return &container.Config{}
	}
	clone := *cfg
	clone.Labels = maps.Clone(cfg.Labels)
	clone.Env = append([]string(nil), cfg.Env...)
	return &clone
}

// rebuildNetworkingConfig extracts only the IPAM config, aliases, and driver opts
// from NetworkSettings — NOT operational fields like Gateway or IPAddress.
func rebuildNetworkingConfig(ns *container.NetworkSettings) *network.NetworkingConfig {
	if ns == nil || len(ns.Networks) == 0 {
		return nil
	}

	endpoints := make(map[string]*network.EndpointSettings)
	for netName, ep := range ns.Networks {
		endpoints[netName] = &network.EndpointSettings{
			IPAMConfig: ep.IPAMConfig,
			Aliases:    ep.Aliases,
			DriverOpts: ep.DriverOpts,
			NetworkID:  ep.NetworkID,
			MacAddress: ep.MacAddress,
		}
	}
	return &network.NetworkingConfig{
		EndpointsConfig: endpoints,
	}
}
