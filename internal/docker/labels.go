package docker

import "strings"

// Default label keys consumed by Sentinel.
const (
	DefaultMonitorLabel = "sre-sentinel.monitor"
	DefaultServiceLabel = "sre-sentinel.service"
)

// Monitored reports whether container labels opt the container in to
// monitoring.
func Monitored(labels map[string]string, monitorLabel string) bool {
	return strings.EqualFold(labels[monitorLabel], "true")
}

// ServiceName returns the logical service tag for a container. Falls back to
// the container name when the service label is absent.
func ServiceName(labels map[string]string, serviceLabel, containerName string) string {
	if v := labels[serviceLabel]; v != "" {
		return v
	}
	return containerName
}

// ContainerName extracts a usable name from the engine's name list,
// stripping the leading /.
func ContainerName(names []string, id string) string {
	if len(names) > 0 {
		name := names[0]
		if len(name) > 0 && name[0] == '/' {
			return name[1:]
		}
		return name
	}
	return TruncateID(id)
}

// TruncateID safely truncates a container ID to 12 characters for logging.
func TruncateID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
