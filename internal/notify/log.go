package notify

import "context"

// LogNotifier writes every event as a structured log line. It is always
// available and serves as a guaranteed notification record.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs events using structured logging.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the event fields as structured key-value pairs at Info level.
func (l *LogNotifier) Send(_ context.Context, event Event) error {
	l.log.Info("incident notification",
		"type", string(event.Type),
		"incident", event.IncidentID,
		"service", event.Service,
		"container", event.ContainerName,
		"severity", event.Severity,
		"summary", event.Summary,
		"error_kind", event.ErrorKind,
	)
	return nil
}
