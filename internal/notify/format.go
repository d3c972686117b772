package notify

import "strings"

func formatTitle(t EventType) string {
	switch t {
	case EventIncidentOpened:
		return "🚨 Incident opened"
	case EventIncidentResolved:
		return "✅ Incident resolved"
	case EventIncidentFailed:
		return "❌ Remediation failed"
	case EventIncidentUnresolved:
		return "⚠️ Incident needs manual review"
	}
	return string(t)
}

// formatBody renders the plain-text message shared by the chat-style
// providers.
func formatBody(event Event) string {
	var b strings.Builder
	if event.Service != "" {
		b.WriteString("Service: ")
		b.WriteString(event.Service)
		b.WriteString("\n")
	}
	if event.ContainerName != "" {
		b.WriteString("Container: ")
		b.WriteString(event.ContainerName)
		b.WriteString("\n")
	}
	if event.Severity != "" {
		b.WriteString("Severity: ")
		b.WriteString(event.Severity)
		b.WriteString("\n")
	}
	if event.Summary != "" {
		b.WriteString(event.Summary)
		b.WriteString("\n")
	}
	if event.RootCause != "" {
		b.WriteString("Root cause: ")
		b.WriteString(event.RootCause)
		b.WriteString("\n")
	}
	if event.ErrorKind != "" {
		b.WriteString("Error: ")
		b.WriteString(event.ErrorKind)
		b.WriteString("\n")
	}
	b.WriteString("Incident: ")
	b.WriteString(event.IncidentID)
	return b.String()
}
