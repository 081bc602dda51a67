package saga

import (
	"fmt"
	"strings"
)

// Formatter renders saga events as human-readable text.
type Formatter interface {
	Format(events []Event) string
}

// PlainFormatter renders one line per event.
type PlainFormatter struct{}

func (f *PlainFormatter) Format(events []Event) string {
	var b strings.Builder
	for _, evt := range events {
		ts := evt.Timestamp.Format("15:04:05")
		attempt := ""
		if a := evt.Metadata["attempt"]; a != "" {
			attempt = " [#" + a + "]"
		}
		fmt.Fprintf(&b, "%s %s%s %s\n", ts, actionIcon(evt.Action), attempt, evt.Message)
	}
	return b.String()
}

func actionIcon(action string) string {
	switch action {
	case "step.start":
		return "▶"
	case "step.complete", "deploy.succeeded":
		return "✓"
	case "step.failed", "deploy.failed", "deploy.gave_up":
		return "✗"
	case "deploy.retrying":
		return "↻"
	default:
		return "·"
	}
}
