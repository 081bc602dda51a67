package style

import "github.com/charmbracelet/lipgloss"

var (
	Primary = lipgloss.Color("#7C3AED")
	Green   = lipgloss.Color("#10B981")
	Red     = lipgloss.Color("#EF4444")
	Yellow  = lipgloss.Color("#F59E0B")
	Cyan    = lipgloss.Color("#06B6D4")
	Dim     = lipgloss.Color("#6B7280")

	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(Primary)

	Healthy   = lipgloss.NewStyle().Foreground(Green).Bold(true)
	Unhealthy = lipgloss.NewStyle().Foreground(Red).Bold(true)
	Warning   = lipgloss.NewStyle().Foreground(Yellow)
	DimText   = lipgloss.NewStyle().Foreground(Dim)
	Label     = lipgloss.NewStyle().Foreground(Cyan)

	StepRunning = lipgloss.NewStyle().Foreground(Yellow).Bold(true)
	StepDone    = lipgloss.NewStyle().Foreground(Green)
	StepFailed  = lipgloss.NewStyle().Foreground(Red).Bold(true)
)

// Status renders a deployment status in its color.
func Status(s string) string {
	switch s {
	case "succeeded":
		return Healthy.Render(s)
	case "failed", "gave_up":
		return Unhealthy.Render(s)
	case "retrying":
		return Warning.Render(s)
	default:
		return DimText.Render(s)
	}
}

// Icon renders the marker for a saga action.
func Icon(action string) string {
	switch action {
	case "step.start":
		return StepRunning.Render("▶")
	case "step.complete", "deploy.succeeded":
		return StepDone.Render("✓")
	case "step.failed", "deploy.failed", "deploy.gave_up":
		return StepFailed.Render("✗")
	case "deploy.retrying":
		return Warning.Render("↻")
	default:
		return DimText.Render("·")
	}
}
