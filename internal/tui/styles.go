package tui

import "github.com/charmbracelet/lipgloss"

func fg(color string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color))
}

var (
	taskNameStyle = fg("252")
	taskDimStyle  = fg("240")
	messageStyle  = fg("244")
	errorStyle    = fg("196")
	warnStyle     = fg("214")
	spinnerStyle  = fg("86")
	footerStyle   = fg("240").MarginTop(1)
	dryRunStyle   = fg("220").Bold(true)

	// statusIcons holds the settled icons; running tasks show the spinner.
	statusIcons = map[TaskStatus]string{
		StatusPending:  fg("240").Render("○"),
		StatusComplete: fg("46").Render("✓"),
		StatusError:    fg("196").Render("✗"),
		StatusSkipped:  fg("240").Render("–"),
	}
)

// StatusIcon returns the icon for a task status.
func StatusIcon(status TaskStatus, spinnerFrame string) string {
	if status == StatusRunning {
		return spinnerStyle.Render(spinnerFrame)
	}
	if icon, ok := statusIcons[status]; ok {
		return icon
	}
	return statusIcons[StatusPending]
}
