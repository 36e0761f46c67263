package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/machine"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

var (
	headerLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	headerValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF"))

	statusIdleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#10B981"))
	statusRunStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	statusErrorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	statusOfflineStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#6B7280"))

	plcUpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	plcDownStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	feedState    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

// RenderHeader renders the top status bar with machine status, PLC and
// feed connectivity, uptime, and reading throughput.
func RenderHeader(snap monitor.Snapshot, width int) string {
	left := fmt.Sprintf("  Machine: %s    PLC: %s    Feed: %s",
		renderStatus(snap.Status),
		renderPLC(snap.PLCConnected),
		renderFeed(snap.FeedLive))

	right := fmt.Sprintf("Readings: %s    Up: %s  ",
		headerValueStyle.Render(fmt.Sprintf("%.0f/s", snap.ReadingsPerSec)),
		headerValueStyle.Render(formatDuration(snap.UptimeSec)))

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}

	return left + strings.Repeat(" ", gap) + right
}

func renderStatus(status string) string {
	label := strings.ToUpper(status)
	if label == "" {
		label = "UNKNOWN"
	}
	switch status {
	case machine.StatusIdle:
		return statusIdleStyle.Render(label)
	case machine.StatusProcessing:
		return statusRunStyle.Render(label)
	case machine.StatusError:
		return statusErrorStyle.Render(label)
	default:
		return statusOfflineStyle.Render(label)
	}
}

func renderPLC(connected bool) string {
	if connected {
		return plcUpStyle.Render("● connected")
	}
	return plcDownStyle.Render("○ down")
}

func renderFeed(live bool) string {
	if live {
		return plcUpStyle.Render("live")
	}
	return feedState.Render("polling")
}

func formatDuration(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
