package components

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

var (
	logTimeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	logFieldStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	logINF        = lipgloss.NewStyle().Foreground(lipgloss.Color("#3B82F6"))
	logWRN        = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	logERR        = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	logDBG        = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderLogs renders the last N log entries with their structured fields.
func RenderLogs(entries []monitor.LogEntry, maxLines int) string {
	if len(entries) == 0 {
		return "  No log entries yet"
	}

	start := 0
	if len(entries) > maxLines {
		start = len(entries) - maxLines
	}

	var b strings.Builder
	for i := start; i < len(entries); i++ {
		e := entries[i]
		ts := logTimeStyle.Render(e.Time.Format("15:04:05"))

		var lvl string
		switch e.Level {
		case "info":
			lvl = logINF.Render("INF")
		case "warn":
			lvl = logWRN.Render("WRN")
		case "error":
			lvl = logERR.Render("ERR")
		default:
			lvl = logDBG.Render("DBG")
		}

		line := fmt.Sprintf("  %s %s %s", ts, lvl, e.Message)
		if fields := formatFields(e.Fields); fields != "" {
			line += " " + logFieldStyle.Render(fields)
		}
		b.WriteString(line)
		if i < len(entries)-1 {
			b.WriteByte('\n')
		}
	}

	return b.String()
}

// formatFields flattens up to three structured fields as key=value pairs,
// deterministically ordered.
func formatFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 3 {
		keys = keys[:3]
	}

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}
