package components

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

var (
	paramHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	paramDriftStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	paramOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	paramDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderParameters renders the live parameter table: current value,
// setpoint, and deviation per component parameter.
func RenderParameters(snap monitor.Snapshot, width, maxRows int) string {
	if len(snap.Parameters) == 0 {
		return "  No parameter readings yet"
	}

	var b strings.Builder

	header := fmt.Sprintf("  %-30s %12s %12s %12s", "Parameter", "Value", "Setpoint", "Deviation")
	b.WriteString(paramHeaderStyle.Render(header))
	b.WriteByte('\n')

	shown := len(snap.Parameters)
	if maxRows > 0 && shown > maxRows {
		shown = maxRows
	}

	for i := 0; i < shown; i++ {
		p := snap.Parameters[i]
		name := p.Name
		if len(name) > 28 {
			name = name[:25] + "..."
		}

		delta := p.Value - p.SetPoint
		deltaStr := fmt.Sprintf("%+12.2f", delta)
		if drifting(p.Value, p.SetPoint) {
			deltaStr = paramDriftStyle.Render(deltaStr)
		} else {
			deltaStr = paramOKStyle.Render(deltaStr)
		}

		line := fmt.Sprintf("  %-30s %12.2f %12.2f %s", name, p.Value, p.SetPoint, deltaStr)
		b.WriteString(line)
		if i < shown-1 {
			b.WriteByte('\n')
		}
	}

	if len(snap.Parameters) > shown {
		b.WriteByte('\n')
		b.WriteString(paramDimStyle.Render(fmt.Sprintf("  ... and %d more parameters", len(snap.Parameters)-shown)))
	}

	return b.String()
}

// drifting reports whether the reading sits more than 2% of the setpoint
// magnitude away from it, with a small absolute floor near zero.
func drifting(value, setpoint float64) bool {
	tol := 0.02 * math.Abs(setpoint)
	if tol < 0.05 {
		tol = 0.05
	}
	return math.Abs(value-setpoint) > tol
}
