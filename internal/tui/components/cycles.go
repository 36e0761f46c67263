package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/datalog"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

const sparklineChars = "▁▂▃▄▅▆▇█"

var (
	cycleOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	cycleSlowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	cycleLateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	cycleDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	cycleSparkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// RenderCycles renders the datalog pane: aggregate cycle timings and a
// sparkline of recent cycle durations.
func RenderCycles(snap monitor.Snapshot, stats []datalog.CycleStat, width int) string {
	s := snap.Datalog
	if s.Cycles == 0 {
		return "  No datalog cycles yet"
	}

	totalStyle := cycleOKStyle
	switch {
	case s.AvgTotalMS >= 1000:
		totalStyle = cycleLateStyle
	case s.AvgTotalMS >= 500:
		totalStyle = cycleSlowStyle
	}

	counts := fmt.Sprintf("Cycles: %d", s.Cycles)
	if s.Errors > 0 {
		counts += " " + cycleLateStyle.Render(fmt.Sprintf("(%d errors)", s.Errors))
	}
	line1 := fmt.Sprintf("  %s    Read: %.1fms    Write: %.1fms    Total: %s    Jitter max: %.1fms",
		counts, s.AvgReadMS, s.AvgWriteMS,
		totalStyle.Render(fmt.Sprintf("%.1fms", s.AvgTotalMS)), s.MaxJitterMS)

	sparkWidth := width - 12
	if sparkWidth < 10 {
		sparkWidth = 10
	}
	totals := make([]float64, len(stats))
	for i, st := range stats {
		totals[i] = st.TotalMS
	}
	line2 := "  " + cycleDimStyle.Render("cycle ms ") + cycleSparkStyle.Render(sparkline(totals, sparkWidth))

	if s.LastError != "" {
		line2 += "\n  " + cycleLateStyle.Render("Last error: "+s.LastError)
	}

	return line1 + "\n" + line2
}

// sparkline scales vals against their maximum and renders one block rune
// per value, left-padded so the newest reading stays rightmost.
func sparkline(vals []float64, width int) string {
	runes := []rune(sparklineChars)
	if len(vals) > width {
		vals = vals[len(vals)-width:]
	}

	var maxVal float64
	for _, v := range vals {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal <= 0 {
		maxVal = 1
	}

	var b strings.Builder
	for i := len(vals); i < width; i++ {
		b.WriteRune(runes[0])
	}
	for _, v := range vals {
		idx := int(v / maxVal * float64(len(runes)-1))
		if idx >= len(runes) {
			idx = len(runes) - 1
		}
		if idx < 0 {
			idx = 0
		}
		b.WriteRune(runes[idx])
	}
	return b.String()
}
