package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

var (
	recipeNameStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#A5F3FC"))
	barFullStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	barEmptyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#374151"))
	runDoneStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	runStoppedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	runFailedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	processDimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	stepCurrentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

// RenderProcess renders the active recipe pane: a progress bar and the
// current step while a run is live, or the last run's outcome when idle.
func RenderProcess(snap monitor.Snapshot, width int) string {
	p := snap.Process
	if p == nil {
		return renderIdle(snap)
	}

	barWidth := width - 50
	if barWidth < 10 {
		barWidth = 10
	}
	filled := int(float64(barWidth) * p.Percent / 100)
	if filled > barWidth {
		filled = barWidth
	}
	bar := barFullStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", barWidth-filled))

	line1 := fmt.Sprintf("  Recipe: %s  %s %5.1f%% (%d/%d steps)",
		recipeNameStyle.Render(p.RecipeName),
		bar, p.Percent, p.CompletedSteps, p.TotalSteps)

	step := "preparing"
	if p.StepName != "" {
		step = fmt.Sprintf("%s — %s", p.StepType, p.StepName)
	} else if p.StepType != "" {
		step = p.StepType
	}
	line2 := fmt.Sprintf("  Step %d: %s    Cycle %d/%d",
		p.StepIndex, stepCurrentStyle.Render(step), p.CompletedCycles, p.TotalCycles)
	if p.LoopIteration > 0 {
		line2 += fmt.Sprintf("    Iteration %d", p.LoopIteration)
	}
	line2 += "    Elapsed: " + formatDuration(p.ElapsedSec)

	return line1 + "\n" + line2
}

func renderIdle(snap monitor.Snapshot) string {
	line1 := "  No recipe running"
	if lr := snap.LastRun; lr != nil {
		var status string
		switch lr.Status {
		case execution.StatusCompleted:
			status = runDoneStyle.Render("completed")
		case execution.StatusStopped:
			status = runStoppedStyle.Render("stopped")
		default:
			status = runFailedStyle.Render(lr.Status)
		}
		line1 += fmt.Sprintf("    Last: %s %s in %s",
			recipeNameStyle.Render(lr.RecipeName), status, formatDuration(lr.ElapsedSec))
		if lr.Error != "" {
			line1 += "  " + runFailedStyle.Render(lr.Error)
		}
	}

	line2 := processDimStyle.Render(fmt.Sprintf("  Runs: %d completed, %d stopped, %d failed",
		snap.RunsCompleted, snap.RunsStopped, snap.RunsFailed))

	return line1 + "\n" + line2
}
