package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/daemon"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show controller and process status",
	Long: `Status reports the machine state, PLC connectivity, the active recipe
run, and datalog health. It asks the running controller's API first and
falls back to the last persisted state file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := statusAddr
		if addr == "" {
			addr = apiBase()
		}

		snap, err := daemon.NewClient(addr).Status(cmd.Context())
		if err != nil {
			snap, err = monitor.ReadStateFile(cfg.Daemon.StateFile)
			if err != nil {
				fmt.Println("No controller state found. Is `aldctl run` active?")
				fmt.Printf("  (error: %v)\n", err)
				return nil
			}
			age := time.Since(snap.Timestamp)
			fmt.Printf("Controller unreachable at %s; state file from %s ago.\n\n",
				addr, age.Truncate(time.Second))
		}

		printSnapshot(snap)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "api", "", "Controller API address (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func printSnapshot(snap *monitor.Snapshot) {
	fmt.Printf("Machine:      %s\n", snap.MachineID)
	fmt.Printf("Status:       %s\n", snap.Status)
	fmt.Printf("PLC:          %s\n", onOff(snap.PLCConnected, "connected", "disconnected"))
	fmt.Printf("Commands:     %s\n", onOff(snap.FeedLive, "realtime feed", "polling"))
	fmt.Printf("Uptime:       %s\n", (time.Duration(snap.UptimeSec) * time.Second).Truncate(time.Second))
	fmt.Printf("Readings:     %.1f/s\n", snap.ReadingsPerSec)
	fmt.Printf("Datalog:      %d cycles, avg %.1f ms", snap.Datalog.Cycles, snap.Datalog.AvgTotalMS)
	if snap.Datalog.Errors > 0 {
		fmt.Printf(", %d errors", snap.Datalog.Errors)
	}
	fmt.Println()
	fmt.Printf("Runs:         %d completed, %d stopped, %d failed\n",
		snap.RunsCompleted, snap.RunsStopped, snap.RunsFailed)

	if p := snap.Process; p != nil {
		fmt.Println("\nActive process:")
		fmt.Printf("  Recipe:     %s\n", p.RecipeName)
		fmt.Printf("  Step:       %d/%d (%s: %s)\n", p.OverallStep, p.TotalSteps, p.StepType, p.StepName)
		if p.TotalCycles > 0 {
			fmt.Printf("  Cycles:     %d/%d\n", p.CompletedCycles, p.TotalCycles)
		}
		fmt.Printf("  Progress:   %.1f%%\n", p.Percent)
		fmt.Printf("  Elapsed:    %s\n", (time.Duration(p.ElapsedSec) * time.Second).Truncate(time.Second))
	} else if lr := snap.LastRun; lr != nil {
		fmt.Printf("\nLast run:     %s %s in %s\n",
			lr.RecipeName, lr.Status, (time.Duration(lr.ElapsedSec) * time.Second).Truncate(time.Second))
		if lr.Error != "" {
			fmt.Printf("  Error:      %s\n", lr.Error)
		}
	}

	if snap.ErrorCount > 0 {
		fmt.Printf("\nErrors:       %d (last: %s)\n", snap.ErrorCount, snap.LastError)
	}
}

func onOff(v bool, yes, no string) string {
	if v {
		return yes
	}
	return no
}
