package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/daemon"
)

var stopWait time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background controller",
	Long: `Stop signals the background controller to shut down and waits for it
to exit. The controller finishes its terminal datastore writes first, so
a machine mid-recipe is released cleanly rather than left claimed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, alive := daemon.IsRunning(cfg.Daemon.PIDFile)
		if !alive {
			fmt.Println("controller is not running")
			return nil
		}
		fmt.Printf("stopping controller (pid %d)...\n", pid)
		if err := daemon.Stop(cfg.Daemon.PIDFile, stopWait); err != nil {
			return err
		}
		fmt.Println("controller stopped")
		return nil
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopWait, "wait", 35*time.Second, "Maximum time to wait for a clean exit before SIGKILL")
	rootCmd.AddCommand(stopCmd)
}
