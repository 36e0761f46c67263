package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/daemon"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/tui"
)

var tuiAddr string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the terminal dashboard",
	Long: `TUI opens the terminal dashboard against a running controller's API.
Quitting the dashboard leaves the controller running; use it to watch a
backgrounded controller. To run controller and dashboard in one terminal,
use ` + "`aldctl run --tui`" + `.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := tuiAddr
		if addr == "" {
			addr = apiBase()
		}

		client := daemon.NewClient(addr)
		if err := client.Ping(cmd.Context()); err != nil {
			return fmt.Errorf("no controller at %s (is `aldctl run` active?): %w", addr, err)
		}

		return tui.Run(daemon.NewPoller(client, 500*time.Millisecond))
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiAddr, "api", "", "Controller API address (default from config)")
	rootCmd.AddCommand(tuiCmd)
}
