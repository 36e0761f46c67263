package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/command"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/db"
)

var setparamWait time.Duration

var setparamCmd = &cobra.Command{
	Use:   "setparam <parameter> <value>",
	Short: "Set a parameter through the command queue",
	Long: `Setparam submits a set_parameter command for the running controller.
The parameter may be a component parameter UUID or a name. The command
goes through the datastore queue like every other operator action, so it
is validated against the parameter's range, audited, and refused while
no controller serves the machine.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("value %q is not a number", args[1])
		}

		payload := map[string]any{"value": value}
		if uuid.Validate(args[0]) == nil {
			payload["parameter_id"] = args[0]
		} else {
			payload["parameter_name"] = args[0]
		}

		database, err := db.Open(cmd.Context(), cfg.Database.DSN(), db.Options{}, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		store := command.NewStore(database.Pool, logger)
		id, err := store.Submit(cmd.Context(), cfg.MachineID, command.TypeSetParameter, payload)
		if err != nil {
			return err
		}
		fmt.Printf("command %s submitted\n", id)

		if setparamWait <= 0 {
			return nil
		}
		return waitForCommand(cmd.Context(), store, id, setparamWait)
	},
}

func init() {
	setparamCmd.Flags().DurationVar(&setparamWait, "wait", 15*time.Second, "How long to wait for the controller to execute (0 = submit only)")
	rootCmd.AddCommand(setparamCmd)
}

// waitForCommand polls the submitted row until the controller finalizes
// it. A timeout is not a failure: the command stays queued for the next
// controller.
func waitForCommand(ctx context.Context, store *command.Store, id string, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			fmt.Println("still pending; it will execute when a controller picks it up")
			return nil
		case <-tick.C:
			c, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			switch c.Status {
			case command.StatusCompleted:
				fmt.Println("completed")
				return nil
			case command.StatusError:
				msg := "unknown error"
				if c.ErrorMessage != nil {
					msg = *c.ErrorMessage
				}
				return errors.New(msg)
			}
		}
	}
}
