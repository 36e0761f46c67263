package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded schema migrations",
	Long: `Migrate applies the embedded schema to the configured datastore. Already
applied migrations are skipped. Intended for development and test
databases; a production datastore usually owns its schema.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := db.Open(cmd.Context(), cfg.Database.DSN(), db.Options{}, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
