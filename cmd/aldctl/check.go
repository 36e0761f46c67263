package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/db"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/params"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify config, datastore, and PLC before taking control",
	Long: `Check validates the configuration, connects to the datastore, verifies
the schema, samples every mapped PLC parameter once, and probes the
replication feed. Run it before the first ` + "`aldctl run`" + ` on a tool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChecks(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runChecks(ctx context.Context) error {
	failed := 0
	report := func(name string, err error, okDetail string) {
		if err != nil {
			failed++
			fmt.Printf("%-13s FAIL  %v\n", name+":", err)
			return
		}
		fmt.Printf("%-13s ok    %s\n", name+":", okDetail)
	}

	report("config", cfg.Validate(), fmt.Sprintf("machine %s, plc %s", cfg.MachineID, cfg.PLC.Type))
	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}

	quiet := zerolog.Nop()

	start := time.Now()
	database, err := db.Open(ctx, cfg.Database.DSN(), db.Options{}, quiet)
	report("datastore", err, fmt.Sprintf("reachable (%s)", time.Since(start).Truncate(time.Millisecond)))
	if err != nil {
		return fmt.Errorf("%d checks failed", failed)
	}
	defer database.Close()

	missing, err := database.MissingTables(ctx)
	if err == nil && len(missing) > 0 {
		err = fmt.Errorf("missing tables %v (run `aldctl migrate`)", missing)
	}
	report("schema", err, fmt.Sprintf("%d required tables present", len(db.RequiredTables)))

	cache := params.NewCache(params.NewStore(database.Pool), quiet)
	err = cache.Refresh(ctx)
	mapped := 0
	for _, s := range cache.Specs() {
		if s.Readable() {
			mapped++
		}
	}
	report("parameters", err, fmt.Sprintf("%d rows, %d bus-mapped", cache.Count(), mapped))

	detail, err := probePLC(ctx, cache, quiet)
	report("plc", err, detail)

	if cfg.Commands.Feed {
		report("feed", probeFeed(ctx), "replication accepted")
	} else {
		fmt.Printf("%-13s skip  realtime feed disabled, commands arrive by polling\n", "feed:")
	}

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	fmt.Println("\nall checks passed")
	return nil
}

func probePLC(ctx context.Context, cache *params.Cache, quiet zerolog.Logger) (string, error) {
	order, err := plc.ParseWordOrder(cfg.PLC.WordOrder)
	if err != nil {
		return "", err
	}
	driver, err := buildDriver(cache, order, quiet)
	if err != nil {
		return "", err
	}
	res := plc.Probe(ctx, driver, cache)
	if !res.Reachable {
		return "", errors.New(res.Error)
	}
	if res.Error != "" {
		return "", fmt.Errorf("reachable but %s", res.Error)
	}
	return fmt.Sprintf("%d/%d parameters sampled (%s)",
		res.Sampled, res.Mapped, res.Latency.Truncate(time.Millisecond)), nil
}

// probeFeed opens a replication-mode connection and identifies the
// server, the same handshake the command feed performs at startup.
func probeFeed(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := pgconn.Connect(ctx, cfg.Database.ReplicationDSN())
	if err != nil {
		return fmt.Errorf("replication connect: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := pglogrepl.IdentifySystem(ctx, conn); err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	return nil
}
