package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/command"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/daemon"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/datalog"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/db"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/executor"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/machine"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/params"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/server"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/tracing"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/tui"
)

const drainTimeout = 30 * time.Second

var (
	runDaemon  bool
	runMigrate bool
	runTUI     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller for this machine",
	Long: `Run takes control of the configured machine: it reconciles state left
by a previous instance, connects to the PLC, starts the continuous
parameter logger, and begins consuming commands from the datastore queue.
It blocks until interrupted; a second interrupt force-exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		if runDaemon && !daemon.IsDaemonProcess() {
			return background()
		}
		return runController(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVarP(&runDaemon, "daemon", "d", false, "Run in the background, detached from this terminal")
	runCmd.Flags().BoolVar(&runMigrate, "migrate", false, "Apply embedded schema migrations before starting")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Show the terminal dashboard; quitting it stops the controller")
	rootCmd.AddCommand(runCmd)
}

// background re-executes aldctl detached from the terminal. The child
// sees the daemon marker and takes the normal run path.
func background() error {
	if runTUI {
		return errors.New("--tui and --daemon are mutually exclusive")
	}
	if pid, alive := daemon.IsRunning(cfg.Daemon.PIDFile); alive {
		return fmt.Errorf("controller is already running (pid %d)", pid)
	}

	logPath := filepath.Join(filepath.Dir(cfg.Daemon.PIDFile), "aldctl.log")
	pid, err := daemon.Background(os.Args[1:], logPath)
	if err != nil {
		return fmt.Errorf("start background controller: %w", err)
	}
	fmt.Printf("controller started (pid %d)\n", pid)
	fmt.Printf("  log:    %s\n", logPath)
	fmt.Printf("  status: aldctl status\n")
	return nil
}

func runController(parent context.Context) error {
	// One controller owns a machine. The PID file enforces that locally;
	// the machine_state claim enforces it across hosts.
	if pid, alive := daemon.IsRunning(cfg.Daemon.PIDFile); alive {
		return fmt.Errorf("controller is already running (pid %d)", pid)
	}
	if err := daemon.WritePID(cfg.Daemon.PIDFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer daemon.RemovePID(cfg.Daemon.PIDFile)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// Restores default signal handling, so a second interrupt
		// terminates immediately instead of waiting for the drain.
		stop()
	}()

	collector := monitor.NewCollector(cfg.MachineID, logger)
	defer collector.Close()

	log := runLogger(collector)
	log.Info().
		Str("machine_id", cfg.MachineID).
		Str("plc", cfg.PLC.Type).
		Msg("controller starting")

	tp, err := tracing.NewProvider(cfg.Tracing, cfg.MachineID, log)
	if err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	database, err := db.Open(ctx, cfg.Database.DSN(), db.Options{
		Migrate: cfg.Database.Migrate || runMigrate,
	}, log)
	if err != nil {
		return err
	}
	defer database.Close()

	// Machine state left by a dead instance is repaired before anything
	// can observe it.
	authority := machine.NewAuthority(database.Pool, log)
	if err := authority.Reconcile(ctx, cfg.MachineID); err != nil {
		return fmt.Errorf("reconcile machine state: %w", err)
	}
	machines := machine.NewStore(database.Pool)
	if status, _, err := machines.Status(ctx, cfg.MachineID); err == nil {
		collector.SetMachineStatus(status)
	}

	paramStore := params.NewStore(database.Pool)
	cache := params.NewCache(paramStore, log)
	if err := cache.Refresh(ctx); err != nil {
		return fmt.Errorf("warm parameter cache: %w", err)
	}
	cache.Start(ctx)

	order, err := plc.ParseWordOrder(cfg.PLC.WordOrder)
	if err != nil {
		return err
	}
	driver, err := buildDriver(cache, order, log)
	if err != nil {
		return err
	}
	if err := driver.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize plc: %w", err)
	}
	defer driver.Disconnect(context.Background())
	collector.AttachBus(driver)

	writer := params.NewWriter(cache, driver, order, log)
	registry := execution.NewRegistry()
	execStore := execution.NewStore(database.Pool, log)
	recipes := recipe.NewStore(database.Pool, log)

	audit := executor.NewAuditQueue(database.Pool, 64, log)
	audit.Start(ctx)

	tee := &monitor.CurrentTee{Store: paramStore, Specs: cache.Specs, Collector: collector}
	dlog := datalog.New(datalog.Config{
		MachineID:  cfg.MachineID,
		Machines:   machines,
		Bus:        driver,
		Cache:      cache,
		Params:     tee,
		Sink:       datalog.NewHistory(database.Pool, cfg.DataLog.BatchSize),
		Interval:   time.Duration(cfg.DataLog.IntervalMS) * time.Millisecond,
		Epsilon:    cfg.DataLog.ReconcileEpsilon,
		MaxWorkers: cfg.DataLog.MaxReadWorkers,
		Order:      order,
		Logger:     log,
	})
	collector.AttachWindow(dlog.Window())

	authorityRec := monitor.NewAuthorityRecorder(authority, collector)
	exec := executor.New(executor.Config{
		MachineID: cfg.MachineID,
		State:     monitor.NewStateRecorder(execStore, collector),
		Authority: authorityRec,
		Registry:  registry,
		Valves:    driver,
		Params:    writer,
		Recorder:  dlog,
		Audit:     audit,
		Logger:    log,
	})
	runner := executor.NewRunner(ctx, exec, log)

	persister, err := monitor.NewStatePersister(collector, cfg.Daemon.StateFile, log)
	if err != nil {
		return fmt.Errorf("state file: %w", err)
	}
	persister.Start()

	if cfg.Server.Enabled {
		server.New(collector, &cfg, log).StartBackground(ctx)
	}

	var (
		feed     *command.Feed
		replConn *pgconn.PgConn
	)
	if cfg.Commands.Feed {
		replConn, err = pgconn.Connect(ctx, cfg.Database.ReplicationDSN())
		if err != nil {
			log.Warn().Err(err).Msg("replication connection refused, commands arrive by polling")
			replConn = nil
		} else {
			feed = command.NewFeed(replConn, cfg.Commands.Slot, cfg.Commands.Publication, log)
		}
	}
	intake := command.New(command.Config{
		MachineID:  cfg.MachineID,
		Store:      command.NewStore(database.Pool, log),
		Registry:   registry,
		Executions: execStore,
		Recipes:    recipes,
		Authority:  authorityRec,
		Machines:   machines,
		Writer:     writer,
		Launcher:   monitor.NewLaunchRecorder(runner, collector),
		Feed:       feed,
		Health:     collector,
		PollLive:   time.Duration(cfg.Commands.PollIntervalMS) * time.Millisecond,
		Logger:     log,
	})

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	launch := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errCh <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}
	launch("intake", intake.Run)
	launch("datalog", dlog.Run)

	log.Info().Msg("controller ready")

	var runErr error
	if runTUI {
		// The dashboard owns the terminal; closing it stops the
		// controller.
		if err := tui.Run(collector); err != nil {
			runErr = err
		}
		stop()
	} else {
		select {
		case <-ctx.Done():
		case runErr = <-errCh:
			stop()
		}
	}

	log.Info().Msg("shutting down")
	wg.Wait()
	if runErr == nil {
		select {
		case runErr = <-errCh:
		default:
		}
	}
	if feed != nil {
		feed.Close()
	}
	if replConn != nil {
		replConn.Close(context.Background())
	}

	if err := runner.Drain(drainTimeout); err != nil {
		log.Warn().Err(err).Msg("drain")
	}

	// Terminal writes run on a fresh context: the run context is already
	// cancelled, but the offline handoff must still land.
	offCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := authorityRec.ToOffline(offCtx, cfg.MachineID); err != nil {
		log.Warn().Err(err).Msg("offline handoff")
	}
	persister.Stop()

	log.Info().Msg("controller stopped")
	return runErr
}

// runLogger tees structured logs into the collector so the API, state
// file, and dashboard carry the tail. TUI mode drops the console half;
// Bubble Tea owns the terminal there.
func runLogger(collector *monitor.Collector) zerolog.Logger {
	var sink io.Writer = monitor.NewLogWriter(collector)
	if !runTUI {
		sink = zerolog.MultiLevelWriter(logOutput, sink)
	}
	return zerolog.New(sink).With().Timestamp().Logger().Level(logLevel)
}

func buildDriver(cache *params.Cache, order plc.WordOrder, log zerolog.Logger) (plc.Driver, error) {
	switch cfg.PLC.Type {
	case "simulation":
		return plc.NewSim(cache, order,
			uint16(cfg.PLC.ValveCoilBase), uint16(cfg.PLC.ValveDurationBase), log), nil
	case "modbus":
		return plc.NewModbus(plc.ModbusConfig{
			Address:           cfg.PLC.Address,
			UnitID:            uint8(cfg.PLC.UnitID),
			ByteOrder:         cfg.PLC.ByteOrder,
			WordOrder:         order,
			Timeout:           time.Duration(cfg.PLC.TimeoutMS) * time.Millisecond,
			ValveCoilBase:     uint16(cfg.PLC.ValveCoilBase),
			ValveDurationBase: uint16(cfg.PLC.ValveDurationBase),
		}, cache, log), nil
	default:
		return nil, fmt.Errorf("unknown plc type %q", cfg.PLC.Type)
	}
}
