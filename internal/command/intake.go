package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/params"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// Queue is the slice of the command store the intake drives.
type Queue interface {
	FailInterrupted(ctx context.Context, machineID string) (int, error)
	Pending(ctx context.Context, machineID string) ([]Command, error)
	Claim(ctx context.Context, id string) (bool, error)
	Get(ctx context.Context, id string) (Command, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, message string) error
	PendingControls(ctx context.Context, machineID string) ([]ControlCommand, error)
	ClaimControl(ctx context.Context, id string) (bool, error)
	CompleteControl(ctx context.Context, id string) error
	FailControl(ctx context.Context, id, message string) error
}

// Launcher starts a prepared recipe run. Implemented by the executor's
// Runner.
type Launcher interface {
	Start(pid string, c *recipe.Compiled, overrides map[string]float64) error
}

// RecipeLoader compiles a recipe by id.
type RecipeLoader interface {
	Load(ctx context.Context, id string) (*recipe.Compiled, error)
}

// Executions is the slice of the execution store the intake touches.
type Executions interface {
	Create(ctx context.Context, e execution.Execution, totals execution.Progress) error
	Get(ctx context.Context, pid string) (execution.Execution, error)
	Finish(ctx context.Context, pid, status string, errMsg *string) error
}

// Authority claims the machine before a run launches and releases it when
// the launch itself fails.
type Authority interface {
	ToProcessing(ctx context.Context, machineID, processID string) error
	ToIdle(ctx context.Context, machineID string) error
}

// Machines supplies the operator fallback for start_recipe payloads that
// carry no operator reference.
type Machines interface {
	Operator(ctx context.Context, machineID string) (*string, error)
}

// Writer applies parameter writes for set_parameter commands.
type Writer interface {
	Write(ctx context.Context, id string, value float64) (params.Parameter, error)
	WriteByName(ctx context.Context, name string, value float64) (params.Parameter, error)
	WriteByAddress(ctx context.Context, addr uint16, value float64, dataType plc.DataType) (*params.Parameter, error)
}

// Authenticator checks an operator reference before a run starts.
type Authenticator interface {
	Authenticate(ctx context.Context, operatorID string) error
}

// Health receives feed liveness transitions: true while the realtime
// feed is streaming, false when the intake is down to polling.
type Health interface {
	SetFeedLive(live bool)
}

// UUIDAuthenticator accepts any well-formed identity reference. Operator
// records live outside this runtime's schema, so the default check is
// shape, not existence.
type UUIDAuthenticator struct{}

func (UUIDAuthenticator) Authenticate(_ context.Context, operatorID string) error {
	if _, err := uuid.Parse(operatorID); err != nil {
		return fmt.Errorf("operator reference %q is not a valid identity", operatorID)
	}
	return nil
}

// Config carries the intake's collaborators.
type Config struct {
	MachineID     string
	Store         Queue
	Registry      *execution.Registry
	Executions    Executions
	Recipes       RecipeLoader
	Authority     Authority
	Machines      Machines
	Writer        Writer
	Launcher      Launcher
	Feed          *Feed
	Authenticator Authenticator
	Health        Health
	PollLive      time.Duration
	PollDown      time.Duration
	Logger        zerolog.Logger
}

// Intake owns the command lifecycle: notice, claim, validate, execute,
// finalize. Commands run on their own goroutines so a stop_recipe never
// queues behind the start_recipe it is meant to interrupt.
type Intake struct {
	machineID  string
	store      Queue
	registry   *execution.Registry
	executions Executions
	recipes    RecipeLoader
	authority  Authority
	machines   Machines
	writer     Writer
	launcher   Launcher
	feed       *Feed
	auth       Authenticator
	health     Health
	pollLive   time.Duration
	pollDown   time.Duration
	logger     zerolog.Logger
	tracer     trace.Tracer

	wg sync.WaitGroup
}

func New(cfg Config) *Intake {
	if cfg.Authenticator == nil {
		cfg.Authenticator = UUIDAuthenticator{}
	}
	if cfg.PollLive <= 0 {
		cfg.PollLive = 5 * time.Second
	}
	if cfg.PollDown <= 0 {
		cfg.PollDown = 2 * time.Second
	}
	return &Intake{
		machineID:  cfg.MachineID,
		store:      cfg.Store,
		registry:   cfg.Registry,
		executions: cfg.Executions,
		recipes:    cfg.Recipes,
		authority:  cfg.Authority,
		machines:   cfg.Machines,
		writer:     cfg.Writer,
		launcher:   cfg.Launcher,
		feed:       cfg.Feed,
		auth:       cfg.Authenticator,
		health:     cfg.Health,
		pollLive:   cfg.PollLive,
		pollDown:   cfg.PollDown,
		logger:     cfg.Logger.With().Str("component", "intake").Logger(),
		tracer:     otel.Tracer("command"),
	}
}

// Run blocks consuming commands until ctx ends, then waits for in-flight
// command goroutines to finalize.
func (in *Intake) Run(ctx context.Context) error {
	if n, err := in.store.FailInterrupted(ctx, in.machineID); err != nil {
		in.logger.Warn().Err(err).Msg("interrupted-command sweep failed")
	} else if n > 0 {
		in.logger.Warn().Int("commands", n).Msg("failed commands left processing by a previous run")
	}

	var feedCh <-chan Notification
	interval := in.pollDown
	if in.feed != nil {
		ch, err := in.feed.Start(ctx)
		if err != nil {
			in.logger.Warn().Err(err).Msg("command feed unavailable, relying on polling")
		} else {
			feedCh = ch
			interval = in.pollLive
			in.reportFeed(true)
		}
	}

	in.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			in.wg.Wait()
			return ctx.Err()

		case n, ok := <-feedCh:
			if !ok {
				feedCh = nil
				ticker.Reset(in.pollDown)
				in.reportFeed(false)
				in.logger.Warn().AnErr("cause", in.feed.Err()).Msg("command feed ended, polling faster")
				continue
			}
			in.handleNotification(ctx, n)

		case <-ticker.C:
			in.sweep(ctx)
		}
	}
}

func (in *Intake) reportFeed(live bool) {
	if in.health != nil {
		in.health.SetFeedLive(live)
	}
}

func (in *Intake) handleNotification(ctx context.Context, n Notification) {
	if n.MachineID != in.machineID || n.Status != StatusPending {
		return
	}
	switch n.Table {
	case "recipe_commands":
		in.dispatchID(ctx, n.ID)
	case "parameter_control_commands":
		in.sweepControls(ctx)
	}
}

// sweep claims and dispatches every pending command. It doubles as the
// startup pass and the fallback when the feed is down; claims make
// re-delivery harmless.
func (in *Intake) sweep(ctx context.Context) {
	cmds, err := in.store.Pending(ctx, in.machineID)
	if err != nil {
		in.logger.Warn().Err(err).Msg("pending sweep failed")
	}
	for _, cmd := range cmds {
		in.dispatchRow(ctx, cmd)
	}
	in.sweepControls(ctx)
}

func (in *Intake) dispatchID(ctx context.Context, id string) {
	won, err := in.store.Claim(ctx, id)
	if err != nil {
		in.logger.Warn().Err(err).Str("command_id", id).Msg("claim failed")
		return
	}
	if !won {
		return
	}
	cmd, err := in.store.Get(ctx, id)
	if err != nil {
		in.logger.Error().Err(err).Str("command_id", id).Msg("claimed command unreadable")
		return
	}
	in.launch(ctx, cmd)
}

func (in *Intake) dispatchRow(ctx context.Context, cmd Command) {
	won, err := in.store.Claim(ctx, cmd.ID)
	if err != nil {
		in.logger.Warn().Err(err).Str("command_id", cmd.ID).Msg("claim failed")
		return
	}
	if !won {
		return
	}
	in.launch(ctx, cmd)
}

func (in *Intake) launch(ctx context.Context, cmd Command) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.execute(ctx, cmd)
	}()
}

func (in *Intake) execute(ctx context.Context, cmd Command) {
	ctx, span := in.tracer.Start(ctx, "command."+cmd.Type,
		trace.WithAttributes(attribute.String("command.id", cmd.ID)))
	defer span.End()

	log := in.logger.With().Str("command_id", cmd.ID).Str("type", cmd.Type).Logger()
	log.Info().Msg("command accepted")

	var err error
	switch cmd.Type {
	case TypeStartRecipe:
		err = in.startRecipe(ctx, log, cmd)
	case TypeStopRecipe:
		err = in.stopRecipe(ctx, log, cmd)
	case TypeSetParameter:
		err = in.setParameter(ctx, log, cmd.Parameters)
	default:
		err = &ValidationError{Command: cmd.Type, Message: "unknown command type"}
	}

	// Finalize on a background context so shutdown cannot strand the row
	// in processing.
	fctx := context.Background()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		commandsTotal.WithLabelValues(cmd.Type, "error").Inc()
		log.Error().Err(err).Msg("command failed")
		if ferr := in.store.Fail(fctx, cmd.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("command finalize failed")
		}
		return
	}
	commandsTotal.WithLabelValues(cmd.Type, "ok").Inc()
	log.Info().Msg("command completed")
	if ferr := in.store.Complete(fctx, cmd.ID); ferr != nil {
		log.Error().Err(ferr).Msg("command finalize failed")
	}
}

func (in *Intake) startRecipe(ctx context.Context, log zerolog.Logger, cmd Command) error {
	p, err := parseStartRecipe(cmd.Parameters)
	if err != nil {
		return err
	}

	operator := p.OperatorID
	if operator == "" && in.machines != nil {
		op, err := in.machines.Operator(ctx, in.machineID)
		if err != nil {
			log.Warn().Err(err).Msg("operator lookup failed")
		} else if op != nil {
			operator = *op
		}
	}
	if operator != "" {
		if err := in.auth.Authenticate(ctx, operator); err != nil {
			return fmt.Errorf("authenticate operator: %w", err)
		}
	}

	compiled, err := in.recipes.Load(ctx, p.RecipeID)
	if err != nil {
		return fmt.Errorf("load recipe %s: %w", p.RecipeID, err)
	}

	pid := uuid.NewString()
	if err := in.authority.ToProcessing(ctx, in.machineID, pid); err != nil {
		return err
	}

	exec := execution.Execution{
		ID:            pid,
		MachineID:     in.machineID,
		RecipeID:      compiled.Recipe.ID,
		RecipeVersion: compiled.Snapshot,
		SessionID:     &cmd.ID,
		Parameters:    p.Overrides,
	}
	if operator != "" {
		exec.OperatorID = &operator
	}
	totals := execution.Progress{TotalSteps: compiled.TotalSteps, TotalCycles: compiled.TotalCycles}
	if err := in.executions.Create(ctx, exec, totals); err != nil {
		in.releaseMachine(log)
		return fmt.Errorf("create process execution: %w", err)
	}

	if err := in.launcher.Start(pid, compiled, p.Overrides); err != nil {
		msg := err.Error()
		if ferr := in.executions.Finish(context.Background(), pid, execution.StatusFailed, &msg); ferr != nil {
			log.Error().Err(ferr).Msg("orphaned execution cleanup failed")
		}
		in.releaseMachine(log)
		return fmt.Errorf("launch run: %w", err)
	}
	log.Info().
		Str("process_id", pid).
		Str("recipe", compiled.Recipe.Name).
		Msg("recipe run started")
	return nil
}

func (in *Intake) releaseMachine(log zerolog.Logger) {
	if err := in.authority.ToIdle(context.Background(), in.machineID); err != nil {
		log.Error().Err(err).Msg("machine release failed")
	}
}

func (in *Intake) stopRecipe(ctx context.Context, log zerolog.Logger, cmd Command) error {
	p, err := parseStopRecipe(cmd.Parameters)
	if err != nil {
		return err
	}

	exec, err := in.executions.Get(ctx, p.ProcessID)
	if err != nil {
		return fmt.Errorf("load process %s: %w", p.ProcessID, err)
	}
	if exec.Status != execution.StatusRunning {
		in.registry.Clear(p.ProcessID)
		log.Info().
			Str("process_id", p.ProcessID).
			Str("status", exec.Status).
			Msg("process already terminal, stop is a no-op")
		return nil
	}

	in.registry.Cancel(p.ProcessID)
	evt := log.Info().Str("process_id", p.ProcessID)
	if p.Reason != "" {
		evt = evt.Str("reason", p.Reason)
	}
	evt.Msg("stop requested")
	return nil
}

func (in *Intake) setParameter(ctx context.Context, log zerolog.Logger, payload map[string]any) error {
	p, err := parseSetParameter(payload)
	if err != nil {
		return err
	}
	return in.applyParameter(ctx, log, p)
}

// applyParameter resolves the target in priority order: explicit bus
// address, then parameter identity, then name.
func (in *Intake) applyParameter(ctx context.Context, log zerolog.Logger, p SetParameter) error {
	switch {
	case p.WriteAddress != nil:
		row, err := in.writer.WriteByAddress(ctx, *p.WriteAddress, p.Value, p.DataType)
		if err != nil {
			return err
		}
		if row != nil {
			log.Debug().Str("parameter", row.ID).Msg("address write resolved to parameter")
		}
		return nil
	case p.ParameterID != "":
		_, err := in.writer.Write(ctx, p.ParameterID, p.Value)
		return err
	default:
		_, err := in.writer.WriteByName(ctx, p.Name, p.Value)
		return err
	}
}

// sweepControls claims and executes pending parameter_control_commands
// rows: the flattened set_parameter surface some tool UIs write instead of
// the generic command payload.
func (in *Intake) sweepControls(ctx context.Context) {
	controls, err := in.store.PendingControls(ctx, in.machineID)
	if err != nil {
		in.logger.Warn().Err(err).Msg("control sweep failed")
		return
	}
	for _, ctl := range controls {
		won, err := in.store.ClaimControl(ctx, ctl.ID)
		if err != nil {
			in.logger.Warn().Err(err).Str("command_id", ctl.ID).Msg("control claim failed")
			continue
		}
		if !won {
			continue
		}
		ctl := ctl
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			in.executeControl(ctx, ctl)
		}()
	}
}

func (in *Intake) executeControl(ctx context.Context, ctl ControlCommand) {
	log := in.logger.With().Str("command_id", ctl.ID).Str("type", "parameter_control").Logger()

	p := SetParameter{Value: ctl.TargetValue}
	if ctl.WriteAddress != nil && *ctl.WriteAddress >= 0 && *ctl.WriteAddress <= 65535 {
		addr := uint16(*ctl.WriteAddress)
		p.WriteAddress = &addr
	}
	if ctl.DataType != nil {
		if dt, err := plc.ParseDataType(*ctl.DataType); err == nil {
			p.DataType = dt
		}
	}
	if ctl.ParameterID != nil {
		p.ParameterID = *ctl.ParameterID
	}
	if ctl.ParameterName != nil {
		p.Name = *ctl.ParameterName
	}

	fctx := context.Background()
	if p.WriteAddress == nil && p.ParameterID == "" && p.Name == "" {
		err := &ValidationError{Command: "parameter_control", Message: "no parameter reference on row"}
		commandsTotal.WithLabelValues("parameter_control", "error").Inc()
		log.Error().Err(err).Msg("command failed")
		if ferr := in.store.FailControl(fctx, ctl.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("command finalize failed")
		}
		return
	}

	if err := in.applyParameter(ctx, log, p); err != nil {
		commandsTotal.WithLabelValues("parameter_control", "error").Inc()
		log.Error().Err(err).Msg("command failed")
		if ferr := in.store.FailControl(fctx, ctl.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Msg("command finalize failed")
		}
		return
	}
	commandsTotal.WithLabelValues("parameter_control", "ok").Inc()
	log.Info().Msg("command completed")
	if ferr := in.store.CompleteControl(fctx, ctl.ID); ferr != nil {
		log.Error().Err(ferr).Msg("command finalize failed")
	}
}
