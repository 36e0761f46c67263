// Package datalog runs the continuous parameter logger: a fixed 1-second
// sampling loop that bulk-reads every mapped parameter from the PLC, keeps
// datastore setpoints reconciled with the bus, and writes the dual telemetry
// streams. It runs whenever the control process is up, idle or not.
package datalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/machine"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/params"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/plc"
)

const (
	defaultInterval = time.Second
	defaultEpsilon  = 0.001
	defaultWorkers  = 4

	// Start-drift thresholds: 25 ms is tolerated with a debug line, 50 ms
	// raises the alert counter. The target is single-digit milliseconds.
	jitterTolerance = 25 * time.Millisecond
	jitterAlert     = 50 * time.Millisecond

	maxFailures    = 3
	failureBackoff = 10 * time.Second
)

// Machines reads the live machine status the logger keys its mode on.
type Machines interface {
	Status(ctx context.Context, id string) (string, *string, error)
}

// Bus is the slice of the PLC driver the logger samples through.
type Bus interface {
	Connected() bool
	ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]uint16, error)
	ReadCoils(ctx context.Context, start, count uint16) ([]bool, error)
	ReadParameter(ctx context.Context, id string) (float64, error)
}

// Cache is the parameter-metadata surface: cached rows plus the derived
// bulk-read groupings.
type Cache interface {
	ReadGroups() []plc.ReadGroup
	SetpointGroups() []plc.ReadGroup
	Specs() []plc.Spec
	UpdateSetValue(ctx context.Context, id string, value float64) (params.Parameter, error)
}

// CurrentWriter refreshes component_parameters.current_value after a read
// pass.
type CurrentWriter interface {
	UpdateCurrentValues(ctx context.Context, values map[string]float64) error
}

// Sink receives telemetry batches. Implemented by History.
type Sink interface {
	InsertGlobal(ctx context.Context, points []Point) (int, error)
	InsertProcess(ctx context.Context, processID string, points []Point) (int, error)
}

type Config struct {
	MachineID string
	Machines  Machines
	Bus       Bus
	Cache     Cache
	Params    CurrentWriter
	Sink      Sink
	Window    *Window

	// Interval is the sampling period. Zero means one second.
	Interval time.Duration
	// Epsilon is the setpoint reconcile threshold. Zero means 0.001.
	Epsilon float64
	// MaxWorkers bounds the individual-read fallback fan-out. Zero means 4.
	MaxWorkers int
	// Order is the 32-bit word order of the bus.
	Order plc.WordOrder

	Logger zerolog.Logger
}

// Logger is the continuous sampling loop.
type Logger struct {
	machineID string
	machines  Machines
	bus       Bus
	cache     Cache
	params    CurrentWriter
	sink      Sink
	window    *Window

	interval   time.Duration
	epsilon    float64
	maxWorkers int
	order      plc.WordOrder

	logger zerolog.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Logger {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = defaultEpsilon
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = defaultWorkers
	}
	if cfg.Window == nil {
		cfg.Window = NewWindow(300)
	}
	return &Logger{
		machineID:  cfg.MachineID,
		machines:   cfg.Machines,
		bus:        cfg.Bus,
		cache:      cfg.Cache,
		params:     cfg.Params,
		sink:       cfg.Sink,
		window:     cfg.Window,
		interval:   cfg.Interval,
		epsilon:    cfg.Epsilon,
		maxWorkers: cfg.MaxWorkers,
		order:      cfg.Order,
		logger:     cfg.Logger.With().Str("component", "datalog").Logger(),
		tracer:     otel.Tracer("datalog"),
	}
}

// Window exposes the rolling cycle stats for the status surfaces.
func (l *Logger) Window() *Window { return l.window }

// Run samples on the fixed cadence until ctx ends. A cycle that overruns
// the period starts the next one immediately; there is no catch-up burst.
// After three consecutive failed cycles the loop backs off for ten seconds
// to avoid hammering a dead bus or datastore.
func (l *Logger) Run(ctx context.Context) error {
	l.logger.Info().Dur("interval", l.interval).Msg("continuous logger started")

	next := time.Now()
	failures := 0
	for {
		if err := sleepUntil(ctx, next); err != nil {
			return err
		}
		start := time.Now()
		jitterMS := float64(start.Sub(next).Microseconds()) / 1000
		jitterGauge.Set(jitterMS)
		switch {
		case start.Sub(next) > jitterAlert:
			jitterAlerts.Inc()
			l.logger.Warn().Float64("jitter_ms", jitterMS).Msg("cycle start drifted past the hard limit")
		case start.Sub(next) > jitterTolerance:
			l.logger.Debug().Float64("jitter_ms", jitterMS).Msg("cycle start drifted")
		}

		cctx, span := l.tracer.Start(ctx, "datalog.cycle")
		stat, err := l.cycle(cctx)
		stat.Start = start
		stat.JitterMS = jitterMS
		stat.TotalMS = float64(time.Since(start).Microseconds()) / 1000

		cycleSeconds.Observe(time.Since(start).Seconds())
		parametersGauge.Set(float64(stat.Parameters))
		span.SetAttributes(attribute.Int("parameters", stat.Parameters))
		if err != nil {
			stat.Error = err.Error()
			cyclesTotal.WithLabelValues("error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			l.logger.Warn().Err(err).Msg("logging cycle failed")
			failures++
		} else {
			cyclesTotal.WithLabelValues("ok").Inc()
			failures = 0
		}
		span.End()
		l.window.Add(stat)

		if failures >= maxFailures {
			l.logger.Error().
				Int("consecutive", failures).
				Dur("backoff", failureBackoff).
				Msg("repeated cycle failures, backing off")
			if err := sleepFor(ctx, failureBackoff); err != nil {
				return err
			}
			failures = 0
			next = time.Now()
			continue
		}

		next = next.Add(l.interval)
		if now := time.Now(); now.After(next) {
			next = now
		}
	}
}

func (l *Logger) cycle(ctx context.Context) (CycleStat, error) {
	stat := CycleStat{Mode: "idle"}

	status, pid, err := l.machines.Status(ctx, l.machineID)
	if err != nil {
		return stat, fmt.Errorf("read machine status: %w", err)
	}
	var processID string
	if status == machine.StatusProcessing && pid != nil {
		stat.Mode = "process"
		processID = *pid
	}

	if !l.bus.Connected() {
		return stat, fmt.Errorf("skip cycle: %w", plc.ErrDisconnected)
	}

	readStart := time.Now()
	values := l.readAll(ctx)
	stat.ReadMS = msSince(readStart)
	stat.Parameters = len(values)

	if len(values) == 0 {
		if len(l.cache.ReadGroups()) > 0 {
			return stat, errors.New("no parameter reads succeeded")
		}
		// Nothing mapped on the bus; an empty cycle is fine.
		return stat, nil
	}

	l.reconcile(ctx, l.readSetpoints(ctx))

	points := l.buildPoints(values, time.Now())

	writeStart := time.Now()
	n, err := l.sink.InsertGlobal(ctx, points)
	batchRowsTotal.WithLabelValues("global").Add(float64(n))
	if err != nil {
		stat.WriteMS = msSince(writeStart)
		return stat, err
	}
	if processID != "" {
		n, err := l.sink.InsertProcess(ctx, processID, points)
		batchRowsTotal.WithLabelValues("process").Add(float64(n))
		if err != nil {
			stat.WriteMS = msSince(writeStart)
			return stat, err
		}
	}
	stat.WriteMS = msSince(writeStart)

	if err := l.params.UpdateCurrentValues(ctx, values); err != nil {
		l.logger.Warn().Err(err).Msg("current-value refresh failed")
	}
	return stat, nil
}

// LogProcessSnapshot writes one extra sample of every readable parameter
// into the per-process stream. The executor calls this after each top-level
// step so even sub-second steps leave at least one data point.
func (l *Logger) LogProcessSnapshot(ctx context.Context, processID string) error {
	if !l.bus.Connected() {
		return fmt.Errorf("snapshot process %s: %w", processID, plc.ErrDisconnected)
	}
	values := l.readAll(ctx)
	if len(values) == 0 {
		return nil
	}
	points := l.buildPoints(values, time.Now())
	n, err := l.sink.InsertProcess(ctx, processID, points)
	batchRowsTotal.WithLabelValues("process").Add(float64(n))
	if err != nil {
		return fmt.Errorf("snapshot process %s: %w", processID, err)
	}
	return nil
}

// readAll samples every readable parameter: one bulk request per group,
// falling back to individual reads for a group whose bulk path fails.
func (l *Logger) readAll(ctx context.Context) map[string]float64 {
	out := map[string]float64{}
	for _, g := range l.cache.ReadGroups() {
		vals, err := l.readGroup(ctx, g)
		if err != nil {
			plcReadsTotal.WithLabelValues("bulk", "error").Inc()
			l.logger.Debug().Err(err).
				Uint16("start", g.Start).
				Int("members", len(g.Members)).
				Msg("bulk read failed, reading individually")
			vals = l.readIndividually(ctx, g)
		} else {
			plcReadsTotal.WithLabelValues("bulk", "ok").Inc()
		}
		for id, v := range vals {
			out[id] = v
		}
	}
	return out
}

func (l *Logger) readGroup(ctx context.Context, g plc.ReadGroup) (map[string]float64, error) {
	switch g.Kind {
	case plc.GroupHolding:
		regs, err := l.bus.ReadHoldingRegisters(ctx, g.Start, g.Count)
		if err != nil {
			return nil, err
		}
		return g.DecodeRegisterRun(regs, l.order)
	case plc.GroupCoil:
		bits, err := l.bus.ReadCoils(ctx, g.Start, g.Count)
		if err != nil {
			return nil, err
		}
		return g.DecodeCoilRun(bits)
	default:
		return nil, fmt.Errorf("unknown group kind %d", g.Kind)
	}
}

// readIndividually fans a failed group out to per-parameter reads on a
// bounded worker pool. Parameters that still fail are dropped for this
// cycle.
func (l *Logger) readIndividually(ctx context.Context, g plc.ReadGroup) map[string]float64 {
	work := make(chan plc.Member, len(g.Members))
	for _, m := range g.Members {
		work <- m
	}
	close(work)

	var (
		mu  sync.Mutex
		out = make(map[string]float64, len(g.Members))
		wg  sync.WaitGroup
	)
	workers := l.maxWorkers
	if workers > len(g.Members) {
		workers = len(g.Members)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range work {
				v, err := l.bus.ReadParameter(ctx, m.ParameterID)
				if err != nil {
					plcReadsTotal.WithLabelValues("individual", "error").Inc()
					l.logger.Debug().Err(err).Str("parameter", m.ParameterID).Msg("individual read failed")
					continue
				}
				plcReadsTotal.WithLabelValues("individual", "ok").Inc()
				mu.Lock()
				out[m.ParameterID] = v
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return out
}

// readSetpoints bulk-reads the write-address groups. A failed group is
// skipped; setpoint reconcile is best effort.
func (l *Logger) readSetpoints(ctx context.Context) map[string]float64 {
	out := map[string]float64{}
	for _, g := range l.cache.SetpointGroups() {
		vals, err := l.readGroup(ctx, g)
		if err != nil {
			plcReadsTotal.WithLabelValues("setpoint", "error").Inc()
			l.logger.Debug().Err(err).Uint16("start", g.Start).Msg("setpoint group read failed")
			continue
		}
		plcReadsTotal.WithLabelValues("setpoint", "ok").Inc()
		for id, v := range vals {
			out[id] = v
		}
	}
	return out
}

// reconcile pushes setpoints changed from outside the runtime (panel HMI,
// vendor tools) back into the datastore so both views agree.
func (l *Logger) reconcile(ctx context.Context, busSetpoints map[string]float64) {
	if len(busSetpoints) == 0 {
		return
	}
	for _, s := range l.cache.Specs() {
		v, ok := busSetpoints[s.ID]
		if !ok || math.Abs(v-s.Setpoint) <= l.epsilon {
			continue
		}
		if _, err := l.cache.UpdateSetValue(ctx, s.ID, v); err != nil {
			l.logger.Warn().Err(err).Str("parameter", s.ID).Msg("setpoint reconcile failed")
			continue
		}
		l.logger.Info().
			Str("parameter", s.ID).
			Str("name", s.Name).
			Float64("from", s.Setpoint).
			Float64("to", v).
			Msg("reconciled externally changed setpoint")
	}
}

func (l *Logger) buildPoints(values map[string]float64, ts time.Time) []Point {
	setpoints := map[string]float64{}
	for _, s := range l.cache.Specs() {
		setpoints[s.ID] = s.Setpoint
	}
	points := make([]Point, 0, len(values))
	for id, v := range values {
		p := Point{ParameterID: id, Value: v, Timestamp: ts}
		if sp, ok := setpoints[id]; ok {
			spv := sp
			p.SetPoint = &spv
		}
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].ParameterID < points[j].ParameterID })
	return points
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	return sleepFor(ctx, d)
}

func sleepFor(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
