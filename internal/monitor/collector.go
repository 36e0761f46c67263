// Package monitor aggregates live runtime state for the HTTP API, the
// TUI dashboard, and the statefile read by `aldctl status`. Components
// push updates into the Collector; readers pull point-in-time snapshots
// or subscribe to the periodic broadcast.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/datalog"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
)

// ProcessStatus tracks the recipe run currently executing.
type ProcessStatus struct {
	ID              string    `json:"id"`
	RecipeName      string    `json:"recipe_name"`
	StartedAt       time.Time `json:"started_at"`
	StepType        string    `json:"step_type,omitempty"`
	StepName        string    `json:"step_name,omitempty"`
	StepIndex       int       `json:"step_index"`
	OverallStep     int       `json:"overall_step"`
	TotalSteps      int       `json:"total_steps"`
	CompletedSteps  int       `json:"completed_steps"`
	TotalCycles     int       `json:"total_cycles"`
	CompletedCycles int       `json:"completed_cycles"`
	LoopIteration   int       `json:"loop_iteration,omitempty"`
	Percent         float64   `json:"percent"`
	ElapsedSec      float64   `json:"elapsed_sec"`
}

// RunResult describes the most recently finished run.
type RunResult struct {
	ID         string    `json:"id"`
	RecipeName string    `json:"recipe_name"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	ElapsedSec float64   `json:"elapsed_sec"`
}

// ParameterValue is one row of the live parameter table.
type ParameterValue struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	SetPoint float64 `json:"set_point"`
}

// Snapshot is the complete runtime state at a point in time.
type Snapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	MachineID    string    `json:"machine_id"`
	Status       string    `json:"status"`
	PLCConnected bool      `json:"plc_connected"`
	FeedLive     bool      `json:"feed_live"`
	UptimeSec    float64   `json:"uptime_sec"`

	// Recipe execution
	Process *ProcessStatus `json:"process,omitempty"`
	LastRun *RunResult     `json:"last_run,omitempty"`

	// Continuous logging
	Datalog        datalog.Summary `json:"datalog"`
	ReadingsPerSec float64         `json:"readings_per_sec"`

	// Run totals since startup
	RunsStarted   int64 `json:"runs_started"`
	RunsCompleted int64 `json:"runs_completed"`
	RunsFailed    int64 `json:"runs_failed"`
	RunsStopped   int64 `json:"runs_stopped"`

	// Errors
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`

	Parameters []ParameterValue `json:"parameters,omitempty"`
}

// LogEntry represents a log line captured for the UI.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Bus is the connectivity probe the collector samples at snapshot time.
type Bus interface {
	Connected() bool
}

// Collector aggregates runtime state and provides snapshots for
// consumption by the HTTP API, TUI, and statefile persister.
type Collector struct {
	machineID string
	logger    zerolog.Logger
	startedAt time.Time

	mu       sync.RWMutex
	status   string
	feedLive bool
	process  *ProcessStatus
	lastRun  *RunResult
	params   map[string]ParameterValue

	bus    Bus             // sampled live, may be nil
	window *datalog.Window // cycle stats source, may be nil

	runsStarted   atomic.Int64
	runsCompleted atomic.Int64
	runsFailed    atomic.Int64
	runsStopped   atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string

	// Readings throughput (sliding window).
	readWindow *slidingWindow

	// Subscribers for push-based updates.
	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}

	// Log ring buffer.
	logMu  sync.Mutex
	logs   []LogEntry
	logCap int

	done chan struct{}
}

// NewCollector creates a Collector and starts its broadcast loop.
func NewCollector(machineID string, logger zerolog.Logger) *Collector {
	c := &Collector{
		machineID:   machineID,
		logger:      logger.With().Str("component", "monitor").Logger(),
		startedAt:   time.Now(),
		params:      make(map[string]ParameterValue),
		readWindow:  newSlidingWindow(60 * time.Second),
		subscribers: make(map[chan Snapshot]struct{}),
		logs:        make([]LogEntry, 0, 500),
		logCap:      500,
		done:        make(chan struct{}),
	}
	go c.broadcastLoop()
	return c
}

// AttachBus wires the connectivity probe sampled on every snapshot.
func (c *Collector) AttachBus(b Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus = b
}

// AttachWindow wires the datalog cycle window summarized on every snapshot.
func (c *Collector) AttachWindow(w *datalog.Window) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = w
}

// SetMachineStatus records the machine state reported by the authority.
func (c *Collector) SetMachineStatus(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// SetFeedLive records whether the realtime command feed is streaming or
// the intake has fallen back to polling.
func (c *Collector) SetFeedLive(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedLive = live
}

// ProcessStarted begins tracking a launched recipe run.
func (c *Collector) ProcessStarted(pid, recipeName string, totalSteps, totalCycles int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.process = &ProcessStatus{
		ID:          pid,
		RecipeName:  recipeName,
		StartedAt:   time.Now(),
		TotalSteps:  totalSteps,
		TotalCycles: totalCycles,
	}
	c.runsStarted.Add(1)
}

// ProcessFinished closes out the tracked run and records its outcome.
func (c *Collector) ProcessFinished(pid, status, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.process == nil || c.process.ID != pid {
		return
	}
	now := time.Now()
	c.lastRun = &RunResult{
		ID:         pid,
		RecipeName: c.process.RecipeName,
		Status:     status,
		Error:      errMsg,
		FinishedAt: now,
		ElapsedSec: now.Sub(c.process.StartedAt).Seconds(),
	}
	c.process = nil

	switch status {
	case execution.StatusCompleted:
		c.runsCompleted.Add(1)
	case execution.StatusStopped:
		c.runsStopped.Add(1)
	case execution.StatusFailed:
		c.runsFailed.Add(1)
		if errMsg != "" {
			c.errorCount.Add(1)
			c.lastError.Store(errMsg)
		}
	}
}

// SetStep records the step the walk is currently executing.
func (c *Collector) SetStep(pid, stepType, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.process == nil || c.process.ID != pid {
		return
	}
	c.process.StepType = stepType
	c.process.StepName = name
}

// SetStepPointer records the walk position within the recipe.
func (c *Collector) SetStepPointer(pid string, index, overall int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.process == nil || c.process.ID != pid {
		return
	}
	c.process.StepIndex = index
	c.process.OverallStep = overall
}

// SetLoopIteration records the current iteration of an executing loop.
func (c *Collector) SetLoopIteration(pid string, iteration int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.process == nil || c.process.ID != pid {
		return
	}
	c.process.LoopIteration = iteration
}

// StepCompleted advances the completed-step count.
func (c *Collector) StepCompleted(pid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.process == nil || c.process.ID != pid {
		return
	}
	c.process.CompletedSteps++
}

// CycleCompleted advances the completed-cycle count.
func (c *Collector) CycleCompleted(pid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.process == nil || c.process.ID != pid {
		return
	}
	c.process.CompletedCycles++
}

// UpdateParameters merges fresh bus readings into the parameter table.
// Rows are keyed by parameter id so a one-cycle read dropout keeps the
// last known value instead of blanking the row.
func (c *Collector) UpdateParameters(values []ParameterValue) {
	c.mu.Lock()
	for _, v := range values {
		c.params[v.ID] = v
	}
	c.mu.Unlock()
	c.readWindow.Add(time.Now(), float64(len(values)))
}

// RecordError increments the error count and stores the last error message.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	if err != nil {
		c.lastError.Store(err.Error())
	}
}

// AddLog appends a log entry to the ring buffer.
func (c *Collector) AddLog(entry LogEntry) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	if len(c.logs) >= c.logCap {
		// Shift buffer: drop oldest quarter.
		n := c.logCap / 4
		copy(c.logs, c.logs[n:])
		c.logs = c.logs[:len(c.logs)-n]
	}
	c.logs = append(c.logs, entry)
}

// Cycles returns the recorded datalog cycle stats, oldest first.
func (c *Collector) Cycles() []datalog.CycleStat {
	c.mu.RLock()
	w := c.window
	c.mu.RUnlock()
	if w == nil {
		return nil
	}
	return w.Snapshot()
}

// Logs returns a copy of recent log entries.
func (c *Collector) Logs() []LogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Snapshot returns the current runtime state (thread-safe).
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()

	var process *ProcessStatus
	if c.process != nil {
		p := *c.process
		p.ElapsedSec = now.Sub(p.StartedAt).Seconds()
		if p.TotalSteps > 0 {
			p.Percent = float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
		}
		process = &p
	}

	var lastRun *RunResult
	if c.lastRun != nil {
		r := *c.lastRun
		lastRun = &r
	}

	params := make([]ParameterValue, 0, len(c.params))
	for _, v := range c.params {
		params = append(params, v)
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	var cycles datalog.Summary
	if c.window != nil {
		cycles = c.window.Summary()
	}

	connected := false
	if c.bus != nil {
		connected = c.bus.Connected()
	}

	var lastErr string
	if v := c.lastError.Load(); v != nil {
		lastErr = v.(string)
	}

	return Snapshot{
		Timestamp:      now,
		MachineID:      c.machineID,
		Status:         c.status,
		PLCConnected:   connected,
		FeedLive:       c.feedLive,
		UptimeSec:      now.Sub(c.startedAt).Seconds(),
		Process:        process,
		LastRun:        lastRun,
		Datalog:        cycles,
		ReadingsPerSec: c.readWindow.Rate(),
		RunsStarted:    c.runsStarted.Load(),
		RunsCompleted:  c.runsCompleted.Load(),
		RunsFailed:     c.runsFailed.Load(),
		RunsStopped:    c.runsStopped.Load(),
		ErrorCount:     int(c.errorCount.Load()),
		LastError:      lastErr,
		Parameters:     params,
	}
}

// Subscribe returns a channel that receives periodic Snapshot updates.
func (c *Collector) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (c *Collector) Unsubscribe(ch chan Snapshot) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
}

// Close stops the broadcast loop.
func (c *Collector) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Collector) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			snap := c.Snapshot()
			c.subMu.Lock()
			for ch := range c.subscribers {
				select {
				case ch <- snap:
				default:
					// Subscriber too slow, skip.
				}
			}
			c.subMu.Unlock()
		}
	}
}

// --- Sliding window for readings-per-second calculation ---

type windowEntry struct {
	time  time.Time
	value float64
}

type slidingWindow struct {
	mu      sync.Mutex
	entries []windowEntry
	window  time.Duration
}

func newSlidingWindow(d time.Duration) *slidingWindow {
	return &slidingWindow{
		entries: make([]windowEntry, 0, 128),
		window:  d,
	}
}

func (w *slidingWindow) Add(t time.Time, val float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, windowEntry{time: t, value: val})
	w.evict(t)
}

func (w *slidingWindow) Rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.evict(now)
	if len(w.entries) == 0 {
		return 0
	}
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	elapsed := now.Sub(w.entries[0].time).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	return total / elapsed
}

func (w *slidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].time.Before(cutoff) {
		i++
	}
	if i > 0 {
		copy(w.entries, w.entries[i:])
		w.entries = w.entries[:len(w.entries)-i]
	}
}
