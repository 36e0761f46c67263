package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/recipe"
)

// Runner owns the goroutine lifecycle of recipe runs. A machine executes
// one process at a time; Start refuses a second while one is live. Stop
// requests travel through the cancellation registry, not the Runner; the
// Runner's context only ends runs on shutdown.
type Runner struct {
	exec   *Executor
	logger zerolog.Logger
	ctx    context.Context

	mu      sync.Mutex
	running map[string]*activeRun
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(ctx context.Context, exec *Executor, logger zerolog.Logger) *Runner {
	return &Runner{
		exec:    exec,
		logger:  logger.With().Str("component", "runner").Logger(),
		ctx:     ctx,
		running: make(map[string]*activeRun),
	}
}

// Start launches the run for pid on its own goroutine. The process
// execution rows must already exist and the machine must already be
// claimed.
func (rn *Runner) Start(pid string, c *recipe.Compiled, overrides map[string]float64) error {
	rn.mu.Lock()
	if _, ok := rn.running[pid]; ok {
		rn.mu.Unlock()
		return fmt.Errorf("process %s is already running", pid)
	}
	if len(rn.running) > 0 {
		var other string
		for id := range rn.running {
			other = id
		}
		rn.mu.Unlock()
		return fmt.Errorf("machine is busy with process %s", other)
	}

	runCtx, cancel := context.WithCancel(rn.ctx)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	rn.running[pid] = ar
	rn.mu.Unlock()

	rn.logger.Info().Str("process_id", pid).Str("recipe", c.Recipe.Name).Msg("run launched")
	go func() {
		defer close(ar.done)
		defer cancel()
		defer rn.remove(pid)
		_ = rn.exec.Run(runCtx, pid, c, overrides)
	}()
	return nil
}

func (rn *Runner) remove(pid string) {
	rn.mu.Lock()
	delete(rn.running, pid)
	rn.mu.Unlock()
}

// IsRunning reports whether pid has a live goroutine.
func (rn *Runner) IsRunning(pid string) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	_, ok := rn.running[pid]
	return ok
}

// Active returns the process currently executing, if any.
func (rn *Runner) Active() (string, bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	for pid := range rn.running {
		return pid, true
	}
	return "", false
}

// Drain waits for every live run to reach its terminal state. Callers
// cancel the Runner's context first; Drain then bounds how long shutdown
// waits for the terminal writes.
func (rn *Runner) Drain(timeout time.Duration) error {
	rn.mu.Lock()
	waits := make([]chan struct{}, 0, len(rn.running))
	for _, ar := range rn.running {
		waits = append(waits, ar.done)
	}
	rn.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for _, done := range waits {
		select {
		case <-done:
		case <-deadline.C:
			return fmt.Errorf("run still terminating after %s", timeout)
		}
	}
	return nil
}
