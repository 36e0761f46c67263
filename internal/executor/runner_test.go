package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
)

func TestRunnerRunsOneProcessAtATime(t *testing.T) {
	h := newHarness(t)
	rn := NewRunner(context.Background(), h.exec, zerolog.Nop())
	c := mustCompile(t, purgeStep("hold", 1, 2*time.Second))

	if err := rn.Start("proc-1", c, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.state.trailHas("purge:hold") })

	if err := rn.Start("proc-1", c, nil); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("duplicate Start = %v, want already-running error", err)
	}
	if err := rn.Start("proc-2", c, nil); err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("second Start = %v, want busy error", err)
	}
	if pid, ok := rn.Active(); !ok || pid != "proc-1" {
		t.Errorf("Active = %q, %v", pid, ok)
	}

	h.registry.Cancel("proc-1")
	waitFor(t, time.Second, func() bool { return !rn.IsRunning("proc-1") })

	if h.registry.Cancelled("proc-1") {
		t.Error("token survived the run, want it cleared")
	}
	if err := rn.Start("proc-2", c, nil); err != nil {
		t.Fatalf("Start after drain: %v", err)
	}
	h.registry.Cancel("proc-2")
	waitFor(t, time.Second, func() bool { return !rn.IsRunning("proc-2") })
}

func TestRunnerShutdownStopsRun(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	rn := NewRunner(ctx, h.exec, zerolog.Nop())
	c := mustCompile(t, purgeStep("hold", 1, 2*time.Second))

	if err := rn.Start("proc-1", c, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return h.state.trailHas("purge:hold") })

	cancel()
	if err := rn.Drain(time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if rn.IsRunning("proc-1") {
		t.Error("run still registered after Drain")
	}
	if h.state.finishStatus != execution.StatusStopped {
		t.Errorf("finish status = %q, want stopped on shutdown", h.state.finishStatus)
	}
}

func TestAuditQueueKeepsNewestWhenFull(t *testing.T) {
	q := NewAuditQueue(nil, 2, zerolog.Nop())
	for i := 1; i <= 3; i++ {
		q.Record(AuditRecord{ProcessID: "proc-1", ValveNumber: i, DurationMS: 100})
	}
	got := drainAudit(q)
	if len(got) != 2 || got[0].ValveNumber != 2 || got[1].ValveNumber != 3 {
		t.Fatalf("records = %v, want valves 2 and 3", got)
	}
}

func TestAuditQueueDrainsToWriter(t *testing.T) {
	q := NewAuditQueue(nil, 4, zerolog.Nop())
	var mu sync.Mutex
	var got []AuditRecord
	q.insert = func(ctx context.Context, rec AuditRecord) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, rec)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.Record(AuditRecord{StepID: "tma-pulse", ValveNumber: 1, DurationMS: 250})
	q.Record(AuditRecord{StepID: "h2o-pulse", ValveNumber: 2, DurationMS: 300})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0].StepID != "tma-pulse" || got[1].StepID != "h2o-pulse" {
		t.Errorf("drained = %v", got)
	}
}
