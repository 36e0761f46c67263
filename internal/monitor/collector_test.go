package monitor

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/datalog"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/execution"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/machine"
)

type fakeBus struct {
	connected bool
}

func (b fakeBus) Connected() bool { return b.connected }

func TestCollector_MachineStatus(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	c.SetMachineStatus(machine.StatusIdle)
	snap := c.Snapshot()
	if snap.Status != machine.StatusIdle {
		t.Errorf("Status = %q, want idle", snap.Status)
	}
	if snap.MachineID != "machine-1" {
		t.Errorf("MachineID = %q, want machine-1", snap.MachineID)
	}

	c.SetMachineStatus(machine.StatusProcessing)
	snap = c.Snapshot()
	if snap.Status != machine.StatusProcessing {
		t.Errorf("Status = %q, want processing", snap.Status)
	}
}

func TestCollector_ProcessLifecycle(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	c.ProcessStarted("proc-1", "alumina deposition", 8, 4)
	snap := c.Snapshot()
	if snap.Process == nil {
		t.Fatal("expected active process")
	}
	if snap.Process.RecipeName != "alumina deposition" {
		t.Errorf("RecipeName = %q", snap.Process.RecipeName)
	}
	if snap.Process.TotalSteps != 8 || snap.Process.TotalCycles != 4 {
		t.Errorf("totals = %d/%d, want 8/4", snap.Process.TotalSteps, snap.Process.TotalCycles)
	}
	if snap.RunsStarted != 1 {
		t.Errorf("RunsStarted = %d, want 1", snap.RunsStarted)
	}

	c.SetStep("proc-1", execution.StateValve, "TMA pulse")
	c.SetStepPointer("proc-1", 2, 5)
	c.StepCompleted("proc-1")
	c.StepCompleted("proc-1")
	c.CycleCompleted("proc-1")

	snap = c.Snapshot()
	if snap.Process.StepType != execution.StateValve || snap.Process.StepName != "TMA pulse" {
		t.Errorf("step = %s/%s", snap.Process.StepType, snap.Process.StepName)
	}
	if snap.Process.StepIndex != 2 || snap.Process.OverallStep != 5 {
		t.Errorf("pointer = %d/%d, want 2/5", snap.Process.StepIndex, snap.Process.OverallStep)
	}
	if snap.Process.CompletedSteps != 2 || snap.Process.CompletedCycles != 1 {
		t.Errorf("progress = %d steps %d cycles", snap.Process.CompletedSteps, snap.Process.CompletedCycles)
	}
	if snap.Process.Percent != 25 {
		t.Errorf("Percent = %.1f, want 25", snap.Process.Percent)
	}

	c.ProcessFinished("proc-1", execution.StatusCompleted, "")
	snap = c.Snapshot()
	if snap.Process != nil {
		t.Error("process should be cleared after finish")
	}
	if snap.LastRun == nil {
		t.Fatal("expected last run record")
	}
	if snap.LastRun.Status != execution.StatusCompleted {
		t.Errorf("LastRun.Status = %q, want completed", snap.LastRun.Status)
	}
	if snap.RunsCompleted != 1 {
		t.Errorf("RunsCompleted = %d, want 1", snap.RunsCompleted)
	}
}

func TestCollector_FailedRunRecordsError(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	c.ProcessStarted("proc-1", "alumina deposition", 4, 0)
	c.ProcessFinished("proc-1", execution.StatusFailed, "valve 3 write refused")

	snap := c.Snapshot()
	if snap.RunsFailed != 1 {
		t.Errorf("RunsFailed = %d, want 1", snap.RunsFailed)
	}
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}
	if snap.LastError != "valve 3 write refused" {
		t.Errorf("LastError = %q", snap.LastError)
	}
	if snap.LastRun == nil || snap.LastRun.Error != "valve 3 write refused" {
		t.Errorf("LastRun = %+v", snap.LastRun)
	}
}

func TestCollector_StaleProcessWritesIgnored(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	c.ProcessStarted("proc-1", "alumina deposition", 4, 0)
	c.SetStep("proc-9", execution.StatePurge, "stale purge")
	c.StepCompleted("proc-9")
	c.ProcessFinished("proc-9", execution.StatusFailed, "stale")

	snap := c.Snapshot()
	if snap.Process == nil {
		t.Fatal("active process should survive writes for another pid")
	}
	if snap.Process.StepName != "" || snap.Process.CompletedSteps != 0 {
		t.Errorf("stale write applied: %+v", snap.Process)
	}
	if snap.RunsFailed != 0 {
		t.Errorf("RunsFailed = %d, want 0", snap.RunsFailed)
	}
}

func TestCollector_ParameterTableMerges(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	c.UpdateParameters([]ParameterValue{
		{ID: "p-2", Name: "chamber_pressure", Value: 1.2, SetPoint: 1.0},
		{ID: "p-1", Name: "carrier_flow", Value: 18, SetPoint: 20},
	})
	c.UpdateParameters([]ParameterValue{
		{ID: "p-1", Name: "carrier_flow", Value: 19.5, SetPoint: 20},
	})

	snap := c.Snapshot()
	if len(snap.Parameters) != 2 {
		t.Fatalf("Parameters count = %d, want 2", len(snap.Parameters))
	}
	// Sorted by name: carrier_flow first.
	if snap.Parameters[0].Value != 19.5 {
		t.Errorf("carrier_flow = %.1f, want updated 19.5", snap.Parameters[0].Value)
	}
	if snap.Parameters[1].Name != "chamber_pressure" || snap.Parameters[1].Value != 1.2 {
		t.Errorf("chamber_pressure row = %+v", snap.Parameters[1])
	}
	if snap.ReadingsPerSec <= 0 {
		t.Errorf("ReadingsPerSec = %f, want > 0", snap.ReadingsPerSec)
	}
}

func TestCollector_BusAndWindow(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	w := datalog.NewWindow(10)
	w.Add(datalog.CycleStat{Start: time.Now(), TotalMS: 12})
	w.Add(datalog.CycleStat{Start: time.Now(), TotalMS: 18})
	c.AttachWindow(w)
	c.AttachBus(fakeBus{connected: true})

	snap := c.Snapshot()
	if !snap.PLCConnected {
		t.Error("PLCConnected = false, want true")
	}
	if snap.Datalog.Cycles != 2 {
		t.Errorf("Datalog.Cycles = %d, want 2", snap.Datalog.Cycles)
	}
	if snap.Datalog.AvgTotalMS != 15 {
		t.Errorf("Datalog.AvgTotalMS = %.1f, want 15", snap.Datalog.AvgTotalMS)
	}
}

func TestCollector_FeedLive(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	c.SetFeedLive(true)
	if snap := c.Snapshot(); !snap.FeedLive {
		t.Error("FeedLive = false, want true")
	}
	c.SetFeedLive(false)
	if snap := c.Snapshot(); snap.FeedLive {
		t.Error("FeedLive = true, want false")
	}
}

func TestCollector_ErrorTracking(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	c.RecordError(nil)
	snap := c.Snapshot()
	if snap.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", snap.ErrorCount)
	}

	c.RecordError(fmt.Errorf("test error"))
	snap = c.Snapshot()
	if snap.ErrorCount != 2 {
		t.Errorf("ErrorCount = %d, want 2", snap.ErrorCount)
	}
	if snap.LastError != "test error" {
		t.Errorf("LastError = %q, want 'test error'", snap.LastError)
	}
}

func TestCollector_LogBuffer(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	for i := 0; i < 10; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) != 10 {
		t.Errorf("expected 10 logs, got %d", len(logs))
	}
}

func TestCollector_LogBufferEviction(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	for i := 0; i < 600; i++ {
		c.AddLog(LogEntry{
			Time:    time.Now(),
			Level:   "info",
			Message: fmt.Sprintf("log %d", i),
		})
	}

	logs := c.Logs()
	if len(logs) > 500 {
		t.Errorf("log buffer should not exceed capacity, got %d", len(logs))
	}
}

func TestCollector_SubscribeUnsubscribe(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	ch := c.Subscribe()
	c.Unsubscribe(ch)

	// Should not panic or deadlock.
	c.SetMachineStatus(machine.StatusIdle)
}

func TestCollector_Uptime(t *testing.T) {
	c := NewCollector("machine-1", zerolog.Nop())
	defer c.Close()

	time.Sleep(50 * time.Millisecond)
	snap := c.Snapshot()
	if snap.UptimeSec < 0.04 {
		t.Errorf("UptimeSec = %f, expected > 0.04", snap.UptimeSec)
	}
}

func TestSlidingWindow_Rate(t *testing.T) {
	w := newSlidingWindow(5 * time.Second)
	now := time.Now()

	w.Add(now.Add(-3*time.Second), 30)
	w.Add(now.Add(-2*time.Second), 20)
	w.Add(now.Add(-1*time.Second), 10)

	rate := w.Rate()
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Eviction(t *testing.T) {
	w := newSlidingWindow(100 * time.Millisecond)
	now := time.Now()

	w.Add(now.Add(-200*time.Millisecond), 100)
	w.Add(now, 50)

	rate := w.Rate()
	// The old entry should be evicted, leaving only the 50 entry.
	if rate <= 0 {
		t.Errorf("Rate() = %f, want > 0", rate)
	}
}

func TestSlidingWindow_Empty(t *testing.T) {
	w := newSlidingWindow(time.Second)
	if r := w.Rate(); r != 0 {
		t.Errorf("Rate() on empty window = %f, want 0", r)
	}
}
