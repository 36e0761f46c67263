package datalog

import (
	"sync"
	"time"
)

// CycleStat records one logging cycle for the observability window.
type CycleStat struct {
	Start      time.Time `json:"start"`
	Mode       string    `json:"mode"`
	Parameters int       `json:"parameters"`
	ReadMS     float64   `json:"read_ms"`
	WriteMS    float64   `json:"write_ms"`
	TotalMS    float64   `json:"total_ms"`
	JitterMS   float64   `json:"jitter_ms"`
	Error      string    `json:"error,omitempty"`
}

// Window is a fixed-size ring of recent cycle stats.
type Window struct {
	mu    sync.Mutex
	buf   []CycleStat
	next  int
	count int
}

func NewWindow(size int) *Window {
	if size < 1 {
		size = 300
	}
	return &Window{buf: make([]CycleStat, size)}
}

func (w *Window) Add(s CycleStat) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf[w.next] = s
	w.next = (w.next + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
}

// Snapshot returns the retained cycles, oldest first.
func (w *Window) Snapshot() []CycleStat {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]CycleStat, 0, w.count)
	start := w.next - w.count
	if start < 0 {
		start += len(w.buf)
	}
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

// Summary aggregates the window for the status surfaces.
type Summary struct {
	Cycles      int       `json:"cycles"`
	Errors      int       `json:"errors"`
	AvgReadMS   float64   `json:"avg_read_ms"`
	AvgWriteMS  float64   `json:"avg_write_ms"`
	AvgTotalMS  float64   `json:"avg_total_ms"`
	MaxJitterMS float64   `json:"max_jitter_ms"`
	LastStart   time.Time `json:"last_start"`
	LastError   string    `json:"last_error,omitempty"`
}

func (w *Window) Summary() Summary {
	cycles := w.Snapshot()
	var s Summary
	s.Cycles = len(cycles)
	if s.Cycles == 0 {
		return s
	}
	for _, c := range cycles {
		if c.Error != "" {
			s.Errors++
			s.LastError = c.Error
		}
		s.AvgReadMS += c.ReadMS
		s.AvgWriteMS += c.WriteMS
		s.AvgTotalMS += c.TotalMS
		if c.JitterMS > s.MaxJitterMS {
			s.MaxJitterMS = c.JitterMS
		}
	}
	n := float64(s.Cycles)
	s.AvgReadMS /= n
	s.AvgWriteMS /= n
	s.AvgTotalMS /= n
	s.LastStart = cycles[len(cycles)-1].Start
	return s
}
