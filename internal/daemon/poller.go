package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/datalog"
	"github.com/Albaraazain/ald-control-system-phase-5-sub005/internal/monitor"
)

// Poller turns the HTTP client into a snapshot stream with the same shape
// as the in-process collector, so the dashboard renders a remote
// controller without knowing the difference. Logs and cycle stats are
// refreshed alongside each status poll and served from cache.
type Poller struct {
	client   *Client
	interval time.Duration

	mu     sync.Mutex
	logs   []monitor.LogEntry
	cycles []datalog.CycleStat
	stops  map[chan monitor.Snapshot]chan struct{}
}

// NewPoller creates a poller fetching from client every interval.
func NewPoller(client *Client, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		client:   client,
		interval: interval,
		stops:    make(map[chan monitor.Snapshot]chan struct{}),
	}
}

// Subscribe starts a poll loop feeding the returned channel. Slow readers
// miss snapshots rather than stalling the loop.
func (p *Poller) Subscribe() chan monitor.Snapshot {
	ch := make(chan monitor.Snapshot, 4)
	stop := make(chan struct{})
	p.mu.Lock()
	p.stops[ch] = stop
	p.mu.Unlock()
	go p.poll(ch, stop)
	return ch
}

// Unsubscribe stops the poll loop behind ch.
func (p *Poller) Unsubscribe(ch chan monitor.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stop, ok := p.stops[ch]; ok {
		close(stop)
		delete(p.stops, ch)
	}
}

// Logs returns the most recently polled log entries.
func (p *Poller) Logs() []monitor.LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logs
}

// Cycles returns the most recently polled cycle stats.
func (p *Poller) Cycles() []datalog.CycleStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

func (p *Poller) poll(ch chan monitor.Snapshot, stop chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			snap, err := p.client.Status(context.Background())
			if err != nil {
				// The controller may be restarting; keep polling.
				continue
			}
			p.refresh()
			select {
			case ch <- *snap:
			default:
			}
		}
	}
}

// refresh updates the cached logs and cycle stats, keeping the previous
// values when a fetch fails.
func (p *Poller) refresh() {
	logs, logErr := p.client.Logs(context.Background())
	cycles, cycErr := p.client.Cycles(context.Background())

	p.mu.Lock()
	if logErr == nil {
		p.logs = logs
	}
	if cycErr == nil {
		p.cycles = cycles
	}
	p.mu.Unlock()
}
