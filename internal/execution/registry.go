// Package execution owns process execution rows, their live state siblings,
// and the cancellation registry that links stop commands to running walks.
package execution

import "sync"

type token struct {
	cancelled bool
	done      chan struct{}
}

// Registry is a process-wide set of one-shot cancellation signals keyed by
// process id. Signals are edge-triggered and monotonic: once cancelled, a
// process stays cancelled until Clear. Cancel may arrive before Register.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*token
}

func NewRegistry() *Registry {
	return &Registry{tokens: map[string]*token{}}
}

func (r *Registry) get(pid string) *token {
	t, ok := r.tokens[pid]
	if !ok {
		t = &token{done: make(chan struct{})}
		r.tokens[pid] = t
	}
	return t
}

// Register creates the token for pid if absent. An already-cancelled token is
// left cancelled.
func (r *Registry) Register(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(pid)
}

// Cancel sets the signal, creating the token if the process has not
// registered yet.
func (r *Registry) Cancel(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.get(pid)
	if !t.cancelled {
		t.cancelled = true
		close(t.done)
	}
}

// Cancelled is the non-blocking test handlers poll at step boundaries.
func (r *Registry) Cancelled(pid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[pid]
	return ok && t.cancelled
}

// Done returns a channel closed when pid is cancelled, for select-based
// waits.
func (r *Registry) Done(pid string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(pid).done
}

// Clear drops the token once the run is terminal.
func (r *Registry) Clear(pid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, pid)
}
