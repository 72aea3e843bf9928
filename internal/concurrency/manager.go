package concurrency

import (
	"context"
	"sync"

	"github.com/vk/pipegrid/internal/model"
)

// Holder is anything that can occupy a group slot.
type Holder interface {
	// ID identifies the holder in logs and preemption errors.
	ID() string
	// Cancel asks the holder to stop. It must not block.
	Cancel(cause error)
}

// Result is the immediate outcome of an acquisition.
type Result int

const (
	Granted Result = iota
	Queued
	GrantedAfterPreemption
)

func (r Result) String() string {
	switch r {
	case Granted:
		return "granted"
	case Queued:
		return "queued"
	case GrantedAfterPreemption:
		return "granted-after-preemption"
	}
	return "unknown"
}

type ticketState int

const (
	stateWaiting ticketState = iota
	stateActive
	stateEvicted
	stateDone
)

// Ticket tracks one acquisition.
type Ticket struct {
	m       *Manager
	key     string
	holder  Holder
	result  Result
	evicted Holder
	granted chan struct{}

	// state is guarded by m.mu.
	state ticketState
}

func (t *Ticket) Key() string    { return t.key }
func (t *Ticket) Holder() Holder { return t.holder }
func (t *Ticket) Result() Result { return t.result }

// Evicted returns the holder preempted by this acquisition, if any.
func (t *Ticket) Evicted() Holder { return t.evicted }

// Granted is closed once the holder owns the slot.
func (t *Ticket) Granted() <-chan struct{} { return t.granted }

// Wait blocks until the slot is granted or ctx ends. On ctx end the holder
// leaves the queue; if the grant raced the cancellation the slot is released
// again so the next holder is not starved.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.granted:
		return nil
	default:
	}
	select {
	case <-t.granted:
		return nil
	case <-ctx.Done():
		t.m.Release(t.key, t.holder)
		return context.Cause(ctx)
	}
}

// Release gives the slot up. It is idempotent.
func (t *Ticket) Release() {
	t.m.Release(t.key, t.holder)
}

type group struct {
	active *Ticket
	queue  []*Ticket
}

// Manager owns all concurrency groups of the engine.
type Manager struct {
	mu     sync.Mutex
	groups map[string]*group
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{groups: make(map[string]*group)}
}

// Acquire requests the slot for key on behalf of h.
func (m *Manager) Acquire(key string, h Holder, cancelInProgress bool) *Ticket {
	t := &Ticket{m: m, key: key, holder: h, granted: make(chan struct{})}

	m.mu.Lock()
	g, ok := m.groups[key]
	if !ok {
		g = &group{}
		m.groups[key] = g
	}

	var preempted *Ticket
	switch {
	case g.active == nil:
		t.result = Granted
		m.grantLocked(g, t)
	case cancelInProgress:
		preempted = g.active
		preempted.state = stateEvicted
		t.result = GrantedAfterPreemption
		t.evicted = preempted.holder
		m.grantLocked(g, t)
	default:
		t.result = Queued
		g.queue = append(g.queue, t)
	}
	m.mu.Unlock()

	if preempted != nil {
		preempted.holder.Cancel(&model.ConcurrencyPreemptedError{Group: key, By: h.ID()})
	}
	return t
}

// Release frees the slot held by h and grants the next queued holder. A
// queued holder is removed from the queue. Releases by evicted or unknown
// holders are no-ops.
func (m *Manager) Release(key string, h Holder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[key]
	if !ok {
		return
	}

	if g.active != nil && g.active.holder == h {
		g.active.state = stateDone
		g.active = nil
		if len(g.queue) > 0 {
			next := g.queue[0]
			g.queue = g.queue[1:]
			m.grantLocked(g, next)
		}
	} else {
		for i, t := range g.queue {
			if t.holder == h {
				t.state = stateDone
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				break
			}
		}
	}

	if g.active == nil && len(g.queue) == 0 {
		delete(m.groups, key)
	}
}

func (m *Manager) grantLocked(g *group, t *Ticket) {
	t.state = stateActive
	g.active = t
	close(t.granted)
}

// Active returns the current holder of key, or nil.
func (m *Manager) Active(key string) Holder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[key]; ok && g.active != nil {
		return g.active.holder
	}
	return nil
}

// Queued returns the waiting holders of key in grant order.
func (m *Manager) Queued(key string) []Holder {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[key]
	if !ok {
		return nil
	}
	out := make([]Holder, 0, len(g.queue))
	for _, t := range g.queue {
		out = append(out, t.holder)
	}
	return out
}

// Keys returns the number of groups with an active or queued holder.
func (m *Manager) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}
