// Package agentpool tracks the worker agents builds run on: their
// labels, executor capacity, liveness, and current load. Stage
// execution acquires a lease for a label and blocks while every
// matching agent is busy; releasing the lease wakes the next waiter.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stagehand-ci/stagehand/internal/clock"
)

// ErrNoMatchingAgent means no registered agent carries the requested
// label at all. Busy agents do not produce this error; they make
// Acquire wait.
var ErrNoMatchingAgent = errors.New("no agent matches label")

// ErrUnknownAgent is returned for operations on unregistered agent ids.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent describes one worker registration.
type Agent struct {
	ID        string   `json:"id"`
	Labels    []string `json:"labels,omitempty"`
	Executors int      `json:"executors"`
}

// Info is a point-in-time view of one pool entry.
type Info struct {
	Agent
	Online   bool      `json:"online"`
	InFlight int       `json:"in_flight"`
	LastSeen time.Time `json:"last_seen,omitzero"`
}

type slot struct {
	agent    Agent
	static   bool
	online   bool
	inFlight int
	lastSeen time.Time
}

// Pool is the shared agent registry. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	agents  map[string]*slot
	changed chan struct{}
	clk     clock.Clock
	ttl     time.Duration
}

// New returns an empty pool. Agents whose last heartbeat is older than
// ttl are not assignable; a zero ttl disables staleness checks.
func New(clk clock.Clock, ttl time.Duration) *Pool {
	return &Pool{
		agents:  map[string]*slot{},
		changed: make(chan struct{}),
		clk:     clk,
		ttl:     ttl,
	}
}

// Register adds or replaces an agent. A static agent (the built-in
// local one) is exempt from heartbeat staleness. Executors below one
// are rejected.
func (p *Pool) Register(a Agent, static bool) error {
	if a.ID == "" {
		return errors.New("agent id is required")
	}
	if a.Executors < 1 {
		return fmt.Errorf("agent %q: executors must be at least 1", a.ID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.agents[a.ID] = &slot{
		agent:    a,
		static:   static,
		online:   true,
		lastSeen: p.clk.Now(),
	}
	p.broadcastLocked()
	return nil
}

// Deregister removes an agent. In-flight leases on it stay valid until
// released; waiters for labels only it carried fail on their next scan.
func (p *Pool) Deregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.agents, id)
	p.broadcastLocked()
}

// Heartbeat marks an agent alive, bringing it back online if needed.
func (p *Pool) Heartbeat(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.agents[id]
	if !ok {
		return fmt.Errorf("heartbeat from %q: %w", id, ErrUnknownAgent)
	}
	s.online = true
	s.lastSeen = p.clk.Now()
	p.broadcastLocked()
	return nil
}

// MarkOffline excludes an agent from assignment without forgetting it.
func (p *Pool) MarkOffline(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.agents[id]
	if !ok {
		return fmt.Errorf("mark offline %q: %w", id, ErrUnknownAgent)
	}
	s.online = false
	return nil
}

// Snapshot lists all registered agents sorted by id.
func (p *Pool) Snapshot() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]Info, 0, len(p.agents))
	for _, s := range p.agents {
		infos = append(infos, Info{
			Agent:    s.agent,
			Online:   s.online && p.freshLocked(s),
			InFlight: s.inFlight,
			LastSeen: s.lastSeen,
		})
	}
	slices.SortFunc(infos, func(a, b Info) int {
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Lease holds one executor of one agent until released.
type Lease struct {
	pool    *Pool
	agentID string
	once    sync.Once
}

// AgentID names the agent backing the lease.
func (l *Lease) AgentID() string { return l.agentID }

// Release returns the executor to the pool. Safe to call more than
// once; only the first call has an effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		p := l.pool
		p.mu.Lock()
		defer p.mu.Unlock()
		if s, ok := p.agents[l.agentID]; ok && s.inFlight > 0 {
			s.inFlight--
		}
		p.broadcastLocked()
	})
}

// Acquire leases an executor on an agent carrying label (empty label
// matches any agent). When no registered agent carries the label at
// all it fails immediately with ErrNoMatchingAgent; otherwise it
// blocks until capacity frees up or ctx ends. Among assignable agents
// it picks the one with the most free executors, breaking ties by
// lexically smaller id.
func (p *Pool) Acquire(ctx context.Context, label string) (*Lease, error) {
	for {
		p.mu.Lock()
		if !p.labelKnownLocked(label) {
			p.mu.Unlock()
			return nil, fmt.Errorf("label %q: %w", label, ErrNoMatchingAgent)
		}
		if s := p.pickLocked(label); s != nil {
			s.inFlight++
			id := s.agent.ID
			p.mu.Unlock()
			return &Lease{pool: p, agentID: id}, nil
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-wait:
		}
	}
}

// labelKnownLocked reports whether any agent, busy or offline
// included, carries the label.
func (p *Pool) labelKnownLocked(label string) bool {
	if label == "" {
		return len(p.agents) > 0
	}
	for _, s := range p.agents {
		if slices.Contains(s.agent.Labels, label) {
			return true
		}
	}
	return false
}

func (p *Pool) pickLocked(label string) *slot {
	var best *slot
	for _, s := range p.agents {
		if !s.online || !p.freshLocked(s) {
			continue
		}
		if label != "" && !slices.Contains(s.agent.Labels, label) {
			continue
		}
		free := s.agent.Executors - s.inFlight
		if free <= 0 {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		bestFree := best.agent.Executors - best.inFlight
		if free > bestFree || (free == bestFree && s.agent.ID < best.agent.ID) {
			best = s
		}
	}
	return best
}

func (p *Pool) freshLocked(s *slot) bool {
	if s.static || p.ttl == 0 {
		return true
	}
	return p.clk.Now().Sub(s.lastSeen) <= p.ttl
}

// broadcastLocked wakes every waiter by closing the generation channel
// and replacing it.
func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
