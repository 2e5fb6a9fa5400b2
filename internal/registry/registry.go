package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrAgentUnavailable is the expected conflict when another request got
	// to the agent first.
	ErrAgentUnavailable = errors.New("registry: agent not available")
	ErrUnknownAgent     = errors.New("registry: unknown agent")
	ErrInvalidState     = errors.New("registry: invalid state transition")
	ErrLockTimeout      = errors.New("registry: agent lock timeout")
)

const DefaultLockTimeout = 250 * time.Millisecond

// Index is the part of the geo index the registry keeps in step with
// availability. SetAvailable reports whether the agent reached the asked
// state; it fails to make stale agents searchable.
type Index interface {
	SetAvailable(id string, available bool) bool
}

// Registry tracks the status of every known agent. Each agent has its own
// lock, so transitions on different agents never contend; the map lock is
// only held to find or create an entry.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]*slot
	index       Index
	lockTimeout time.Duration
	onChange    func(id string, from, to models.AgentStatus)
}

type slot struct {
	lock   chan struct{}
	status models.AgentStatus
}

type Option func(*Registry)

func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lockTimeout = d
		}
	}
}

// WithObserver registers a callback run after every status change, still
// under the agent lock.
func WithObserver(fn func(id string, from, to models.AgentStatus)) Option {
	return func(r *Registry) { r.onChange = fn }
}

func New(index Index, opts ...Option) *Registry {
	r := &Registry{agents: make(map[string]*slot), index: index, lockTimeout: DefaultLockTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Online registers an agent on its first report and brings an offline agent
// back. An available agent is re-placed in the index, which may have swept it
// before the registry heard about it. Offered or assigned agents are left
// alone.
func (r *Registry) Online(ctx context.Context, id string) (models.AgentStatus, error) {
	s := r.slotFor(id, true)
	if err := r.acquire(ctx, s); err != nil {
		return "", err
	}
	defer r.release(s)
	switch s.status {
	case models.AgentOffline, models.AgentAvailable, "":
		if r.index != nil && !r.index.SetAvailable(id, true) {
			r.set(id, s, models.AgentOffline)
			return s.status, nil
		}
		r.set(id, s, models.AgentAvailable)
	}
	return s.status, nil
}

// TrySetOffered moves an agent from available to offered. It is the one
// place where two requests can race for the same agent; the loser gets
// ErrAgentUnavailable.
func (r *Registry) TrySetOffered(ctx context.Context, id string) error {
	s := r.slotFor(id, false)
	if s == nil {
		return ErrUnknownAgent
	}
	if err := r.acquire(ctx, s); err != nil {
		return err
	}
	defer r.release(s)
	if s.status != models.AgentAvailable {
		return ErrAgentUnavailable
	}
	if r.index != nil {
		r.index.SetAvailable(id, false)
	}
	r.set(id, s, models.AgentOffered)
	return nil
}

// ConfirmAssigned moves an agent from offered to assigned.
func (r *Registry) ConfirmAssigned(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.AgentAssigned, models.AgentOffered)
}

// Release returns an offered or assigned agent to available. If the agent's
// position has gone stale meanwhile it lands in offline instead.
func (r *Registry) Release(ctx context.Context, id string) (models.AgentStatus, error) {
	s := r.slotFor(id, false)
	if s == nil {
		return "", ErrUnknownAgent
	}
	if err := r.acquire(ctx, s); err != nil {
		return "", err
	}
	defer r.release(s)
	if s.status != models.AgentOffered && s.status != models.AgentAssigned {
		return s.status, ErrInvalidState
	}
	if r.index != nil && !r.index.SetAvailable(id, true) {
		r.set(id, s, models.AgentOffline)
		return s.status, nil
	}
	r.set(id, s, models.AgentAvailable)
	return s.status, nil
}

// MarkOffline takes an available agent out of matching. Agents holding an
// offer or an assignment keep their status; the offer timeout or trip
// completion releases them later.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	return r.transition(ctx, id, models.AgentOffline, models.AgentAvailable, models.AgentOffline)
}

// Status returns the current status of an agent. ok is false for unknown
// agents and when the agent lock could not be taken in time.
func (r *Registry) Status(id string) (st models.AgentStatus, ok bool) {
	s := r.slotFor(id, false)
	if s == nil {
		return "", false
	}
	if err := r.acquire(context.Background(), s); err != nil {
		return "", false
	}
	defer r.release(s)
	return s.status, true
}

// Counts returns the number of agents per status. It fails with
// ErrLockTimeout if any agent lock is held too long.
func (r *Registry) Counts() (map[models.AgentStatus]int, error) {
	r.mu.RLock()
	slots := make([]*slot, 0, len(r.agents))
	for _, s := range r.agents {
		slots = append(slots, s)
	}
	r.mu.RUnlock()
	out := make(map[models.AgentStatus]int, 4)
	for _, s := range slots {
		if err := r.acquire(context.Background(), s); err != nil {
			return nil, err
		}
		out[s.status]++
		r.release(s)
	}
	return out, nil
}

func (r *Registry) transition(ctx context.Context, id string, to models.AgentStatus, from ...models.AgentStatus) error {
	s := r.slotFor(id, false)
	if s == nil {
		return ErrUnknownAgent
	}
	if err := r.acquire(ctx, s); err != nil {
		return err
	}
	defer r.release(s)
	ok := false
	for _, f := range from {
		if s.status == f {
			ok = true
			break
		}
	}
	if !ok {
		return ErrInvalidState
	}
	if to != models.AgentAvailable && r.index != nil {
		r.index.SetAvailable(id, false)
	}
	r.set(id, s, to)
	return nil
}

func (r *Registry) set(id string, s *slot, to models.AgentStatus) {
	from := s.status
	s.status = to
	if r.onChange != nil && from != to {
		r.onChange(id, from, to)
	}
}

func (r *Registry) slotFor(id string, create bool) *slot {
	r.mu.RLock()
	s, ok := r.agents[id]
	r.mu.RUnlock()
	if ok || !create {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.agents[id]; ok {
		return s
	}
	s = &slot{lock: make(chan struct{}, 1)}
	r.agents[id] = s
	return s
}

// acquire takes the agent lock, giving up after lockTimeout or when ctx ends.
func (r *Registry) acquire(ctx context.Context, s *slot) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	default:
	}
	t := time.NewTimer(r.lockTimeout)
	defer t.Stop()
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-t.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) release(s *slot) { <-s.lock }
