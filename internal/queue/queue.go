// Package queue serializes agent turns: one turn at a time per session, with
// a global ceiling across all sessions.
package queue

import (
	"context"
	"sync"
)

// Defaults for lane capacity.
const (
	DefaultSessionConcurrency = 1
	DefaultGlobalConcurrency  = 8
)

// lane is a counting semaphore with strictly FIFO waiters.
type lane struct {
	mu      sync.Mutex
	limit   int
	active  int
	waiters []chan struct{}
}

func newLane(limit int) *lane {
	if limit <= 0 {
		limit = 1
	}
	return &lane{limit: limit}
}

// acquire blocks until a slot is free or ctx is done. Waiters are granted
// slots in arrival order.
func (l *lane) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.active < l.limit && len(l.waiters) == 0 {
		l.active++
		l.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The slot was granted concurrently with cancellation; hand it back.
		l.release()
		return ctx.Err()
	}
}

// release frees a slot, waking the oldest waiter if any.
func (l *lane) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		ready := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(ready)
		return
	}
	if l.active > 0 {
		l.active--
	}
}

func (l *lane) stats() (active, waiting int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active, len(l.waiters)
}

func (l *lane) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active == 0 && len(l.waiters) == 0
}

// LaneStats is a snapshot of one lane for agent.queue.status.
type LaneStats struct {
	Active  int `json:"active"`
	Waiting int `json:"waiting"`
	Limit   int `json:"limit"`
}

// Stats is the full queue snapshot.
type Stats struct {
	Global   LaneStats            `json:"global"`
	Sessions map[string]LaneStats `json:"sessions"`
}

// Manager owns the global lane and the lazily created per-session lanes.
// Session lanes retire once idle so the map does not grow with session churn.
type Manager struct {
	mu           sync.Mutex
	global       *lane
	sessions     map[string]*lane
	sessionLimit int
}

// New builds a manager. Zero or negative limits take the defaults.
func New(globalLimit, sessionLimit int) *Manager {
	if globalLimit <= 0 {
		globalLimit = DefaultGlobalConcurrency
	}
	if sessionLimit <= 0 {
		sessionLimit = DefaultSessionConcurrency
	}
	return &Manager{
		global:       newLane(globalLimit),
		sessions:     map[string]*lane{},
		sessionLimit: sessionLimit,
	}
}

func (m *Manager) sessionLane(sessionID string) *lane {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.sessions[sessionID]
	if !ok {
		l = newLane(m.sessionLimit)
		m.sessions[sessionID] = l
	}
	return l
}

func (m *Manager) maybeRetire(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.sessions[sessionID]; ok && l.idle() {
		delete(m.sessions, sessionID)
	}
}

// Acquire claims a slot in the session's lane and then the global lane, in
// that order. It returns a release function, or ctx's error if cancelled or
// timed out while waiting. On cancellation no slots stay held.
func (m *Manager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	var sl *lane
	for {
		sl = m.sessionLane(sessionID)
		if err := sl.acquire(ctx); err != nil {
			m.maybeRetire(sessionID)
			return nil, err
		}
		// The lane can retire between lookup and acquire; a slot on an
		// orphaned lane would let a second turn into the same session.
		// Re-check under the manager lock and reinstate or retry.
		m.mu.Lock()
		cur, ok := m.sessions[sessionID]
		if !ok {
			m.sessions[sessionID] = sl
			cur = sl
		}
		m.mu.Unlock()
		if cur == sl {
			break
		}
		sl.release()
	}
	if err := m.global.acquire(ctx); err != nil {
		sl.release()
		m.maybeRetire(sessionID)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.global.release()
			sl.release()
			m.maybeRetire(sessionID)
		})
	}, nil
}

// Run executes fn while holding the session and global slots. The slots are
// released whether fn returns normally or panics.
func (m *Manager) Run(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	release, err := m.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Stats returns a snapshot of all lanes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	ga, gw := m.global.stats()
	out := Stats{
		Global:   LaneStats{Active: ga, Waiting: gw, Limit: m.global.limit},
		Sessions: map[string]LaneStats{},
	}
	for id, l := range m.sessions {
		a, w := l.stats()
		out.Sessions[id] = LaneStats{Active: a, Waiting: w, Limit: l.limit}
	}
	return out
}
