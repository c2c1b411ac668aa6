package sessions

import (
	"fmt"
	"sync"
	"time"

	"github.com/gofer-dev/gofer/internal/bus"
	"github.com/gofer-dev/gofer/internal/providers"
	"github.com/gofer-dev/gofer/pkg/protocol"
)

// Manager fronts a Store with an in-memory cache and write-through appends.
// Every mutation is persisted before the call returns, so a crash loses at
// most the turn in flight.
type Manager struct {
	store Store
	bus   *bus.Bus // optional; session.created announcements

	mu    sync.Mutex
	cache map[string]*Session
}

// NewManager builds a manager over a store. events may be nil.
func NewManager(store Store, events *bus.Bus) *Manager {
	return &Manager{store: store, bus: events, cache: map[string]*Session{}}
}

// GetOrCreate returns the session, loading it from the store on first touch
// and creating it if it does not exist yet.
func (m *Manager) GetOrCreate(id, agentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[id]; ok {
		return s, nil
	}
	s, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		now := time.Now()
		s = &Session{ID: id, AgentID: agentID, CreatedAt: now, UpdatedAt: now}
		if err := m.store.Save(s); err != nil {
			return nil, err
		}
		if m.bus != nil {
			m.bus.Publish(bus.Event{
				Type:      protocol.EventSessionCreated,
				Source:    "session-manager",
				SessionID: id,
				Data:      map[string]any{"agent_id": agentID},
			})
		}
	}
	m.cache[id] = s
	return s, nil
}

// Append adds messages to the session and persists immediately.
func (m *Manager) Append(id string, msgs ...providers.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.cache[id]
	if !ok {
		return fmt.Errorf("sessions: %s not loaded", id)
	}
	now := time.Now()
	for i := range msgs {
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}
	s.Messages = append(s.Messages, msgs...)
	return m.store.Save(s)
}

// ReplaceHistory swaps the full message list, used after compaction.
func (m *Manager) ReplaceHistory(id string, msgs []providers.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.cache[id]
	if !ok {
		return fmt.Errorf("sessions: %s not loaded", id)
	}
	s.Messages = msgs
	return m.store.Save(s)
}

// History returns a copy of the session's messages.
func (m *Manager) History(id string) ([]providers.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.cache[id]
	if !ok {
		loaded, err := m.store.Load(id)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			return nil, nil
		}
		m.cache[id] = loaded
		s = loaded
	}
	out := make([]providers.Message, len(s.Messages))
	copy(out, s.Messages)
	return out, nil
}

// List delegates to the store.
func (m *Manager) List() ([]SessionInfo, error) { return m.store.List() }

// Delete removes the session from cache and store.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
	return m.store.Delete(id)
}

// CleanupOlderThan evicts stale cache entries and delegates to the store.
func (m *Manager) CleanupOlderThan(cutoff time.Time) (int, error) {
	m.mu.Lock()
	for id, s := range m.cache {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.cache, id)
		}
	}
	m.mu.Unlock()
	return m.store.CleanupOlderThan(cutoff)
}
