// Package sessions persists conversation histories, one session per
// channel+chat pair, with write-through durability.
package sessions

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofer-dev/gofer/internal/providers"
)

// Session is one conversation's durable state.
type Session struct {
	ID        string              `json:"id"`
	AgentID   string              `json:"agent_id,omitempty"`
	Messages  []providers.Message `json:"messages"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

// SessionInfo is the listing view: everything but the messages.
type SessionInfo struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Info projects the session to its listing view.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		AgentID:      s.AgentID,
		MessageCount: len(s.Messages),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Validate rejects sessions whose shape a buggy writer or hand edit broke.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session missing id")
	}
	for i, m := range s.Messages {
		switch m.Role {
		case providers.RoleSystem, providers.RoleUser, providers.RoleAssistant, providers.RoleTool:
		default:
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		if m.Role == providers.RoleTool && m.ToolCallID == "" {
			return fmt.Errorf("message %d: tool message missing tool_call_id", i)
		}
	}
	return nil
}

// Key derives the canonical session id for a channel+chat pair.
func Key(channelID, chatID string) string {
	return channelID + "-" + chatID
}

// sanitizeID keeps session ids safe as file names.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}

// Store is the persistence contract. Implementations are safe for concurrent
// use.
type Store interface {
	// Load returns the session, or (nil, nil) when it does not exist.
	Load(id string) (*Session, error)
	// Save persists the whole session durably before returning.
	Save(s *Session) error
	List() ([]SessionInfo, error)
	Delete(id string) error
	// CleanupOlderThan removes sessions not updated since the cutoff and
	// returns how many were removed.
	CleanupOlderThan(cutoff time.Time) (int, error)
}
