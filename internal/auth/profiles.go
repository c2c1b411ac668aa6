// Package auth manages pools of provider credentials with least-recently-used
// rotation and failure cooldowns.
package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Cooldown policy. Rate-limited profiles rest immediately; other failures
// accumulate until the threshold trips a cooldown.
const (
	rateLimitCooldown = 10 * time.Minute
	failureCooldown   = 5 * time.Minute
	failureThreshold  = 3
)

// Profile is one credential with its rotation bookkeeping.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`

	LastUsed      time.Time `json:"last_used,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Failures      int       `json:"failures,omitempty"`
	Disabled      bool      `json:"disabled,omitempty"`
}

// Available reports whether the profile can serve requests at t.
func (p *Profile) Available(t time.Time) bool {
	return !p.Disabled && !t.Before(p.CooldownUntil)
}

// Store holds profiles for all providers, persisted as a JSON file next to
// the config.
type Store struct {
	mu       sync.Mutex
	path     string
	profiles []*Profile
}

// NewStore loads the profile file at path, which may not exist yet.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auth: read %s: %w", path, err)
	}
	var doc struct {
		Profiles []*Profile `json:"profiles"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("auth: parse %s: %w", path, err)
	}
	s.profiles = doc.Profiles
	return s, nil
}

// DefaultPath places the profile file beside the config file.
func DefaultPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "auth-profiles.json")
}

// Add registers a profile. An existing profile with the same id is replaced,
// keeping its bookkeeping fields.
func (s *Store) Add(p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.profiles {
		if existing.ID == p.ID {
			p.LastUsed = existing.LastUsed
			p.CooldownUntil = existing.CooldownUntil
			p.Failures = existing.Failures
			s.profiles[i] = &p
			s.persistLocked()
			return
		}
	}
	cp := p
	s.profiles = append(s.profiles, &cp)
	s.persistLocked()
}

// NextAvailable picks a credential for the provider: the preferred profile if
// it is named and available, otherwise the least recently used available one.
// Returns nil when every profile is cooling down or disabled.
func (s *Store) NextAvailable(provider, preferred string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []*Profile
	for _, p := range s.profiles {
		if p.Provider != provider || !p.Available(now) {
			continue
		}
		if preferred != "" && p.ID == preferred {
			p.LastUsed = now
			s.persistLocked()
			out := *p
			return &out
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})
	pick := candidates[0]
	pick.LastUsed = now
	s.persistLocked()
	out := *pick
	return &out
}

// RecordSuccess clears the failure count for a profile.
func (s *Store) RecordSuccess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.findLocked(id); p != nil {
		p.Failures = 0
		p.CooldownUntil = time.Time{}
		s.persistLocked()
	}
}

// RecordFailure notes a failed request. rateLimited puts the profile on
// cooldown immediately; otherwise failures accumulate until the threshold.
func (s *Store) RecordFailure(id string, rateLimited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.findLocked(id)
	if p == nil {
		return
	}
	p.Failures++
	switch {
	case rateLimited:
		p.CooldownUntil = time.Now().Add(rateLimitCooldown)
		slog.Info("auth: profile rate limited, cooling down",
			"profile", id, "until", p.CooldownUntil.Format(time.RFC3339))
	case p.Failures >= failureThreshold:
		p.CooldownUntil = time.Now().Add(failureCooldown)
		p.Failures = 0
		slog.Warn("auth: profile hit failure threshold, cooling down",
			"profile", id, "until", p.CooldownUntil.Format(time.RFC3339))
	}
	s.persistLocked()
}

// Profiles returns a snapshot of all profiles with keys redacted.
func (s *Store) Profiles() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		cp := *p
		cp.APIKey = "***"
		out = append(out, cp)
	}
	return out
}

func (s *Store) findLocked(id string) *Profile {
	for _, p := range s.profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// persistLocked writes the store atomically. Persistence failures are logged,
// not fatal: rotation still works within the process lifetime.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	doc := struct {
		Profiles []*Profile `json:"profiles"`
	}{Profiles: s.profiles}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		slog.Error("auth: marshal profiles", "error", err)
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".auth-*")
	if err != nil {
		slog.Error("auth: persist profiles", "error", err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		slog.Error("auth: persist profiles", "error", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		slog.Error("auth: persist profiles", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		slog.Error("auth: persist profiles", "error", err)
		return
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		slog.Error("auth: persist profiles", "error", err)
		return
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		slog.Error("auth: persist profiles", "error", err)
	}
}
