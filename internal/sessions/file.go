package sessions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one JSON document per session under <dir>/.sessions. Writes
// go through a temp file plus rename so a crash never leaves a torn file.
type FileStore struct {
	dir string
	mu  sync.Mutex // serializes writes; reads go straight to disk
}

// NewFileStore creates the store rooted at workspace/.sessions.
func NewFileStore(workspace string) (*FileStore, error) {
	dir := filepath.Join(workspace, ".sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (fs *FileStore) Dir() string { return fs.dir }

func (fs *FileStore) pathFor(id string) string {
	return filepath.Join(fs.dir, sanitizeID(id)+".json")
}

// Load reads and validates one session. Missing files return (nil, nil);
// malformed files return an error rather than a half-usable session.
func (fs *FileStore) Load(id string) (*Session, error) {
	data, err := os.ReadFile(fs.pathFor(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: read %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("sessions: parse %s: %w", id, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("sessions: %s: %w", id, err)
	}
	return &s, nil
}

// Save writes the session atomically: temp file in the same directory, sync,
// rename over the target.
func (fs *FileStore) Save(s *Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("sessions: refusing to save: %w", err)
	}
	s.UpdatedAt = time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = s.UpdatedAt
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("sessions: marshal %s: %w", s.ID, err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	tmp, err := os.CreateTemp(fs.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("sessions: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("sessions: write %s: %w", s.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sessions: sync %s: %w", s.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sessions: close %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp.Name(), fs.pathFor(s.ID)); err != nil {
		return fmt.Errorf("sessions: rename %s: %w", s.ID, err)
	}
	return nil
}

// List scans the directory. Unreadable or malformed files are skipped with a
// warning so one corrupt session does not hide the rest.
func (fs *FileStore) List() ([]SessionInfo, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	out := make([]SessionInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		s, err := fs.Load(id)
		if err != nil {
			slog.Warn("sessions: skipping unreadable session", "file", name, "error", err)
			continue
		}
		if s == nil {
			continue
		}
		out = append(out, s.Info())
	}
	return out, nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	err := os.Remove(fs.pathFor(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessions: delete %s: %w", id, err)
	}
	return nil
}

// CleanupOlderThan removes sessions whose UpdatedAt precedes the cutoff.
func (fs *FileStore) CleanupOlderThan(cutoff time.Time) (int, error) {
	infos, err := fs.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if info.UpdatedAt.Before(cutoff) {
			if err := fs.Delete(info.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
