package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DeviceRecord is one paired device identity. The public key recorded at
// pairing time is the only key later connects are verified against.
type DeviceRecord struct {
	ID        string    `json:"id"`
	PublicKey string    `json:"public_key"` // base64 ed25519
	Scopes    []string  `json:"scopes,omitempty"`
	PairedAt  time.Time `json:"paired_at"`
}

// DeviceRegistry persists paired devices as a JSON document next to the main
// config. An empty path keeps the registry in memory only, which is what
// tests and config-less runs get.
type DeviceRegistry struct {
	mu      sync.Mutex
	path    string
	devices map[string]DeviceRecord
}

// NewDeviceRegistry loads the registry at path, starting empty when the file
// does not exist. A malformed file is left untouched on disk and reported,
// not truncated.
func NewDeviceRegistry(path string) *DeviceRegistry {
	r := &DeviceRegistry{path: path, devices: map[string]DeviceRecord{}}
	if path == "" {
		return r
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r
	}
	if err != nil {
		slog.Warn("gateway: device registry unreadable", "path", path, "error", err)
		return r
	}
	if err := json.Unmarshal(data, &r.devices); err != nil {
		slog.Warn("gateway: device registry malformed, starting empty", "path", path, "error", err)
		r.devices = map[string]DeviceRecord{}
	}
	return r
}

// deviceRegistryPath places devices.json beside the config file.
func deviceRegistryPath(configPath string) string {
	if configPath == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(configPath), "devices.json")
}

// Lookup returns the paired record for a device id.
func (r *DeviceRegistry) Lookup(id string) (DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.devices[id]
	return rec, ok
}

// Pair records a device and persists the registry.
func (r *DeviceRegistry) Pair(rec DeviceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[rec.ID] = rec
	return r.save()
}

// save writes atomically via temp+rename. Caller holds the lock.
func (r *DeviceRegistry) save() error {
	if r.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(r.devices, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}
