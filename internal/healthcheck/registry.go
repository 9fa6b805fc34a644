// Package healthcheck implements the health-checker cluster: a UDP liveness
// registry for workers, a TCP peer mesh between replicas, Bully leader
// election, and leader-driven container revival.
package healthcheck

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Registry tracks the containers known to this health-checker and when each
// was last seen. It persists to a JSON file so a restarted replica keeps
// watching workers that registered before the restart.
type Registry struct {
	mu       sync.Mutex
	path     string
	lastSeen map[string]time.Time
}

// NewRegistry loads the registry at path, treating a missing file as empty.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, lastSeen: make(map[string]time.Time)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=healthcheck.NewRegistry: %w", err)
	}
	if err := json.Unmarshal(raw, &r.lastSeen); err != nil {
		return nil, fmt.Errorf("op=healthcheck.NewRegistry: decode %s: %w", path, err)
	}
	return r, nil
}

// Observe records a liveness signal for the named container.
func (r *Registry) Observe(name string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts.After(r.lastSeen[name]) {
		r.lastSeen[name] = ts
	}
}

// Stale returns the containers not seen since the timeout, oldest first
// omitted; order is not significant.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, seen := range r.lastSeen {
		if now.Sub(seen) > timeout {
			out = append(out, name)
		}
	}
	return out
}

// Names returns every known container.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.lastSeen))
	for name := range r.lastSeen {
		out = append(out, name)
	}
	return out
}

// Save writes the registry atomically next to its final path.
func (r *Registry) Save() error {
	r.mu.Lock()
	raw, err := json.Marshal(r.lastSeen)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("op=healthcheck.Registry.Save: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("op=healthcheck.Registry.Save: %w", err)
	}
	tmp := r.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("op=healthcheck.Registry.Save: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("op=healthcheck.Registry.Save: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("op=healthcheck.Registry.Save: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("op=healthcheck.Registry.Save: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("op=healthcheck.Registry.Save: %w", err)
	}
	return nil
}
