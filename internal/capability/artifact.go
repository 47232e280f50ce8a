// Package capability reads and writes the capability discovery artifact: the list of
// capability names seen across devices, with how many devices expose each.
package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/stbridge/internal/subscription"
)

// FileName is the artifact's file name inside the storage directory.
const FileName = "available_capabilities.json"

var (
	ErrNotFound = errors.New("capability list not available yet")
	ErrInvalid  = errors.New("capability list has an invalid format")
)

// Entry is one discovered capability.
type Entry struct {
	Name        string `json:"name"`
	DeviceCount int    `json:"deviceCount"`
}

// Artifact is the persisted discovery result.
type Artifact struct {
	Capabilities []Entry `json:"capabilities"`
	GeneratedAt  string  `json:"generatedAt"`
}

// Names returns the capability names in artifact order.
func (a *Artifact) Names() []string {
	names := make([]string, 0, len(a.Capabilities))
	for _, e := range a.Capabilities {
		names = append(names, e.Name)
	}
	return names
}

// FromCounts builds an artifact in priority order.
func FromCounts(c *subscription.Counts, now time.Time) *Artifact {
	a := &Artifact{GeneratedAt: now.UTC().Format(time.RFC3339)}
	for _, name := range subscription.Prioritize(c) {
		a.Capabilities = append(a.Capabilities, Entry{Name: name, DeviceCount: c.Count(name)})
	}
	return a
}

// Path returns the artifact path under dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads the artifact and reports missing or malformed files as errors.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var raw struct {
		Capabilities []Entry `json:"capabilities"`
		GeneratedAt  *string `json:"generatedAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw.Capabilities == nil || raw.GeneratedAt == nil {
		return nil, ErrInvalid
	}
	return &Artifact{Capabilities: raw.Capabilities, GeneratedAt: *raw.GeneratedAt}, nil
}

// Read is Load that treats any failure as "no data".
func Read(path string) *Artifact {
	a, err := Load(path)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("path", path).Msg("Ignoring unreadable capability list")
		}
		return nil
	}
	return a
}

// Write replaces the artifact atomically.
func Write(path string, a *Artifact) error {
	if a.Capabilities == nil {
		a.Capabilities = []Entry{}
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal capability list: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write capability list: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace capability list: %w", err)
	}

	log.Debug().Str("path", path).Int("capabilities", len(a.Capabilities)).Msg("Wrote capability list")
	return nil
}
