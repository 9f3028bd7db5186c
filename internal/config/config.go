// Package config resolves Strobe's flat dotted settings keys from three
// layers — built-in defaults, the user-global settings file, and an
// optional project-local override — re-read on every call so edits take
// effect without restarting the daemon.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Defaults is the one place that states every tunable's out-of-the-box
// value, so a caller never has to special case "unset".
var Defaults = map[string]any{
	"session.event_cap":       200_000,
	"session.event_cap_max":   10_000_000,
	"session.max_concurrent":  50,
	"ring.capacity":           16384,
	"hooks.full_mode_cap":     100,
	"hooks.pattern_downgrade": 25, // a pattern matching more functions than this auto-downgrades to light mode
	"watches.max_per_session": 32,
	"breakpoints.max":         50,
	"logpoints.max":           100,
	"output.cap_bytes":        50 * 1024 * 1024,
	"output.single_write_cap": 1 * 1024 * 1024,
	"sampling.high_rate_hz":   50_000,
	"sampling.low_rate_hz":    5_000,
	"sampling.admit_one_in":   100,
	"sampling.windows_up":     2,
	"sampling.windows_down":   5,
	"store.batch_size":        100,
	"store.batch_interval_ms": 10,
	"agent.confirm_timeout_ms": 5000,
	"dwarf.cache_size":        100,
}

// Store resolves settings across the three layers. Its files are
// re-read per call in the daemon rather than cached for the process
// lifetime.
type Store struct {
	globalPath  string
	projectPath string
}

// New returns a Store reading the user-global settings file at globalPath
// (e.g. "~/.strobe/settings.json") and, when non-empty, a project-local
// override at projectPath (e.g. "<project-root>/.strobe/settings.json").
func New(globalPath, projectPath string) *Store {
	return &Store{globalPath: globalPath, projectPath: projectPath}
}

// DefaultGlobalPath returns "~/.strobe/settings.json" for the current user.
func DefaultGlobalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strobe/settings.json"
	}
	return filepath.Join(home, ".strobe", "settings.json")
}

// ProjectPath returns "<root>/.strobe/settings.json" for a project root.
func ProjectPath(root string) string {
	return filepath.Join(root, ".strobe", "settings.json")
}

func readLayer(path string) map[string]any {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var layer map[string]any
	if err := json.Unmarshal(data, &layer); err != nil {
		return nil
	}
	return layer
}

// Get resolves a dotted key: project-local overrides user-global overrides
// Defaults. Returns the value and whether it was found anywhere.
func (s *Store) Get(key string) (any, bool) {
	if layer := readLayer(s.projectPath); layer != nil {
		if v, ok := layer[key]; ok {
			return v, true
		}
	}
	if layer := readLayer(s.globalPath); layer != nil {
		if v, ok := layer[key]; ok {
			return v, true
		}
	}
	if v, ok := Defaults[key]; ok {
		return v, true
	}
	return nil, false
}

// Int resolves a key as an int, falling back to def if absent or of the
// wrong type (JSON numbers decode as float64).
func (s *Store) Int(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// String resolves a key as a string, falling back to def.
func (s *Store) String(key, def string) string {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return def
}

// Bool resolves a key as a bool, falling back to def.
func (s *Store) Bool(key string, def bool) bool {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}
