package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeJSON(t *testing.T, path string, v map[string]any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultsOnly(t *testing.T) {
	s := New("", "")
	if got := s.Int("session.event_cap", -1); got != 200_000 {
		t.Errorf("session.event_cap = %d, want 200000", got)
	}
	if _, ok := s.Get("no.such.key"); ok {
		t.Error("unknown key should not resolve")
	}
}

func TestGlobalOverridesDefault(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.json")
	writeJSON(t, global, map[string]any{"session.event_cap": 9000})

	s := New(global, "")
	if got := s.Int("session.event_cap", -1); got != 9000 {
		t.Errorf("session.event_cap = %d, want 9000", got)
	}
	// Unrelated keys still fall through to Defaults.
	if got := s.Int("watches.max_per_session", -1); got != 32 {
		t.Errorf("watches.max_per_session = %d, want 32", got)
	}
}

func TestProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.json")
	project := filepath.Join(dir, "project.json")
	writeJSON(t, global, map[string]any{"session.event_cap": 9000})
	writeJSON(t, project, map[string]any{"session.event_cap": 1234})

	s := New(global, project)
	if got := s.Int("session.event_cap", -1); got != 1234 {
		t.Errorf("session.event_cap = %d, want 1234 (project should win)", got)
	}
}

func TestReReadPerCall(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.json")
	writeJSON(t, global, map[string]any{"session.event_cap": 1})

	s := New(global, "")
	if got := s.Int("session.event_cap", -1); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}

	writeJSON(t, global, map[string]any{"session.event_cap": 2})
	if got := s.Int("session.event_cap", -1); got != 2 {
		t.Errorf("expected re-read to observe updated value, got %d", got)
	}
}

func TestStringAndBool(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "global.json")
	writeJSON(t, global, map[string]any{
		"language.default": "cpp",
		"sampling.enabled":  true,
	})
	s := New(global, "")
	if got := s.String("language.default", ""); got != "cpp" {
		t.Errorf("String() = %q, want cpp", got)
	}
	if got := s.Bool("sampling.enabled", false); got != true {
		t.Error("Bool() = false, want true")
	}
	if got := s.String("missing.key", "fallback"); got != "fallback" {
		t.Errorf("String() default = %q, want fallback", got)
	}
}
