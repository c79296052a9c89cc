package config

import (
	"strconv"
	"sync"
)

// SettingsStore is the persistence contract the dynamic settings cache
// reads through. internal/storage.DB satisfies this.
type SettingsStore interface {
	GetSetting(key string) (string, bool, error)
	SetSetting(key, value string) error
	AllSettings() (map[string]string, error)
}

// defaultSetting is a dynamic setting's fallback value, category (for
// grouping in diagnostics), and whether it should be redacted when
// echoed back to a diagnostic endpoint.
type defaultSetting struct {
	value    string
	category string
	secret   bool
}

// DefaultSettings mirrors the dynamic, operator-tunable knobs of the
// engine: inference endpoint, assistant tuning, and git auth fallback.
// Values here are used only until overridden in the store.
var DefaultSettings = map[string]defaultSetting{
	"git_platform":       {"gitlab", "git", false},
	"git_server_url":     {"", "git", false},
	"git_token":          {"", "git", true},
	"enable_comment":     {"true", "git", false},
	"inference_api_base": {"http://127.0.0.1:8000/v1", "inference", false},
	"inference_api_key":  {"", "inference", true},
	"inference_model":    {"qwen2.5-coder-32b", "inference", false},
	"context_map_tokens": {"262144", "assistant", false},
	"no_context_map":     {"false", "assistant", false},
}

// Settings is a process-wide, read-through cache over a key-value store,
// per §9's "global settings state" design note: reads are served from
// the cache (reloaded from the store when the cache is empty) rather
// than re-reading on every access; writes bump a version counter that
// Version reports.
type Settings struct {
	store SettingsStore

	mu      sync.RWMutex
	cache   map[string]string
	version uint64
}

// NewSettings wraps store with an initially empty read-through cache;
// keys absent from the store fall back to DefaultSettings.
func NewSettings(store SettingsStore) *Settings {
	return &Settings{store: store, cache: map[string]string{}}
}

// Version returns the current cache generation; bumped on every Set.
func (s *Settings) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Settings) reload() error {
	all, err := s.store.AllSettings()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cache = all
	s.version++
	s.mu.Unlock()
	return nil
}

// Get returns a setting's current value, preferring the store over the
// compiled-in default, reloading the cache lazily on first access.
func (s *Settings) Get(key string) (string, error) {
	s.mu.RLock()
	v, ok := s.cache[key]
	loaded := s.cache != nil && len(s.cache) > 0
	s.mu.RUnlock()
	if ok {
		return v, nil
	}
	if !loaded {
		if err := s.reload(); err != nil {
			return "", err
		}
		s.mu.RLock()
		v, ok = s.cache[key]
		s.mu.RUnlock()
		if ok {
			return v, nil
		}
	}
	if def, ok := DefaultSettings[key]; ok {
		return def.value, nil
	}
	return "", nil
}

// GetBool parses a setting as a boolean, defaulting to false on error.
func (s *Settings) GetBool(key string) bool {
	v, err := s.Get(key)
	if err != nil {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// GetInt parses a setting as an integer, falling back to def on error.
func (s *Settings) GetInt(key string, def int) int {
	v, err := s.Get(key)
	if err != nil || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set persists a setting and invalidates the cache so the next Get
// observes the new value and bumps Version.
func (s *Settings) Set(key, value string) error {
	if err := s.store.SetSetting(key, value); err != nil {
		return err
	}
	return s.reload()
}

// Redacted returns all settings with secret-category values masked,
// for diagnostic endpoints — per §9, "secrets are redacted from any
// diagnostic output."
func (s *Settings) Redacted() (map[string]string, error) {
	if err := s.reload(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.cache))
	for k, v := range s.cache {
		if def, ok := DefaultSettings[k]; ok && def.secret && v != "" {
			out[k] = "********"
			continue
		}
		out[k] = v
	}
	return out, nil
}
