// Package config loads relay lists and tuning knobs from JSON files and the
// environment, falling back to embedded defaults.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
)

const DefaultRelaysPath = "config/relays.json"

// Relays represents the JSON configuration for relay lists
type Relays struct {
	DefaultRelays []string `json:"defaultRelays"`
	PublishRelays []string `json:"publishRelays"`
	BunkerRelays  []string `json:"bunkerRelays"`
}

// DefaultRelays returns the embedded default configuration
func DefaultRelays() *Relays {
	return &Relays{
		DefaultRelays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
			"wss://relay.primal.net",
			"wss://nostr.mom",
		},
		PublishRelays: []string{
			"wss://relay.damus.io",
			"wss://nos.lol",
		},
		BunkerRelays: []string{
			"wss://relay.nsec.app",
		},
	}
}

// LoadRelays reads path (RELAYS_CONFIG, then the default path, when empty).
// Missing or invalid files fall back to defaults; empty lists are filled
// from the defaults too.
func LoadRelays(path string) *Relays {
	if path == "" {
		path = os.Getenv("RELAYS_CONFIG")
	}
	if path == "" {
		path = DefaultRelaysPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
		} else {
			slog.Warn("could not read config, using defaults", "path", path, "error", err)
		}
		return DefaultRelays()
	}

	var cfg Relays
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", path, "error", err)
		return DefaultRelays()
	}

	defaults := DefaultRelays()
	if len(cfg.DefaultRelays) == 0 {
		cfg.DefaultRelays = defaults.DefaultRelays
	}
	if len(cfg.PublishRelays) == 0 {
		cfg.PublishRelays = cfg.DefaultRelays
	}
	if len(cfg.BunkerRelays) == 0 {
		cfg.BunkerRelays = defaults.BunkerRelays
	}

	slog.Info("loaded relays configuration",
		"path", path,
		"default", len(cfg.DefaultRelays),
		"publish", len(cfg.PublishRelays),
		"bunker", len(cfg.BunkerRelays))
	return &cfg
}

// RelaySource holds the current relay configuration and reloads it on
// demand (SIGHUP in the serve command)
type RelaySource struct {
	path string

	mu      sync.RWMutex
	current *Relays
}

// NewRelaySource loads path once
func NewRelaySource(path string) *RelaySource {
	return &RelaySource{path: path, current: LoadRelays(path)}
}

// Get returns the current configuration (thread-safe)
func (s *RelaySource) Get() *Relays {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Reload re-reads the file and returns the new configuration
func (s *RelaySource) Reload() *Relays {
	next := LoadRelays(s.path)
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	slog.Info("relays configuration reloaded")
	return next
}

// All returns the de-duplicated union of the default and publish relays
func (r *Relays) All() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]string{r.DefaultRelays, r.PublishRelays} {
		for _, u := range list {
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	return out
}
