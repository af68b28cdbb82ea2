package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/igoryan-dao/cascade/internal/paths"
)

// ToolSettings configures how the external AI tool is invoked.
type ToolSettings struct {
	Binary          string `json:"binary"`           // tool executable name, resolved on PATH
	Model           string `json:"model"`            // default model for pipelines
	SkipPermissions bool   `json:"skip_permissions"` // pass the skip-permission-prompts flag
	OutputFormat    string `json:"output_format"`    // "json" or plain text
	MaxTurns        int    `json:"max_turns"`        // 0 disables the flag
	TimeoutSeconds  int    `json:"timeout_seconds"`  // per-invocation exit bound
	RateLimitRetry  int    `json:"rate_limit_retry"` // in-process retry attempts on rate limit
	AvailabilityTTL int    `json:"availability_ttl"` // seconds to cache the PATH lookup
	CleanupMaxDays  int    `json:"cleanup_max_days"` // Cleanup command threshold
	WorkingDir      string `json:"working_dir"`      // default working directory ("" = cwd)
}

type Settings struct {
	Tool ToolSettings `json:"tool"`
}

// Store persists settings at ~/.cascade/settings.json. The orchestrator
// never reads it; commands resolve values and pass them in.
type Store struct {
	mu       sync.RWMutex
	path     string
	settings *Settings
}

func defaults() *Settings {
	return &Settings{
		Tool: ToolSettings{
			Binary:          "claude",
			Model:           "sonnet",
			OutputFormat:    "json",
			TimeoutSeconds:  1800,
			RateLimitRetry:  0,
			AvailabilityTTL: 300,
			CleanupMaxDays:  30,
		},
	}
}

func NewStore() (*Store, error) {
	configDir := paths.GetGlobalDir()
	if err := paths.EnsureDir(configDir); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	store := &Store{
		path:     filepath.Join(configDir, "settings.json"),
		settings: defaults(),
	}

	if err := store.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load settings: %w", err)
		}
		// If file doesn't exist, save default
		if err := store.Save(); err != nil {
			return nil, fmt.Errorf("failed to save default settings: %w", err)
		}
	}

	return store, nil
}

func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to parse settings.json: %w", err)
	}

	s.settings = &settings
	return nil
}

func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	return os.WriteFile(s.path, data, 0644)
}

func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.settings
}

func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	fn(s.settings)
	s.mu.Unlock()
	return s.Save()
}
