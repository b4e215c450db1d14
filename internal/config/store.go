package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings is the persisted user configuration
type Settings struct {
	Provider      ProviderSettings `json:"provider"`
	Notifications Notifications    `json:"notifications"`
	Orchestrator  Orchestrator     `json:"orchestrator"`
	WorkflowDir   string           `json:"workflow_dir,omitempty"`
}

type ProviderSettings struct {
	Provider string            `json:"provider"` // anthropic, openai, openrouter, gemini, deepseek, mistral
	Model    string            `json:"model"`
	APIKey   string            `json:"api_key"`            // Legacy single key
	APIKeys  map[string]string `json:"api_keys,omitempty"` // Per-provider keys
	BaseURL  string            `json:"base_url,omitempty"`
}

// Notifications configures pause/confirmation delivery channels
type Notifications struct {
	TelegramToken  string  `json:"telegram_token,omitempty"`
	TelegramChatID int64   `json:"telegram_chat_id,omitempty"`
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
	DiscordToken   string  `json:"discord_token,omitempty"`
	DiscordChannel string  `json:"discord_channel,omitempty"`
}

// Orchestrator tunes the tool-calling loop
type Orchestrator struct {
	MaxTokens     int `json:"max_tokens"`
	ContextWindow int `json:"context_window"`
}

// APIKeyFor resolves the key for a provider, preferring per-provider keys
func (p ProviderSettings) APIKeyFor(provider string) string {
	if key, ok := p.APIKeys[provider]; ok && key != "" {
		return key
	}
	return p.APIKey
}

// Store persists settings as JSON under the config directory
type Store struct {
	mu       sync.RWMutex
	path     string
	settings *Settings
}

// Dir returns the config directory, ~/.skein by default
func Dir() (string, error) {
	if dir := os.Getenv("SKEIN_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(homeDir, ".skein"), nil
}

func NewStore() (*Store, error) {
	configDir, err := Dir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	defaultProvider := "anthropic"
	defaultModel := ""
	defaultAPIKey := ""

	// Dev convenience: env keys select a default provider
	if envKey := os.Getenv("SKEIN_ANTHROPIC_KEY"); envKey != "" {
		defaultAPIKey = envKey
	} else if envKey := os.Getenv("SKEIN_OPENAI_KEY"); envKey != "" {
		defaultProvider = "openai"
		defaultAPIKey = envKey
	} else if envKey := os.Getenv("SKEIN_GEMINI_KEY"); envKey != "" {
		defaultProvider = "gemini"
		defaultAPIKey = envKey
	}

	store := &Store{
		path: filepath.Join(configDir, "settings.json"),
		settings: &Settings{
			Provider: ProviderSettings{
				Provider: defaultProvider,
				Model:    defaultModel,
				APIKey:   defaultAPIKey,
			},
			Orchestrator: Orchestrator{
				MaxTokens:     8192,
				ContextWindow: 100000,
			},
			WorkflowDir: filepath.Join(configDir, "workflows"),
		},
	}

	if err := store.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load settings: %w", err)
		}
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
