// Package navigator – config.go defines the configuration surface.
// Every section has a DefaultXxxConfig() constructor; component constructors
// re-apply defaults for zero values so a partially filled YAML section never
// produces a degenerate component.
package navigator

import "time"

// Config is the root configuration.
type Config struct {
	// Name is the assistant's display name (default: "Tandem").
	Name string `yaml:"name"`

	// Model is the chat model identifier sent to the provider.
	Model string `yaml:"model"`

	// ContextWindow is the model's context size in tokens (default: 128000).
	ContextWindow int `yaml:"context_window"`

	// Workspace is the working directory recorded into sessions.
	// Empty means the process working directory.
	Workspace string `yaml:"workspace"`

	API        APIConfig        `yaml:"api"`
	Agent      AgentConfig      `yaml:"agent"`
	Compaction CompactionConfig `yaml:"compaction"`
	Sessions   StoreConfig      `yaml:"sessions"`
	Delegates  DelegateConfig   `yaml:"delegates"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// APIConfig configures the LLM endpoint.
type APIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint (default: https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// Provider overrides auto-detection from the base URL.
	Provider string `yaml:"provider"`

	// APIKey is resolved through keyring → vault → env → this value.
	APIKey string `yaml:"api_key"`
}

// AgentConfig holds turn-loop parameters.
type AgentConfig struct {
	// ActivityTimeoutSeconds is how long a delegated agent may generate
	// without invoking a tool before the watchdog fires (default: 30).
	ActivityTimeoutSeconds int `yaml:"activity_timeout_seconds"`

	// MaxContinuations bounds silent stall recoveries per turn (default: 2).
	// A delegated agent that times out again past the bound fails the run.
	MaxContinuations int `yaml:"max_continuations"`

	// TurnBudgetMinutes is the wall-clock budget for time-boxed delegated
	// agents (default: 10). The top-level agent never expires on wall clock.
	TurnBudgetMinutes int `yaml:"turn_budget_minutes"`

	// LLMCallTimeoutSeconds is the safety-net timeout per model call
	// (default: 300). Catches hung connections, not the primary control.
	LLMCallTimeoutSeconds int `yaml:"llm_call_timeout_seconds"`

	Cycle       CycleConfig       `yaml:"cycle"`
	StreamGuard StreamGuardConfig `yaml:"stream_guard"`
}

// CycleConfig tunes tool-call cycle detection.
type CycleConfig struct {
	// WindowSize bounds the rolling history of tool-call fingerprints
	// (default: 20).
	WindowSize int `yaml:"window_size"`

	// WarnThreshold is the trailing repeat run that triggers a warning
	// (default: 3).
	WarnThreshold int `yaml:"warn_threshold"`

	// CriticalThreshold is the repeat run treated as a hard cycle
	// (default: 5). Reordered above WarnThreshold at construction if the
	// YAML inverts them.
	CriticalThreshold int `yaml:"critical_threshold"`
}

// StreamGuardConfig tunes the streamed-text loop detector.
type StreamGuardConfig struct {
	// WarmupSeconds is the delay after the first chunk before checks begin
	// (default: 5).
	WarmupSeconds int `yaml:"warmup_seconds"`

	// CheckIntervalSeconds is the sweep cadence (default: 2).
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`

	// MinRepeatLength is the shortest tail fragment considered for the
	// repeated-tail strategy (default: 40 characters).
	MinRepeatLength int `yaml:"min_repeat_length"`

	// MinRepeatCount is how many consecutive tail repeats count as a loop
	// (default: 4).
	MinRepeatCount int `yaml:"min_repeat_count"`

	// MaxBufferBytes caps the accumulated text (default: 256 KiB); older
	// text is discarded from the front.
	MaxBufferBytes int `yaml:"max_buffer_bytes"`
}

// CompactionConfig tunes automatic conversation summarization.
type CompactionConfig struct {
	// TriggerPercent is the context-usage percentage that starts a
	// compaction before the next model call (default: 80).
	TriggerPercent float64 `yaml:"trigger_percent"`

	// KeepRecent is how many trailing messages survive verbatim (default: 6).
	KeepRecent int `yaml:"keep_recent"`

	// PreserveRecentUser extends the kept window backward to include the
	// most recent user message when it falls outside it (default: true).
	PreserveRecentUser bool `yaml:"preserve_recent_user"`

	// MinMessages is the minimum history length worth compacting
	// (default: 10).
	MinMessages int `yaml:"min_messages"`
}

// StoreConfig tunes the durable session store.
type StoreConfig struct {
	// Dir is where session files live (default: ./data/sessions).
	Dir string `yaml:"dir"`

	// CacheTTL bounds read-cache staleness (default: 1s).
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// CacheSize bounds the read cache; eviction is oldest-inserted first
	// (default: 16).
	CacheSize int `yaml:"cache_size"`

	// AutoSaveDebounce batches rapid auto-saves (default: 500ms).
	AutoSaveDebounce time.Duration `yaml:"autosave_debounce"`

	// MaxSessions is the retention bound; older sessions are pruned by
	// modification time, the active session exempt (default: 50, 0 = keep all).
	MaxSessions int `yaml:"max_sessions"`

	// RetentionSchedule is the cron expression for the pruning sweep
	// (default: "0 4 * * *").
	RetentionSchedule string `yaml:"retention_schedule"`
}

// DelegateConfig configures time-boxed delegated agents.
type DelegateConfig struct {
	// Enabled turns delegation on/off (default: true).
	Enabled bool `yaml:"enabled"`

	// MaxConcurrent bounds simultaneously running delegates (default: 4).
	MaxConcurrent int `yaml:"max_concurrent"`

	// TimeoutMinutes is each delegate's wall-clock budget (default: 10).
	TimeoutMinutes int `yaml:"timeout_minutes"`

	// LedgerPath is the SQLite file recording completed runs
	// (default: ./data/delegates.db, empty string disables persistence).
	LedgerPath string `yaml:"ledger_path"`

	// Model overrides the chat model for delegates (empty = parent model).
	Model string `yaml:"model"`

	// DeniedTools lists tool names delegates cannot use.
	DeniedTools []string `yaml:"denied_tools"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	// Level is debug|info|warn|error (default: info).
	Level string `yaml:"level"`

	// Format is text|json (default: text).
	Format string `yaml:"format"`
}

// ─── Defaults ───

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:          "Tandem",
		Model:         "gpt-4o-mini",
		ContextWindow: DefaultContextWindow,
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Agent:      DefaultAgentConfig(),
		Compaction: DefaultCompactionConfig(),
		Sessions:   DefaultStoreConfig(),
		Delegates:  DefaultDelegateConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultAgentConfig returns turn-loop defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ActivityTimeoutSeconds: 30,
		MaxContinuations:       2,
		TurnBudgetMinutes:      10,
		LLMCallTimeoutSeconds:  300,
		Cycle:                  DefaultCycleConfig(),
		StreamGuard:            DefaultStreamGuardConfig(),
	}
}

// DefaultCycleConfig returns cycle-detection defaults.
func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		WindowSize:        20,
		WarnThreshold:     3,
		CriticalThreshold: 5,
	}
}

// DefaultStreamGuardConfig returns stream-loop-detection defaults.
func DefaultStreamGuardConfig() StreamGuardConfig {
	return StreamGuardConfig{
		WarmupSeconds:        5,
		CheckIntervalSeconds: 2,
		MinRepeatLength:      40,
		MinRepeatCount:       4,
		MaxBufferBytes:       256 * 1024,
	}
}

// DefaultCompactionConfig returns compaction defaults.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		TriggerPercent:     80,
		KeepRecent:         6,
		PreserveRecentUser: true,
		MinMessages:        10,
	}
}

// DefaultStoreConfig returns session-store defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Dir:               "./data/sessions",
		CacheTTL:          time.Second,
		CacheSize:         16,
		AutoSaveDebounce:  500 * time.Millisecond,
		MaxSessions:       50,
		RetentionSchedule: "0 4 * * *",
	}
}

// DefaultDelegateConfig returns delegation defaults.
func DefaultDelegateConfig() DelegateConfig {
	return DelegateConfig{
		Enabled:        true,
		MaxConcurrent:  4,
		TimeoutMinutes: 10,
		LedgerPath:     "./data/delegates.db",
		DeniedTools:    []string{"delegate", "delegate_wait"},
	}
}
