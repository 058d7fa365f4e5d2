package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Scanner controls the periodic schedule sweep.
	Scanner ScannerConfig `json:"scanner"`

	// Engine controls the delivery job executor.
	// If omitted, defaults apply (see EngineConfig).
	Engine *EngineConfig `json:"engine,omitempty"`

	// Generator configures the summarization backend.
	Generator GeneratorConfig `json:"generator"`

	// Channels. A channel section may be omitted; schedules targeting an
	// unconfigured channel fail delivery with a clear error.
	Email    *EmailConfig    `json:"email,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	// Recipients maps owner ids to their per-channel addresses.
	Recipients map[string]RecipientConfig `json:"recipients"`

	// Ops controls the optional operational HTTP server (health, status,
	// pprof). Omitted means disabled.
	Ops *OpsConfig `json:"ops,omitempty"`
}

// OpsConfig controls the ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so /debug/pprof/profile works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jotchain.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ScannerConfig controls the sweep that materializes deliveries.
//
// All durations are Go duration strings (e.g. "30s", "5m", "1h").
//
// Defaults (when fields are omitted/zero):
//   - interval: "1m"
//   - horizon: "24h"
//   - max_per_schedule: 32
type ScannerConfig struct {
	Enabled bool `json:"enabled"`

	// Interval is how often the sweep runs.
	Interval string `json:"interval,omitempty"`
	// Horizon bounds how far ahead deliveries are materialized.
	Horizon string `json:"horizon,omitempty"`

	MaxPerSchedule int `json:"max_per_schedule,omitempty"`
}

// EngineConfig controls the delivery job executor.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "2m"
//   - history_size: 200
//   - retry_max: 3
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout is a Go duration string. Use "0s" to disable the
	// per-job timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// GeneratorConfig selects and configures the summarizer.
//
// Driver values:
//   - "openai": OpenAI or any compatible API (base_url overrides endpoint)
//   - "static": returns the entries verbatim, no API calls (for testing)
type GeneratorConfig struct {
	Driver  string `json:"driver"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`

	// RatePerSec throttles outgoing mail. 0 means 1/sec.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// RecipientConfig holds one owner's per-channel addresses.
type RecipientConfig struct {
	Email          string `json:"email,omitempty"`
	TelegramChatID string `json:"telegram_chat_id,omitempty"`
}
