package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Reminders RemindersConfig `json:"reminders"`
	NLU       *NLUConfig      `json:"nlu,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
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

// StorageConfig controls the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./subwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// RemindersConfig controls reminder planning and dispatch.
//
// OffsetDays is the deployment-wide set of day counts before the due date at
// which a reminder fires. It defaults to {7, 3, 1} when omitted.
type RemindersConfig struct {
	OffsetDays []int `json:"offset_days,omitempty"`
	// RatePerSec caps outgoing reminder messages per second (default 3).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// ReconcileInterval is a Go duration string; the scheduler re-derives all
	// schedules from stored state at this interval (default "1h").
	ReconcileInterval string `json:"reconcile_interval,omitempty"`
}

// NLUConfig controls free-text intent extraction.
// If the section is omitted or disabled, only slash commands are understood.
type NLUConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"` // OpenAI-compatible endpoint
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"` // Go duration string (default "10s")
}
