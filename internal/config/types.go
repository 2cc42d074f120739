package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "30s", "5m"); empty means the documented default.
type Config struct {
	Telegram TelegramConfig  `json:"telegram"`
	Bot      BotConfig       `json:"bot"`
	Logging  LoggingConfig   `json:"logging"`
	Remote   RemoteConfig    `json:"remote"`
	Monitor  MonitorConfig   `json:"monitor"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Health   HealthConfig    `json:"health"`
}

type TelegramConfig struct {
	// Token may be left empty when CEREMONYBOT_TOKEN is set.
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout"`

	// AllowedUserIDs restricts who may talk to the bot. Empty allows everyone.
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
}

// BotConfig tunes the command dispatcher.
//
// Defaults: workers 8, queue_size 64, request_timeout "2m",
// position_concurrency 4.
type BotConfig struct {
	Workers             int    `json:"workers,omitempty"`
	QueueSize           int    `json:"queue_size,omitempty"`
	RequestTimeout      string `json:"request_timeout,omitempty"`
	PositionConcurrency int    `json:"position_concurrency,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warnings and errors to an ops chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RemoteConfig points at the ceremony status service.
//
// Defaults: max_attempts 3, retry_delay "5s", request_timeout "30s",
// ping_path "/ceremony/ping", position_path "/ceremony/position".
type RemoteConfig struct {
	BaseURL        string  `json:"base_url"`
	PingPath       string  `json:"ping_path,omitempty"`
	PositionPath   string  `json:"position_path,omitempty"`
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	RetryDelay     string  `json:"retry_delay,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"` // 0 disables client side limiting
	UserAgent      string  `json:"user_agent,omitempty"`
	HTTP2          bool    `json:"http2,omitempty"`
}

// MonitorConfig controls the background poll loops.
//
// Interval accepts a duration ("5m"), "@every 5m", a descriptor ("@hourly")
// or a cron expression with optional seconds.
type MonitorConfig struct {
	Interval         string `json:"interval,omitempty"`
	StopTimeout      string `json:"stop_timeout,omitempty"`
	ConcurrentProbes *bool  `json:"concurrent_probes,omitempty"`
}

// NotifierConfig controls the async notification pipeline. An omitted
// section means enabled with defaults.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// StorageConfig selects the optional persistence driver: "none", "file" or
// "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	Body    string `json:"body,omitempty"` // default "OK"
}

func (c MonitorConfig) Concurrent() bool {
	return c.ConcurrentProbes == nil || *c.ConcurrentProbes
}
