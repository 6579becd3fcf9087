// Package config defines service configuration structures and loading hooks.
package config

import (
	"runtime"
)

// Config contains process configuration. Extend as needed.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address for metrics and health,
	// e.g. ":9080".
	Addr string `koanf:"addr"`

	// PostgresDSN points at the tracking database.
	PostgresDSN string `koanf:"postgres_dsn"`

	// ScoreFeedURL is the websocket URL of the live score stream.
	ScoreFeedURL string `koanf:"score_feed_url"`

	// OsuAPIBaseURL overrides the osu! v2 API endpoint (tests, proxies).
	OsuAPIBaseURL string `koanf:"osu_api_base_url"`

	// OsuAPIToken is the OAuth bearer token for the osu! API.
	OsuAPIToken string `koanf:"osu_api_token"`

	// DiscordBotToken authenticates message posts to Discord.
	DiscordBotToken string `koanf:"discord_bot_token"`

	// QueueSize bounds the in-memory score queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of dispatch workers.
	WorkerCount int `koanf:"worker_count"`

	// DispatchDelayMinMS and DispatchDelayMaxMS bound the jitter window
	// waited before fetching a user's refreshed top list.
	DispatchDelayMinMS int `koanf:"dispatch_delay_min_ms"`
	DispatchDelayMaxMS int `koanf:"dispatch_delay_max_ms"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		Addr:               ":9080",
		ScoreFeedURL:       "wss://scores.example.com/feed",
		QueueSize:          10_000,
		WorkerCount:        runtime.NumCPU() * 2,
		DispatchDelayMinMS: 30_000,
		DispatchDelayMaxMS: 60_000,
	}
}
