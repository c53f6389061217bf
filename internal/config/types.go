package config

// Config is the on-disk bot configuration (JSON or YAML).
type Config struct {
	Discord    DiscordConfig    `json:"discord"`
	Moderation ModerationConfig `json:"moderation"`
	Schedule   ScheduleConfig   `json:"schedule"`
	Storage    StorageConfig    `json:"storage"`
	Logging    LoggingConfig    `json:"logging"`
	Router     RouterConfig     `json:"router"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Admin    AdminConfig     `json:"admin,omitempty"`
}

type DiscordConfig struct {
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`
	// Prefix for text commands, default "!".
	Prefix string `json:"prefix,omitempty"`
	// ModlogChannelID receives one line per moderation action.
	ModlogChannelID string `json:"modlog_channel_id,omitempty"`
	// LogChannelID receives forwarded log lines when logging.channel is enabled.
	LogChannelID string `json:"log_channel_id,omitempty"`
}

// ModerationConfig names the roles the moderation commands work with.
//
// Defaults:
//   - moderator_role: "Cat Devs"
//   - suppressed_role: "Suppressed"
//   - default_mute: "5m"
//   - suppressed_role_position: 0 (leave where the platform puts it)
type ModerationConfig struct {
	ModeratorRole          string `json:"moderator_role,omitempty"`
	SuppressedRole         string `json:"suppressed_role,omitempty"`
	SuppressedRolePosition int    `json:"suppressed_role_position,omitempty"`
	DefaultMute            string `json:"default_mute,omitempty"`
}

// ScheduleConfig controls the deferred-action poller.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults:
//   - poll_interval: "1s" (minimum "100ms")
//   - apply_timeout: "10s"
//   - alert_after: 10 consecutive failures (0 disables)
//   - platform_rate_per_sec: 5
type ScheduleConfig struct {
	PollInterval       string `json:"poll_interval,omitempty"`
	ApplyTimeout       string `json:"apply_timeout,omitempty"`
	AlertAfter         int    `json:"alert_after,omitempty"`
	PlatformRatePerSec int    `json:"platform_rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/unmute_times.json" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Channel LoggingChannel `json:"channel"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChannel struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// RouterConfig controls text command handling.
type RouterConfig struct {
	CommandTimeout string `json:"command_timeout,omitempty"` // default "15s"
	// UserRatePerSec limits how often a single user can run commands.
	// 0 disables the limiter.
	UserRatePerSec float64 `json:"user_rate_per_sec,omitempty"`
	UserBurst      int     `json:"user_burst,omitempty"`
}

// TelegramConfig mirrors mod-log lines to a Telegram chat.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

// AdminConfig controls the optional admin HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - Non-loopback binds require a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
