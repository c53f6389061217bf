package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied by the Effective* helpers when a field is omitted.
const (
	DefaultPrefix         = "!"
	DefaultModeratorRole  = "Cat Devs"
	DefaultSuppressedRole = "Suppressed"
	DefaultMute           = "5m"

	DefaultPollInterval   = time.Second
	MinPollInterval       = 100 * time.Millisecond
	DefaultApplyTimeout   = 10 * time.Second
	DefaultAlertAfter     = 10
	DefaultPlatformRate   = 5
	DefaultCommandTimeout = 15 * time.Second
	DefaultAdminAddr      = "127.0.0.1:6060"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks the fields that cannot be defaulted. It is used both at
// startup and as the hot-reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(cfg.Discord.Token) == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if strings.TrimSpace(cfg.Discord.GuildID) == "" {
		errs = append(errs, errors.New("discord.guild_id is required"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q (want file or sqlite)", cfg.Storage.Driver))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if cfg.Schedule.AlertAfter < 0 {
		errs = append(errs, errors.New("schedule.alert_after must be >= 0"))
	}
	if cfg.Schedule.PlatformRatePerSec < 0 {
		errs = append(errs, errors.New("schedule.platform_rate_per_sec must be >= 0"))
	}
	if cfg.Router.UserRatePerSec < 0 || cfg.Router.UserBurst < 0 {
		errs = append(errs, errors.New("router.user_rate_per_sec and router.user_burst must be >= 0"))
	}
	for path, raw := range map[string]string{
		"schedule.poll_interval": cfg.Schedule.PollInterval,
		"schedule.apply_timeout": cfg.Schedule.ApplyTimeout,
		"storage.busy_timeout":   cfg.Storage.BusyTimeout,
		"router.command_timeout": cfg.Router.CommandTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Telegram != nil && (strings.TrimSpace(cfg.Telegram.Token) == "" || cfg.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram: token and chat_id are required when the section is present"))
	}
	return errors.Join(errs...)
}

// PollIntervalOrDefault returns the effective poller interval, clamped to
// MinPollInterval.
func (c ScheduleConfig) PollIntervalOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("schedule.poll_interval", c.PollInterval, DefaultPollInterval)
	if err != nil {
		return DefaultPollInterval
	}
	return max(d, MinPollInterval)
}

func (c ScheduleConfig) ApplyTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("schedule.apply_timeout", c.ApplyTimeout, DefaultApplyTimeout)
	if err != nil {
		return DefaultApplyTimeout
	}
	return d
}

func (c ScheduleConfig) AlertAfterOrDefault() int {
	if c.AlertAfter == 0 {
		return DefaultAlertAfter
	}
	return c.AlertAfter
}

func (c ScheduleConfig) PlatformRateOrDefault() int {
	if c.PlatformRatePerSec <= 0 {
		return DefaultPlatformRate
	}
	return c.PlatformRatePerSec
}

func (c RouterConfig) CommandTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("router.command_timeout", c.CommandTimeout, DefaultCommandTimeout)
	if err != nil {
		return DefaultCommandTimeout
	}
	return d
}

func (c DiscordConfig) PrefixOrDefault() string {
	if p := strings.TrimSpace(c.Prefix); p != "" {
		return p
	}
	return DefaultPrefix
}

func (c ModerationConfig) ModeratorRoleOrDefault() string {
	if r := strings.TrimSpace(c.ModeratorRole); r != "" {
		return r
	}
	return DefaultModeratorRole
}

func (c ModerationConfig) SuppressedRoleOrDefault() string {
	if r := strings.TrimSpace(c.SuppressedRole); r != "" {
		return r
	}
	return DefaultSuppressedRole
}

func (c ModerationConfig) DefaultMuteOrDefault() string {
	if d := strings.TrimSpace(c.DefaultMute); d != "" {
		return d
	}
	return DefaultMute
}

func (c AdminConfig) AddrOrDefault() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAdminAddr
}
