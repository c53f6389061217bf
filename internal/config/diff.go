package config

import (
	"reflect"

	logx "modbot/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log attrs.
// Secrets (tokens) are never included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Discord != newCfg.Discord {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.String("discord.guild_id", newCfg.Discord.GuildID),
			logx.Bool("discord.token_changed", oldCfg.Discord.Token != newCfg.Discord.Token),
		)
	}
	if oldCfg.Moderation != newCfg.Moderation {
		changed = append(changed, "moderation")
		attrs = append(attrs,
			logx.String("moderation.moderator_role", newCfg.Moderation.ModeratorRoleOrDefault()),
			logx.String("moderation.suppressed_role", newCfg.Moderation.SuppressedRoleOrDefault()),
		)
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Duration("schedule.poll_interval", newCfg.Schedule.PollIntervalOrDefault()),
			logx.Int("schedule.alert_after", newCfg.Schedule.AlertAfterOrDefault()),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.channel", newCfg.Logging.Channel.Enabled),
		)
	}
	if oldCfg.Router != newCfg.Router {
		changed = append(changed, "router")
	}
	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs, logx.Bool("telegram.enabled", newCfg.Telegram != nil))
	}
	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.AddrOrDefault()),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}
	return changed, attrs
}

// RequiresRestart reports whether a change touches settings that are only
// read at startup (connection, storage backend).
func RequiresRestart(changed []string) bool {
	for _, c := range changed {
		switch c {
		case "discord", "storage", "telegram":
			return true
		}
	}
	return false
}
