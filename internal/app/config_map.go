package app

import (
	"fmt"
	"strings"
	"time"

	"modbot/internal/admin"
	"modbot/internal/config"
	"modbot/internal/moderation"
	"modbot/internal/modlog"
	"modbot/internal/storage"
	"modbot/internal/transport/router"
	logx "modbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil {
		return storage.Config{}, fmt.Errorf("config is nil")
	}
	sc := cfg.Storage
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	switch dl := strings.ToLower(strings.TrimSpace(sc.Driver)); dl {
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Channel: logx.ChannelConfig{
			Enabled:    cfg.Logging.Channel.Enabled,
			MinLevel:   cfg.Logging.Channel.MinLevel,
			RatePerSec: cfg.Logging.Channel.RatePerSec,
		},
	}
}

func mapSettings(cfg *config.Config) moderation.Settings {
	return moderation.Settings{
		ModeratorRole:          cfg.Moderation.ModeratorRoleOrDefault(),
		SuppressedRole:         cfg.Moderation.SuppressedRoleOrDefault(),
		SuppressedRolePosition: cfg.Moderation.SuppressedRolePosition,
		DefaultMute:            cfg.Moderation.DefaultMuteOrDefault(),
	}
}

func mapRouterOptions(cfg *config.Config) router.Options {
	return router.Options{
		Prefix:         cfg.Discord.PrefixOrDefault(),
		ModeratorRole:  cfg.Moderation.ModeratorRoleOrDefault(),
		CommandTimeout: cfg.Router.CommandTimeoutOrDefault(),
		UserRatePerSec: cfg.Router.UserRatePerSec,
		UserBurst:      cfg.Router.UserBurst,
	}
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          cfg.Admin.AddrOrDefault(),
		Token:         cfg.Admin.Token,
		AllowInsecure: cfg.Admin.AllowInsecure,
		Pprof:         cfg.Admin.Pprof,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  60 * time.Second, // pprof profile default is 30s
		IdleTimeout:   60 * time.Second,
	}
}

// mapModlogSinks builds the mod-log fan-out: the Discord mod-log channel and,
// when configured, a Telegram mirror.
func mapModlogSinks(cfg *config.Config, sender logx.Sender) ([]modlog.Sink, error) {
	var sinks []modlog.Sink
	if id := strings.TrimSpace(cfg.Discord.ModlogChannelID); id != "" {
		sinks = append(sinks, modlog.NewChannelSink(sender, id))
	}
	if tg := cfg.Telegram; tg != nil {
		s, err := modlog.NewTelegramSink(tg.Token, tg.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram mod-log sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}
