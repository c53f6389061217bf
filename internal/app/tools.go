package app

import (
	"modbot/internal/config"
	"modbot/internal/moderation"
	"modbot/internal/schedule"
	"modbot/internal/storage"
	"modbot/internal/transport/discord"
	logx "modbot/pkg/logx"
)

// Tools is the bot's moderation stack over REST only: no gateway session,
// no command router, no poller loop. The CLI uses it to inspect and repair
// the schedule while the bot is stopped.
type Tools struct {
	Config *config.Config
	Store  storage.Store
	Mod    *moderation.Service
	Poller *schedule.Poller
}

// OpenTools loads cfgPath and opens the configured store. withPlatform also
// builds the Discord REST client so Mod and Poller can act on the guild.
func OpenTools(cfgPath string, withPlatform bool, log logx.Logger) (*Tools, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	t := &Tools{Config: cfg, Store: store}
	if !withPlatform {
		return t, nil
	}

	ad, err := discord.New(discord.Config{Token: cfg.Discord.Token, GuildID: cfg.Discord.GuildID}, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	t.Mod = moderation.NewService(ad, store,
		moderation.WithLogger(log),
		moderation.WithAuditor(store),
		moderation.WithSettings(mapSettings(cfg)),
		moderation.WithExecutorRate(cfg.Schedule.PlatformRateOrDefault()),
	)
	t.Poller = schedule.NewPoller(store, t.Mod.Executor(),
		schedule.WithLogger(log),
		schedule.WithApplyTimeout(cfg.Schedule.ApplyTimeoutOrDefault()),
	)
	return t, nil
}

func (t *Tools) Close() error { return t.Store.Close() }
