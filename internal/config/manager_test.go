package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSON = `{
  "discord": {"token": "t", "guild_id": "123", "modlog_channel_id": "9"},
  "moderation": {},
  "schedule": {"poll_interval": "500ms"},
  "storage": {"driver": "file", "path": "./data/unmute_times.json"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}, "channel": {"enabled": false, "min_level": "", "rate_per_sec": 0}},
  "router": {}
}`

const validYAML = `
discord:
  token: t
  guild_id: "123"
storage:
  driver: sqlite
  path: ./data/modbot.db
schedule:
  alert_after: 3
logging:
  level: debug
  console: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", validJSON))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "123", cfg.Discord.GuildID)
	assert.Equal(t, 500*time.Millisecond, cfg.Schedule.PollIntervalOrDefault())
	assert.Equal(t, DefaultModeratorRole, cfg.Moderation.ModeratorRoleOrDefault())
	assert.Equal(t, DefaultSuppressedRole, cfg.Moderation.SuppressedRoleOrDefault())
	assert.Equal(t, DefaultPrefix, cfg.Discord.PrefixOrDefault())
	assert.Same(t, cfg, m.Get())
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Schedule.AlertAfterOrDefault())
	assert.Equal(t, DefaultPollInterval, cfg.Schedule.PollIntervalOrDefault())
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown field": `{"discord": {"token": "t", "guild_id": "1", "bogus": 1}}`,
		"trailing data": validJSON + `{}`,
	}
	for name, body := range tests {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, "config.json", body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{
		Storage:  StorageConfig{Driver: "redis"},
		Schedule: ScheduleConfig{PollInterval: "soon", AlertAfter: -1},
		Telegram: &TelegramConfig{},
	})
	require.Error(t, err)
	for _, want := range []string{
		"discord.token is required",
		"discord.guild_id is required",
		`unknown driver "redis"`,
		"storage.path is required",
		"schedule.alert_after",
		"schedule.poll_interval",
		"telegram",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestPollIntervalClamped(t *testing.T) {
	t.Parallel()
	assert.Equal(t, MinPollInterval, ScheduleConfig{PollInterval: "1ms"}.PollIntervalOrDefault())
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Discord: DiscordConfig{Token: "a"}, Admin: AdminConfig{Token: "x"}}
	newCfg := &Config{Discord: DiscordConfig{Token: "b"}, Admin: AdminConfig{Token: "y", Enabled: true}}

	changed, _ := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"discord", "admin"}, changed)
	assert.True(t, RequiresRestart(changed))
	assert.False(t, RequiresRestart([]string{"logging", "schedule"}))
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	assert.Same(t, b, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}
