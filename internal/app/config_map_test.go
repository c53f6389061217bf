package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbot/internal/config"
	rtsup "modbot/internal/runtime/supervisor"
	logx "modbot/pkg/logx"
)

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      config.StorageConfig
		want    string
		busy    time.Duration
		wantErr bool
	}{
		{name: "file", in: config.StorageConfig{Driver: "File", Path: "a.json"}, want: "file"},
		{name: "sqlite default busy", in: config.StorageConfig{Driver: "sqlite3", Path: "a.db"}, want: "sqlite", busy: time.Second},
		{name: "sqlite busy", in: config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "3s"}, want: "sqlite", busy: 3 * time.Second},
		{name: "bad busy", in: config.StorageConfig{Driver: "sqlite", Path: "a.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "no path", in: config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "unknown", in: config.StorageConfig{Driver: "redis", Path: "x"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := mapStorageConfig(&config.Config{Storage: tc.in})
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Driver)
			assert.Equal(t, tc.busy, got.BusyTimeout)
		})
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	st := mapSettings(cfg)
	assert.Equal(t, "Cat Devs", st.ModeratorRole)
	assert.Equal(t, "Suppressed", st.SuppressedRole)
	assert.Equal(t, "5m", st.DefaultMute)

	opt := mapRouterOptions(cfg)
	assert.Equal(t, "!", opt.Prefix)
	assert.Equal(t, "Cat Devs", opt.ModeratorRole)
	assert.Equal(t, 15*time.Second, opt.CommandTimeout)

	ad := mapAdminConfig(cfg)
	assert.False(t, ad.Enabled)
	assert.Equal(t, "127.0.0.1:6060", ad.Addr)
}

func TestMapModlogSinks(t *testing.T) {
	t.Parallel()
	sinks, err := mapModlogSinks(&config.Config{}, nil)
	require.NoError(t, err)
	assert.Empty(t, sinks)

	sinks, err = mapModlogSinks(&config.Config{Discord: config.DiscordConfig{ModlogChannelID: "55"}}, nil)
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "channel:55", sinks[0].Name())
}

type sdRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *sdRecorder) send(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *sdRecorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifierReadyAndWatchdog(t *testing.T) {
	t.Parallel()
	rec := &sdRecorder{}
	n := &notifier{
		log:      logx.Nop(),
		send:     rec.send,
		watchdog: func() (time.Duration, error) { return 20 * time.Millisecond, nil },
	}
	sup := rtsup.New(context.Background())
	n.start(sup)
	require.Eventually(t, func() bool { return rec.count(daemon.SdNotifyWatchdog) >= 2 }, 2*time.Second, 5*time.Millisecond)
	n.stopping()
	sup.Cancel()
	require.NoError(t, sup.Wait(context.Background()))

	assert.Equal(t, 1, rec.count(daemon.SdNotifyReady))
	assert.Equal(t, 1, rec.count(daemon.SdNotifyStopping))
}

func TestNotifierWithoutWatchdog(t *testing.T) {
	t.Parallel()
	rec := &sdRecorder{}
	n := &notifier{
		log:      logx.Nop(),
		send:     rec.send,
		watchdog: func() (time.Duration, error) { return 0, errors.New("bad WATCHDOG_USEC") },
	}
	sup := rtsup.New(context.Background())
	n.start(sup)
	sup.Cancel()
	require.NoError(t, sup.Wait(context.Background()))
	assert.Equal(t, 1, rec.count(daemon.SdNotifyReady))
	assert.Zero(t, rec.count(daemon.SdNotifyWatchdog))
}
