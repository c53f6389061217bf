package moderation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modbot/internal/schedule"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

var now0 = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type harness struct {
	p     *fakePlatform
	store *storage.FileStore
	log   *lines
	svc   *Service
	clock atomic.Pointer[time.Time]
}

func newHarness(t *testing.T, st Settings) *harness {
	t.Helper()
	h := &harness{p: newFakePlatform(), log: &lines{}}
	h.clock.Store(&now0)

	fs, err := storage.OpenFile(filepath.Join(t.TempDir(), "unmute_times.json"), logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	h.store = fs

	h.svc = NewService(h.p, fs,
		WithModLog(h.log),
		WithAuditor(fs),
		WithSettings(st),
		WithClock(func() time.Time { return *h.clock.Load() }),
	)
	h.svc.SetSelfID("bot")
	h.p.addMember("mod", "r-mod")
	h.p.addMember("u1")
	h.p.addMember("u2")
	return h
}

func (h *harness) advance(d time.Duration) {
	t := h.clock.Load().Add(d)
	h.clock.Store(&t)
}

func (h *harness) now() time.Time { return *h.clock.Load() }

var inv = Invocation{RequestID: "req-1", ActorID: "mod", ChannelID: "c1"}

func TestMuteCreatesRoleAndSchedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{SuppressedRolePosition: 21})

	due, err := h.svc.Mute(ctx, inv, "u1", "10m", "spam")
	require.NoError(t, err)
	assert.Equal(t, now0.Add(10*time.Minute), due)

	role, err := h.p.GetRole(ctx, "Suppressed")
	require.NoError(t, err)
	assert.Contains(t, h.p.memberRoles("u1"), role.ID)
	assert.Equal(t, PermSuppressed, h.p.overrides["c1/"+role.ID])
	assert.Equal(t, PermSuppressed, h.p.overrides["c2/"+role.ID])
	assert.Equal(t, 21, h.p.positions[role.ID])

	all, err := h.store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u1", all[0].Subject)
	assert.True(t, all[0].DueAt.Equal(due))

	assert.Equal(t, []string{"<@mod> muted <@u1> for `10m` for reason `spam`."}, h.log.get())

	// Second mute reuses the role and replaces the due time.
	due2, err := h.svc.Mute(ctx, inv, "u1", "1h", "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.p.count("create_role"))
	all, err = h.store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].DueAt.Equal(due2))
}

func TestMuteDefaults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	due, err := h.svc.Mute(context.Background(), inv, "u1", "", "")
	require.NoError(t, err)
	assert.Equal(t, now0.Add(5*time.Minute), due)
	assert.Equal(t, []string{"<@mod> muted <@u1> for `5m` for reason `Because of naughtiness`."}, h.log.get())
}

func TestMuteRefusals(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})

	tests := []struct {
		name     string
		target   string
		duration string
		want     error
	}{
		{"bot", "bot", "5m", ErrTargetIsBot},
		{"self", "mod", "5m", ErrTargetIsSelf},
		{"bad duration", "u1", "5x", ErrValidation},
		{"missing member", "ghost", "5m", ErrNotFound},
	}
	for _, tt := range tests {
		_, err := h.svc.Mute(ctx, inv, tt.target, tt.duration, "")
		require.Error(t, err, tt.name)
		assert.ErrorIs(t, err, tt.want, tt.name)
	}

	all, err := h.store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, h.log.get())
	assert.Zero(t, h.p.count("add_role"))
}

func TestMuteForbiddenRoleCreation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	h.p.forbidCreate = true

	_, err := h.svc.Mute(context.Background(), inv, "u1", "5m", "")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, h.p.memberRoles("u1"))
}

func TestMuteFinishesHalfCreatedRole(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})
	h.p.failChannels = fmt.Errorf("list channels: %w", ErrTransient)

	_, err := h.svc.Mute(ctx, inv, "u1", "5m", "")
	require.ErrorIs(t, err, ErrTransient)
	assert.Empty(t, h.p.memberRoles("u1"))
	assert.Empty(t, h.p.overrides)

	h.p.mu.Lock()
	h.p.failChannels = nil
	h.p.mu.Unlock()

	_, err = h.svc.Mute(ctx, inv, "u1", "5m", "")
	require.NoError(t, err)
	role, err := h.p.GetRole(ctx, "Suppressed")
	require.NoError(t, err)
	assert.Equal(t, 1, h.p.count("create_role"))
	assert.Equal(t, PermSuppressed, h.p.overrides["c1/"+role.ID])
	assert.Equal(t, PermSuppressed, h.p.overrides["c2/"+role.ID])
	assert.Contains(t, h.p.memberRoles("u1"), role.ID)
}

func TestMuteOverwriteFailureAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})
	h.p.failOverwrite = map[string]error{"c2": fmt.Errorf("overwrite: %w", ErrTransient)}

	_, err := h.svc.Mute(ctx, inv, "u1", "5m", "")
	require.ErrorIs(t, err, ErrTransient)
	assert.Empty(t, h.p.memberRoles("u1"))
	all, err := h.store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	// A vanished channel does not block muting.
	h.p.mu.Lock()
	h.p.failOverwrite = map[string]error{"c2": fmt.Errorf("channel c2: %w", ErrNotFound)}
	h.p.mu.Unlock()
	_, err = h.svc.Mute(ctx, inv, "u1", "5m", "")
	require.NoError(t, err)
}

func TestMuteRestrictsPreexistingRole(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})
	h.p.roles["Suppressed"] = Role{ID: "r-old", Name: "Suppressed"}

	_, err := h.svc.Mute(ctx, inv, "u1", "5m", "")
	require.NoError(t, err)
	assert.Zero(t, h.p.count("create_role"))
	assert.Equal(t, PermSuppressed, h.p.overrides["c1/r-old"])
	assert.Equal(t, PermSuppressed, h.p.overrides["c2/r-old"])
}

func TestUnmuteRemovesRoleThenEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})

	_, err := h.svc.Mute(ctx, inv, "u2", "10m", "")
	require.NoError(t, err)
	require.NoError(t, h.svc.Unmute(ctx, inv, "u2"))

	assert.Empty(t, h.p.memberRoles("u2"))
	all, err := h.store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Contains(t, h.log.get(), "<@mod> unmuted <@u2>.")

	assert.ErrorIs(t, h.svc.Unmute(ctx, inv, "u2"), ErrNotMuted)
}

func TestUnmuteFailureKeepsEntry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})

	_, err := h.svc.Mute(ctx, inv, "u1", "10m", "")
	require.NoError(t, err)
	h.p.failRemove = errors.Join(ErrTransient, errors.New("gateway timeout"))

	err = h.svc.Unmute(ctx, inv, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)

	all, err := h.store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "failed unmute must stay scheduled")
}

func TestUnmuteWithoutRoleIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Settings{})
	assert.ErrorIs(t, h.svc.Unmute(context.Background(), inv, "u1"), ErrNotMuted)
	assert.Empty(t, h.log.get())
}

// A manual unmute before expiry leaves nothing for the poller.
func TestMuteThenUnmuteNeverReachesPoller(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})

	var pollerApplies atomic.Int32
	exec := schedule.ExecutorFunc(func(ctx context.Context, e schedule.Entry) (schedule.Outcome, error) {
		pollerApplies.Add(1)
		return h.svc.Executor().Apply(ctx, e)
	})
	p := schedule.NewPoller(h.store, exec, schedule.WithClock(h.now))

	_, err := h.svc.Mute(ctx, inv, "u2", "10m", "")
	require.NoError(t, err)
	h.advance(time.Minute)
	require.NoError(t, h.svc.Unmute(ctx, inv, "u2"))

	h.advance(10 * time.Minute)
	_, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, pollerApplies.Load())
}

func TestPollerLiftsExpiredMute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})
	p := schedule.NewPoller(h.store, h.svc.Executor(), schedule.WithClock(h.now))

	_, err := h.svc.Mute(ctx, inv, "u1", "5s", "")
	require.NoError(t, err)

	h.advance(3 * time.Second)
	stats, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Due)
	assert.NotEmpty(t, h.p.memberRoles("u1"))

	h.advance(3 * time.Second)
	stats, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	assert.Empty(t, h.p.memberRoles("u1"))
}

func TestExecutorAlreadyGone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})
	ex := h.svc.Executor()
	e := schedule.Entry{Kind: schedule.KindUnmute, Subject: "u1"}

	// No suppressed role yet.
	out, err := ex.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, schedule.OutcomeAlreadyGone, out)

	_, err = h.svc.Mute(ctx, inv, "u1", "5m", "")
	require.NoError(t, err)

	// Member left the guild.
	out, err = ex.Apply(ctx, schedule.Entry{Kind: schedule.KindUnmute, Subject: "gone"})
	require.NoError(t, err)
	assert.Equal(t, schedule.OutcomeAlreadyGone, out)

	out, err = ex.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, schedule.OutcomeApplied, out)

	// Second apply is idempotent.
	out, err = ex.Apply(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, schedule.OutcomeAlreadyGone, out)
}

func TestExecutorTransient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})
	_, err := h.svc.Mute(ctx, inv, "u1", "5m", "")
	require.NoError(t, err)

	h.p.failRemove = ErrForbidden
	out, err := h.svc.Executor().Apply(ctx, schedule.Entry{Kind: schedule.KindUnmute, Subject: "u1"})
	assert.Equal(t, schedule.OutcomeTransient, out)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestBan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})

	require.NoError(t, h.svc.Ban(ctx, inv, "u1", ""))
	assert.Equal(t, DefaultBanReason, h.p.banned["u1"])
	assert.Equal(t, []string{"<@mod> banned <@u1> for reason `Badly behaved`."}, h.log.get())

	assert.ErrorIs(t, h.svc.Ban(ctx, inv, "bot", "x"), ErrTargetIsBot)
	assert.ErrorIs(t, h.svc.Ban(ctx, inv, "mod", "x"), ErrTargetIsSelf)
	assert.ErrorIs(t, h.svc.Ban(ctx, inv, "", "x"), ErrNoTarget)

	h.p.forbidBan = true
	assert.ErrorIs(t, h.svc.Ban(ctx, inv, "u2", "x"), ErrForbidden)
}

func TestPurgeBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})

	for _, n := range []int{0, -1, 200, 500} {
		_, err := h.svc.Purge(ctx, inv, n, "")
		var ce *CountError
		require.ErrorAs(t, err, &ce, "count %d", n)
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Zero(t, h.p.purged["c1"])

	n, err := h.svc.Purge(ctx, inv, 199, "raid")
	require.NoError(t, err)
	assert.Equal(t, 199, n)
	assert.Equal(t, []string{"<@mod> purged at most `199` messages for reason `raid`."}, h.log.get())
}

func TestKnight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})

	require.NoError(t, h.svc.Knight(ctx, inv, "u1"))
	assert.Contains(t, h.p.memberRoles("u1"), "r-mod")

	h.svc.Apply(Settings{ModeratorRole: "Nobody"})
	assert.ErrorIs(t, h.svc.Knight(ctx, inv, "u2"), ErrNotFound)
}

func TestPendingListsUnmutes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, Settings{})
	_, err := h.svc.Mute(ctx, inv, "u1", "2m", "")
	require.NoError(t, err)
	_, err = h.svc.Mute(ctx, inv, "u2", "1m", "")
	require.NoError(t, err)

	got, err := h.svc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u2", got[0].Subject)
	assert.Equal(t, "u1", got[1].Subject)
}
