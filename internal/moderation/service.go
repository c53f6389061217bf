package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"modbot/internal/schedule"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

// MaxPurge is the exclusive upper bound of a purge count.
const MaxPurge = 200

const (
	DefaultBanReason  = "Badly behaved"
	DefaultMuteReason = "Because of naughtiness"
)

// ModLog receives one human-readable line per moderation action.
type ModLog interface {
	Post(ctx context.Context, line string)
}

// Auditor persists an audit record per action.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Settings are the hot-reloadable knobs of the service.
type Settings struct {
	ModeratorRole          string
	SuppressedRole         string
	SuppressedRolePosition int
	DefaultMute            string
}

// Invocation identifies who asked for an action and where.
type Invocation struct {
	RequestID string
	ActorID   string
	ChannelID string
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithModLog(m ModLog) Option        { return func(s *Service) { s.modlog = m } }
func WithAuditor(a Auditor) Option      { return func(s *Service) { s.audit = a } }
func WithSettings(st Settings) Option   { return func(s *Service) { s.settings = st } }
func WithExecutorRate(perSec int) Option {
	return func(s *Service) { s.execRate = perSec }
}

// WithClock replaces time.Now when computing unmute due times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service runs moderation actions. The caller's role check happens before a
// method is called; the service itself only refuses targeting the bot or the
// invoker.
type Service struct {
	p      Platform
	store  schedule.Store
	exec   *RoleRemover
	log    logx.Logger
	modlog ModLog
	audit  Auditor
	now    func() time.Time

	execRate int

	mu       sync.RWMutex
	settings Settings
	selfID   string

	// roleMu serializes suppressed-role setup so two concurrent mutes do
	// not create two roles.
	roleMu sync.Mutex
	// restricted is the suppressed role ID whose channel overwrites were all
	// installed by this process. Guarded by roleMu.
	restricted string
}

func NewService(p Platform, store schedule.Store, opts ...Option) *Service {
	s := &Service{p: p, store: store, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "moderation"))
	s.exec = NewRoleRemover(p, s.suppressedRole, s.execRate, s.log)
	return s
}

// Executor returns the RoleRemover bound to the current suppressed role name.
func (s *Service) Executor() *RoleRemover { return s.exec }

// Apply swaps the settings. Running commands finish with the old values.
func (s *Service) Apply(st Settings) {
	s.mu.Lock()
	s.settings = st
	s.mu.Unlock()
}

// SetSelfID records the bot's own user id once the gateway is ready.
func (s *Service) SetSelfID(id string) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
}

func (s *Service) snapshot() (Settings, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, s.selfID
}

func (s *Service) suppressedRole() string {
	st, _ := s.snapshot()
	return orDefault(st.SuppressedRole, "Suppressed")
}

func (s *Service) checkTarget(inv Invocation, target string) error {
	if strings.TrimSpace(target) == "" {
		return ErrNoTarget
	}
	_, self := s.snapshot()
	if self != "" && target == self {
		return ErrTargetIsBot
	}
	if target == inv.ActorID {
		return ErrTargetIsSelf
	}
	return nil
}

// Ban permanently bans target.
func (s *Service) Ban(ctx context.Context, inv Invocation, target, reason string) (err error) {
	reason = orDefault(reason, DefaultBanReason)
	defer func() { s.record(ctx, inv, "ban", target, reason, err) }()

	if err := s.checkTarget(inv, target); err != nil {
		return err
	}
	if err := s.p.Ban(ctx, target, reason); err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	s.post(ctx, fmt.Sprintf("%s banned %s for reason `%s`.", Mention(inv.ActorID), Mention(target), reason))
	return nil
}

// Mute gives target the suppression role and schedules its removal after
// rawDuration ("10m", "2d"; empty means the configured default). It returns
// the due time. A second mute of the same member replaces the due time.
func (s *Service) Mute(ctx context.Context, inv Invocation, target, rawDuration, reason string) (due time.Time, err error) {
	st, _ := s.snapshot()
	rawDuration = orDefault(rawDuration, orDefault(st.DefaultMute, "5m"))
	reason = orDefault(reason, DefaultMuteReason)
	defer func() { s.record(ctx, inv, "mute "+rawDuration, target, reason, err) }()

	if err := s.checkTarget(inv, target); err != nil {
		return time.Time{}, err
	}
	d, err := ParseDuration(rawDuration)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := s.p.GetMember(ctx, target); err != nil {
		return time.Time{}, fmt.Errorf("get member: %w", err)
	}

	role, err := s.ensureSuppressedRole(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if err := s.p.AddRole(ctx, target, role.ID); err != nil {
		return time.Time{}, fmt.Errorf("add suppressed role: %w", err)
	}

	due = s.now().Add(d)
	entry := schedule.Entry{Kind: schedule.KindUnmute, Subject: target, DueAt: due}
	if err := s.store.Add(ctx, entry); err != nil {
		// Without an entry nothing would ever lift the role.
		if rbErr := s.p.RemoveRole(context.WithoutCancel(ctx), target, role.ID); rbErr != nil {
			s.log.Error("mute rollback failed; member stays muted without a timer",
				logx.String("subject", target), logx.Err(rbErr))
		}
		return time.Time{}, fmt.Errorf("schedule unmute: %w", err)
	}

	s.post(ctx, fmt.Sprintf("%s muted %s for `%s` for reason `%s`.", Mention(inv.ActorID), Mention(target), rawDuration, reason))
	return due, nil
}

// Unmute lifts a mute now. The schedule entry is removed only after the role
// removal succeeded (or was already done), so a failed unmute is still picked
// up by the poller.
func (s *Service) Unmute(ctx context.Context, inv Invocation, target string) (err error) {
	defer func() { s.record(ctx, inv, "unmute", target, "", err) }()

	if strings.TrimSpace(target) == "" {
		return ErrNoTarget
	}
	role, err := s.p.GetRole(ctx, s.suppressedRole())
	if errors.Is(err, ErrNotFound) {
		return ErrNotMuted
	}
	if err != nil {
		return fmt.Errorf("get suppressed role: %w", err)
	}
	m, err := s.p.GetMember(ctx, target)
	if err != nil {
		return fmt.Errorf("get member: %w", err)
	}
	if !m.HasRole(role.ID) {
		return ErrNotMuted
	}

	entry := schedule.Entry{Kind: schedule.KindUnmute, Subject: target}
	out, err := s.exec.Apply(ctx, entry)
	if !out.Done() {
		if err == nil {
			err = ErrTransient
		}
		return fmt.Errorf("remove suppressed role: %w", err)
	}
	if err := s.store.Remove(ctx, entry.Key()); err != nil {
		// The role is gone; the leftover entry resolves as AlreadyGone.
		s.log.Warn("unmute: remove schedule entry failed", logx.String("subject", target), logx.Err(err))
	}

	s.post(ctx, fmt.Sprintf("%s unmuted %s.", Mention(inv.ActorID), Mention(target)))
	return nil
}

// Purge deletes up to count recent messages in the invoking channel.
func (s *Service) Purge(ctx context.Context, inv Invocation, count int, reason string) (n int, err error) {
	reason = orDefault(reason, "none given")
	defer func() { s.record(ctx, inv, fmt.Sprintf("purge %d", count), "", reason, err) }()

	if count <= 0 || count >= MaxPurge {
		return 0, &CountError{Count: count}
	}
	if strings.TrimSpace(inv.ChannelID) == "" {
		return 0, fmt.Errorf("%w: no channel", ErrValidation)
	}
	n, err = s.p.PurgeMessages(ctx, inv.ChannelID, count)
	if err != nil {
		return n, fmt.Errorf("purge: %w", err)
	}
	s.post(ctx, fmt.Sprintf("%s purged at most `%d` messages for reason `%s`.", Mention(inv.ActorID), count, reason))
	return n, nil
}

// Knight gives target the moderator role.
func (s *Service) Knight(ctx context.Context, inv Invocation, target string) (err error) {
	st, _ := s.snapshot()
	roleName := orDefault(st.ModeratorRole, "Cat Devs")
	defer func() { s.record(ctx, inv, "knight", target, "", err) }()

	if strings.TrimSpace(target) == "" {
		return ErrNoTarget
	}
	role, err := s.p.GetRole(ctx, roleName)
	if err != nil {
		return fmt.Errorf("get role %q: %w", roleName, err)
	}
	if err := s.p.AddRole(ctx, target, role.ID); err != nil {
		return fmt.Errorf("add role %q: %w", roleName, err)
	}
	s.post(ctx, fmt.Sprintf("%s made %s a member of `%s`.", Mention(inv.ActorID), Mention(target), roleName))
	return nil
}

// Pending lists scheduled unmutes ordered by due time.
func (s *Service) Pending(ctx context.Context) ([]schedule.Entry, error) {
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Kind == schedule.KindUnmute {
			out = append(out, e)
		}
	}
	return out, nil
}

// ensureSuppressedRole returns the suppression role, creating it on first
// use. Until every channel denies send/speak/react for the role, each call
// re-installs the overwrites, so a setup that failed halfway is finished by
// the next mute instead of leaving a role that restricts nothing.
func (s *Service) ensureSuppressedRole(ctx context.Context) (Role, error) {
	s.roleMu.Lock()
	defer s.roleMu.Unlock()

	st, _ := s.snapshot()
	name := orDefault(st.SuppressedRole, "Suppressed")
	role, err := s.p.GetRole(ctx, name)
	switch {
	case err == nil:
		if role.ID == s.restricted {
			return role, nil
		}
	case errors.Is(err, ErrNotFound):
		role, err = s.p.CreateRole(ctx, name, 0, "To use for muting")
		if err != nil {
			return Role{}, fmt.Errorf("create suppressed role: %w", err)
		}
		s.log.Info("suppressed role created", logx.String("role", name), logx.String("role_id", role.ID))
		if st.SuppressedRolePosition > 0 {
			if err := s.p.EditRolePosition(ctx, role.ID, st.SuppressedRolePosition); err != nil {
				s.log.Warn("could not move suppressed role", logx.Int("position", st.SuppressedRolePosition), logx.Err(err))
			}
		}
	default:
		return Role{}, fmt.Errorf("get suppressed role: %w", err)
	}

	if err := s.restrictChannels(ctx, role); err != nil {
		return Role{}, err
	}
	s.restricted = role.ID
	return role, nil
}

// restrictChannels denies PermSuppressed to role in every channel. Overwrites
// are idempotent. A channel deleted meanwhile is skipped; any other failure
// aborts the mute.
func (s *Service) restrictChannels(ctx context.Context, role Role) error {
	channels, err := s.p.Channels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, ch := range channels {
		err := s.p.SetChannelPermissions(ctx, ch.ID, role.ID, PermSuppressed)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("channel vanished while restricting suppressed role",
				logx.String("channel_id", ch.ID), logx.Err(err))
			continue
		}
		return fmt.Errorf("deny permissions in %s: %w", ch.ID, err)
	}
	return nil
}

func (s *Service) post(ctx context.Context, line string) {
	if s.modlog == nil {
		return
	}
	s.modlog.Post(ctx, line)
}

func (s *Service) record(ctx context.Context, inv Invocation, action, target, reason string, err error) {
	l := s.log.With(
		logx.String("action", action),
		logx.String("actor_id", inv.ActorID),
		logx.String("subject", target),
	)
	if inv.RequestID != "" {
		l = l.With(logx.String("request_id", inv.RequestID))
	}
	entry := storage.AuditEntry{
		At:        s.now().UTC(),
		RequestID: inv.RequestID,
		ActorID:   inv.ActorID,
		Action:    action,
		Subject:   target,
		ChannelID: inv.ChannelID,
		Reason:    reason,
		OK:        err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotMuted) {
			l.Debug("moderation action refused", logx.Err(err))
		} else {
			l.Warn("moderation action failed", logx.Err(err))
		}
	} else {
		l.Info("moderation action done")
	}
	if s.audit == nil {
		return
	}
	if aerr := s.audit.AppendAudit(context.WithoutCancel(ctx), entry); aerr != nil {
		l.Warn("audit append failed", logx.Err(aerr))
	}
}

// Mention formats a user id as a platform mention.
func Mention(userID string) string { return "<@" + userID + ">" }

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
