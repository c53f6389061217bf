package moderation

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"modbot/internal/schedule"
	logx "modbot/pkg/logx"
)

// RoleRemover lifts a mute: it removes the suppression role from the entry's
// subject. It is idempotent; a missing member, a missing role or a member
// who no longer holds the role all resolve as OutcomeAlreadyGone.
//
// Calls are paced by a token bucket shared with nothing else, so a backlog of
// expired mutes after downtime does not trip platform rate limits.
type RoleRemover struct {
	p        Platform
	roleName func() string
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewRoleRemover(p Platform, roleName func() string, perSec int, log logx.Logger) *RoleRemover {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &RoleRemover{p: p, roleName: roleName, log: log.With(logx.String("comp", "executor"))}
	r.limiter = rate.NewLimiter(limitFor(perSec), max(1, perSec))
	return r
}

// SetRate changes the pacing. 0 or less disables it.
func (r *RoleRemover) SetRate(perSec int) {
	r.limiter.SetLimit(limitFor(perSec))
	r.limiter.SetBurst(max(1, perSec))
}

func limitFor(perSec int) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

func (r *RoleRemover) Apply(ctx context.Context, e schedule.Entry) (schedule.Outcome, error) {
	if e.Kind != "" && e.Kind != schedule.KindUnmute {
		// Nothing handles it; keeping it would retry forever.
		r.log.Warn("dropping entry of unknown kind", logx.String("kind", string(e.Kind)), logx.String("subject", e.Subject))
		return schedule.OutcomeAlreadyGone, nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return schedule.OutcomeTransient, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	role, err := r.p.GetRole(ctx, r.roleName())
	if err != nil {
		return classify(fmt.Errorf("get suppressed role: %w", err))
	}
	m, err := r.p.GetMember(ctx, e.Subject)
	if err != nil {
		return classify(fmt.Errorf("get member: %w", err))
	}
	if !m.HasRole(role.ID) {
		return schedule.OutcomeAlreadyGone, nil
	}
	if err := r.p.RemoveRole(ctx, e.Subject, role.ID); err != nil {
		return classify(fmt.Errorf("remove suppressed role: %w", err))
	}
	return schedule.OutcomeApplied, nil
}

// classify maps a platform error to an outcome. Forbidden is retried: an
// operator can fix the bot's permissions without losing the entry.
func classify(err error) (schedule.Outcome, error) {
	if errors.Is(err, ErrNotFound) {
		return schedule.OutcomeAlreadyGone, nil
	}
	return schedule.OutcomeTransient, err
}
