package schedule

import (
	"context"
	"fmt"
	"time"
)

// Kind tags what a deferred action does.
type Kind string

// KindUnmute removes the suppression role from a member.
const KindUnmute Kind = "remove-suppression-role"

// Key identifies a pending entry. At most one entry exists per key.
type Key struct {
	Kind    Kind
	Subject string
}

func (k Key) String() string { return string(k.Kind) + ":" + k.Subject }

// Entry is a pending deferred action.
type Entry struct {
	Kind    Kind
	Subject string
	DueAt   time.Time
}

func (e Entry) Key() Key { return Key{Kind: e.Kind, Subject: e.Subject} }

// Due reports whether the entry is eligible at now (DueAt <= now).
func (e Entry) Due(now time.Time) bool { return !e.DueAt.After(now) }

// Store persists pending entries. Every method is atomic with respect to the
// others; writes are durable before the call returns.
type Store interface {
	// Add upserts e; a second Add for the same key replaces the first.
	Add(ctx context.Context, e Entry) error
	// Remove deletes the entry for k. Removing an absent key is not an error.
	Remove(ctx context.Context, k Key) error
	// DueEntries returns entries with DueAt <= now without removing them.
	DueEntries(ctx context.Context, now time.Time) ([]Entry, error)
	// LoadAll returns every pending entry.
	LoadAll(ctx context.Context) ([]Entry, error)
}

// Outcome is the result of applying a deferred action.
type Outcome int

const (
	// OutcomeTransient means the action could not run now; retry later.
	OutcomeTransient Outcome = iota
	// OutcomeApplied means the side effect happened.
	OutcomeApplied
	// OutcomeAlreadyGone means there was nothing left to do (subject left,
	// role already removed). Treated like OutcomeApplied for removal.
	OutcomeAlreadyGone
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyGone:
		return "already_gone"
	case OutcomeTransient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Done reports whether the entry can be removed from the store.
func (o Outcome) Done() bool { return o == OutcomeApplied || o == OutcomeAlreadyGone }

// Executor performs a deferred action. Apply must be idempotent: the poller
// and a manual cancel can race on the same entry.
type Executor interface {
	Apply(ctx context.Context, e Entry) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, e Entry) (Outcome, error)

func (f ExecutorFunc) Apply(ctx context.Context, e Entry) (Outcome, error) { return f(ctx, e) }
