package moderation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad command input. No state was changed.
	ErrValidation = errors.New("invalid input")
	// ErrForbidden means the platform denied the call (missing permission or
	// role hierarchy).
	ErrForbidden = errors.New("forbidden by platform")
	// ErrNotFound means the member, role or channel does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotMuted is the no-op report of unmute on a member without the role.
	ErrNotMuted = errors.New("member is not muted")
	// ErrTransient is a network or rate-limit failure worth retrying.
	ErrTransient = errors.New("platform unavailable")
)

var (
	ErrTargetIsBot  = fmt.Errorf("%w: target is the bot", ErrValidation)
	ErrTargetIsSelf = fmt.Errorf("%w: target is the invoker", ErrValidation)
	ErrNoTarget     = fmt.Errorf("%w: no target given", ErrValidation)
)

// DurationError reports a malformed mute duration.
type DurationError struct {
	Input  string
	Reason string
}

func (e *DurationError) Error() string {
	return fmt.Sprintf("invalid duration %q: %s", e.Input, e.Reason)
}

func (e *DurationError) Unwrap() error { return ErrValidation }

// CountError reports a purge count outside (0, MaxPurge).
type CountError struct {
	Count int
}

func (e *CountError) Error() string {
	return fmt.Sprintf("purge count %d out of range (1..%d)", e.Count, MaxPurge-1)
}

func (e *CountError) Unwrap() error { return ErrValidation }
