package storage

import (
	"errors"
	"time"
)

var (
	// ErrCorrupt marks a schedule document that could not be decoded. Reads
	// treat it as empty; the next write replaces it.
	ErrCorrupt = errors.New("storage: corrupt schedule document")
	// ErrIO marks a schedule document that exists but could not be read.
	// Nothing is written while it persists.
	ErrIO = errors.New("storage: schedule read failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON document at Path, audit log next to it
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records one moderation action.
type AuditEntry struct {
	At        time.Time `json:"at"`
	RequestID string    `json:"request_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Action    string    `json:"action"`
	Subject   string    `json:"subject,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
}
