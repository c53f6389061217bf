// Package storage persists modbot state.
//
// It holds:
//   - Pending deferred actions (timed unmutes), one per kind+subject
//   - An append-only audit trail of moderation actions
//
// Two drivers exist: "file" (a single JSON document plus a JSONL audit log)
// and "sqlite".
package storage
