// Package schedule runs deferred actions (timed unmutes) when they fall due.
//
// The moving parts are injected so they can be faked in tests:
//   - Store persists pending entries (one per kind+subject)
//   - Executor performs the side effect and reports an Outcome
//   - Poller ties them together on a fixed, non-overlapping tick
//
// An entry is removed only after its action was applied or found already
// satisfied; transient failures keep it for the next tick.
package schedule
