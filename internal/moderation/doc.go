// Package moderation implements the moderator commands (ban, mute, unmute,
// purge, knight) against an abstract chat Platform, and the RoleRemover
// executor the schedule poller uses to lift expired mutes.
//
// Platform adapters report failures with the sentinels in errors.go so the
// service can tell a forbidden call from a vanished member or a flaky
// network.
package moderation
