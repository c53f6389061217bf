// Package modlog delivers moderation log lines to one or more sinks (a
// Discord channel, an optional Telegram chat) through a bounded queue with
// rate limiting and retry, so a slow sink never stalls a command.
package modlog
