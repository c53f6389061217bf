// Package modcommands binds the moderation service to chat commands.
package modcommands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"modbot/internal/moderation"
	"modbot/internal/schedule"
	"modbot/internal/transport/router"
	logx "modbot/pkg/logx"
)

// Moderator is the part of *moderation.Service the commands drive.
type Moderator interface {
	Ban(ctx context.Context, inv moderation.Invocation, target, reason string) error
	Mute(ctx context.Context, inv moderation.Invocation, target, rawDuration, reason string) (time.Time, error)
	Unmute(ctx context.Context, inv moderation.Invocation, target string) error
	Purge(ctx context.Context, inv moderation.Invocation, count int, reason string) (int, error)
	Knight(ctx context.Context, inv moderation.Invocation, target string) error
	Pending(ctx context.Context) ([]schedule.Entry, error)
}

var _ Moderator = (*moderation.Service)(nil)

type handlers struct {
	mod Moderator
}

// Commands returns the moderation command set. Every command requires the
// moderator role.
func Commands(mod Moderator) []router.Command {
	h := &handlers{mod: mod}
	return []router.Command{
		{
			Name:        "pban",
			Aliases:     []string{"exile"},
			Description: "permanently ban a user",
			Usage:       "pban <user> [reason]",
			Access:      router.AccessModerator,
			Handle:      h.ban,
		},
		{
			Name:        "mute",
			Aliases:     muteAliases(),
			Description: "mute a user for a while",
			Usage:       "mute <user> [duration] [reason]",
			Access:      router.AccessModerator,
			Handle:      h.mute,
		},
		{
			Name:        "unmute",
			Aliases:     []string{"pardon"},
			Description: "lift a mute now",
			Usage:       "unmute <user>",
			Access:      router.AccessModerator,
			Handle:      h.unmute,
		},
		{
			Name:        "purge",
			Aliases:     []string{"yeetmsg"},
			Description: "delete recent messages in this channel",
			Usage:       "purge <count> [reason]",
			Access:      router.AccessModerator,
			Timeout:     2 * time.Minute,
			Handle:      h.purge,
		},
		{
			Name:        "knight",
			Aliases:     []string{"devify"},
			Description: "give a user the moderator role",
			Usage:       "knight <user>",
			Access:      router.AccessModerator,
			Handle:      h.knight,
		},
		{
			Name:        "mutes",
			Description: "list pending unmutes",
			Usage:       "mutes",
			Access:      router.AccessModerator,
			Handle:      h.mutes,
		},
	}
}

// muteAliases are sh, shh, ... up to nine h's, plus shut.
func muteAliases() []string {
	out := make([]string, 0, 10)
	for i := 1; i <= 9; i++ {
		out = append(out, "s"+strings.Repeat("h", i))
	}
	return append(out, "shut")
}

func invocation(req *router.Request) moderation.Invocation {
	return moderation.Invocation{
		RequestID: req.ReqID,
		ActorID:   req.Message.AuthorID,
		ChannelID: req.Message.ChannelID,
	}
}

// target resolves the first argument as a user mention or id.
func target(req *router.Request) (string, bool) {
	if len(req.Args) == 0 {
		return "", false
	}
	return router.UserID(req.Args[0])
}

func (h *handlers) ban(ctx context.Context, req *router.Request) error {
	uid, ok := target(req)
	if !ok {
		return req.Reply(ctx, "Who should I ban? Mention a user.")
	}
	err := h.mod.Ban(ctx, invocation(req), uid, req.Rest(1))
	if err != nil {
		return replyErr(ctx, req, "ban", uid, err)
	}
	return req.Reply(ctx, "Successfully banned "+moderation.Mention(uid)+".")
}

func (h *handlers) mute(ctx context.Context, req *router.Request) error {
	uid, ok := target(req)
	if !ok {
		return req.Reply(ctx, "Who should I mute? Mention a user.")
	}
	var dur, reason string
	if len(req.Args) > 1 {
		dur = req.Args[1]
		reason = req.Rest(2)
	}
	due, err := h.mod.Mute(ctx, invocation(req), uid, dur, reason)
	if err != nil {
		return replyErr(ctx, req, "mute", uid, err)
	}
	return req.Reply(ctx, fmt.Sprintf("Muted %s until <t:%d:R>.", moderation.Mention(uid), due.Unix()))
}

func (h *handlers) unmute(ctx context.Context, req *router.Request) error {
	uid, ok := target(req)
	if !ok {
		return req.Reply(ctx, "Who should I unmute? Mention a user.")
	}
	if err := h.mod.Unmute(ctx, invocation(req), uid); err != nil {
		return replyErr(ctx, req, "unmute", uid, err)
	}
	return req.Reply(ctx, "Successfully unmuted "+moderation.Mention(uid)+".")
}

func (h *handlers) purge(ctx context.Context, req *router.Request) error {
	count := 0
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil {
			return req.Reply(ctx, "Please purge between 0 and 200 messages.")
		}
		count = n
	}
	n, err := h.mod.Purge(ctx, invocation(req), count, req.Rest(1))
	if err != nil {
		return replyErr(ctx, req, "purge", "", err)
	}
	return req.Reply(ctx, fmt.Sprintf("Purged %d messages.", n))
}

func (h *handlers) knight(ctx context.Context, req *router.Request) error {
	uid, ok := target(req)
	if !ok {
		return req.Reply(ctx, "Who should I knight? Mention a user.")
	}
	if err := h.mod.Knight(ctx, invocation(req), uid); err != nil {
		if errors.Is(err, moderation.ErrForbidden) {
			_ = req.Reply(ctx, "Could not make "+moderation.Mention(uid)+" a moderator!")
			return err
		}
		return replyErr(ctx, req, "knight", uid, err)
	}
	return req.Reply(ctx, "Knighted "+moderation.Mention(uid)+".")
}

func (h *handlers) mutes(ctx context.Context, req *router.Request) error {
	entries, err := h.mod.Pending(ctx)
	if err != nil {
		return replyErr(ctx, req, "list", "", err)
	}
	if len(entries) == 0 {
		return req.Reply(ctx, "Nobody is muted.")
	}
	var b strings.Builder
	b.WriteString("**Pending unmutes**\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s <t:%d:R>\n", moderation.Mention(e.Subject), e.DueAt.Unix())
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

// replyErr answers the invoker with a short explanation of err and returns
// err so the request log records the failure.
func replyErr(ctx context.Context, req *router.Request, verb, uid string, err error) error {
	if e := req.Reply(ctx, errorText(verb, uid, err)); e != nil {
		req.Logger.Debug("error reply failed", logx.Err(e))
	}
	return err
}

func errorText(verb, uid string, err error) string {
	var (
		durErr   *moderation.DurationError
		countErr *moderation.CountError
	)
	switch {
	case errors.Is(err, moderation.ErrTargetIsBot):
		return "You can't " + verb + " me!"
	case errors.Is(err, moderation.ErrTargetIsSelf):
		return "You can't " + verb + " yourself!"
	case errors.Is(err, moderation.ErrNoTarget):
		return "Mention a user to " + verb + "."
	case errors.As(err, &durErr):
		return "`" + durErr.Input + "` is not a duration. Use something like `30s`, `10m`, `2h`, `1d` or `1w`."
	case errors.As(err, &countErr):
		return "Please purge between 0 and 200 messages."
	case errors.Is(err, moderation.ErrNotMuted):
		return "This user is already unmuted!"
	case errors.Is(err, moderation.ErrForbidden):
		if verb == "mute" {
			return "I have no permissions to make a muted role"
		}
		return "I don't have permission to " + verb + " that user."
	case errors.Is(err, moderation.ErrNotFound):
		if uid != "" {
			return moderation.Mention(uid) + " is not in this server."
		}
		return "Not found."
	case errors.Is(err, context.DeadlineExceeded):
		return "That took too long. Try again."
	default:
		return "Something went wrong, try again later."
	}
}
