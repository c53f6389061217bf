package discord

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"modbot/internal/moderation"
)

// classify wraps a discordgo error with the moderation sentinel it maps to.
// Unknown-entity codes and 404 are ErrNotFound; missing access/permissions
// and 403 are ErrForbidden; everything else (5xx, timeouts, 429 after
// discordgo's own retries) is ErrTransient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, sentinelFor(err), err)
}

func sentinelFor(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return moderation.ErrTransient
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMember,
			discordgo.ErrCodeUnknownRole,
			discordgo.ErrCodeUnknownUser,
			discordgo.ErrCodeUnknownChannel,
			discordgo.ErrCodeUnknownMessage:
			return moderation.ErrNotFound
		case discordgo.ErrCodeMissingAccess,
			discordgo.ErrCodeMissingPermissions:
			return moderation.ErrForbidden
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return moderation.ErrNotFound
		case http.StatusForbidden, http.StatusUnauthorized:
			return moderation.ErrForbidden
		}
	}
	return moderation.ErrTransient
}
