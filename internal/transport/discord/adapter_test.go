package discord

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"

	"modbot/internal/moderation"
)

func restErr(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status, Status: http.StatusText(status)},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "x"},
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unknown member", restErr(http.StatusNotFound, discordgo.ErrCodeUnknownMember), moderation.ErrNotFound},
		{"unknown role", restErr(http.StatusNotFound, discordgo.ErrCodeUnknownRole), moderation.ErrNotFound},
		{"plain 404", restErr(http.StatusNotFound, 0), moderation.ErrNotFound},
		{"missing permissions", restErr(http.StatusForbidden, discordgo.ErrCodeMissingPermissions), moderation.ErrForbidden},
		{"plain 403", restErr(http.StatusForbidden, 0), moderation.ErrForbidden},
		{"server error", restErr(http.StatusBadGateway, 0), moderation.ErrTransient},
		{"network", errors.New("dial tcp: i/o timeout"), moderation.ErrTransient},
	}
	for _, tt := range tests {
		err := classify("op", tt.err)
		assert.ErrorIs(t, err, tt.want, tt.name)
		assert.ErrorIs(t, err, tt.err, tt.name)
	}
	assert.NoError(t, classify("op", nil))
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 15) + "\n" + strings.Repeat("b", 15)
	parts := splitText(long, 20)
	assert.Equal(t, []string{strings.Repeat("a", 15), strings.Repeat("b", 15)}, parts)

	for _, p := range splitText(strings.Repeat("x", 4500), messageLimit) {
		assert.LessOrEqual(t, len([]rune(p)), messageLimit)
	}
}

func TestToDiscord(t *testing.T) {
	t.Parallel()
	got := toDiscord(moderation.PermSuppressed)
	assert.Equal(t, int64(discordgo.PermissionSendMessages|discordgo.PermissionVoiceSpeak|discordgo.PermissionAddReactions), got)
	assert.Zero(t, toDiscord(0))
}
