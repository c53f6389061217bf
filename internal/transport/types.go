package transport

import "context"

// Message is an inbound guild text message, reduced to what the command
// router needs.
type Message struct {
	ID        string
	GuildID   string
	ChannelID string
	AuthorID  string
	// AuthorName is the display name (or username when unset).
	AuthorName string
	AuthorBot  bool
	// AuthorRoleNames lets the router check the moderator role without a
	// REST round trip.
	AuthorRoleNames []string
	// MentionIDs lists mentioned users in message order.
	MentionIDs []string
	Text       string
}

// Adapter is a chat connection. Start delivers guild messages to out until
// ctx is done or Stop is called.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	// SendText posts text to channelID. It also satisfies logx.Sender.
	SendText(ctx context.Context, channelID, text string) error
	// SelfID is the bot's own user id (empty before the session is ready).
	SelfID() string
}
