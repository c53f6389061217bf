package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Message) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                      { return nil }
func (f *fakeAdapter) SelfID() string                                  { return "bot" }

func (f *fakeAdapter) SendText(_ context.Context, channelID, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, channelID+": "+text)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func modMsg(text string) kit.Message {
	return kit.Message{ID: "m1", ChannelID: "c1", AuthorID: "a1", AuthorRoleNames: []string{"Cat Devs"}, Text: text}
}

func newTestManager(t *testing.T, opt Options) (*Manager, *fakeAdapter, *[]*Request) {
	t.Helper()
	ad := &fakeAdapter{}
	m := NewManager(logx.Nop(), ad, opt)
	var got []*Request
	m.SetRegistry([]Command{
		{
			Name:    "mute",
			Aliases: []string{"sh", "shh", "shut"},
			Access:  AccessModerator,
			Handle: func(_ context.Context, req *Request) error {
				got = append(got, req)
				return nil
			},
		},
		{
			Name: "boom",
			Handle: func(context.Context, *Request) error {
				panic("kaboom")
			},
		},
	})
	return m, ad, &got
}

func TestRoutesPrefixAndAliases(t *testing.T) {
	t.Parallel()
	m, _, got := newTestManager(t, Options{ModeratorRole: "Cat Devs"})
	ctx := context.Background()

	assert.True(t, m.Handle(ctx, modMsg("!mute <@42> 10m spamming links")))
	assert.True(t, m.Handle(ctx, modMsg("  !SHH <@42>")))
	assert.True(t, m.Handle(ctx, modMsg("!shut 42 1h \"quoted reason\"")))
	assert.False(t, m.Handle(ctx, modMsg("mute <@42>")))
	assert.False(t, m.Handle(ctx, modMsg("!unknown")))
	assert.False(t, m.Handle(ctx, modMsg("!")))

	require.Len(t, *got, 3)
	r := (*got)[0]
	assert.Equal(t, "mute", r.Command)
	assert.Equal(t, []string{"<@42>", "10m", "spamming", "links"}, r.Args)
	assert.Equal(t, "spamming links", r.Rest(2))
	assert.Equal(t, "10m spamming links", r.Rest(1))
	assert.Equal(t, "", r.Rest(9))
	assert.NotEmpty(t, r.ReqID)

	assert.Equal(t, "quoted reason", (*got)[2].Rest(2))
}

func TestCustomPrefix(t *testing.T) {
	t.Parallel()
	m, _, got := newTestManager(t, Options{Prefix: "?", ModeratorRole: "Cat Devs"})
	assert.False(t, m.Handle(context.Background(), modMsg("!mute 1")))
	assert.True(t, m.Handle(context.Background(), modMsg("?mute 1")))
	assert.Len(t, *got, 1)
}

func TestModeratorGate(t *testing.T) {
	t.Parallel()
	m, ad, got := newTestManager(t, Options{ModeratorRole: "Cat Devs"})
	msg := modMsg("!mute 42")
	msg.AuthorRoleNames = []string{"Members"}

	assert.False(t, m.Handle(context.Background(), msg))
	assert.Empty(t, *got)
	assert.Equal(t, []string{"c1: You need the `Cat Devs` role to use this command."}, ad.replies())
}

func TestBotsIgnored(t *testing.T) {
	t.Parallel()
	m, _, got := newTestManager(t, Options{ModeratorRole: "Cat Devs"})
	msg := modMsg("!mute 42")
	msg.AuthorBot = true
	assert.False(t, m.Handle(context.Background(), msg))
	assert.Empty(t, *got)
}

func TestUserRateLimit(t *testing.T) {
	t.Parallel()
	m, ad, got := newTestManager(t, Options{ModeratorRole: "Cat Devs", UserRatePerSec: 0.001, UserBurst: 2})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		m.Handle(ctx, modMsg("!mute 42"))
	}
	assert.Len(t, *got, 2)
	assert.Contains(t, ad.replies(), "c1: Slow down a little.")

	// Another user has their own bucket.
	other := modMsg("!mute 42")
	other.AuthorID = "a2"
	assert.True(t, m.Handle(ctx, other))

	// Disabling the limiter lets a1 through again.
	m.Apply(Options{ModeratorRole: "Cat Devs"})
	assert.True(t, m.Handle(ctx, modMsg("!mute 42")))
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Options{})
	assert.NotPanics(t, func() { m.Handle(context.Background(), modMsg("!boom")) })
}

func TestHelp(t *testing.T) {
	t.Parallel()
	m, ad, _ := newTestManager(t, Options{ModeratorRole: "Cat Devs"})
	ctx := context.Background()
	m.Handle(ctx, modMsg("!help"))
	m.Handle(ctx, modMsg("!help shh"))
	m.Handle(ctx, modMsg("!help nope"))

	r := ad.replies()
	require.Len(t, r, 3)
	assert.Contains(t, r[0], "`!mute`")
	assert.Contains(t, r[0], "`!help`")
	assert.Contains(t, r[1], "Moderators only.")
	assert.Contains(t, r[2], "Unknown command")
}

func TestDispatchLoopRunsJobs(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewManager(logx.Nop(), ad, Options{})
	done := make(chan string, 1)
	m.SetRegistry([]Command{{
		Name: "ping",
		Handle: func(ctx context.Context, req *Request) error {
			done <- req.Message.AuthorID
			return req.Reply(ctx, "pong")
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan kit.Message, 1)
	loopErr := make(chan error, 1)
	go func() { loopErr <- m.DispatchLoop(ctx, msgs) }()

	msgs <- modMsg("!ping")
	select {
	case who := <-done:
		assert.Equal(t, "a1", who)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not run")
	}
	cancel()
	require.NoError(t, <-loopErr)
}

func TestMiddlewareTimeout(t *testing.T) {
	t.Parallel()
	h := Chain(func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, MWTimeout(10*time.Millisecond))
	err := h(context.Background(), &Request{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestUserID(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"<@123>": "123", "<@!456>": "456", "789": "789"} {
		got, ok := UserID(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"", "<@>", "<#123>", "bob", "<@12a>"} {
		_, ok := UserID(in)
		assert.False(t, ok, in)
	}
}

func TestTokenizeKeepsApostrophes(t *testing.T) {
	t.Parallel()
	toks := tokenize(`a "b c" don't`)
	texts := make([]string, 0, len(toks))
	for _, tk := range toks {
		texts = append(texts, tk.text)
	}
	assert.Equal(t, []string{"a", "b c", "don't"}, texts)
}
