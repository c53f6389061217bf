package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"modbot/internal/moderation"
	rtsup "modbot/internal/runtime/supervisor"
	kit "modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Config struct {
	Token   string
	GuildID string
}

// Adapter is the discordgo session bound to one guild. It delivers guild
// messages to the router and implements moderation.Platform over REST.
type Adapter struct {
	cfg Config
	log logx.Logger
	s   *discordgo.Session

	out       atomic.Value // stores (chan<- kit.Message)
	selfID    atomic.Value // string
	ready     chan struct{}
	readyOnce sync.Once

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	removes []func()

	droppedMessages atomic.Uint64

	rmu       sync.Mutex
	roleNames map[string]string // role id -> name, refreshed on miss
	rolesAt   time.Time
}

var _ moderation.Platform = (*Adapter)(nil)
var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	if strings.TrimSpace(cfg.GuildID) == "" {
		return nil, errors.New("discord guild_id is empty")
	}
	s, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "discord")),
		s:         s,
		ready:     make(chan struct{}),
		roleNames: map[string]string{},
	}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.selfID.Store("")
	return a, nil
}

// SelfID returns the bot's user id once the gateway reported Ready.
func (a *Adapter) SelfID() string {
	id, _ := a.selfID.Load().(string)
	return id
}

// Ready is closed after the first Ready event, when SelfID is known.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Supervisor returns the adapter's supervisor (nil when not running).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	a.removes = append(a.removes,
		a.s.AddHandler(a.onReady),
		a.s.AddHandler(a.onMessage),
		a.s.AddHandler(a.onRoleChange),
	)
	if err := a.s.Open(); err != nil {
		for _, rm := range a.removes {
			rm()
		}
		a.removes = nil
		a.runMu.Unlock()
		return fmt.Errorf("open gateway: %w", err)
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// Periodic summary for dropped messages (avoid per-message log spam).
	sup.Go0("messages.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-ticker.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("session.close_on_cancel", func(c context.Context) {
		<-c.Done()
		// Stop waits for this supervisor; run it outside.
		go func() { _ = a.Stop(context.Background()) }()
	})
	a.log.Info("gateway connected", logx.String("guild_id", a.cfg.GuildID))
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.droppedMessages.Swap(0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	removes := a.removes
	a.removes = nil
	sup := a.sup
	a.sup = nil
	a.runMu.Unlock()

	for _, rm := range removes {
		rm()
	}
	err := a.s.Close()
	if sup != nil {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}
	a.log.Info("gateway closed")
	return err
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		a.selfID.Store(r.User.ID)
		a.readyOnce.Do(func() { close(a.ready) })
		a.log.Info("session ready", logx.String("user", r.User.Username), logx.String("user_id", r.User.ID))
	}
}

func (a *Adapter) onRoleChange(_ *discordgo.Session, _ *discordgo.GuildRoleUpdate) {
	a.rmu.Lock()
	a.rolesAt = time.Time{}
	a.rmu.Unlock()
}

func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.GuildID != a.cfg.GuildID {
		return
	}
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	msg := kit.Message{
		ID:         m.ID,
		GuildID:    m.GuildID,
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		AuthorBot:  m.Author.Bot,
		Text:       m.Content,
	}
	if m.Member != nil {
		if m.Member.Nick != "" {
			msg.AuthorName = m.Member.Nick
		}
		msg.AuthorRoleNames = a.namesFor(m.Member.Roles)
	}
	for _, u := range m.Mentions {
		if u != nil {
			msg.MentionIDs = append(msg.MentionIDs, u.ID)
		}
	}
	select {
	case out <- msg:
	default:
		a.droppedMessages.Add(1)
	}
}

// namesFor resolves role ids, refreshing the cache at most once a minute.
func (a *Adapter) namesFor(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	a.rmu.Lock()
	defer a.rmu.Unlock()
	missing := false
	for _, id := range ids {
		if _, ok := a.roleNames[id]; !ok {
			missing = true
			break
		}
	}
	if (missing || a.rolesAt.IsZero()) && time.Since(a.rolesAt) > time.Minute {
		if roles, err := a.s.GuildRoles(a.cfg.GuildID); err == nil {
			a.roleNames = make(map[string]string, len(roles))
			for _, r := range roles {
				a.roleNames[r.ID] = r.Name
			}
			a.rolesAt = time.Now()
		} else {
			a.log.Warn("refresh guild roles failed", logx.Err(err))
		}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n, ok := a.roleNames[id]; ok {
			out = append(out, n)
		}
	}
	return out
}

// ---- moderation.Platform ----

func (a *Adapter) GetRole(ctx context.Context, name string) (moderation.Role, error) {
	roles, err := a.s.GuildRoles(a.cfg.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return moderation.Role{}, classify("guild roles", err)
	}
	for _, r := range roles {
		if r.Name == name {
			return moderation.Role{ID: r.ID, Name: r.Name, Position: r.Position}, nil
		}
	}
	return moderation.Role{}, fmt.Errorf("role %q: %w", name, moderation.ErrNotFound)
}

func (a *Adapter) CreateRole(ctx context.Context, name string, allow moderation.Permission, reason string) (moderation.Role, error) {
	perms := toDiscord(allow)
	opts := []discordgo.RequestOption{discordgo.WithContext(ctx)}
	if reason != "" {
		opts = append(opts, discordgo.WithAuditLogReason(reason))
	}
	r, err := a.s.GuildRoleCreate(a.cfg.GuildID, &discordgo.RoleParams{Name: name, Permissions: &perms}, opts...)
	if err != nil {
		return moderation.Role{}, classify("create role", err)
	}
	return moderation.Role{ID: r.ID, Name: r.Name, Position: r.Position}, nil
}

func (a *Adapter) EditRolePosition(ctx context.Context, roleID string, position int) error {
	_, err := a.s.GuildRoleReorder(a.cfg.GuildID, []*discordgo.Role{{ID: roleID, Position: position}}, discordgo.WithContext(ctx))
	return classify("reorder role", err)
}

func (a *Adapter) Channels(ctx context.Context) ([]moderation.Channel, error) {
	chs, err := a.s.GuildChannels(a.cfg.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify("guild channels", err)
	}
	out := make([]moderation.Channel, 0, len(chs))
	for _, c := range chs {
		out = append(out, moderation.Channel{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

func (a *Adapter) SetChannelPermissions(ctx context.Context, channelID, roleID string, deny moderation.Permission) error {
	err := a.s.ChannelPermissionSet(channelID, roleID, discordgo.PermissionOverwriteTypeRole, 0, toDiscord(deny), discordgo.WithContext(ctx))
	return classify("set channel permissions", err)
}

func (a *Adapter) GetMember(ctx context.Context, userID string) (moderation.Member, error) {
	m, err := a.s.GuildMember(a.cfg.GuildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return moderation.Member{}, classify("get member", err)
	}
	out := moderation.Member{ID: userID, RoleIDs: append([]string(nil), m.Roles...)}
	if m.User != nil {
		out.Name = m.User.Username
		out.Bot = m.User.Bot
	}
	if m.Nick != "" {
		out.Name = m.Nick
	}
	return out, nil
}

func (a *Adapter) AddRole(ctx context.Context, userID, roleID string) error {
	return classify("add role", a.s.GuildMemberRoleAdd(a.cfg.GuildID, userID, roleID, discordgo.WithContext(ctx)))
}

func (a *Adapter) RemoveRole(ctx context.Context, userID, roleID string) error {
	return classify("remove role", a.s.GuildMemberRoleRemove(a.cfg.GuildID, userID, roleID, discordgo.WithContext(ctx)))
}

func (a *Adapter) Ban(ctx context.Context, userID, reason string) error {
	return classify("ban", a.s.GuildBanCreateWithReason(a.cfg.GuildID, userID, reason, 0, discordgo.WithContext(ctx)))
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	return a.SendText(ctx, channelID, text)
}

// SendText posts text, split into 2000-rune messages.
func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	for _, chunk := range splitText(text, messageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.s.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return classify("send message", err)
		}
	}
	return nil
}

// bulkDeleteMaxAge is the platform's cutoff for bulk deletion.
const bulkDeleteMaxAge = 14 * 24 * time.Hour

// PurgeMessages deletes up to limit recent messages. Messages younger than two
// weeks go through bulk delete in batches of 100; older ones one by one.
func (a *Adapter) PurgeMessages(ctx context.Context, channelID string, limit int) (int, error) {
	deleted := 0
	before := ""
	for deleted < limit {
		batch := min(limit-deleted, 100)
		msgs, err := a.s.ChannelMessages(channelID, batch, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return deleted, classify("list messages", err)
		}
		if len(msgs) == 0 {
			break
		}
		before = msgs[len(msgs)-1].ID

		var recent []string
		cutoff := time.Now().Add(-bulkDeleteMaxAge + time.Minute)
		for _, m := range msgs {
			if m.Timestamp.After(cutoff) {
				recent = append(recent, m.ID)
				continue
			}
			if err := a.s.ChannelMessageDelete(channelID, m.ID, discordgo.WithContext(ctx)); err != nil {
				return deleted, classify("delete message", err)
			}
			deleted++
		}
		switch len(recent) {
		case 0:
		case 1:
			if err := a.s.ChannelMessageDelete(channelID, recent[0], discordgo.WithContext(ctx)); err != nil {
				return deleted, classify("delete message", err)
			}
			deleted++
		default:
			if err := a.s.ChannelMessagesBulkDelete(channelID, recent, discordgo.WithContext(ctx)); err != nil {
				return deleted, classify("bulk delete", err)
			}
			deleted += len(recent)
		}
		if len(msgs) < batch {
			break
		}
	}
	return deleted, nil
}

func toDiscord(p moderation.Permission) int64 {
	var out int64
	if p&moderation.PermSendMessages != 0 {
		out |= discordgo.PermissionSendMessages
	}
	if p&moderation.PermSpeak != 0 {
		out |= discordgo.PermissionVoiceSpeak
	}
	if p&moderation.PermAddReactions != 0 {
		out |= discordgo.PermissionAddReactions
	}
	return out
}
