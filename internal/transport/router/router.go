package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "modbot/internal/runtime/supervisor"
	kit "modbot/internal/transport"
	logx "modbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessModerator requires the configured moderator role.
	AccessModerator
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// Request is one command invocation.
type Request struct {
	Message kit.Message
	Command string
	// Args are the tokens after the command word.
	Args  []string
	ReqID string

	Logger logx.Logger

	raw    string
	tokens []token // tokens of raw, Args[i] == tokens[i+1].text
	send   func(ctx context.Context, channelID, text string) error
}

// Rest returns the raw text after the first n args, trimmed. A single
// double-quoted remainder is unquoted.
func (r *Request) Rest(n int) string {
	idx := n // tokens[0] is the command word
	if idx >= len(r.tokens) {
		return ""
	}
	rest := strings.TrimSpace(r.raw[r.tokens[idx].end:])
	if len(r.tokens) == idx+2 && strings.HasPrefix(rest, `"`) && strings.HasSuffix(rest, `"`) {
		return r.tokens[idx+1].text
	}
	return rest
}

// Reply posts text in the invoking channel.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.send == nil {
		return nil
	}
	return r.send(ctx, r.Message.ChannelID, text)
}

// Options are the hot-reloadable router settings.
type Options struct {
	Prefix         string
	ModeratorRole  string
	CommandTimeout time.Duration
	UserRatePerSec float64
	UserBurst      int
}

// Manager parses prefixed messages, checks access and runs handlers on a
// bounded worker pool.
type Manager struct {
	mu    sync.RWMutex
	cmds  map[string]*Command // name and aliases -> command
	names []string            // canonical names, sorted
	opt   Options

	log     logx.Logger
	adapter kit.Adapter
	limits  *userLimiter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

func NewManager(log logx.Logger, adapter kit.Adapter, opt Options) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cmds:    map[string]*Command{},
		log:     log.With(logx.String("comp", "router")),
		adapter: adapter,
		limits:  newUserLimiter(),
		jobs:    make(chan func(), 256),
	}
	m.Apply(opt)
	return m
}

// Apply swaps options. Safe during hot-reload.
func (m *Manager) Apply(opt Options) {
	if strings.TrimSpace(opt.Prefix) == "" {
		opt.Prefix = "!"
	}
	m.mu.Lock()
	m.opt = opt
	m.mu.Unlock()
	m.limits.apply(opt.UserRatePerSec, opt.UserBurst)
}

func (m *Manager) options() Options {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opt
}

// SetRegistry replaces the command set. A help command is always added.
func (m *Manager) SetRegistry(cmds []Command) {
	helper := Command{
		Name:        "help",
		Description: "list commands",
		Usage:       "help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args))
		},
	}
	cmds = append(cmds, helper)

	table := map[string]*Command{}
	names := make([]string, 0, len(cmds))
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		cp := &c
		table[name] = cp
		names = append(names, name)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			if _, exists := table[a]; !exists {
				table[a] = cp
			}
		}
	}
	slices.Sort(names)

	m.mu.Lock()
	m.cmds = table
	m.names = names
	m.mu.Unlock()
}

// DispatchLoop routes messages until ctx is done or msgs is closed.
func (m *Manager) DispatchLoop(ctx context.Context, msgs <-chan kit.Message) error {
	workers := max(runtime.NumCPU(), 2)

	// Internal supervisor keeps the worker pool resilient and observable.
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		m.setSupervisor(nil, false)
		close(m.jobs)
		// Wait briefly for workers to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if run := m.route(ctx, msg); run != nil {
				if !m.tryEnqueue(run) {
					m.reply(ctx, msg.ChannelID, "Busy, try again in a moment.")
				}
			}
		}
	}
}

// Supervisor returns the dispatcher's supervisor (nil when not running).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup
}

func (m *Manager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

func (m *Manager) tryEnqueue(fn func()) bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return false
	}
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// Handle routes msg and runs the handler on the calling goroutine. It returns
// false when msg was not a command.
func (m *Manager) Handle(ctx context.Context, msg kit.Message) bool {
	run := m.route(ctx, msg)
	if run == nil {
		return false
	}
	run()
	return true
}

// route returns the job for msg, or nil when there is nothing to run.
// Access and rate denials are answered here.
func (m *Manager) route(ctx context.Context, msg kit.Message) func() {
	if msg.AuthorBot {
		return nil
	}
	opt := m.options()
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, opt.Prefix) {
		return nil
	}
	raw := strings.TrimSpace(text[len(opt.Prefix):])
	toks := tokenize(raw)
	if len(toks) == 0 {
		return nil
	}
	word := strings.ToLower(toks[0].text)

	m.mu.RLock()
	cmd, ok := m.cmds[word]
	m.mu.RUnlock()
	if !ok {
		// Unknown words are ignored; "!" is common in ordinary chat.
		return nil
	}

	if cmd.Access == AccessModerator && !slices.Contains(msg.AuthorRoleNames, opt.ModeratorRole) {
		m.log.Debug("command denied", logx.String("cmd", cmd.Name), logx.String("author_id", msg.AuthorID))
		m.reply(ctx, msg.ChannelID, "You need the `"+opt.ModeratorRole+"` role to use this command.")
		return nil
	}
	if !m.limits.allow(msg.AuthorID) {
		m.reply(ctx, msg.ChannelID, "Slow down a little.")
		return nil
	}

	args := make([]string, 0, len(toks)-1)
	for _, t := range toks[1:] {
		args = append(args, t.text)
	}
	rid := uuid.NewString()
	req := &Request{
		Message: msg,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.String("cmd", cmd.Name),
			logx.String("author_id", msg.AuthorID),
		),
		raw:    raw,
		tokens: toks,
		send:   m.sendFunc(),
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = opt.CommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	return func() { _ = final(ctx, req) }
}

func (m *Manager) sendFunc() func(ctx context.Context, channelID, text string) error {
	if m.adapter == nil {
		return nil
	}
	return m.adapter.SendText
}

func (m *Manager) reply(ctx context.Context, channelID, text string) {
	if m.adapter == nil {
		return
	}
	if err := m.adapter.SendText(ctx, channelID, text); err != nil {
		m.log.Debug("reply failed", logx.String("channel_id", channelID), logx.Err(err))
	}
}
