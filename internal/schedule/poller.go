package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"modbot/internal/eventbus"
	logx "modbot/pkg/logx"
)

// ErrBusy is returned by Tick when another tick is still running.
var ErrBusy = errors.New("schedule: tick already running")

const (
	defaultInterval     = time.Second
	defaultApplyTimeout = 10 * time.Second
)

// Result is published on the bus for every entry a tick resolved or gave up on.
type Result struct {
	Entry    Entry
	Outcome  Outcome
	Err      error
	Failures int
}

// TickStats summarizes one tick.
type TickStats struct {
	Due     int
	Removed int
	Kept    int
}

// Option configures a Poller.
type Option func(*Poller)

func WithLogger(log logx.Logger) Option { return func(p *Poller) { p.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(p *Poller) { p.bus = bus } }

// WithInterval sets the tick interval. Non-positive values keep the default.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithApplyTimeout bounds each Executor.Apply call.
func WithApplyTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.applyTimeout = d
		}
	}
}

// WithAlertAfter sets how many consecutive failures of one entry escalate from
// WARN to ERROR and a TypeScheduleStuck event. 0 disables escalation.
func WithAlertAfter(n int) Option { return func(p *Poller) { p.alertAfter = n } }

// WithClock replaces time.Now; tests use it to drive due times.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

// Poller applies due entries on a fixed interval. Ticks never overlap: a tick
// that would start while the previous one is still running is skipped.
//
// An entry leaves the store only after Apply reports OutcomeApplied or
// OutcomeAlreadyGone. Anything else keeps it for the next tick.
type Poller struct {
	store Store
	exec  Executor
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu           sync.Mutex
	interval     time.Duration
	applyTimeout time.Duration
	alertAfter   int
	c            *cron.Cron
	entryID      cron.EntryID
	runCtx       context.Context

	ticking atomic.Bool

	fmu      sync.Mutex
	failures map[Key]int
}

func NewPoller(store Store, exec Executor, opts ...Option) *Poller {
	p := &Poller{
		store:        store,
		exec:         exec,
		log:          logx.Nop(),
		now:          time.Now,
		interval:     defaultInterval,
		applyTimeout: defaultApplyTimeout,
		failures:     map[Key]int{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	p.log = p.log.With(logx.String("comp", "poller"))
	return p
}

// Start begins ticking until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return
	}
	cl := cronLogger{log: p.log}
	p.runCtx = ctx
	p.c = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	p.entryID = p.c.Schedule(everySchedule{every: p.interval}, cron.FuncJob(p.runTick))
	p.c.Start()
	p.log.Info("poller started", logx.Duration("interval", p.interval))
}

// Stop halts the ticker and waits for a running tick to finish.
func (p *Poller) Stop(ctx context.Context) {
	p.mu.Lock()
	c := p.c
	p.c = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		p.log.Warn("poller stop timed out; tick still running")
	}
	p.log.Info("poller stopped")
}

// SetInterval changes the tick interval of a running poller.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d == p.interval {
		return
	}
	p.interval = d
	if p.c != nil {
		p.c.Remove(p.entryID)
		p.entryID = p.c.Schedule(everySchedule{every: d}, cron.FuncJob(p.runTick))
	}
	p.log.Info("poller interval changed", logx.Duration("interval", d))
}

// SetAlertAfter changes the escalation threshold.
func (p *Poller) SetAlertAfter(n int) {
	p.mu.Lock()
	p.alertAfter = n
	p.mu.Unlock()
}

// SetApplyTimeout changes the per-entry Apply deadline.
func (p *Poller) SetApplyTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.applyTimeout = d
	p.mu.Unlock()
}

func (p *Poller) runTick() {
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := p.Tick(ctx); err != nil && !errors.Is(err, ErrBusy) && ctx.Err() == nil {
		p.log.Warn("tick failed", logx.Err(err))
	}
}

// Tick runs one scan: every entry due at now is applied, and resolved entries
// are removed. Per-entry failures are logged and kept; only a store read error
// is returned.
func (p *Poller) Tick(ctx context.Context) (TickStats, error) {
	if !p.ticking.CompareAndSwap(false, true) {
		return TickStats{}, ErrBusy
	}
	defer p.ticking.Store(false)

	p.mu.Lock()
	timeout := p.applyTimeout
	alertAfter := p.alertAfter
	p.mu.Unlock()

	due, err := p.store.DueEntries(ctx, p.now())
	if err != nil {
		return TickStats{}, fmt.Errorf("load due entries: %w", err)
	}
	stats := TickStats{Due: len(due)}
	p.pruneFailures(due)

	for _, e := range due {
		if ctx.Err() != nil {
			stats.Kept += len(due) - stats.Removed - stats.Kept
			break
		}
		out, applyErr := p.apply(ctx, e, timeout)
		l := p.log.With(logx.String("kind", string(e.Kind)), logx.String("subject", e.Subject))

		if out.Done() {
			// A failed Remove leaves the entry for the next tick; Apply is
			// idempotent, so the repeat resolves as AlreadyGone.
			if err := p.store.Remove(ctx, e.Key()); err != nil {
				l.Warn("remove after apply failed", logx.String("outcome", out.String()), logx.Err(err))
				stats.Kept++
				continue
			}
			p.clearFailures(e.Key())
			stats.Removed++
			l.Info("deferred action resolved", logx.String("outcome", out.String()),
				logx.Duration("late", p.now().Sub(e.DueAt)))
			p.publish(eventbus.TypeScheduleApplied, Result{Entry: e, Outcome: out})
			continue
		}

		stats.Kept++
		n := p.bumpFailures(e.Key())
		if alertAfter > 0 && n >= alertAfter {
			l.Error("deferred action keeps failing", logx.Int("failures", n), logx.Err(applyErr))
			if n == alertAfter {
				p.publish(eventbus.TypeScheduleStuck, Result{Entry: e, Outcome: out, Err: applyErr, Failures: n})
			}
		} else {
			l.Warn("deferred action failed; will retry", logx.Int("failures", n), logx.Err(applyErr))
		}
	}
	return stats, nil
}

func (p *Poller) apply(ctx context.Context, e Entry, timeout time.Duration) (out Outcome, err error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			out, err = OutcomeTransient, fmt.Errorf("apply panic: %v", r)
		}
	}()
	return p.exec.Apply(actx, e)
}

func (p *Poller) publish(typ string, r Result) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: r})
}

func (p *Poller) bumpFailures(k Key) int {
	p.fmu.Lock()
	defer p.fmu.Unlock()
	p.failures[k]++
	return p.failures[k]
}

func (p *Poller) clearFailures(k Key) {
	p.fmu.Lock()
	delete(p.failures, k)
	p.fmu.Unlock()
}

// pruneFailures forgets counters for entries that are no longer due
// (cancelled or rescheduled).
func (p *Poller) pruneFailures(due []Entry) {
	p.fmu.Lock()
	defer p.fmu.Unlock()
	if len(p.failures) == 0 {
		return
	}
	live := make(map[Key]struct{}, len(due))
	for _, e := range due {
		live[e.Key()] = struct{}{}
	}
	for k := range p.failures {
		if _, ok := live[k]; !ok {
			delete(p.failures, k)
		}
	}
}

// Failures returns the consecutive failure count for k.
func (p *Poller) Failures(k Key) int {
	p.fmu.Lock()
	defer p.fmu.Unlock()
	return p.failures[k]
}

// everySchedule fires at a fixed delay. cron's ConstantDelaySchedule rounds
// to whole seconds, which is too coarse for sub-second ticks.
type everySchedule struct{ every time.Duration }

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

// cronLogger routes cron's own messages (skipped runs, recovered panics)
// through logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	// cron logs "wake"/"run"/"added" on every tick at Info.
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
