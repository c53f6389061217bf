package modlog

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"modbot/internal/eventbus"
	"modbot/internal/schedule"
	logx "modbot/pkg/logx"
)

var ErrQueueFull = errors.New("modlog queue full")

type Config struct {
	QueueSize  int
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
	// SendTimeout bounds a single sink call.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Line is a delivered (or attempted) mod-log line.
type Line struct {
	At    time.Time
	Text  string
	Sinks []string
}

// Service is an async mod-log pipeline: queue, one worker, a token bucket
// shared by all sinks, per-sink retry. Post never blocks.
type Service struct {
	log logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sinks   []Sink
	queue   chan string
	done    chan struct{}
	cancel  context.CancelFunc

	hmu     sync.Mutex
	history []Line
}

func New(cfg Config, log logx.Logger, sinks ...Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:     log.With(logx.String("comp", "modlog")),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		sinks:   sinks,
	}
}

// SetSinks replaces the sinks; lines already queued go to the new set.
func (s *Service) SetSinks(sinks ...Sink) {
	s.mu.Lock()
	s.sinks = sinks
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.queue = make(chan string, s.cfg.QueueSize)
	s.done = make(chan struct{})
	s.cancel = cancel
	go s.worker(runCtx, s.queue, s.done)
}

// Stop closes intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, done, cancel := s.queue, s.done, s.cancel
	s.queue = nil
	s.mu.Unlock()
	if q == nil {
		return
	}
	close(q)
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("modlog stop timed out; dropping queued lines", logx.Int("queued", len(q)))
	}
	cancel()
}

// Post queues line for delivery. It implements moderation.ModLog.
func (s *Service) Post(_ context.Context, line string) {
	if err := s.Enqueue(line); err != nil {
		s.log.Warn("mod-log line dropped", logx.String("line", line), logx.Err(err))
	}
}

func (s *Service) Enqueue(line string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return errors.New("modlog not running")
	}
	select {
	case s.queue <- line:
		return nil
	default:
		return ErrQueueFull
	}
}

// History returns the most recent lines, oldest first.
func (s *Service) History() []Line {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Line(nil), s.history...)
}

func (s *Service) appendHistory(l Line) {
	s.hmu.Lock()
	s.history = append(s.history, l)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) worker(ctx context.Context, q <-chan string, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in modlog worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	for line := range q {
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, line)
	}
}

func (s *Service) deliver(ctx context.Context, line string) {
	s.mu.Lock()
	cfg := s.cfg
	sinks := append([]Sink(nil), s.sinks...)
	s.mu.Unlock()

	rec := Line{At: time.Now(), Text: line}
	for _, sink := range sinks {
		if err := s.sendWithRetry(ctx, cfg, sink, line); err != nil {
			s.log.Warn("mod-log send failed", logx.String("sink", sink.Name()), logx.Err(err))
			continue
		}
		rec.Sinks = append(rec.Sinks, sink.Name())
	}
	s.appendHistory(rec)
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, sink Sink, line string) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := cfg.RetryBase << (attempt - 1)
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sink.Send(callCtx, line)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("mod-log send attempt failed", logx.String("sink", sink.Name()), logx.Int("attempt", attempt+1), logx.Err(err))
	}
	return lastErr
}

// Watch posts lines for poller events until ctx is done: automatic unmutes
// and entries that keep failing.
func (s *Service) Watch(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if line := formatEvent(ev); line != "" {
				s.Post(ctx, line)
			}
		}
	}
}

func formatEvent(ev eventbus.Event) string {
	r, ok := ev.Data.(schedule.Result)
	if !ok || r.Entry.Kind != schedule.KindUnmute {
		return ""
	}
	who := "<@" + r.Entry.Subject + ">"
	switch ev.Type {
	case eventbus.TypeScheduleApplied:
		if r.Outcome == schedule.OutcomeAlreadyGone {
			return fmt.Sprintf("Mute of %s expired (role already removed or member left).", who)
		}
		return fmt.Sprintf("Automatically unmuted %s.", who)
	case eventbus.TypeScheduleStuck:
		return fmt.Sprintf("Could not unmute %s after %d attempts: %v", who, r.Failures, r.Err)
	}
	return ""
}
