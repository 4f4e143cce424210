package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

var (
	ErrQueueFull     = errors.New("notifier queue full")
	ErrStopped       = errors.New("notifier stopped")
	ErrNoDestination = errors.New("notifier destination not configured")
)

type lane struct {
	target  kit.ChatTarget
	queue   chan string
	limiter *rate.Limiter
}

// Service fans lines out to per-chat lanes. It is safe for concurrent use.
type Service struct {
	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	mu        sync.Mutex
	cfg       Config
	lanes     map[kit.ChatTarget]*lane
	accepting bool
	sup       *rtsup.Supervisor

	dropped atomic.Uint64
	failed  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	s := &Service{adapter: adapter, log: log, bus: bus, lanes: map[kit.ChatTarget]*lane{}}
	s.cfg = withDefaults(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return cfg
}

// Apply swaps destinations and rates. Queue size changes only affect new lanes.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	for _, l := range s.lanes {
		l.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		l.limiter.SetBurst(cfg.Burst)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accepting {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.accepting = true
}

// Stop refuses new lines, lets lanes drain until ctx is done and then cancels them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	sup := s.sup
	for t, l := range s.lanes {
		close(l.queue)
		delete(s.lanes, t)
	}
	s.mu.Unlock()

	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier stop: lanes did not drain", logx.Err(err))
	}
}

// Send enqueues text for dest without blocking.
func (s *Service) Send(dest Destination, text string) error {
	return s.SendAll([]Message{{Dest: dest, Text: text}})
}

// SendAll enqueues msgs in order. Lines keep their relative order within each chat.
// Every message is attempted; the first error is returned.
func (s *Service) SendAll(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for _, m := range msgs {
		if err := s.enqueueLocked(m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *Service) enqueueLocked(m Message) error {
	if !s.accepting {
		return ErrStopped
	}
	target := s.resolveLocked(m.Dest)
	if target.IsZero() {
		s.log.Debug("notifier destination not configured", logx.String("destination", m.Dest.String()))
		return fmt.Errorf("%w: %s", ErrNoDestination, m.Dest)
	}

	l := s.lanes[target]
	if l == nil {
		l = &lane{
			target:  target,
			queue:   make(chan string, s.cfg.QueueSize),
			limiter: rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.Burst),
		}
		s.lanes[target] = l
		s.sup.Go0(fmt.Sprintf("lane.%d.%d", target.ChatID, target.ThreadID), func(ctx context.Context) {
			s.drain(ctx, l)
		})
	}

	select {
	case l.queue <- m.Text:
		return nil
	default:
		s.dropped.Add(1)
		s.publish(eventbus.NotifierDropped, m.Dest.String(), target, ErrQueueFull)
		s.log.Warn("notifier line dropped (queue full)", logx.String("destination", m.Dest.String()), logx.Int64("chat_id", target.ChatID))
		return ErrQueueFull
	}
}

func (s *Service) resolveLocked(d Destination) kit.ChatTarget {
	switch d.kind {
	case destMain:
		return s.cfg.Main
	case destAnnounce:
		return s.cfg.Announce
	default:
		return d.target
	}
}

// drain is the single worker of one lane.
func (s *Service) drain(ctx context.Context, l *lane) {
	s.mu.Lock()
	idle := s.cfg.IdleTimeout
	s.mu.Unlock()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-l.queue:
			if !ok {
				return
			}
			s.deliver(ctx, l, text)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case <-timer.C:
			// Retire under the lock so no Send can slip a line into a dead lane.
			s.mu.Lock()
			if len(l.queue) == 0 && s.lanes[l.target] == l {
				delete(s.lanes, l.target)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			timer.Reset(idle)
		}
	}
}

func (s *Service) deliver(ctx context.Context, l *lane, text string) {
	if err := l.limiter.Wait(ctx); err != nil {
		return
	}
	s.mu.Lock()
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	err := s.adapter.SendText(sctx, l.target, text, &kit.SendOptions{DisablePreview: true})
	cancel()
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("notifier send failed", logx.Int64("chat_id", l.target.ChatID), logx.Err(err))
		s.publish(eventbus.NotifierFailed, "", l.target, err)
		return
	}
	s.appendHistory(l.target.ChatID, text)
}

func (s *Service) publish(typ, dest string, t kit.ChatTarget, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := DeliveryEvent{Destination: dest, ChatID: t.ChatID, ThreadID: t.ThreadID, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// Stats is a point-in-time view for the status command.
type Stats struct {
	Lanes   int
	Queued  int
	Dropped uint64
	Failed  uint64
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{Lanes: len(s.lanes)}
	for _, l := range s.lanes {
		st.Queued += len(l.queue)
	}
	s.mu.Unlock()
	st.Dropped = s.dropped.Load()
	st.Failed = s.failed.Load()
	return st
}

// History returns recently delivered lines, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(chatID int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: chatID, Text: text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}
