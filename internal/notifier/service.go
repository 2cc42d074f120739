package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ceremonybot/internal/eventbus"
	rtsup "ceremonybot/internal/runtime/supervisor"
	"ceremonybot/internal/transport"
	"ceremonybot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	historyMax  = 300
	sendTimeout = 10 * time.Second
)

type job struct {
	owner int64
	text  string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry.
//
// Each owner is pinned to one worker queue, so one owner's messages are
// delivered in the order they were queued even across retries.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queues   []chan job // one per worker
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "notifier")),
		bus:    bus,
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the worker supervisor, nil when not started.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the rate and retry settings. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	s.cfg = cfg
	// burst = rate per sec so short spikes pass without queueing
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. It is a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queues != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	workers := s.cfg.Workers
	// queue_size bounds the whole pipeline; each worker gets its share
	perWorker := max(1, (s.cfg.QueueSize+workers-1)/workers)
	s.queues = make([]chan job, workers)
	for i := range s.queues {
		s.queues[i] = make(chan job, perWorker)
	}
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// delivery is best effort; a failing worker must not cancel its peers
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	queues := s.queues
	s.mu.Unlock()

	for i, q := range queues {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	queues := s.queues
	sup := s.sup
	if queues == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// in-flight enqueues must finish before the queue closes
		s.sendWG.Wait()
		for _, q := range queues {
			close(q)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queues = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("notifier drain timed out, dropping queued messages", logx.Int("queued", queuedLen(queues)))
		sup.Cancel()
	}
}

// Notify enqueues text for owner. It never waits for delivery.
func (s *Service) Notify(ctx context.Context, owner int64, text string) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queues == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queues[shardOf(owner, len(s.queues))]
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- job{owner: owner, text: text}:
		s.publish(EventQueued, NotificationEvent{Owner: owner})
		return nil
	default:
		s.publish(EventDropped, NotificationEvent{Owner: owner, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// shardOf pins owner to a worker. Chat ids may be negative.
func shardOf(owner int64, n int) int {
	return int(uint64(owner) % uint64(n))
}

func queuedLen(queues []chan job) int {
	n := 0
	for _, q := range queues {
		n += len(q)
	}
	return n
}

// History returns recently delivered messages, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(owner int64, text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Owner: owner, Text: text})
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	if sender == nil {
		return
	}
	log := s.log.With(logx.Int64("owner", j.owner))
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}

		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := sender.SendText(callCtx, transport.ChatTarget{ChatID: j.owner}, j.text, nil)
		cancel()
		if err == nil {
			s.appendHistory(j.owner, j.text)
			s.publish(EventSent, NotificationEvent{Owner: j.owner, Attempts: attempt})
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	log.Warn("notification dropped", logx.Err(lastErr), logx.Int("attempts", maxAttempts))
	s.publish(EventFailed, NotificationEvent{Owner: j.owner, Attempts: maxAttempts, Error: lastErr.Error()})
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// retryDelay is the wait before attempt+1: base * 2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
