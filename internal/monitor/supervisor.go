// Package monitor runs the background status polling for each owner.
//
// A Supervisor keeps at most one session per owner. A session runs one
// worker per distinct token and owns the status cache those workers share.
// Start, Stop and Reconcile for the same owner are serialized by a per-owner
// lock; different owners never wait on each other.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"ceremonybot/internal/eventbus"
	rtsup "ceremonybot/internal/runtime/supervisor"
	"ceremonybot/internal/tokens"
	"ceremonybot/pkg/logx"
)

var (
	ErrAlreadyRunning = errors.New("monitoring already running")
	ErrNotRunning     = errors.New("monitoring not running")
	ErrNoTokens       = errors.New("no tokens registered")
)

const DefaultStopTimeout = 10 * time.Second

// TokenSource is read once per Start or Reconcile; workers keep the token
// they were spawned with.
type TokenSource interface {
	List(owner int64) []string
}

// Settings apply to sessions started after they are set.
type Settings struct {
	Schedule    cron.Schedule
	Concurrent  bool
	StopTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Schedule == nil {
		s.Schedule = Every(DefaultInterval)
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}
	return s
}

type Deps struct {
	Tokens   TokenSource
	Poller   Poller
	Notifier Notifier
	Bus      eventbus.Bus // optional
	Log      logx.Logger
	// Base parents every session; cancelling it stops all workers.
	Base context.Context
}

type Supervisor struct {
	deps     Deps
	log      logx.Logger
	settings atomic.Pointer[Settings]

	locksMu sync.Mutex
	locks   map[int64]*ownerLock

	mu       sync.Mutex
	sessions map[int64]*session
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

type session struct {
	id       string
	owner    int64
	started  time.Time
	settings Settings
	sup      *rtsup.Supervisor
	cache    *StatusCache
	log      logx.Logger

	// guarded by Supervisor.mu
	workers  map[string]*handle
	failed   map[string]bool
	stopping bool
}

type handle struct {
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionInfo is a read-only view of a running session.
type SessionInfo struct {
	Owner     int64
	ID        string
	StartedAt time.Time
	Tokens    []string // display form of the live workers
	Failed    int
}

func New(deps Deps, settings Settings) *Supervisor {
	if deps.Base == nil {
		deps.Base = context.Background()
	}
	s := &Supervisor{
		deps:     deps,
		log:      deps.Log.With(logx.String("comp", "monitor")),
		locks:    map[int64]*ownerLock{},
		sessions: map[int64]*session{},
	}
	s.SetSettings(settings)
	return s
}

func (s *Supervisor) SetSettings(st Settings) {
	st = st.withDefaults()
	s.settings.Store(&st)
}

func (s *Supervisor) Settings() Settings { return *s.settings.Load() }

func (s *Supervisor) lockOwner(owner int64) func() {
	s.locksMu.Lock()
	l := s.locks[owner]
	if l == nil {
		l = &ownerLock{}
		s.locks[owner] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, owner)
		}
		s.locksMu.Unlock()
	}
}

// Start spawns one worker per distinct token of owner and returns how many
// were spawned. It is a no-op returning ErrAlreadyRunning when a session
// exists, and ErrNoTokens when the owner has nothing to monitor.
func (s *Supervisor) Start(ctx context.Context, owner int64) (int, error) {
	unlock := s.lockOwner(owner)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	_, running := s.sessions[owner]
	s.mu.Unlock()
	if running {
		return 0, ErrAlreadyRunning
	}

	toks := distinct(s.deps.Tokens.List(owner))
	if len(toks) == 0 {
		return 0, ErrNoTokens
	}

	id := uuid.NewString()
	log := s.log.With(logx.Int64("owner", owner), logx.String("session", id))
	sess := &session{
		id:       id,
		owner:    owner,
		started:  time.Now(),
		settings: s.Settings(),
		sup:      rtsup.New(s.deps.Base, rtsup.WithLogger(log)),
		cache:    NewStatusCache(),
		log:      log,
		workers:  map[string]*handle{},
		failed:   map[string]bool{},
	}

	s.mu.Lock()
	s.sessions[owner] = sess
	for _, tok := range toks {
		s.spawnLocked(sess, tok)
	}
	s.mu.Unlock()

	log.Info("monitoring started", logx.Int("workers", len(toks)))
	s.publish(EventSessionStarted, SessionEvent{Owner: owner, SessionID: id, Workers: len(toks)})
	return len(toks), nil
}

// spawnLocked starts a worker for tok. Caller holds s.mu.
func (s *Supervisor) spawnLocked(sess *session, tok string) {
	ctx, cancel := context.WithCancel(sess.sup.Context())
	h := &handle{token: tok, cancel: cancel, done: make(chan struct{})}
	sess.workers[tok] = h

	short := tokens.Short(tok)
	w := &worker{
		owner:      sess.owner,
		token:      tok,
		poller:     s.deps.Poller,
		notifier:   s.deps.Notifier,
		cache:      sess.cache,
		schedule:   sess.settings.Schedule,
		concurrent: sess.settings.Concurrent,
		bus:        s.deps.Bus,
		log:        sess.log.With(logx.String("token", short)),
	}
	sess.sup.Go("worker:"+short, func(context.Context) error {
		defer close(h.done)
		defer cancel()
		err := w.run(ctx)
		s.workerExited(sess, h, err)
		return err
	})
}

// workerExited drops a finished worker. When the last worker of a session
// fails the session ends on its own.
func (s *Supervisor) workerExited(sess *session, h *handle, err error) {
	s.mu.Lock()
	if sess.workers[h.token] == h {
		delete(sess.workers, h.token)
	}
	if err != nil {
		sess.failed[h.token] = true
	}
	idle := err != nil && !sess.stopping && len(sess.workers) == 0 && s.sessions[sess.owner] == sess
	if idle {
		delete(s.sessions, sess.owner)
	}
	s.mu.Unlock()

	if idle {
		sess.sup.Cancel()
		sess.log.Warn("monitoring ended: every worker failed")
		s.publish(EventSessionStopped, SessionEvent{
			Owner: sess.owner, SessionID: sess.id, Reason: StopFailed, Uptime: time.Since(sess.started),
		})
	}
}

// Stop cancels every worker of owner's session, waits for them up to the
// stop timeout and discards the session with its cache. It is a no-op
// returning ErrNotRunning when there is no session.
func (s *Supervisor) Stop(ctx context.Context, owner int64) error {
	unlock := s.lockOwner(owner)
	defer unlock()
	return s.stopLocked(ctx, owner, StopRequested)
}

// stopLocked runs under the owner lock.
func (s *Supervisor) stopLocked(ctx context.Context, owner int64, reason string) error {
	s.mu.Lock()
	sess := s.sessions[owner]
	if sess == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	sess.stopping = true
	workers := len(sess.workers)
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, sess.settings.StopTimeout)
	err := sess.sup.Stop(wctx)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		sess.log.Warn("workers did not exit before stop timeout", logx.Int64("active", sess.sup.Counters().Active))
	}

	s.mu.Lock()
	if s.sessions[owner] == sess {
		delete(s.sessions, owner)
	}
	sess.workers = map[string]*handle{}
	s.mu.Unlock()

	uptime := time.Since(sess.started)
	sess.log.Info("monitoring stopped", logx.String("reason", reason), logx.Duration("uptime", uptime))
	s.publish(EventSessionStopped, SessionEvent{Owner: owner, SessionID: sess.id, Workers: workers, Reason: reason, Uptime: uptime})
	return nil
}

// Reconcile aligns a running session with the owner's current tokens:
// workers for new tokens are spawned and workers for removed tokens are
// cancelled. Tokens whose worker crashed stay stopped until the next Start.
// A session left with no tokens is stopped.
func (s *Supervisor) Reconcile(ctx context.Context, owner int64) (added, removed int, err error) {
	unlock := s.lockOwner(owner)
	defer unlock()

	want := distinct(s.deps.Tokens.List(owner))
	wantSet := make(map[string]bool, len(want))
	for _, t := range want {
		wantSet[t] = true
	}

	s.mu.Lock()
	sess := s.sessions[owner]
	if sess == nil {
		s.mu.Unlock()
		return 0, 0, ErrNotRunning
	}
	if len(want) == 0 {
		n := len(sess.workers)
		s.mu.Unlock()
		return 0, n, s.stopLocked(ctx, owner, StopNoTokens)
	}
	var gone []*handle
	for tok, h := range sess.workers {
		if !wantSet[tok] {
			delete(sess.workers, tok)
			gone = append(gone, h)
		}
	}
	for tok := range sess.failed {
		if !wantSet[tok] {
			delete(sess.failed, tok)
		}
	}
	for _, tok := range want {
		if sess.workers[tok] == nil && !sess.failed[tok] {
			s.spawnLocked(sess, tok)
			added++
		}
	}
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, sess.settings.StopTimeout)
	defer cancel()
	for _, h := range gone {
		h.cancel()
	}
	for _, h := range gone {
		select {
		case <-h.done:
		case <-wctx.Done():
			sess.log.Warn("removed worker still running after stop timeout", logx.String("token", tokens.Short(h.token)))
		}
		sess.cache.Forget(h.token)
	}
	if added > 0 || len(gone) > 0 {
		sess.log.Info("monitoring reconciled", logx.Int("added", added), logx.Int("removed", len(gone)))
	}
	return added, len(gone), nil
}

// StopAll stops every session concurrently.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	owners := make([]int64, 0, len(s.sessions))
	for owner := range s.sessions {
		owners = append(owners, owner)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, owner := range owners {
		g.Go(func() error {
			unlock := s.lockOwner(owner)
			defer unlock()
			if err := s.stopLocked(ctx, owner, StopShutdown); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) Running(owner int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[owner] != nil
}

// Workers counts live workers for owner.
func (s *Supervisor) Workers(owner int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[owner]; sess != nil {
		return len(sess.workers)
	}
	return 0
}

// LastStatus returns the cached observation of token in owner's session.
func (s *Supervisor) LastStatus(owner int64, token string) (Status, bool) {
	s.mu.Lock()
	sess := s.sessions[owner]
	s.mu.Unlock()
	if sess == nil {
		return Status{}, false
	}
	return sess.cache.Get(token)
}

// Snapshot lists running sessions ordered by owner.
func (s *Supervisor) Snapshot() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for owner, sess := range s.sessions {
		info := SessionInfo{Owner: owner, ID: sess.id, StartedAt: sess.started, Failed: len(sess.failed)}
		for tok := range sess.workers {
			info.Tokens = append(info.Tokens, tokens.Short(tok))
		}
		sort.Strings(info.Tokens)
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

func (s *Supervisor) publish(typ string, data any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func distinct(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
