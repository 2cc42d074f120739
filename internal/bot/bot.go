// Package bot is the Telegram command layer: the /start menu tree, the
// token entry conversation and the monitoring controls.
//
// Updates are routed on the dispatcher goroutine and handled on a bounded
// worker pool. Every handler runs behind panic recovery, request logging and
// a per-request timeout.
package bot

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ceremonybot/internal/monitor"
	rtsup "ceremonybot/internal/runtime/supervisor"
	"ceremonybot/internal/storage"
	"ceremonybot/internal/transport"
	"ceremonybot/pkg/logx"
)

// TokenStore is the token list mutation interface.
type TokenStore interface {
	Add(owner int64, tokens ...string) int
	Remove(owner int64, index int) (string, error)
	List(owner int64) []string
}

// Monitor controls monitoring sessions.
type Monitor interface {
	Start(ctx context.Context, owner int64) (int, error)
	Stop(ctx context.Context, owner int64) error
	Reconcile(ctx context.Context, owner int64) (added, removed int, err error)
	Running(owner int64) bool
}

// Auditor records operator commands.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Config struct {
	Workers             int
	QueueSize           int
	RequestTimeout      time.Duration
	PositionConcurrency int

	// AllowedUserIDs restricts access. Empty allows everyone.
	AllowedUserIDs []int64

	// Interval is the raw monitor.interval, shown when monitoring starts.
	Interval string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.PositionConcurrency <= 0 {
		c.PositionConcurrency = 4
	}
	return c
}

type Deps struct {
	Adapter transport.Adapter
	Tokens  TokenStore
	Monitor Monitor
	Poller  monitor.Poller
	Audit   Auditor // optional
	Log     logx.Logger
}

// Request is one routed update.
type Request struct {
	Update   transport.Update
	Chat     transport.ChatTarget
	FromID   int64
	Username string
	Command  string
	Action   Action
	Index    int
	Text     string
	ReqID    string
	Logger   logx.Logger

	// Ref is the message a callback came from; handlers edit it in place.
	Ref *transport.MessageRef
}

type actionHandler func(ctx context.Context, req *Request) error

type Bot struct {
	deps Deps
	log  logx.Logger

	cfg     atomic.Pointer[Config]
	allowed atomic.Pointer[map[int64]struct{}]

	pending *pendingInputs
	actions map[Action]actionHandler

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	jobs    chan func()
}

func New(deps Deps, cfg Config) *Bot {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	b := &Bot{
		deps:    deps,
		log:     deps.Log.With(logx.String("comp", "bot")),
		pending: newPendingInputs(),
	}
	b.actions = map[Action]actionHandler{
		ActionMainMenu:        b.handleMainMenu,
		ActionTokens:          b.handleTokenMenu,
		ActionAddTokens:       b.handleAddTokens,
		ActionRemoveMenu:      b.handleRemoveMenu,
		ActionRemoveToken:     b.handleRemoveToken,
		ActionInfoMenu:        b.handleInfoMenu,
		ActionTokenInfo:       b.handleTokenInfo,
		ActionPosition:        b.handlePosition,
		ActionStartMonitoring: b.handleStartMonitoring,
		ActionStopMonitoring:  b.handleStopMonitoring,
		ActionAbout:           b.handleAbout,
	}
	b.Apply(cfg)
	return b
}

// Apply swaps the runtime settings. Workers and QueueSize take effect on
// the next Run.
func (b *Bot) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	allowed := make(map[int64]struct{}, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	b.cfg.Store(&cfg)
	b.allowed.Store(&allowed)
}

func (b *Bot) config() Config { return *b.cfg.Load() }

func (b *Bot) isAllowed(id int64) bool {
	allowed := *b.allowed.Load()
	if len(allowed) == 0 {
		return true
	}
	_, ok := allowed[id]
	return ok
}

// Supervisor returns the dispatcher's worker supervisor (nil if not running).
func (b *Bot) Supervisor() *rtsup.Supervisor {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return nil
	}
	return b.sup
}

func (b *Bot) setSupervisor(sup *rtsup.Supervisor, running bool) {
	b.runMu.Lock()
	b.sup = sup
	b.running = running
	b.runMu.Unlock()
}

// tryEnqueue is panic-safe against the jobs channel being closed.
func (b *Bot) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case b.jobs <- fn:
		return true
	default:
		return false
	}
}

var menuCommands = []transport.BotCommand{
	{Command: "start", Description: "Open the main menu"},
	{Command: "cancel", Description: "Cancel the current operation"},
}

// Run dispatches updates until ctx is cancelled or updates is closed.
func (b *Bot) Run(ctx context.Context, updates <-chan transport.Update) error {
	cfg := b.config()

	sup := rtsup.New(ctx,
		rtsup.WithLogger(b.log),
		rtsup.WithCancelOnError(false),
	)
	jobs := make(chan func(), cfg.QueueSize)
	b.runMu.Lock()
	b.jobs = jobs
	b.runMu.Unlock()
	b.setSupervisor(sup, true)

	b.log.Info("command dispatcher started", logx.Int("workers", cfg.Workers), logx.Int("job_queue_cap", cfg.QueueSize))

	if up, ok := b.deps.Adapter.(transport.CommandMenuUpdater); ok {
		sup.Go("telegram.menu.update", func(c context.Context) error {
			cctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(cctx, menuCommands); err != nil {
				b.log.Warn("menu commands update failed", logx.Err(err))
			}
			return nil
		})
	}

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								b.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		b.setSupervisor(sup, false)
		b.runMu.Lock()
		close(jobs)
		b.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		sup.Cancel()
		b.setSupervisor(nil, false)
		b.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(ctx, up)
		}
	}
}

func (b *Bot) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		b.routeMessage(ctx, up)
	case transport.UpdateCallback:
		b.routeCallback(ctx, up)
	}
}

func (b *Bot) newRequest(up transport.Update, chat int64, from int64, username, command string) *Request {
	rid := uuid.NewString()
	return &Request{
		Update:   up,
		Chat:     transport.ChatTarget{ChatID: chat},
		FromID:   from,
		Username: username,
		Command:  command,
		ReqID:    rid,
		Logger: b.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}

func (b *Bot) routeMessage(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	cmd := commandWord(text)

	// an unknown command or plain text outside the token conversation is ignored
	var h HandlerFunc
	switch {
	case cmd == "start":
		h = b.handleStart
	case cmd == "cancel":
		if !b.pending.active(msg.FromID) {
			return
		}
		h = b.handleCancel
	case cmd == "" && b.pending.active(msg.FromID):
		h = b.handleTokenInput
		cmd = "tokens.input"
	default:
		return
	}

	if !b.isAllowed(msg.FromID) {
		b.log.Debug("message from unlisted user", logx.Int64("from_id", msg.FromID))
		_, _ = b.deps.Adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID}, textNotAllowed, nil)
		return
	}

	req := b.newRequest(up, msg.ChatID, msg.FromID, msg.FromUsername, cmd)
	req.Text = text
	b.enqueue(ctx, req, h, func() {
		_, _ = b.deps.Adapter.SendText(ctx, req.Chat, textBusy, nil)
	})
}

func (b *Bot) routeCallback(ctx context.Context, up transport.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	action, idx, err := ParseCallback(cb.Data)
	if err != nil {
		b.log.Debug("ignoring callback", logx.String("data", cb.Data), logx.Err(err))
		_ = b.deps.Adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if !b.isAllowed(cb.FromID) {
		_ = b.deps.Adapter.AnswerCallback(ctx, cb.ID, "forbidden")
		return
	}
	handle := b.actions[action]

	req := b.newRequest(up, cb.ChatID, cb.FromID, "", "cb:"+action.String())
	req.Action = action
	req.Index = idx
	req.Ref = &transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}

	h := func(ctx context.Context, r *Request) error {
		// any other menu action ends the token conversation
		if action != ActionAddTokens {
			b.pending.clear(r.FromID)
		}
		return handle(ctx, r)
	}
	b.enqueue(ctx, req, h, func() {
		_ = b.deps.Adapter.AnswerCallback(ctx, cb.ID, "busy")
	})
}

func (b *Bot) enqueue(ctx context.Context, req *Request, h HandlerFunc, busy func()) {
	final := Chain(h,
		MWPanicRecover(b.log),
		MWRequestLog(b.log),
		MWTimeout(b.config().RequestTimeout),
	)
	job := func() {
		err := final(ctx, req)
		if req.Update.Kind == transport.UpdateCallback {
			// stop the client's loading indicator
			_ = b.deps.Adapter.AnswerCallback(ctx, req.Update.Callback.ID, "")
		}
		if err != nil && ctx.Err() == nil {
			_, _ = b.deps.Adapter.SendText(ctx, req.Chat, textFailed, nil)
		}
	}
	if !b.tryEnqueue(job) {
		busy()
	}
}

// commandWord returns the command in "/cmd@bot args", or "" for plain text.
func commandWord(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	word := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word)
}

// pendingInputs tracks owners asked to send tokens.
type pendingInputs struct {
	mu    sync.Mutex
	since map[int64]time.Time
}

func newPendingInputs() *pendingInputs {
	return &pendingInputs{since: map[int64]time.Time{}}
}

func (p *pendingInputs) set(owner int64) {
	p.mu.Lock()
	p.since[owner] = time.Now()
	p.mu.Unlock()
}

func (p *pendingInputs) active(owner int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.since[owner]
	return ok
}

// clear ends owner's pending input and reports when it began.
func (p *pendingInputs) clear(owner int64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	since, ok := p.since[owner]
	delete(p.since, owner)
	return since, ok
}
