package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ceremonybot/internal/monitor"
	"ceremonybot/internal/remote"
	"ceremonybot/internal/storage"
	"ceremonybot/internal/tokens"
	"ceremonybot/internal/transport"
	"ceremonybot/pkg/logx"
)

type sent struct {
	chat   int64
	edit   bool
	text   string
	markup bool
}

type fakeAdapter struct {
	mu      sync.Mutex
	out     []sent
	answers []string
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{chat: to.ChatID, text: text, markup: opt != nil && opt.ReplyMarkup != nil})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.out)}, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, sent{chat: ref.ChatID, edit: true, text: text, markup: opt != nil && opt.ReplyMarkup != nil})
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, id+"="+text)
	return nil
}

func (f *fakeAdapter) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

type fakeMonitor struct {
	mu         sync.Mutex
	running    map[int64]bool
	startErr   error
	reconciles int
}

func (m *fakeMonitor) Start(_ context.Context, owner int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return 0, m.startErr
	}
	if m.running[owner] {
		return 0, monitor.ErrAlreadyRunning
	}
	m.running[owner] = true
	return 1, nil
}

func (m *fakeMonitor) Stop(_ context.Context, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running[owner] {
		return monitor.ErrNotRunning
	}
	delete(m.running, owner)
	return nil
}

func (m *fakeMonitor) Reconcile(context.Context, int64) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciles++
	return 1, 0, nil
}

func (m *fakeMonitor) Running(owner int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[owner]
}

type fakePoller struct {
	behind map[string]string // token -> raw JSON body of position
	panics bool
}

func (p fakePoller) Poll(_ context.Context, ep remote.Endpoint, token string) remote.Response {
	if p.panics {
		panic("poller exploded")
	}
	body := `{"status":"up"}`
	if ep == remote.EndpointPosition {
		raw, ok := p.behind[token]
		if !ok {
			return remote.Response{}
		}
		body = raw
	}
	r, _ := remote.Decode([]byte(body))
	return r
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *fakeAudit) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
	return nil
}

type harness struct {
	bot     *Bot
	adapter *fakeAdapter
	monitor *fakeMonitor
	tokens  *tokens.Store
	audit   *fakeAudit
	updates chan transport.Update
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, poller monitor.Poller, cfg Config) *harness {
	t.Helper()
	h := &harness{
		adapter: &fakeAdapter{},
		monitor: &fakeMonitor{running: map[int64]bool{}},
		tokens:  tokens.NewStore(),
		audit:   &fakeAudit{},
		updates: make(chan transport.Update),
		done:    make(chan struct{}),
	}
	if poller == nil {
		poller = fakePoller{}
	}
	h.bot = New(Deps{
		Adapter: h.adapter,
		Tokens:  h.tokens,
		Monitor: h.monitor,
		Poller:  poller,
		Audit:   h.audit,
		Log:     logx.Nop(),
	}, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.bot.Run(ctx, h.updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

const owner = int64(1001)

func (h *harness) text(s string) {
	h.updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{
		ID: 1, ChatID: owner, FromID: owner, Text: s, IsPrivate: true,
	}}
}

func (h *harness) click(a Action, idx int) {
	h.updates <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{
		ID: "cb", FromID: owner, ChatID: owner, MessageID: 7, Data: a.Data(idx),
	}}
}

// next waits for the n-th outbound message (1-based).
func (h *harness) next(t *testing.T, n int) sent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if out := h.adapter.messages(); len(out) >= n {
			return out[n-1]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no message #%d, have %+v", n, h.adapter.messages())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCallbackDataRoundTrip(t *testing.T) {
	for a := range actionNames {
		data := a.Data(3)
		if len(data) > 64 {
			t.Fatalf("%v: data too long", a)
		}
		got, idx, err := ParseCallback(data)
		if err != nil || got != a {
			t.Fatalf("%q: got %v %v", data, got, err)
		}
		if a.Indexed() && idx != 3 {
			t.Fatalf("%q: idx=%d", data, idx)
		}
	}
	for _, bad := range []string{"", "m", "x:main", "m:nope", "m:rm", "m:ti:abc"} {
		if _, _, err := ParseCallback(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}

func TestDescribeInterval(t *testing.T) {
	cases := map[string]string{
		"":            "every 5 minutes",
		"1m":          "every minute",
		"@every 90s":  "every 90 seconds",
		"2h":          "every 2 hours",
		"1500ms":      "every 1.5s",
		"*/5 * * * *": "on schedule */5 * * * *",
	}
	for in, want := range cases {
		if got := describeInterval(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestStartCommandShowsMainMenu(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.text("/start@ceremony_bot")
	m := h.next(t, 1)
	if m.edit || m.text != textMainMenu || !m.markup {
		t.Fatalf("got %+v", m)
	}
}

func TestAddTokensConversation(t *testing.T) {
	h := newHarness(t, nil, Config{})

	// plain text outside the conversation is ignored
	h.text("stray")
	h.click(ActionAddTokens, 0)
	if m := h.next(t, 1); !m.edit || !strings.HasPrefix(m.text, "📥 Send tokens") {
		t.Fatalf("prompt=%+v", m)
	}
	h.text("tok_aaaaaaaa\n\n  tok_bbbbbbbb  \n")
	m := h.next(t, 2)
	if m.text != "✅ Added 2 tokens\nTotal: 2" || !m.markup {
		t.Fatalf("added=%+v", m)
	}
	if got := h.tokens.List(owner); len(got) != 2 || got[1] != "tok_bbbbbbbb" {
		t.Fatalf("tokens=%v", got)
	}

	// conversation ended: more text is ignored, /cancel too
	h.text("tok_cccccccc")
	h.text("/cancel")
	h.text("/start")
	if m := h.next(t, 3); m.text != textMainMenu {
		t.Fatalf("expected only the menu, got %+v", h.adapter.messages())
	}
	if h.tokens.Count(owner) != 2 {
		t.Fatalf("stray text was added")
	}
}

func TestAddTokensEmptyAndCancel(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.click(ActionAddTokens, 0)
	h.next(t, 1)
	h.text("   \n  ")
	if m := h.next(t, 2); m.text != textNoValid {
		t.Fatalf("got %+v", m)
	}
	h.click(ActionAddTokens, 0)
	h.next(t, 3)
	h.text("/cancel")
	if m := h.next(t, 4); m.text != textCancelled {
		t.Fatalf("got %+v", m)
	}
	if h.tokens.Count(owner) != 0 {
		t.Fatalf("tokens added")
	}
}

func TestRemoveToken(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.tokens.Add(owner, "tok_111111", "tok_222222")

	h.click(ActionRemoveToken, 5)
	if m := h.next(t, 1); m.text != textInvalidPick {
		t.Fatalf("got %+v", m)
	}
	if h.tokens.Count(owner) != 2 {
		t.Fatalf("invalid index modified the list")
	}
	h.click(ActionRemoveToken, 0)
	if m := h.next(t, 2); m.text != "✅ Removed token: …111111" {
		t.Fatalf("got %+v", m)
	}
	if got := h.tokens.List(owner); len(got) != 1 || got[0] != "tok_222222" {
		t.Fatalf("tokens=%v", got)
	}
	h.audit.mu.Lock()
	n := len(h.audit.entries)
	h.audit.mu.Unlock()
	if n != 1 {
		t.Fatalf("audit entries=%d", n)
	}
}

func TestEmptyPickMenus(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.click(ActionRemoveMenu, 0)
	if m := h.next(t, 1); m.text != textNoRemove {
		t.Fatalf("got %+v", m)
	}
	h.click(ActionInfoMenu, 0)
	if m := h.next(t, 2); m.text != textNoView {
		t.Fatalf("got %+v", m)
	}
}

func TestTokenEditReconcilesRunningSession(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.tokens.Add(owner, "tok_111111")
	h.click(ActionStartMonitoring, 0)
	h.next(t, 1)

	h.click(ActionAddTokens, 0)
	h.next(t, 2)
	h.text("tok_222222")
	h.next(t, 3)
	h.monitor.mu.Lock()
	n := h.monitor.reconciles
	h.monitor.mu.Unlock()
	if n != 1 {
		t.Fatalf("reconciles=%d", n)
	}
}

func TestMonitoringControls(t *testing.T) {
	h := newHarness(t, nil, Config{Interval: "10m"})
	h.click(ActionStopMonitoring, 0)
	if m := h.next(t, 1); m.text != textNotRunning {
		t.Fatalf("got %+v", m)
	}
	h.click(ActionStartMonitoring, 0)
	if m := h.next(t, 2); m.text != "🚀 Started monitoring - updates every 10 minutes" {
		t.Fatalf("got %+v", m)
	}
	h.click(ActionStartMonitoring, 0)
	if m := h.next(t, 3); m.text != textRunning {
		t.Fatalf("got %+v", m)
	}
	h.click(ActionStopMonitoring, 0)
	if m := h.next(t, 4); m.text != textStopped {
		t.Fatalf("got %+v", m)
	}

	h.monitor.mu.Lock()
	h.monitor.startErr = monitor.ErrNoTokens
	h.monitor.mu.Unlock()
	h.click(ActionStartMonitoring, 0)
	if m := h.next(t, 5); m.text != textNoTokens {
		t.Fatalf("got %+v", m)
	}

	h.monitor.mu.Lock()
	h.monitor.startErr = errors.New("boom")
	h.monitor.mu.Unlock()
	h.click(ActionStartMonitoring, 0)
	if m := h.next(t, 6); m.text != textFailed {
		t.Fatalf("got %+v", m)
	}
}

func TestPositionReport(t *testing.T) {
	p := fakePoller{behind: map[string]string{
		"tok_aaaaaa1": `{"behind":12}`,
		"tok_bbbbbb2": `{"other":true}`,
	}}
	h := newHarness(t, p, Config{PositionConcurrency: 2})

	h.click(ActionPosition, 0)
	if m := h.next(t, 1); m.text != textNoTokens || m.edit {
		t.Fatalf("got %+v", m)
	}

	h.tokens.Add(owner, "tok_aaaaaa1", "tok_bbbbbb2", "tok_cccccc3")
	h.click(ActionPosition, 0)
	want := "📊 Current Positions:\n• …aaaaa1: 12\n• …bbbbb2: Unavailable\n• …ccccc3: Error"
	if m := h.next(t, 2); m.text != want || m.edit {
		t.Fatalf("got %q want %q", m.text, want)
	}
}

func TestTokenInfo(t *testing.T) {
	p := fakePoller{behind: map[string]string{"tok_abcdef": `{"behind":"3"}`}}
	h := newHarness(t, p, Config{})
	h.tokens.Add(owner, "tok_abcdef")

	h.click(ActionTokenInfo, 0)
	want := "🔐 Token: …abcdef\n🟢 Status: Up\n📌 Position: 3"
	if m := h.next(t, 1); m.text != want || !m.edit {
		t.Fatalf("got %+v", m)
	}
	h.click(ActionTokenInfo, 1)
	if m := h.next(t, 2); m.text != textInvalidPick {
		t.Fatalf("got %+v", m)
	}
}

func TestHandlerPanicIsReported(t *testing.T) {
	h := newHarness(t, fakePoller{panics: true}, Config{})
	h.tokens.Add(owner, "tok_abcdef")
	h.click(ActionPosition, 0)
	if m := h.next(t, 1); m.text != textFailed {
		t.Fatalf("got %+v", m)
	}
	// the worker pool survives
	h.text("/start")
	if m := h.next(t, 2); m.text != textMainMenu {
		t.Fatalf("got %+v", m)
	}
}

func TestAllowlist(t *testing.T) {
	h := newHarness(t, nil, Config{AllowedUserIDs: []int64{42}})
	h.text("/start")
	if m := h.next(t, 1); m.text != textNotAllowed {
		t.Fatalf("got %+v", m)
	}
	h.bot.Apply(Config{AllowedUserIDs: []int64{42, owner}})
	h.text("/start")
	if m := h.next(t, 2); m.text != textMainMenu {
		t.Fatalf("got %+v", m)
	}
}
