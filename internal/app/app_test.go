package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"ceremonybot/internal/config"
	"ceremonybot/internal/remote"
	"ceremonybot/pkg/logx"
)

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc"},
		Remote:   config.RemoteConfig{BaseURL: "https://status.example.com"},
	}
}

func TestValidate_DefaultsAccepted(t *testing.T) {
	if err := validate(baseConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidate_RejectsBadInterval(t *testing.T) {
	cfg := baseConfig()
	cfg.Monitor.Interval = "every now and then"
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "monitor.interval") {
		t.Fatalf("expected monitor.interval error, got %v", err)
	}
}

func TestValidate_CollectsEveryError(t *testing.T) {
	cfg := baseConfig()
	cfg.Remote.RetryDelay = "soon"
	cfg.Bot.RequestTimeout = "-1s"
	err := validate(cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"remote.retry_delay", "bot.request_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestMapComponents_ReturnsMapperErrors(t *testing.T) {
	c, err := mapComponents(baseConfig())
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if c.pollTimeout != defaultPollTimeout || c.storage.Driver != "none" || !c.notifier.Enabled {
		t.Fatalf("defaults: got %+v", c)
	}

	cases := map[string]func(*config.Config){
		"telegram.poll_timeout": func(c *config.Config) { c.Telegram.PollTimeout = "later" },
		"remote.retry_delay":    func(c *config.Config) { c.Remote.RetryDelay = "soon" },
		"monitor.interval":      func(c *config.Config) { c.Monitor.Interval = "every now and then" },
		"bot.request_timeout":   func(c *config.Config) { c.Bot.RequestTimeout = "-1s" },
	}
	for field, breakIt := range cases {
		cfg := baseConfig()
		breakIt(cfg)
		if _, err := mapComponents(cfg); err == nil || !strings.Contains(err.Error(), field) {
			t.Fatalf("%s: expected error, got %v", field, err)
		}
	}
	if _, err := mapComponents(nil); err == nil {
		t.Fatalf("nil config accepted")
	}
}

func TestMapRemoteConfig_RetryDelay(t *testing.T) {
	cfg := baseConfig()
	rc, err := mapRemoteConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if rc.RetryDelay != remote.DefaultRetryDelay {
		t.Fatalf("default retry delay: got %v", rc.RetryDelay)
	}
	if rc.MaxAttempts != remote.DefaultMaxAttempts {
		t.Fatalf("default attempts: got %d", rc.MaxAttempts)
	}

	cfg.Remote.RetryDelay = "0s"
	rc, err = mapRemoteConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if rc.RetryDelay != 0 {
		t.Fatalf("explicit zero delay not kept: got %v", rc.RetryDelay)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	cfg := baseConfig()
	n, err := mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !n.Enabled || n.RetryMax != defaultNotifyRetryMax {
		t.Fatalf("omitted section: got %+v", n)
	}

	cfg.Notifier = &config.NotifierConfig{Enabled: false, RetryBase: "250ms", RetryMax: 5}
	n, err = mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if n.Enabled || n.RetryBase != 250*time.Millisecond || n.RetryMax != 5 {
		t.Fatalf("explicit section: got %+v", n)
	}

	cfg.Notifier.Workers = -1
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatalf("negative workers accepted")
	}
}

func TestMapMonitorSettings(t *testing.T) {
	cfg := baseConfig()
	cfg.Monitor.Interval = "90s"
	cfg.Monitor.StopTimeout = "3s"
	off := false
	cfg.Monitor.ConcurrentProbes = &off

	st, err := mapMonitorSettings(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := st.Schedule.Next(now).Sub(now); got != 90*time.Second {
		t.Fatalf("schedule step: got %v", got)
	}
	if st.Concurrent || st.StopTimeout != 3*time.Second {
		t.Fatalf("settings: got %+v", st)
	}
}

func TestMapBotConfig_CarriesAllowlistAndInterval(t *testing.T) {
	cfg := baseConfig()
	cfg.Telegram.AllowedUserIDs = []int64{7, 9}
	cfg.Monitor.Interval = "10m"
	cfg.Bot.RequestTimeout = "45s"

	b, err := mapBotConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(b.AllowedUserIDs) != 2 || b.Interval != "10m" || b.RequestTimeout != 45*time.Second {
		t.Fatalf("got %+v", b)
	}
	cfg.Telegram.AllowedUserIDs[0] = 100
	if b.AllowedUserIDs[0] != 7 {
		t.Fatalf("allowlist aliases the config slice")
	}
}

func TestMapStorageConfig(t *testing.T) {
	cfg := baseConfig()
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "none" {
		t.Fatalf("omitted storage: %+v %v", sc, err)
	}
	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: "/tmp/x.db", BusyTimeout: "2s"}
	sc, err = mapStorageConfig(cfg)
	if err != nil || sc.BusyTimeout != 2*time.Second || sc.Path != "/tmp/x.db" {
		t.Fatalf("sqlite storage: %+v %v", sc, err)
	}
}

func TestReasonFromSignal(t *testing.T) {
	cases := map[os.Signal]StopReason{
		os.Interrupt:    StopSIGINT,
		syscall.SIGTERM: StopSIGTERM,
		nil:             StopUnknown,
	}
	for sig, want := range cases {
		if got := ReasonFromSignal(sig); got != want {
			t.Fatalf("%v: got %q want %q", sig, got, want)
		}
	}
}

func TestSwapPoller_UsesNewestClient(t *testing.T) {
	newServer := func(body string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		}))
	}
	a := newServer(`{"status":"a"}`)
	defer a.Close()
	b := newServer(`{"status":"b"}`)
	defer b.Close()

	mk := func(url string) *remote.Client {
		c, err := remote.New(remote.Config{BaseURL: url, MaxAttempts: 1}, logx.Nop())
		if err != nil {
			t.Fatalf("remote.New: %v", err)
		}
		return c
	}

	p := newSwapPoller(mk(a.URL))
	ctx := context.Background()
	if s, _ := p.Poll(ctx, remote.EndpointPing, "tok").String("status"); s != "a" {
		t.Fatalf("first client: got %q", s)
	}
	old := p.Swap(mk(b.URL))
	old.CloseIdleConnections()
	if s, _ := p.Poll(ctx, remote.EndpointPing, "tok").String("status"); s != "b" {
		t.Fatalf("swapped client: got %q", s)
	}
}
