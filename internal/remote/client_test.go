package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ceremonybot/pkg/logx"
)

func newTestClient(t *testing.T, url string, attempts int, delay time.Duration) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: url, MaxAttempts: attempts, RetryDelay: delay, RequestTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestPollStopsAfterExactlyNAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		resp := newTestClient(t, srv.URL, n, time.Millisecond).Ping(context.Background(), "tok_aaa111111")
		srv.Close()
		if resp.Available() {
			t.Fatalf("n=%d: expected unavailable", n)
		}
		if got := atomic.LoadInt32(&hits); got != int32(n) {
			t.Fatalf("attempts=%d want %d", got, n)
		}
	}
}

func TestPollNoRetryOnSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/ceremony/ping" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok_aaa111111" {
			t.Errorf("authorization=%q", got)
		}
		if r.Header.Get("User-Agent") != DefaultUserAgent || r.Header.Get("Accept") != "application/json" {
			t.Errorf("headers=%v", r.Header)
		}
		_, _ = w.Write([]byte(`{"status":"up"}`))
	}))
	defer srv.Close()

	resp := newTestClient(t, srv.URL, 3, time.Millisecond).Ping(context.Background(), "tok_aaa111111")
	if s, ok := resp.String("status"); !ok || s != "up" {
		t.Fatalf("status=%q ok=%v", s, ok)
	}
	if hits != 1 {
		t.Fatalf("hits=%d want 1", hits)
	}
}

func TestPollRetriesUndecodableBody(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			_, _ = w.Write([]byte(`not json`))
			return
		}
		_, _ = w.Write([]byte(`{"behind":"12"}`))
	}))
	defer srv.Close()

	resp := newTestClient(t, srv.URL, 3, time.Millisecond).Position(context.Background(), "t")
	if n, ok := resp.Int("behind"); !ok || n != 12 {
		t.Fatalf("behind=%d ok=%v", n, ok)
	}
	if hits != 2 {
		t.Fatalf("hits=%d want 2", hits)
	}
}

func TestPollAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{BaseURL: srv.URL, MaxAttempts: 2, RetryDelay: time.Millisecond, RequestTimeout: 50 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Now()
	if c.Ping(context.Background(), "t").Available() {
		t.Fatalf("expected unavailable")
	}
	if el := time.Since(start); el > 2*time.Second {
		t.Fatalf("attempt timeout not enforced: %v", el)
	}
}

func TestPollCancelAbortsBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan Response, 1)
	go func() { done <- c.Ping(ctx, "t") }()
	select {
	case r := <-done:
		if r.Available() {
			t.Fatalf("expected unavailable")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel did not abort the retry wait")
	}
}

func TestRetryReportsAttempts(t *testing.T) {
	calls := 0
	_, n, err := Retry(context.Background(), Policy{Attempts: 4}, func(ctx context.Context, attempt int) (int, error) {
		calls++
		if attempt == 3 {
			return 7, nil
		}
		return 0, errors.New("no")
	})
	if err != nil || n != 3 || calls != 3 {
		t.Fatalf("n=%d calls=%d err=%v", n, calls, err)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{BaseURL: "https://x/ ", RequestTimeout: -1}.WithDefaults()
	if c.BaseURL != "https://x" || c.MaxAttempts != DefaultMaxAttempts || c.RequestTimeout != DefaultRequestTimeout {
		t.Fatalf("defaults: %+v", c)
	}
}

func TestResponseInt(t *testing.T) {
	r, err := Decode([]byte(`{"a":5,"b":"7","c":2.0,"d":2.5,"e":"x","f":null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for key, want := range map[string]int64{"a": 5, "b": 7, "c": 2} {
		if got, ok := r.Int(key); !ok || got != want {
			t.Fatalf("%s=%d ok=%v", key, got, ok)
		}
	}
	for _, key := range []string{"d", "e", "f", "missing"} {
		if _, ok := r.Int(key); ok {
			t.Fatalf("%s should not parse", key)
		}
	}
	if _, err := Decode([]byte(`[1,2]`)); err == nil {
		t.Fatalf("array body should fail")
	}
}

func TestResponseIntRejectsOutOfRange(t *testing.T) {
	r, err := Decode([]byte(`{"big":1e19,"neg":-1e19,"edge":9223372036854775808,"str":"1e19","ok":1e3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"big", "neg", "edge", "str"} {
		if n, ok := r.Int(key); ok {
			t.Fatalf("%s accepted as %d", key, n)
		}
	}
	if n, ok := r.Int("ok"); !ok || n != 1000 {
		t.Fatalf("ok=%d %v", n, ok)
	}
}
