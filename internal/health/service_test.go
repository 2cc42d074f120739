package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ceremonybot/pkg/logx"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHandlerServesFixedBody(t *testing.T) {
	s := New(Config{Body: "alive"}, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, p := range []string{"/healthz", "/"} {
		code, body := get(t, ts.URL+p)
		if code != http.StatusOK || body != "alive" {
			t.Fatalf("%s: %d %q", p, code, body)
		}
	}
	if code, _ := get(t, ts.URL+"/nope"); code != http.StatusNotFound {
		t.Fatalf("unknown path: %d", code)
	}
	resp, err := http.Post(ts.URL+"/healthz", "text/plain", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("post: %d", resp.StatusCode)
	}
}

func TestDefaultBody(t *testing.T) {
	ts := httptest.NewServer(New(Config{}, logx.Nop()).Handler())
	defer ts.Close()
	if _, body := get(t, ts.URL+"/healthz"); body != DefaultBody {
		t.Fatalf("body=%q", body)
	}
}

func TestStartStopAndReconfigure(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	s.Start(context.Background())

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		addr = s.Addr()
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound")
	}
	if code, body := get(t, "http://"+addr+"/healthz"); code != 200 || body != "OK" {
		t.Fatalf("got %d %q", code, body)
	}

	s.Reconfigure(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0", Body: "up"})
	if _, body := get(t, "http://"+addr+"/"); body != "up" {
		t.Fatalf("body after reload=%q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatalf("service still running after stop")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("listener still open")
	}
}
