package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"ceremonybot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("expected missing path error")
	}
}

func exerciseTokens(t *testing.T, cfg Config) {
	t.Helper()
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.SaveTokens(ctx, 1, []string{"a", "b", "a"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveTokens(ctx, 2, []string{"x"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveTokens(ctx, 1, []string{"b", "a"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveTokens(ctx, 2, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, ChatID: 1, Action: "add", OK: true}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.LoadTokens(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := map[int64][]string{1: {"b", "a"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("tokens=%v want %v", got, want)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	exerciseTokens(t, Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state", "bot.db")})
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	exerciseTokens(t, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.sqlite"), BusyTimeout: time.Second})
}

func TestFileStoreReplaysJournalWithoutCompact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bot.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs := st.(*fileStore)
	if err := fs.SaveTokens(context.Background(), 7, []string{"t1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// simulate a crash: close files without compacting
	fs.mu.Lock()
	_ = fs.journalFile.Close()
	_ = fs.auditFile.Close()
	fs.journalFile, fs.auditFile = nil, nil
	fs.mu.Unlock()

	if _, err := os.Stat(filepath.Join(dir, "bot.tokens.snapshot.json")); !os.IsNotExist(err) {
		t.Fatalf("snapshot should not exist yet: %v", err)
	}
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, _ := st.LoadTokens(context.Background())
	if len(got[7]) != 1 || got[7][0] != "t1" {
		t.Fatalf("tokens=%v", got)
	}
}

func TestFileAuditIsJSONL(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, a := range []string{"start", "stop"} {
		if err := st.AppendAudit(context.Background(), AuditEntry{Action: a, OK: true}); err != nil {
			t.Fatalf("audit: %v", err)
		}
	}
	_ = st.Close()
	b, err := os.ReadFile(filepath.Join(dir, "bot.audit.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"action":"stop"`) {
		t.Fatalf("audit=%q", b)
	}
}
