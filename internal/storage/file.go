package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"ceremonybot/pkg/logx"
)

// compactEvery is the number of journal records after which the token
// journal is folded into the snapshot.
const compactEvery = 200

// fileStore keeps everything in plain files next to cfg.Path.
//
// Files:
//   - <prefix>.audit.jsonl           (append-only JSON Lines)
//   - <prefix>.tokens.snapshot.json  (owner -> tokens)
//   - <prefix>.tokens.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot periodically and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	tokens       map[int64][]string

	journalWrites int
}

type tokensRecord struct {
	Owner  int64    `json:"owner"`
	Tokens []string `json:"tokens"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".tokens.snapshot.json"
	journalPath := prefix + ".tokens.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	toks := map[int64][]string{}
	if err := loadTokensSnapshot(snapPath, toks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("token snapshot unreadable", logx.Err(err))
	}
	if err := replayTokensJournal(journalPath, toks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("token journal unreadable", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		tokens:       toks,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if s.journalWrites > 0 {
			errs = append(errs, s.compactLocked())
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) SaveTokens(ctx context.Context, owner int64, tokens []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("token journal closed")
	}
	if len(tokens) == 0 {
		delete(s.tokens, owner)
	} else {
		s.tokens[owner] = append([]string(nil), tokens...)
	}

	if err := json.NewEncoder(s.journalFile).Encode(tokensRecord{Owner: owner, Tokens: tokens}); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("token journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadTokens(ctx context.Context) (map[int64][]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64][]string, len(s.tokens))
	for owner, list := range s.tokens {
		out[owner] = append([]string(nil), list...)
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	snap := make(map[string][]string, len(s.tokens))
	for owner, list := range s.tokens {
		snap[strconv.FormatInt(owner, 10)] = list
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	s.journalWrites = 0
	return err
}

func loadTokensSnapshot(path string, out map[int64][]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]string
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		owner, err := strconv.ParseInt(k, 10, 64)
		if err != nil || len(v) == 0 {
			continue
		}
		out[owner] = v
	}
	return nil
}

func replayTokensJournal(path string, out map[int64][]string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var r tokensRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(r.Tokens) == 0 {
			delete(out, r.Owner)
			continue
		}
		out[r.Owner] = r.Tokens
	}
	return sc.Err()
}
