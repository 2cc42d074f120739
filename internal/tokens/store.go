// Package tokens keeps each owner's ordered list of monitored tokens.
//
// Every owner has its own lock; the map lock is only held to find or drop an
// owner entry, so edits for different owners never contend.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ceremonybot/pkg/logx"
)

var ErrIndexOutOfRange = errors.New("token index out of range")

// Persister stores token lists so they survive a restart.
type Persister interface {
	SaveTokens(ctx context.Context, owner int64, tokens []string) error
	LoadTokens(ctx context.Context) (map[int64][]string, error)
}

type Store struct {
	mu     sync.Mutex
	owners map[int64]*ownerTokens

	persist Persister
	log     logx.Logger
}

type ownerTokens struct {
	mu   sync.Mutex
	list []string
	dead bool // dropped from the map; callers must look the owner up again
}

type Option func(*Store)

func WithPersister(p Persister) Option { return func(s *Store) { s.persist = p } }
func WithLogger(log logx.Logger) Option { return func(s *Store) { s.log = log } }

func NewStore(opts ...Option) *Store {
	s := &Store{owners: map[int64]*ownerTokens{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) entry(owner int64, create bool) *ownerTokens {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.owners[owner]
	if e == nil && create {
		e = &ownerTokens{}
		s.owners[owner] = e
	}
	return e
}

// drop removes an emptied entry. Caller holds e.mu.
func (s *Store) drop(owner int64, e *ownerTokens) {
	s.mu.Lock()
	if s.owners[owner] == e {
		delete(s.owners, owner)
	}
	s.mu.Unlock()
	e.dead = true
}

// Add appends tokens in order, keeping duplicates, and returns the new total.
func (s *Store) Add(owner int64, tokens ...string) int {
	if len(tokens) == 0 {
		return s.Count(owner)
	}
	for {
		e := s.entry(owner, true)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		e.list = append(e.list, tokens...)
		n := len(e.list)
		s.save(owner, e.list)
		e.mu.Unlock()
		return n
	}
}

// Remove deletes the token at index and returns it. An index outside
// [0, len) leaves the list untouched.
func (s *Store) Remove(owner int64, index int) (string, error) {
	e := s.entry(owner, false)
	if e == nil {
		return "", fmt.Errorf("%w: %d (no tokens)", ErrIndexOutOfRange, index)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || index < 0 || index >= len(e.list) {
		return "", fmt.Errorf("%w: %d (have %d)", ErrIndexOutOfRange, index, len(e.list))
	}
	removed := e.list[index]
	e.list = append(e.list[:index:index], e.list[index+1:]...)
	s.save(owner, e.list)
	if len(e.list) == 0 {
		s.drop(owner, e)
	}
	return removed, nil
}

// List returns a copy of the owner's tokens.
func (s *Store) List(owner int64) []string {
	e := s.entry(owner, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.list) == 0 {
		return nil
	}
	return append([]string(nil), e.list...)
}

func (s *Store) Count(owner int64) int {
	e := s.entry(owner, false)
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.list)
}

// Owners lists owners that currently hold tokens, ascending.
func (s *Store) Owners() []int64 {
	s.mu.Lock()
	out := make([]int64, 0, len(s.owners))
	for id := range s.owners {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Restore loads persisted lists, replacing whatever is in memory for those
// owners. It returns the number of owners restored.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	all, err := s.persist.LoadTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tokens: %w", err)
	}
	n := 0
	s.mu.Lock()
	for owner, list := range all {
		if len(list) == 0 {
			continue
		}
		s.owners[owner] = &ownerTokens{list: append([]string(nil), list...)}
		n++
	}
	s.mu.Unlock()
	return n, nil
}

// save runs under the owner lock so persisted order matches memory order.
func (s *Store) save(owner int64, list []string) {
	if s.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persist.SaveTokens(ctx, owner, append([]string(nil), list...)); err != nil {
		s.log.Warn("persist tokens failed", logx.Int64("owner", owner), logx.Err(err))
	}
}

// Parse splits user input into tokens: one per line, trimmed, blanks dropped.
func Parse(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Short is the display form of a token: "…" and its last 6 characters.
// Tokens of 6 characters or fewer are shown whole.
func Short(token string) string {
	rs := []rune(token)
	if len(rs) <= 6 {
		return token
	}
	return "…" + string(rs[len(rs)-6:])
}
