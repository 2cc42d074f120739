package monitor

import "sync"

// StatusCache holds the last observation per token for one session.
type StatusCache struct {
	mu   sync.Mutex
	last map[string]Status
}

func NewStatusCache() *StatusCache {
	return &StatusCache{last: map[string]Status{}}
}

// Record stores st and returns the previous observation. changed is true
// for the first observation and for any field difference.
func (c *StatusCache) Record(token string, st Status) (prev Status, seen, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, seen = c.last[token]
	c.last[token] = st
	return prev, seen, !seen || prev != st
}

// Observe stores st and reports whether it changed.
func (c *StatusCache) Observe(token string, st Status) bool {
	_, _, changed := c.Record(token, st)
	return changed
}

func (c *StatusCache) Get(token string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.last[token]
	return st, ok
}

func (c *StatusCache) Forget(token string) {
	c.mu.Lock()
	delete(c.last, token)
	c.mu.Unlock()
}

func (c *StatusCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
