package flow

import (
	"context"
	"sync"

	"github.com/jmcleod/gatehouse/api"
)

// SessionContext is the signed-in state shared by every flow of one client.
// Flows call Invalidate after mutations that change the session or user;
// the next Get refetches.
type SessionContext struct {
	client SessionGetter

	mu      sync.Mutex
	current *api.SessionResponse
	loaded  bool
}

func NewSessionContext(client SessionGetter) *SessionContext {
	return &SessionContext{client: client}
}

// Get returns the cached session, fetching it first when the cache is empty
// or invalidated. A nil result means signed out.
func (c *SessionContext) Get(ctx context.Context) (*api.SessionResponse, error) {
	c.mu.Lock()
	if c.loaded {
		cur := c.current
		c.mu.Unlock()
		return cur, nil
	}
	c.mu.Unlock()
	return c.Refetch(ctx)
}

// Refetch loads the session from the server and replaces the cache.
func (c *SessionContext) Refetch(ctx context.Context) (*api.SessionResponse, error) {
	cur, err := c.client.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = cur
	c.loaded = true
	c.mu.Unlock()
	return cur, nil
}

// Invalidate drops the cached session.
func (c *SessionContext) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.loaded = false
	c.mu.Unlock()
}

// Cached returns the cached session without fetching.
func (c *SessionContext) Cached() (*api.SessionResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.loaded
}

// pending guards a single in-flight request.
type pending struct {
	mu   sync.Mutex
	busy bool
}

func (p *pending) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return false
	}
	p.busy = true
	return true
}

func (p *pending) end() {
	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()
}

// Pending reports whether a request is in flight.
func (p *pending) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}
