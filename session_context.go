package hitch

import (
	"context"
	"sync"
)

// SessionContext is the read side of the session: the last published
// Session plus ordered change notifications. Only the Reconciler
// publishes into it.
type SessionContext struct {
	mu      sync.Mutex
	current Session
	events  dispatcher[Session]
}

// NewSessionContext returns a context holding an unauthenticated session.
func NewSessionContext() *SessionContext {
	return &SessionContext{current: Unauthenticated()}
}

// Current returns the last published session.
func (c *SessionContext) Current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe registers fn to receive every published session in publish
// order, without coalescing. fn may call back into the context or the
// identity provider.
func (c *SessionContext) Subscribe(fn func(Session)) (unsubscribe func()) {
	_, unsubscribe = c.events.subscribe(fn)
	return unsubscribe
}

// Subscribers returns the number of active subscriptions.
func (c *SessionContext) Subscribers() int {
	return c.events.size()
}

// Wait blocks until the current or a later published session satisfies match.
func (c *SessionContext) Wait(ctx context.Context, match func(Session) bool) (Session, error) {
	found := make(chan Session, 1)
	unsubscribe := c.Subscribe(func(s Session) {
		if match(s) {
			select {
			case found <- s:
			default:
			}
		}
	})
	defer unsubscribe()

	if s := c.Current(); match(s) {
		return s, nil
	}

	select {
	case s := <-found:
		return s, nil
	case <-ctx.Done():
		return c.Current(), ctx.Err()
	}
}

// enqueue records s as current and queues it for delivery. Callers
// serialize enqueue calls so queue order is transition order.
func (c *SessionContext) enqueue(s Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	c.events.enqueue(s)
}

// drain delivers queued sessions.
func (c *SessionContext) drain() {
	c.events.drain()
}
