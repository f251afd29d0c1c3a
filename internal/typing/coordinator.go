// Package typing tracks transient typing indicators with a server-side
// TTL so clients that crash mid-keystroke don't leave a stuck flag.
package typing

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/domain"
)

// NotifyFunc delivers a typing transition to the counterpart(s) of the
// conversation. The coordinator never decides who receives; routing is
// owned by the caller.
type NotifyFunc func(typist bson.ObjectID, conv domain.Conversation, isTyping bool)

type key struct {
	user   bson.ObjectID
	kind   domain.TargetKind
	target bson.ObjectID
}

// Coordinator keeps at most one active typing state per (user,
// conversation). State lives only in memory; it is not persisted and
// not reconciled on reconnect.
type Coordinator struct {
	mu     sync.Mutex
	ttl    time.Duration
	timers map[key]*time.Timer
	notify NotifyFunc
}

// New returns a coordinator expiring typing states after ttl.
func New(ttl time.Duration, notify NotifyFunc) *Coordinator {
	return &Coordinator{
		ttl:    ttl,
		timers: make(map[key]*time.Timer),
		notify: notify,
	}
}

// SetTyping records that user is typing in conv. Every call notifies
// true, even when a state is already active; counterparts who joined
// after the first keystroke would otherwise never learn of it. Repeated
// calls also rearm the TTL.
func (c *Coordinator) SetTyping(user bson.ObjectID, conv domain.Conversation) {
	k := key{user: user, kind: conv.Kind, target: conv.ID}

	c.mu.Lock()
	if timer, active := c.timers[k]; active {
		timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(c.ttl, func() {
		c.expire(k, t)
	})
	c.timers[k] = t
	c.mu.Unlock()

	c.notify(user, conv, true)
}

// ClearTyping explicitly ends a typing state, notifying false if one
// was active. Sending a message is the usual trigger.
func (c *Coordinator) ClearTyping(user bson.ObjectID, conv domain.Conversation) {
	k := key{user: user, kind: conv.Kind, target: conv.ID}

	c.mu.Lock()
	timer, active := c.timers[k]
	if active {
		timer.Stop()
		delete(c.timers, k)
	}
	c.mu.Unlock()

	if active {
		c.notify(user, conv, false)
	}
}

func (c *Coordinator) expire(k key, t *time.Timer) {
	c.mu.Lock()
	if c.timers[k] != t {
		c.mu.Unlock()
		return
	}
	delete(c.timers, k)
	c.mu.Unlock()

	c.notify(k.user, domain.Conversation{Kind: k.kind, ID: k.target}, false)
}

// Stop cancels all active states without notifying.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, timer := range c.timers {
		timer.Stop()
		delete(c.timers, k)
	}
}
