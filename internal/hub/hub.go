// Package hub is the session registry: it maps an authenticated user
// id to zero or more live connections so the services can push events
// to every currently-connected endpoint for a user.
package hub

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/event"
)

// ErrNotConnected is returned when a user has no live connections.
// Callers treat it as "offline": the payload is durable elsewhere and
// reconciliation covers it.
var ErrNotConnected = errors.New("user not connected")

// Sender is the minimal interface the hub needs from a connection: the
// ability to accept an event for ordered delivery. Implementations
// must be FIFO per connection and must not block indefinitely — a
// backpressured connection returns domain.ErrDeliveryTimeout instead.
type Sender interface {
	Send(*event.Event) error
}

// Listener observes per-user occupancy transitions: first connection
// up, last connection gone. The presence service hangs off this.
type Listener interface {
	UserOnline(id bson.ObjectID)
	UserOffline(id bson.ObjectID)
}

// Registry manages active connections for connected users. A user may
// hold any number of concurrent connections (multi-device); delivery
// fans out to every one of them.
type Registry struct {
	mu       sync.RWMutex
	conns    map[bson.ObjectID]map[int64]Sender
	nextID   int64
	listener Listener
}

// New creates a new registry instance.
func New() *Registry {
	return &Registry{conns: make(map[bson.ObjectID]map[int64]Sender)}
}

// SetListener installs the occupancy listener. Must be called before
// connections start registering.
func (r *Registry) SetListener(l Listener) {
	r.listener = l
}

// Register registers a connection for the given user and returns a
// session id used to unregister it later. The first connection for a
// user triggers the online transition.
func (r *Registry) Register(user bson.ObjectID, s Sender) int64 {
	r.mu.Lock()
	if _, ok := r.conns[user]; !ok {
		r.conns[user] = make(map[int64]Sender)
	}
	first := len(r.conns[user]) == 0

	r.nextID++
	id := r.nextID
	r.conns[user][id] = s
	r.mu.Unlock()

	if first && r.listener != nil {
		r.listener.UserOnline(user)
	}
	return id
}

// Unregister removes a previously-registered connection. Removing the
// user's last connection triggers the offline transition (debounced
// downstream by the presence service).
func (r *Registry) Unregister(user bson.ObjectID, id int64) {
	r.mu.Lock()
	last := false
	if conns, ok := r.conns[user]; ok {
		if _, ok := conns[id]; ok {
			delete(conns, id)
			if len(conns) == 0 {
				delete(r.conns, user)
				last = true
			}
		}
	}
	r.mu.Unlock()

	if last && r.listener != nil {
		r.listener.UserOffline(user)
	}
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(user bson.ObjectID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[user]) > 0
}

// ConnectionsFor returns the number of live connections for a user.
func (r *Registry) ConnectionsFor(user bson.ObjectID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[user])
}

// SendToUser delivers the event to all currently-connected endpoints
// for the user. Delivery is best-effort per connection:
//   - a backpressured connection (domain.ErrDeliveryTimeout) is
//     skipped but stays registered — slow is not dead, and the
//     connection's own keepalive will reap it if it is;
//   - any other send error unregisters the connection so stale
//     streams don't accumulate.
//
// ErrNotConnected means the user is offline. Events enqueued through
// a single SendToUser/Broadcast caller arrive at each connection in
// call order because every Sender is FIFO.
func (r *Registry) SendToUser(user bson.ObjectID, ev *event.Event) error {
	r.mu.RLock()
	conns := make(map[int64]Sender, len(r.conns[user]))
	for id, s := range r.conns[user] {
		conns[id] = s
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		return ErrNotConnected
	}

	var firstErr error
	var failed []int64

	for id, s := range conns {
		err := s.Send(ev)
		if err == nil {
			continue
		}
		if errors.Is(err, domain.ErrDeliveryTimeout) {
			log.Debug().Str("user", user.Hex()).Int64("session", id).
				Msg("connection backpressured, skipping push")
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		failed = append(failed, id)
	}

	for _, id := range failed {
		r.Unregister(user, id)
	}

	return firstErr
}

// Broadcast delivers the event to every connection of every user.
// Used for the presence topic.
func (r *Registry) Broadcast(ev *event.Event) {
	r.mu.RLock()
	users := make([]bson.ObjectID, 0, len(r.conns))
	for user := range r.conns {
		users = append(users, user)
	}
	r.mu.RUnlock()

	for _, user := range users {
		if err := r.SendToUser(user, ev); err != nil && !errors.Is(err, ErrNotConnected) {
			log.Debug().Err(err).Str("user", user.Hex()).Msg("broadcast delivery failed")
		}
	}
}
