// Package presence derives best-effort online/offline broadcasts from
// session-registry occupancy transitions.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/event"
)

// Broadcaster publishes an event to every connected client. Presence
// is a topic, not a per-user queue; online/offline is not considered
// sensitive beyond "must be authenticated".
type Broadcaster interface {
	Broadcast(*event.Event)
}

// Service debounces offline transitions: a disconnect arms a grace
// timer, and a reconnect inside the window cancels the pending
// offline announcement so brief network handoffs don't flap.
type Service struct {
	mu      sync.Mutex
	grace   time.Duration
	pending map[bson.ObjectID]*time.Timer
	out     Broadcaster
}

// New returns a presence service broadcasting through out.
func New(grace time.Duration, out Broadcaster) *Service {
	return &Service{
		grace:   grace,
		pending: make(map[bson.ObjectID]*time.Timer),
		out:     out,
	}
}

// UserOnline handles a first-connection transition. If an offline
// announcement is pending for this user, the reconnect simply cancels
// it — observers never saw the user leave, so nothing is broadcast.
func (s *Service) UserOnline(id bson.ObjectID) {
	s.mu.Lock()
	if timer, ok := s.pending[id]; ok {
		timer.Stop()
		delete(s.pending, id)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.broadcast(id, true)
}

// UserOffline handles a last-connection-gone transition by arming the
// grace timer. Arming is atomic per user: any previously pending
// timer is stopped first so a stale timer can never fire after a
// newer one superseded it.
func (s *Service) UserOffline(id bson.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pending[id]; ok {
		timer.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		// Only the currently-armed timer may announce; a reconnect or
		// rearm that won the race already removed or replaced it.
		if s.pending[id] != timer {
			s.mu.Unlock()
			return
		}
		delete(s.pending, id)
		s.mu.Unlock()

		s.broadcast(id, false)
	})
	s.pending[id] = timer
}

// Stop cancels all pending offline timers (shutdown path).
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.pending {
		timer.Stop()
		delete(s.pending, id)
	}
}

func (s *Service) broadcast(id bson.ObjectID, online bool) {
	ev, err := event.New(event.TypePresence, event.Presence{UserID: id, IsOnline: online})
	if err != nil {
		log.Error().Err(err).Msg("failed to build presence event")
		return
	}

	log.Debug().Str("user", id.Hex()).Bool("online", online).Msg("presence transition")
	s.out.Broadcast(ev)
}
