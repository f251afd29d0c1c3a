// Package friends implements the friend-request state machine on top
// of the friends store and pushes transitions to affected users.
package friends

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/event"
)

// Store is the persistence surface the engine needs.
type Store interface {
	InsertPending(ctx context.Context, sender, receiver bson.ObjectID) (*data.FriendRequest, error)
	GetRequest(ctx context.Context, id bson.ObjectID) (*data.FriendRequest, error)
	Resolve(ctx context.Context, id bson.ObjectID, to domain.Status) (*data.FriendRequest, error)
	AcceptInverse(ctx context.Context, sender, receiver bson.ObjectID) (*data.FriendRequest, error)
	PendingFor(ctx context.Context, user bson.ObjectID) ([]*data.FriendRequest, error)
	SentBy(ctx context.Context, user bson.ObjectID) ([]*data.FriendRequest, error)
	CreateEdge(ctx context.Context, a, b bson.ObjectID) error
	EdgeExists(ctx context.Context, a, b bson.ObjectID) (bool, error)
	EdgesFor(ctx context.Context, user bson.ObjectID) ([]*data.FriendEdge, error)
}

// Users resolves user identities for target validation and lookups.
type Users interface {
	GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error)
	GetUserByUsername(ctx context.Context, username string) (*data.User, error)
}

// Pusher delivers a friend_request event to an online user. Delivery
// is best-effort: an offline receiver learns the state on the next
// pull, so push errors are logged, never propagated.
type Pusher interface {
	SendToUser(user bson.ObjectID, ev *event.Event) error
}

// Engine coordinates request transitions, edge creation and the
// resulting notifications.
type Engine struct {
	store  Store
	users  Users
	push   Pusher
	retry  data.RetryConfig
	mutual bool
}

// New returns an engine. When autoAcceptMutual is set, a request sent
// while the inverse request is pending accepts both instead of
// failing with a duplicate.
func New(store Store, users Users, push Pusher, retry data.RetryConfig, autoAcceptMutual bool) *Engine {
	return &Engine{store: store, users: users, push: push, retry: retry, mutual: autoAcceptMutual}
}

// Send creates a PENDING request from sender to receiver.
//
// Preconditions, in order: the receiver must exist and differ from the
// sender, the pair must not already be friends, and no request between
// the pair may be pending. Mutual sends short-circuit to acceptance
// when enabled.
func (e *Engine) Send(ctx context.Context, sender, receiver bson.ObjectID) (*data.FriendRequest, error) {
	if sender == receiver {
		return nil, domain.ErrInvalidTarget
	}
	if _, err := e.users.GetUserByID(ctx, receiver); err != nil {
		return nil, err
	}

	var exists bool
	err := data.WithRetry(ctx, e.retry, func() error {
		var opErr error
		exists, opErr = e.store.EdgeExists(ctx, sender, receiver)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, domain.ErrAlreadyFriends
	}

	if e.mutual {
		inverse, err := e.acceptInverse(ctx, sender, receiver)
		if err == nil {
			return inverse, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	var req *data.FriendRequest
	err = data.WithRetry(ctx, e.retry, func() error {
		var opErr error
		req, opErr = e.store.InsertPending(ctx, sender, receiver)
		return opErr
	})
	if err == nil {
		e.notify(receiver, req)
		return req, nil
	}

	// Mutual sends can race past the inverse check: both sides find no
	// inverse, then one insert wins the unique index. The loser retries
	// the inverse acceptance against the winning row; only a
	// same-direction duplicate surfaces as an error.
	if e.mutual && errors.Is(err, domain.ErrDuplicateRequest) {
		inverse, accErr := e.acceptInverse(ctx, sender, receiver)
		if accErr == nil {
			return inverse, nil
		}
		if !errors.Is(accErr, domain.ErrNotFound) {
			return nil, accErr
		}
	}
	return nil, err
}

// acceptInverse accepts a pending receiver→sender request, if any, and
// finalizes the friendship.
func (e *Engine) acceptInverse(ctx context.Context, sender, receiver bson.ObjectID) (*data.FriendRequest, error) {
	inverse, err := e.store.AcceptInverse(ctx, sender, receiver)
	if err != nil {
		return nil, err
	}
	if err := e.finalizeAccept(ctx, inverse); err != nil {
		return nil, err
	}
	return inverse, nil
}

// SendByUsername resolves the receiver by username and delegates to
// Send. An unknown username is domain.ErrNotFound.
func (e *Engine) SendByUsername(ctx context.Context, sender bson.ObjectID, username string) (*data.FriendRequest, error) {
	user, err := e.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return e.Send(ctx, sender, user.ID)
}

// Accept transitions a pending request to ACCEPTED and creates the
// friendship edge. Only the receiver may accept; a request already
// resolved by a concurrent actor surfaces as domain.ErrNotFound.
func (e *Engine) Accept(ctx context.Context, actor, requestID bson.ObjectID) (*data.FriendRequest, error) {
	req, err := e.authorizeReceiver(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}

	resolved, err := e.store.Resolve(ctx, req.ID, domain.StatusAccepted)
	if errors.Is(err, domain.ErrNotFound) {
		return e.repairAccepted(ctx, req.ID)
	}
	if err != nil {
		return nil, err
	}
	if err := e.finalizeAccept(ctx, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

// repairAccepted converges a request that reached ACCEPTED without its
// edge. Resolve and CreateEdge are separate writes, so an outage
// between the two leaves a half-done acceptance; re-accepting finishes
// it because CreateEdge is idempotent. A request whose edge already
// exists stays domain.ErrNotFound.
func (e *Engine) repairAccepted(ctx context.Context, requestID bson.ObjectID) (*data.FriendRequest, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.StatusAccepted {
		return nil, domain.ErrNotFound
	}

	var exists bool
	err = data.WithRetry(ctx, e.retry, func() error {
		var opErr error
		exists, opErr = e.store.EdgeExists(ctx, req.SenderID, req.ReceiverID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, domain.ErrNotFound
	}
	if err := e.finalizeAccept(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Reject transitions a pending request to REJECTED. Only the receiver
// may reject. The sender is notified so their "sent" view updates.
func (e *Engine) Reject(ctx context.Context, actor, requestID bson.ObjectID) (*data.FriendRequest, error) {
	req, err := e.authorizeReceiver(ctx, actor, requestID)
	if err != nil {
		return nil, err
	}

	resolved, err := e.store.Resolve(ctx, req.ID, domain.StatusRejected)
	if err != nil {
		return nil, err
	}

	e.notify(resolved.SenderID, resolved)
	return resolved, nil
}

// Friends lists the user's friends as user records.
func (e *Engine) Friends(ctx context.Context, user bson.ObjectID) ([]bson.ObjectID, error) {
	edges, err := e.store.EdgesFor(ctx, user)
	if err != nil {
		return nil, err
	}
	peers := make([]bson.ObjectID, 0, len(edges))
	for _, edge := range edges {
		peers = append(peers, edge.Peer(user))
	}
	return peers, nil
}

// AreFriends reports whether an edge exists between the two users.
func (e *Engine) AreFriends(ctx context.Context, a, b bson.ObjectID) (bool, error) {
	return e.store.EdgeExists(ctx, a, b)
}

// Pending lists requests awaiting the user's decision.
func (e *Engine) Pending(ctx context.Context, user bson.ObjectID) ([]*data.FriendRequest, error) {
	return e.store.PendingFor(ctx, user)
}

// Sent lists requests the user has sent that are still pending.
func (e *Engine) Sent(ctx context.Context, user bson.ObjectID) ([]*data.FriendRequest, error) {
	return e.store.SentBy(ctx, user)
}

func (e *Engine) authorizeReceiver(ctx context.Context, actor, requestID bson.ObjectID) (*data.FriendRequest, error) {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID != actor {
		return nil, domain.ErrUnauthorized
	}
	return req, nil
}

func (e *Engine) finalizeAccept(ctx context.Context, req *data.FriendRequest) error {
	err := data.WithRetry(ctx, e.retry, func() error {
		return e.store.CreateEdge(ctx, req.SenderID, req.ReceiverID)
	})
	if err != nil {
		return err
	}

	// Both sides learn about the new friendship.
	e.notify(req.SenderID, req)
	e.notify(req.ReceiverID, req)
	return nil
}

func (e *Engine) notify(user bson.ObjectID, req *data.FriendRequest) {
	ev, err := event.New(event.TypeFriendRequest, req)
	if err != nil {
		log.Error().Err(err).Msg("failed to build friend request event")
		return
	}
	if err := e.push.SendToUser(user, ev); err != nil {
		log.Debug().Err(err).Str("user", user.Hex()).Msg("friend request push skipped")
	}
}
