// Package router validates, persists and fans out chat messages.
//
// Ordering: messages of the same conversation are persisted and
// enqueued under a per-conversation lock, so every recipient's
// connection sees them in a single global order. Delivery itself is
// asynchronous and per-connection; a slow recipient never holds the
// lock.
package router

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/event"
)

const lockStripes = 64

// Friends answers the friendship precondition for direct messages.
type Friends interface {
	EdgeExists(ctx context.Context, a, b bson.ObjectID) (bool, error)
}

// Groups answers membership and activity for group messages.
type Groups interface {
	Get(ctx context.Context, id bson.ObjectID) (*data.Group, error)
	TouchLastMessage(ctx context.Context, id bson.ObjectID, at time.Time) error
}

// Messages persists the message log.
type Messages interface {
	Save(ctx context.Context, msg *data.Message) (*data.Message, error)
}

// Pusher enqueues an event for a connected user.
type Pusher interface {
	SendToUser(user bson.ObjectID, ev *event.Event) error
}

// Router enforces the messaging preconditions and routes persisted
// messages to online recipients.
type Router struct {
	friends  Friends
	groups   Groups
	messages Messages
	push     Pusher
	retry    data.RetryConfig
	locks    [lockStripes]sync.Mutex
}

// New returns a Router.
func New(friends Friends, groups Groups, messages Messages, push Pusher, retry data.RetryConfig) *Router {
	return &Router{friends: friends, groups: groups, messages: messages, push: push, retry: retry}
}

// Draft is an outgoing message before validation.
type Draft struct {
	Content  string
	MediaRef string
	Type     domain.MessageType
}

func (d *Draft) validate() error {
	if !domain.ValidMessageType(d.Type) {
		return domain.ErrInvalidArgument
	}
	if strings.TrimSpace(d.Content) == "" && d.MediaRef == "" {
		return domain.ErrInvalidArgument
	}
	return nil
}

// SendDirect persists and delivers a direct message from sender to
// receiver. The pair must be friends; sending to oneself is invalid.
// Persistence is the commit point: once Save succeeds the message
// exists regardless of whether the receiver is online.
func (r *Router) SendDirect(ctx context.Context, sender, receiver bson.ObjectID, draft Draft) (*data.Message, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}
	if sender == receiver {
		return nil, domain.ErrInvalidTarget
	}

	var friends bool
	err := data.WithRetry(ctx, r.retry, func() error {
		var opErr error
		friends, opErr = r.friends.EdgeExists(ctx, sender, receiver)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, domain.ErrNotFriends
	}

	conv := domain.Conversation{Kind: domain.TargetDirect, ID: conversationID(sender, receiver)}
	lock := r.lockFor(conv)
	lock.Lock()
	defer lock.Unlock()

	msg, err := r.persist(ctx, &data.Message{
		SenderID:   sender,
		TargetID:   receiver,
		TargetKind: domain.TargetDirect,
		Content:    draft.Content,
		MediaRef:   draft.MediaRef,
		Type:       draft.Type,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return nil, err
	}

	r.deliver(receiver, msg)
	return msg, nil
}

// SendGroup persists a group message once and delivers it to every
// member except the sender. The sender must be a member.
func (r *Router) SendGroup(ctx context.Context, sender, groupID bson.ObjectID, draft Draft) (*data.Message, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}

	var group *data.Group
	err := data.WithRetry(ctx, r.retry, func() error {
		var opErr error
		group, opErr = r.groups.Get(ctx, groupID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if !group.HasMember(sender) {
		return nil, domain.ErrNotMember
	}

	conv := domain.Conversation{Kind: domain.TargetGroup, ID: groupID}
	lock := r.lockFor(conv)
	lock.Lock()
	defer lock.Unlock()

	msg, err := r.persist(ctx, &data.Message{
		SenderID:   sender,
		TargetID:   groupID,
		TargetKind: domain.TargetGroup,
		Content:    draft.Content,
		MediaRef:   draft.MediaRef,
		Type:       draft.Type,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return nil, err
	}

	if err := r.groups.TouchLastMessage(ctx, groupID, msg.CreatedAt); err != nil {
		log.Warn().Err(err).Str("group", groupID.Hex()).Msg("failed to touch group activity")
	}

	for _, member := range group.MemberIDs {
		if member == sender {
			continue
		}
		r.deliver(member, msg)
	}
	return msg, nil
}

func (r *Router) persist(ctx context.Context, msg *data.Message) (*data.Message, error) {
	var saved *data.Message
	err := data.WithRetry(ctx, r.retry, func() error {
		var opErr error
		saved, opErr = r.messages.Save(ctx, msg)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// deliver enqueues the message for one recipient. Delivery errors are
// per-recipient and never affect persistence or other recipients.
func (r *Router) deliver(user bson.ObjectID, msg *data.Message) {
	ev, err := event.New(event.TypeMessage, msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to build message event")
		return
	}
	if err := r.push.SendToUser(user, ev); err != nil {
		log.Debug().Err(err).Str("user", user.Hex()).Msg("message push skipped")
	}
}

func (r *Router) lockFor(conv domain.Conversation) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conv.Kind))
	h.Write([]byte(conv.ID.Hex()))
	return &r.locks[h.Sum32()%lockStripes]
}

// conversationID gives direct conversations a direction-independent
// identity so A→B and B→A share a lock stripe.
func conversationID(a, b bson.ObjectID) bson.ObjectID {
	if a.Hex() > b.Hex() {
		return a
	}
	return b
}
