// Package receipts applies delivered/read transitions to messages and
// notifies senders.
//
// Transitions are idempotent and monotonic: a timestamp is set at most
// once and read implies delivered. The store enforces this with
// set-if-unset updates; the tracker adds authorization and sender
// notification on the calls that actually performed a transition.
package receipts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/event"
)

// Messages is the persistence surface for receipt transitions. The
// setters return the message as it was before the update so the
// caller can tell a fresh transition from a repeat.
type Messages interface {
	Get(ctx context.Context, id bson.ObjectID) (*data.Message, error)
	SetDelivered(ctx context.Context, id bson.ObjectID, at time.Time) (*data.Message, error)
	SetRead(ctx context.Context, id bson.ObjectID, at time.Time) (*data.Message, error)
	MarkConversationRead(ctx context.Context, user, peer bson.ObjectID, at time.Time) (int64, error)
}

// Groups resolves membership for group-message authorization.
type Groups interface {
	Get(ctx context.Context, id bson.ObjectID) (*data.Group, error)
}

// Pusher delivers receipt events to senders, best effort.
type Pusher interface {
	SendToUser(user bson.ObjectID, ev *event.Event) error
}

// Tracker applies receipt transitions.
type Tracker struct {
	messages Messages
	groups   Groups
	push     Pusher
	retry    data.RetryConfig
}

// New returns a Tracker.
func New(messages Messages, groups Groups, push Pusher, retry data.RetryConfig) *Tracker {
	return &Tracker{messages: messages, groups: groups, push: push, retry: retry}
}

// MarkDelivered records that actor received the message. Repeat calls
// are no-ops; only the first transition notifies the sender.
func (t *Tracker) MarkDelivered(ctx context.Context, messageID, actor bson.ObjectID) error {
	msg, err := t.authorize(ctx, messageID, actor)
	if err != nil {
		return err
	}

	at := time.Now()
	var before *data.Message
	err = data.WithRetry(ctx, t.retry, func() error {
		var opErr error
		before, opErr = t.messages.SetDelivered(ctx, messageID, at)
		return opErr
	})
	if err != nil {
		return err
	}

	if before.DeliveredAt == nil {
		t.notify(msg.SenderID, messageID, event.ReceiptDelivered, at)
	}
	return nil
}

// MarkRead records that actor read the message. A read on an
// undelivered message also sets delivered, at the same timestamp.
func (t *Tracker) MarkRead(ctx context.Context, messageID, actor bson.ObjectID) error {
	msg, err := t.authorize(ctx, messageID, actor)
	if err != nil {
		return err
	}

	at := time.Now()
	var before *data.Message
	err = data.WithRetry(ctx, t.retry, func() error {
		var opErr error
		before, opErr = t.messages.SetRead(ctx, messageID, at)
		return opErr
	})
	if err != nil {
		return err
	}

	if before.ReadAt == nil {
		t.notify(msg.SenderID, messageID, event.ReceiptRead, at)
	}
	return nil
}

// MarkConversationRead marks every unread direct message from peer to
// actor as read in one write, catching the receipts up after the actor
// opens the conversation. No per-message authorization is needed: the
// filter only ever touches messages addressed to the actor. Senders
// are not notified; they reconcile on the next pull.
func (t *Tracker) MarkConversationRead(ctx context.Context, actor, peer bson.ObjectID) (int64, error) {
	if actor == peer {
		return 0, domain.ErrInvalidTarget
	}

	at := time.Now()
	var updated int64
	err := data.WithRetry(ctx, t.retry, func() error {
		var opErr error
		updated, opErr = t.messages.MarkConversationRead(ctx, actor, peer, at)
		return opErr
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// authorize loads the message and checks that actor is a legitimate
// recipient: the direct target, or a group member other than the
// sender. The sender can never acknowledge their own message.
func (t *Tracker) authorize(ctx context.Context, messageID, actor bson.ObjectID) (*data.Message, error) {
	var msg *data.Message
	err := data.WithRetry(ctx, t.retry, func() error {
		var opErr error
		msg, opErr = t.messages.Get(ctx, messageID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if actor == msg.SenderID {
		return nil, domain.ErrUnauthorized
	}

	switch msg.TargetKind {
	case domain.TargetDirect:
		if msg.TargetID != actor {
			return nil, domain.ErrUnauthorized
		}
	case domain.TargetGroup:
		var group *data.Group
		err := data.WithRetry(ctx, t.retry, func() error {
			var opErr error
			group, opErr = t.groups.Get(ctx, msg.TargetID)
			return opErr
		})
		if err != nil {
			return nil, err
		}
		if !group.HasMember(actor) {
			return nil, domain.ErrUnauthorized
		}
	default:
		return nil, domain.ErrInvalidArgument
	}
	return msg, nil
}

func (t *Tracker) notify(sender, messageID bson.ObjectID, state string, at time.Time) {
	ev, err := event.New(event.TypeReceipt, event.Receipt{
		MessageID: messageID,
		State:     state,
		Timestamp: at,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to build receipt event")
		return
	}
	if err := t.push.SendToUser(sender, ev); err != nil {
		log.Debug().Err(err).Str("user", sender.Hex()).Msg("receipt push skipped")
	}
}
