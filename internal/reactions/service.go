// Package reactions manages per-message emoji reactions and notifies
// the conversation about changes.
//
// A user keeps at most one reaction per message; reacting again
// replaces the emoji. Unlike receipts, the sender may react to their
// own message.
package reactions

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/event"
)

// Store is the persistence surface for reactions.
type Store interface {
	Upsert(ctx context.Context, messageID, userID bson.ObjectID, emoji string) (*data.Reaction, error)
	Remove(ctx context.Context, messageID, userID bson.ObjectID) error
	ListForMessage(ctx context.Context, messageID bson.ObjectID) ([]*data.Reaction, error)
}

// Messages resolves the reacted-to message.
type Messages interface {
	Get(ctx context.Context, id bson.ObjectID) (*data.Message, error)
}

// Groups resolves membership for group-message authorization.
type Groups interface {
	Get(ctx context.Context, id bson.ObjectID) (*data.Group, error)
}

// Pusher delivers reaction events to participants, best effort.
type Pusher interface {
	SendToUser(user bson.ObjectID, ev *event.Event) error
}

// Service applies reaction changes.
type Service struct {
	store    Store
	messages Messages
	groups   Groups
	push     Pusher
	retry    data.RetryConfig
}

// New returns a Service.
func New(store Store, messages Messages, groups Groups, push Pusher, retry data.RetryConfig) *Service {
	return &Service{store: store, messages: messages, groups: groups, push: push, retry: retry}
}

// React sets the actor's reaction on the message, replacing any
// previous one, and notifies the other participants.
func (s *Service) React(ctx context.Context, messageID, actor bson.ObjectID, emoji string) (*data.Reaction, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, domain.ErrInvalidArgument
	}

	recipients, err := s.authorize(ctx, messageID, actor)
	if err != nil {
		return nil, err
	}

	var reaction *data.Reaction
	err = data.WithRetry(ctx, s.retry, func() error {
		var opErr error
		reaction, opErr = s.store.Upsert(ctx, messageID, actor, emoji)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	s.notify(recipients, event.Reaction{MessageID: messageID, UserID: actor, Emoji: emoji})
	return reaction, nil
}

// Unreact removes the actor's reaction from the message.
// domain.ErrNotFound when the actor never reacted.
func (s *Service) Unreact(ctx context.Context, messageID, actor bson.ObjectID) error {
	recipients, err := s.authorize(ctx, messageID, actor)
	if err != nil {
		return err
	}

	err = data.WithRetry(ctx, s.retry, func() error {
		return s.store.Remove(ctx, messageID, actor)
	})
	if err != nil {
		return err
	}

	s.notify(recipients, event.Reaction{MessageID: messageID, UserID: actor, Removed: true})
	return nil
}

// List returns the message's reactions, oldest first. Participants
// only.
func (s *Service) List(ctx context.Context, messageID, actor bson.ObjectID) ([]*data.Reaction, error) {
	if _, err := s.authorize(ctx, messageID, actor); err != nil {
		return nil, err
	}

	var reactions []*data.Reaction
	err := data.WithRetry(ctx, s.retry, func() error {
		var opErr error
		reactions, opErr = s.store.ListForMessage(ctx, messageID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

// authorize loads the message, checks that actor is a conversation
// participant and returns the other participants for notification.
func (s *Service) authorize(ctx context.Context, messageID, actor bson.ObjectID) ([]bson.ObjectID, error) {
	var msg *data.Message
	err := data.WithRetry(ctx, s.retry, func() error {
		var opErr error
		msg, opErr = s.messages.Get(ctx, messageID)
		return opErr
	})
	if err != nil {
		return nil, err
	}

	switch msg.TargetKind {
	case domain.TargetDirect:
		switch actor {
		case msg.SenderID:
			return []bson.ObjectID{msg.TargetID}, nil
		case msg.TargetID:
			return []bson.ObjectID{msg.SenderID}, nil
		default:
			return nil, domain.ErrUnauthorized
		}
	case domain.TargetGroup:
		var group *data.Group
		err := data.WithRetry(ctx, s.retry, func() error {
			var opErr error
			group, opErr = s.groups.Get(ctx, msg.TargetID)
			return opErr
		})
		if err != nil {
			return nil, err
		}
		if !group.HasMember(actor) {
			return nil, domain.ErrUnauthorized
		}
		recipients := make([]bson.ObjectID, 0, len(group.MemberIDs)-1)
		for _, member := range group.MemberIDs {
			if member != actor {
				recipients = append(recipients, member)
			}
		}
		return recipients, nil
	default:
		return nil, domain.ErrInvalidArgument
	}
}

func (s *Service) notify(recipients []bson.ObjectID, payload event.Reaction) {
	ev, err := event.New(event.TypeReaction, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build reaction event")
		return
	}
	for _, user := range recipients {
		if err := s.push.SendToUser(user, ev); err != nil {
			log.Debug().Err(err).Str("user", user.Hex()).Msg("reaction push skipped")
		}
	}
}
