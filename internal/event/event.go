// Package event defines the JSON envelope pushed to clients and the
// payload shapes that are not full entities.
package event

import (
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Type identifies a push event. One destination per concern, keyed by
// the authenticated user, except presence which is a broadcast topic.
type Type string

const (
	TypeMessage       Type = "message"
	TypeFriendRequest Type = "friend_request"
	TypePresence      Type = "presence"
	TypeTyping        Type = "typing"
	TypeReceipt       Type = "receipt"
	TypeReaction      Type = "reaction"
	TypeError         Type = "error"
)

// Event is the server→client envelope.
type Event struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event with the payload marshaled in place.
func New(t Type, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: t, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// ParsePayload decodes the payload into v. Used by tests and clients.
func (e *Event) ParsePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Presence is the payload of a presence broadcast.
type Presence struct {
	UserID   bson.ObjectID `json:"userId"`
	IsOnline bool          `json:"isOnline"`
}

// Typing is the payload of a typing event delivered to the
// counterpart(s) of a conversation. The flag is best-effort and may be
// stale after the server-side TTL; only the expiry event clears it.
type Typing struct {
	UserID         bson.ObjectID `json:"userId"`
	ConversationID bson.ObjectID `json:"conversationId"`
	Kind           string        `json:"kind"`
	IsTyping       bool          `json:"isTyping"`
}

// Receipt notifies a message's sender of a delivered/read transition.
type Receipt struct {
	MessageID bson.ObjectID `json:"messageId"`
	State     string        `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// Receipt states.
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// Reaction notifies conversation participants that a user set or
// removed a reaction on a message. Removed events carry no emoji.
type Reaction struct {
	MessageID bson.ObjectID `json:"messageId"`
	UserID    bson.ObjectID `json:"userId"`
	Emoji     string        `json:"emoji,omitempty"`
	Removed   bool          `json:"removed,omitempty"`
}

// Error is an inline error event for a failed client command.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
