// Package domain holds the identifier types, enums and error taxonomy
// shared by every service in the core.
package domain

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Status is the lifecycle state of a friend request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageFile  MessageType = "FILE"
)

// ValidMessageType reports whether t is one of the known message types.
func ValidMessageType(t MessageType) bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// TargetKind distinguishes direct messages from group messages.
type TargetKind string

const (
	TargetDirect TargetKind = "direct"
	TargetGroup  TargetKind = "group"
)

// Conversation addresses a single conversation from one participant's
// point of view: for direct conversations ID is the peer's user id, for
// group conversations it is the group id.
type Conversation struct {
	Kind TargetKind
	ID   bson.ObjectID
}

// ParseID converts the canonical wire form of an id (hex string) into
// an ObjectID. All id normalization happens here, at the boundary;
// services never compare ids in string form.
func ParseID(s string) (bson.ObjectID, error) {
	id, err := bson.ObjectIDFromHex(strings.TrimSpace(s))
	if err != nil {
		return bson.ObjectID{}, fmt.Errorf("%w: invalid id %q", ErrInvalidArgument, s)
	}
	return id, nil
}

// PairKey returns the canonical key for an unordered pair of users,
// used to enforce pair-level uniqueness on requests and edges.
func PairKey(a, b bson.ObjectID) string {
	ah, bh := a.Hex(), b.Hex()
	if ah > bh {
		ah, bh = bh, ah
	}
	return ah + ":" + bh
}
