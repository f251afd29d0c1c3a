package data

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/domain"
)

// User maps to the users collection. Identity is owned by the external
// auth/profile system; this core only reads it.
type User struct {
	ID          bson.ObjectID `bson:"_id,omitempty" json:"id"`
	Username    string        `bson:"username" json:"username"`
	DisplayName string        `bson:"display_name" json:"displayName"`
	CreatedAt   time.Time     `bson:"created_at" json:"-"`
}

// FriendRequest maps to the friend_requests collection. PairKey is the
// canonical unordered-pair key backing the single-PENDING invariant.
type FriendRequest struct {
	ID         bson.ObjectID `bson:"_id,omitempty" json:"id"`
	SenderID   bson.ObjectID `bson:"sender_id" json:"senderId"`
	ReceiverID bson.ObjectID `bson:"receiver_id" json:"receiverId"`
	PairKey    string        `bson:"pair_key" json:"-"`
	Status     domain.Status `bson:"status" json:"status"`
	CreatedAt  time.Time     `bson:"created_at" json:"createdAt"`
	ResolvedAt *time.Time    `bson:"resolved_at,omitempty" json:"resolvedAt,omitempty"`
}

// FriendEdge maps to the friend_edges collection: the symmetric
// relationship created once a request is accepted. UserA/UserB are
// stored in pair-key order.
type FriendEdge struct {
	ID        bson.ObjectID `bson:"_id,omitempty" json:"id"`
	UserA     bson.ObjectID `bson:"user_a" json:"userA"`
	UserB     bson.ObjectID `bson:"user_b" json:"userB"`
	PairKey   string        `bson:"pair_key" json:"-"`
	CreatedAt time.Time     `bson:"created_at" json:"createdAt"`
}

// Peer returns the other end of the edge as seen from user.
func (e *FriendEdge) Peer(user bson.ObjectID) bson.ObjectID {
	if e.UserA == user {
		return e.UserB
	}
	return e.UserA
}

// Group maps to the groups collection. The creator is always a member.
type Group struct {
	ID            bson.ObjectID   `bson:"_id,omitempty" json:"id"`
	Name          string          `bson:"name" json:"name"`
	Description   string          `bson:"description" json:"description"`
	CreatorID     bson.ObjectID   `bson:"creator_id" json:"creatorId"`
	MemberIDs     []bson.ObjectID `bson:"member_ids" json:"memberIds"`
	CreatedAt     time.Time       `bson:"created_at" json:"createdAt"`
	LastMessageAt time.Time       `bson:"last_message_at" json:"lastMessageAt"`
}

// HasMember reports whether user belongs to the group.
func (g *Group) HasMember(user bson.ObjectID) bool {
	for _, m := range g.MemberIDs {
		if m == user {
			return true
		}
	}
	return false
}

// Message maps to the messages collection. Immutable after creation
// except the two receipt timestamps, which are monotonic and settable
// at most once each.
type Message struct {
	ID          bson.ObjectID      `bson:"_id,omitempty" json:"id"`
	SenderID    bson.ObjectID      `bson:"sender_id" json:"senderId"`
	TargetID    bson.ObjectID      `bson:"target_id" json:"targetId"`
	TargetKind  domain.TargetKind  `bson:"target_kind" json:"targetKind"`
	Content     string             `bson:"content" json:"content"`
	MediaRef    string             `bson:"media_ref,omitempty" json:"mediaRef,omitempty"`
	Type        domain.MessageType `bson:"type" json:"type"`
	CreatedAt   time.Time          `bson:"created_at" json:"createdAt"`
	DeliveredAt *time.Time         `bson:"delivered_at,omitempty" json:"deliveredAt,omitempty"`
	ReadAt      *time.Time         `bson:"read_at,omitempty" json:"readAt,omitempty"`
}

// Reaction maps to the message_reactions collection. A user has at
// most one reaction per message; reacting again replaces the emoji.
type Reaction struct {
	ID        bson.ObjectID `bson:"_id,omitempty" json:"id"`
	MessageID bson.ObjectID `bson:"message_id" json:"messageId"`
	UserID    bson.ObjectID `bson:"user_id" json:"userId"`
	Emoji     string        `bson:"emoji" json:"emoji"`
	CreatedAt time.Time     `bson:"created_at" json:"createdAt"`
}

// ConversationSummary is one row of the recent-conversations listing.
type ConversationSummary struct {
	PeerID        bson.ObjectID `json:"peerId"`
	LastMessage   string        `json:"lastMessage"`
	LastMessageAt time.Time     `json:"lastMessageAt"`
}

// UnreadCount is the number of unread direct messages from one sender.
type UnreadCount struct {
	PeerID bson.ObjectID `json:"peerId"`
	Count  int64         `json:"count"`
}
