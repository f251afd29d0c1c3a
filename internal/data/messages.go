package data

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/m4hub/chatcore/internal/domain"
)

// MessagesStore provides message database operations. A message is
// written once; only the receipt timestamps ever change afterwards,
// through the conditional updates below.
type MessagesStore struct {
	coll *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using the given collection.
func NewMessagesStore(coll *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll}
}

// Save inserts a message document and returns the saved record.
func (m *MessagesStore) Save(ctx context.Context, msg *Message) (*Message, error) {
	msg.CreatedAt = time.Now()

	result, err := m.coll.InsertOne(ctx, msg)
	if err != nil {
		return nil, err
	}

	msg.ID = result.InsertedID.(bson.ObjectID)
	return msg, nil
}

// Get finds a message by id.
func (m *MessagesStore) Get(ctx context.Context, id bson.ObjectID) (*Message, error) {
	var msg Message
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// History returns recent direct messages between two users, ordered
// oldest→newest.
func (m *MessagesStore) History(ctx context.Context, user1, user2 bson.ObjectID, limit int64) ([]*Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit)

	filter := bson.M{
		"target_kind": domain.TargetDirect,
		"$or": bson.A{
			bson.M{"sender_id": user1, "target_id": user2},
			bson.M{"sender_id": user2, "target_id": user1},
		},
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	// The query returned newest first; clients expect chronological.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// GroupHistory returns recent messages of a group, oldest→newest.
func (m *MessagesStore) GroupHistory(ctx context.Context, groupID bson.ObjectID, limit int64) ([]*Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit)

	filter := bson.M{
		"target_kind": domain.TargetGroup,
		"target_id":   groupID,
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// SetDelivered stamps delivered_at if and only if it is unset, using a
// pipeline update so the write is idempotent at the store: replays and
// races leave the first timestamp in place. It returns the message as
// it was BEFORE the update so the caller can tell whether this call
// performed the transition.
func (m *MessagesStore) SetDelivered(ctx context.Context, id bson.ObjectID, at time.Time) (*Message, error) {
	update := bson.A{
		bson.M{"$set": bson.M{
			"delivered_at": bson.M{"$ifNull": bson.A{"$delivered_at", at}},
		}},
	}

	var before Message
	err := m.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &before, nil
}

// SetRead stamps read_at if unset, and delivered_at along with it when
// the message was never marked delivered (read implies delivered, and
// delivered_at ≤ read_at holds because both get the same timestamp).
// Returns the pre-update message, like SetDelivered.
func (m *MessagesStore) SetRead(ctx context.Context, id bson.ObjectID, at time.Time) (*Message, error) {
	update := bson.A{
		bson.M{"$set": bson.M{
			"delivered_at": bson.M{"$ifNull": bson.A{"$delivered_at", at}},
			"read_at":      bson.M{"$ifNull": bson.A{"$read_at", at}},
		}},
	}

	var before Message
	err := m.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &before, nil
}

// MarkConversationRead stamps read_at (and delivered_at where unset)
// on every unread direct message from peer to user, all with the same
// timestamp. Returns how many messages transitioned.
func (m *MessagesStore) MarkConversationRead(ctx context.Context, user, peer bson.ObjectID, at time.Time) (int64, error) {
	filter := bson.M{
		"target_kind": domain.TargetDirect,
		"target_id":   user,
		"sender_id":   peer,
		"read_at":     nil,
	}
	update := bson.A{
		bson.M{"$set": bson.M{
			"delivered_at": bson.M{"$ifNull": bson.A{"$delivered_at", at}},
			"read_at":      at,
		}},
	}

	result, err := m.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return result.ModifiedCount, nil
}

// RecentConversations aggregates recent direct-message partners and
// last message info for the user.
func (m *MessagesStore) RecentConversations(ctx context.Context, user bson.ObjectID, limit int64) ([]*ConversationSummary, error) {
	pipeline := mongo.Pipeline{
		// Direct messages where the user is either end.
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "target_kind", Value: domain.TargetDirect},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "sender_id", Value: user}},
				bson.D{{Key: "target_id", Value: user}},
			}},
		}}},

		bson.D{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}}},

		// Group by conversation partner, keeping the last message.
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "peer", Value: bson.D{
					{Key: "$cond", Value: bson.A{
						bson.D{{Key: "$eq", Value: bson.A{"$sender_id", user}}},
						"$target_id",
						"$sender_id",
					}},
				}},
			}},
			{Key: "last_message", Value: bson.D{{Key: "$last", Value: "$content"}}},
			{Key: "last_message_at", Value: bson.D{{Key: "$last", Value: "$created_at"}}},
		}}},

		bson.D{{Key: "$sort", Value: bson.D{{Key: "last_message_at", Value: -1}}}},
		bson.D{{Key: "$limit", Value: limit}},
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID struct {
			Peer bson.ObjectID `bson:"peer"`
		} `bson:"_id"`
		LastMessage   string    `bson:"last_message"`
		LastMessageAt time.Time `bson:"last_message_at"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	summaries := make([]*ConversationSummary, 0, len(rows))
	for _, r := range rows {
		summaries = append(summaries, &ConversationSummary{
			PeerID:        r.ID.Peer,
			LastMessage:   r.LastMessage,
			LastMessageAt: r.LastMessageAt,
		})
	}
	return summaries, nil
}

// LastDirectMessage returns the most recent direct message between two
// users, or nil if they never exchanged one.
func (m *MessagesStore) LastDirectMessage(ctx context.Context, user1, user2 bson.ObjectID) (*Message, error) {
	filter := bson.M{
		"target_kind": domain.TargetDirect,
		"$or": bson.A{
			bson.M{"sender_id": user1, "target_id": user2},
			bson.M{"sender_id": user2, "target_id": user1},
		},
	}

	var msg Message
	err := m.coll.FindOne(ctx, filter,
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// UnreadCounts aggregates, per sending peer, how many direct messages
// addressed to user have no read timestamp yet.
func (m *MessagesStore) UnreadCounts(ctx context.Context, user bson.ObjectID) ([]*UnreadCount, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "target_kind", Value: domain.TargetDirect},
			{Key: "target_id", Value: user},
			{Key: "read_at", Value: nil},
		}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$sender_id"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID    bson.ObjectID `bson:"_id"`
		Count int64         `bson:"count"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, err
	}

	counts := make([]*UnreadCount, 0, len(rows))
	for _, r := range rows {
		counts = append(counts, &UnreadCount{PeerID: r.ID, Count: r.Count})
	}
	return counts, nil
}
