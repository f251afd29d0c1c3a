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

// ReactionsStore provides reaction database operations. The unique
// index on (message_id, user_id) keeps one reaction per user per
// message; Upsert replaces the emoji in place.
type ReactionsStore struct {
	coll *mongo.Collection
}

// NewReactionsStore returns a ReactionsStore using the given collection.
func NewReactionsStore(coll *mongo.Collection) *ReactionsStore {
	return &ReactionsStore{coll: coll}
}

// Upsert sets the user's reaction on the message, replacing any
// previous emoji. CreatedAt keeps the timestamp of the first reaction.
func (r *ReactionsStore) Upsert(ctx context.Context, messageID, userID bson.ObjectID, emoji string) (*Reaction, error) {
	filter := bson.M{"message_id": messageID, "user_id": userID}
	update := bson.M{
		"$set":         bson.M{"emoji": emoji},
		"$setOnInsert": bson.M{"created_at": time.Now()},
	}

	var reaction Reaction
	err := r.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&reaction)
	if err != nil {
		return nil, err
	}
	return &reaction, nil
}

// Remove deletes the user's reaction on the message.
// domain.ErrNotFound when there was none.
func (r *ReactionsStore) Remove(ctx context.Context, messageID, userID bson.ObjectID) error {
	result, err := r.coll.DeleteOne(ctx, bson.M{"message_id": messageID, "user_id": userID})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListForMessage returns the message's reactions, oldest first.
func (r *ReactionsStore) ListForMessage(ctx context.Context, messageID bson.ObjectID) ([]*Reaction, error) {
	cursor, err := r.coll.Find(ctx, bson.M{"message_id": messageID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	defer cursor.Close(ctx)

	var reactions []*Reaction
	if err = cursor.All(ctx, &reactions); err != nil {
		return nil, err
	}
	return reactions, nil
}
