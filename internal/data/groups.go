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

// GroupsStore performs group DB operations.
type GroupsStore struct {
	coll *mongo.Collection
}

// NewGroupsStore returns a GroupsStore using the given collection.
func NewGroupsStore(coll *mongo.Collection) *GroupsStore {
	return &GroupsStore{coll: coll}
}

// Insert creates a group document. Membership is expected to already
// include the creator; validation happens in the directory.
func (g *GroupsStore) Insert(ctx context.Context, group *Group) (*Group, error) {
	group.CreatedAt = time.Now()
	group.LastMessageAt = group.CreatedAt

	result, err := g.coll.InsertOne(ctx, group)
	if err != nil {
		return nil, err
	}

	group.ID = result.InsertedID.(bson.ObjectID)
	return group, nil
}

// Get finds a group by id.
func (g *GroupsStore) Get(ctx context.Context, id bson.ObjectID) (*Group, error) {
	var group Group
	err := g.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&group)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &group, nil
}

// AddMember adds a user to the member set; adding an existing member
// is a no-op ($addToSet).
func (g *GroupsStore) AddMember(ctx context.Context, groupID, userID bson.ObjectID) error {
	result, err := g.coll.UpdateOne(ctx,
		bson.M{"_id": groupID},
		bson.M{"$addToSet": bson.M{"member_ids": userID}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes the group document. Message history referencing the
// group id is deliberately left in place.
func (g *GroupsStore) Delete(ctx context.Context, id bson.ObjectID) error {
	result, err := g.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchLastMessage bumps the group's last-message timestamp.
func (g *GroupsStore) TouchLastMessage(ctx context.Context, id bson.ObjectID, at time.Time) error {
	_, err := g.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"last_message_at": at}},
	)
	return err
}

// ListForUser lists groups user is a member of, most recently active
// first.
func (g *GroupsStore) ListForUser(ctx context.Context, user bson.ObjectID) ([]*Group, error) {
	opts := options.Find().SetSort(bson.M{"last_message_at": -1})
	cursor, err := g.coll.Find(ctx, bson.M{"member_ids": user}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var groups []*Group
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}
