// Package data provides DB models and stores.
package data

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/normalize"
)

// UsersStore performs user DB operations. Users are written by the
// external profile system; CreateUser exists for tests and seed
// tooling that provision the shared store directly.
type UsersStore struct {
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// CreateUser inserts a new user document.
func (u *UsersStore) CreateUser(ctx context.Context, username, displayName string) (*User, error) {
	user := &User{
		Username:    normalize.Username(username),
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}

	result, err := u.coll.InsertOne(ctx, user)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, errors.New("user already exists")
		}
		return nil, err
	}

	user.ID = result.InsertedID.(bson.ObjectID)
	return user, nil
}

// GetUserByID finds a user by id.
func (u *UsersStore) GetUserByID(ctx context.Context, id bson.ObjectID) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByUsername finds a user by normalized username.
func (u *UsersStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"username": normalize.Username(username)}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUsersByIDs returns the users whose ids appear in ids. Missing ids
// are simply absent from the result.
func (u *UsersStore) GetUsersByIDs(ctx context.Context, ids []bson.ObjectID) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cursor, err := u.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// FilterExisting returns the subset of ids that resolve to stored
// users. Group creation uses this to drop unknown member ids silently.
func (u *UsersStore) FilterExisting(ctx context.Context, ids []bson.ObjectID) ([]bson.ObjectID, error) {
	users, err := u.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	existing := make([]bson.ObjectID, 0, len(users))
	for _, usr := range users {
		existing = append(existing, usr.ID)
	}
	return existing, nil
}

// SearchUsers matches username or display name against a query,
// case-insensitively, capped at limit results.
func (u *UsersStore) SearchUsers(ctx context.Context, query string, limit int64) ([]*User, error) {
	query = normalize.Query(query)
	if query == "" {
		return nil, nil
	}

	// The query is user input; quote it so it matches literally.
	pattern := regexp.QuoteMeta(query)
	filter := bson.M{"$or": bson.A{
		bson.M{"username": bson.M{"$regex": pattern, "$options": "i"}},
		bson.M{"display_name": bson.M{"$regex": pattern, "$options": "i"}},
	}}

	opts := options.Find().
		SetSort(bson.M{"username": 1}).
		SetLimit(limit)

	cursor, err := u.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}
