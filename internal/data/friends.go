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

// FriendsStore owns friend_requests and friend_edges. Every status
// transition is a compare-and-swap against the PENDING row so the
// state machine's invariants hold under concurrent requests; the
// partial unique index on pair_key backs InsertPending.
type FriendsStore struct {
	requests *mongo.Collection
	edges    *mongo.Collection
}

// NewFriendsStore returns a FriendsStore over the two collections.
func NewFriendsStore(requests, edges *mongo.Collection) *FriendsStore {
	return &FriendsStore{requests: requests, edges: edges}
}

// InsertPending creates a PENDING request. A concurrent or existing
// pending row for the same unordered pair surfaces as
// domain.ErrDuplicateRequest via the unique index.
func (f *FriendsStore) InsertPending(ctx context.Context, sender, receiver bson.ObjectID) (*FriendRequest, error) {
	req := &FriendRequest{
		SenderID:   sender,
		ReceiverID: receiver,
		PairKey:    domain.PairKey(sender, receiver),
		Status:     domain.StatusPending,
		CreatedAt:  time.Now(),
	}

	result, err := f.requests.InsertOne(ctx, req)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, domain.ErrDuplicateRequest
		}
		return nil, err
	}

	req.ID = result.InsertedID.(bson.ObjectID)
	return req, nil
}

// GetRequest finds a request by id.
func (f *FriendsStore) GetRequest(ctx context.Context, id bson.ObjectID) (*FriendRequest, error) {
	var req FriendRequest
	err := f.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// Resolve transitions a PENDING request to the given terminal status.
// The filter includes the PENDING status, so a request that was
// already resolved (by a concurrent actor) comes back as
// domain.ErrNotFound and the caller never double-applies a transition.
func (f *FriendsStore) Resolve(ctx context.Context, id bson.ObjectID, to domain.Status) (*FriendRequest, error) {
	now := time.Now()
	var req FriendRequest
	err := f.requests.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": domain.StatusPending},
		bson.M{"$set": bson.M{"status": to, "resolved_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&req)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// AcceptInverse atomically accepts a PENDING request going the other
// way (receiver→sender). domain.ErrNotFound means no such row exists.
func (f *FriendsStore) AcceptInverse(ctx context.Context, sender, receiver bson.ObjectID) (*FriendRequest, error) {
	now := time.Now()
	var req FriendRequest
	err := f.requests.FindOneAndUpdate(ctx,
		bson.M{
			"sender_id":   receiver,
			"receiver_id": sender,
			"status":      domain.StatusPending,
		},
		bson.M{"$set": bson.M{"status": domain.StatusAccepted, "resolved_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&req)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// PendingFor lists PENDING requests addressed to user, oldest first.
func (f *FriendsStore) PendingFor(ctx context.Context, user bson.ObjectID) ([]*FriendRequest, error) {
	return f.listRequests(ctx, bson.M{"receiver_id": user, "status": domain.StatusPending})
}

// SentBy lists PENDING requests user has sent, oldest first.
func (f *FriendsStore) SentBy(ctx context.Context, user bson.ObjectID) ([]*FriendRequest, error) {
	return f.listRequests(ctx, bson.M{"sender_id": user, "status": domain.StatusPending})
}

func (f *FriendsStore) listRequests(ctx context.Context, filter bson.M) ([]*FriendRequest, error) {
	opts := options.Find().SetSort(bson.M{"created_at": 1})
	cursor, err := f.requests.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var reqs []*FriendRequest
	if err := cursor.All(ctx, &reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

// CreateEdge records the friendship for an unordered pair. A duplicate
// insert (possible when two accept paths race) is a no-op: the unique
// pair_key index guarantees a single edge either way.
func (f *FriendsStore) CreateEdge(ctx context.Context, a, b bson.ObjectID) error {
	ua, ub := a, b
	if ua.Hex() > ub.Hex() {
		ua, ub = ub, ua
	}

	edge := &FriendEdge{
		UserA:     ua,
		UserB:     ub,
		PairKey:   domain.PairKey(a, b),
		CreatedAt: time.Now(),
	}

	if _, err := f.edges.InsertOne(ctx, edge); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}
	return nil
}

// EdgeExists reports whether a friendship exists for the pair.
func (f *FriendsStore) EdgeExists(ctx context.Context, a, b bson.ObjectID) (bool, error) {
	count, err := f.edges.CountDocuments(ctx, bson.M{"pair_key": domain.PairKey(a, b)})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// EdgesFor lists all friendships user participates in.
func (f *FriendsStore) EdgesFor(ctx context.Context, user bson.ObjectID) ([]*FriendEdge, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"user_a": user},
		bson.M{"user_b": user},
	}}

	cursor, err := f.edges.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var edges []*FriendEdge
	if err := cursor.All(ctx, &edges); err != nil {
		return nil, err
	}
	return edges, nil
}
