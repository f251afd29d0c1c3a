// Package groups manages group membership: creation, member addition
// and deletion, with creator-only administration.
package groups

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/domain"
)

// Store is the persistence surface the directory needs.
type Store interface {
	Insert(ctx context.Context, group *data.Group) (*data.Group, error)
	Get(ctx context.Context, id bson.ObjectID) (*data.Group, error)
	AddMember(ctx context.Context, groupID, userID bson.ObjectID) error
	Delete(ctx context.Context, id bson.ObjectID) error
	ListForUser(ctx context.Context, user bson.ObjectID) ([]*data.Group, error)
}

// Users validates member ids against the user base.
type Users interface {
	FilterExisting(ctx context.Context, ids []bson.ObjectID) ([]bson.ObjectID, error)
	GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error)
}

// Directory implements group administration over a Store.
type Directory struct {
	store Store
	users Users
	retry data.RetryConfig
}

// New returns a Directory.
func New(store Store, users Users, retry data.RetryConfig) *Directory {
	return &Directory{store: store, users: users, retry: retry}
}

// Create makes a new group with creator as an implicit member.
// Unknown members are dropped silently and duplicates collapsed; the
// group must end up with at least one member besides the creator.
func (d *Directory) Create(ctx context.Context, creator bson.ObjectID, name, description string, members []bson.ObjectID) (*data.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrInvalidArgument
	}

	existing, err := d.users.FilterExisting(ctx, members)
	if err != nil {
		return nil, err
	}

	seen := map[bson.ObjectID]bool{creator: true}
	memberIDs := []bson.ObjectID{creator}
	for _, id := range existing {
		if seen[id] {
			continue
		}
		seen[id] = true
		memberIDs = append(memberIDs, id)
	}
	if len(memberIDs) < 2 {
		return nil, domain.ErrEmptyGroup
	}

	now := time.Now()
	group := &data.Group{
		Name:          name,
		Description:   strings.TrimSpace(description),
		CreatorID:     creator,
		MemberIDs:     memberIDs,
		CreatedAt:     now,
		LastMessageAt: now,
	}

	err = data.WithRetry(ctx, d.retry, func() error {
		var opErr error
		group, opErr = d.store.Insert(ctx, group)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// AddMember adds user to the group. Any current member may add; the
// target must exist. Adding an existing member is a no-op.
func (d *Directory) AddMember(ctx context.Context, actor, groupID, userID bson.ObjectID) (*data.Group, error) {
	group, err := d.get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasMember(actor) {
		return nil, domain.ErrUnauthorized
	}
	if _, err := d.users.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}

	err = data.WithRetry(ctx, d.retry, func() error {
		return d.store.AddMember(ctx, groupID, userID)
	})
	if err != nil {
		return nil, err
	}
	return d.get(ctx, groupID)
}

// Delete removes the group. Creator only. Message history is retained;
// only routing and membership stop.
func (d *Directory) Delete(ctx context.Context, actor, groupID bson.ObjectID) error {
	group, err := d.get(ctx, groupID)
	if err != nil {
		return err
	}
	if group.CreatorID != actor {
		return domain.ErrUnauthorized
	}
	return data.WithRetry(ctx, d.retry, func() error {
		return d.store.Delete(ctx, groupID)
	})
}

// Get returns the group if the actor is a member.
func (d *Directory) Get(ctx context.Context, actor, groupID bson.ObjectID) (*data.Group, error) {
	group, err := d.get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !group.HasMember(actor) {
		return nil, domain.ErrUnauthorized
	}
	return group, nil
}

func (d *Directory) get(ctx context.Context, groupID bson.ObjectID) (*data.Group, error) {
	var group *data.Group
	err := data.WithRetry(ctx, d.retry, func() error {
		var opErr error
		group, opErr = d.store.Get(ctx, groupID)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// ListForUser lists the groups the user belongs to, most recently
// active first.
func (d *Directory) ListForUser(ctx context.Context, user bson.ObjectID) ([]*data.Group, error) {
	return d.store.ListForUser(ctx, user)
}
