// Package db manages MongoDB connections, collections and indexes.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Client wraps mongo.Client and exposes the core's collections.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB and returns a Client.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database(database),
	}, nil
}

// UsersCollection returns the users collection.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// FriendRequestsCollection returns the friend_requests collection.
func (c *Client) FriendRequestsCollection() *mongo.Collection {
	return c.db.Collection("friend_requests")
}

// FriendEdgesCollection returns the friend_edges collection.
func (c *Client) FriendEdgesCollection() *mongo.Collection {
	return c.db.Collection("friend_edges")
}

// GroupsCollection returns the groups collection.
func (c *Client) GroupsCollection() *mongo.Collection {
	return c.db.Collection("groups")
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// MessageReactionsCollection returns the message_reactions collection.
func (c *Client) MessageReactionsCollection() *mongo.Collection {
	return c.db.Collection("message_reactions")
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes the stores rely on. Two of them
// carry invariants, not just performance: the partial unique index on
// pending friend requests (at most one PENDING row per unordered user
// pair) and the unique index on friend edges (at most one edge per
// pair).
func (c *Client) CreateIndexes(ctx context.Context) error {
	// users: unique username for boundary lookups
	_, err := c.UsersCollection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    map[string]int{"username": 1},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create users index: %w", err)
	}

	// friend_requests: the single-PENDING-per-pair invariant lives
	// here so concurrent mutual sends cannot create two pending rows.
	_, err = c.FriendRequestsCollection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: map[string]int{"pair_key": 1},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": "PENDING"}),
		},
		{Keys: map[string]int{"receiver_id": 1, "status": 1}},
		{Keys: map[string]int{"sender_id": 1, "status": 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create friend_requests indexes: %w", err)
	}

	// friend_edges: exactly one edge per unordered pair.
	_, err = c.FriendEdgesCollection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    map[string]int{"pair_key": 1},
			Options: options.Index().SetUnique(true),
		},
		{Keys: map[string]int{"user_a": 1}},
		{Keys: map[string]int{"user_b": 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create friend_edges indexes: %w", err)
	}

	// groups: membership lookups
	_, err = c.GroupsCollection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: map[string]int{"member_ids": 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create groups index: %w", err)
	}

	// messages: history queries and unread aggregation
	_, err = c.MessagesCollection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: map[string]int{"target_kind": 1, "target_id": 1, "created_at": -1}},
		{Keys: map[string]int{"sender_id": 1, "created_at": -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	// message_reactions: one reaction per user per message, plus the
	// per-message listing.
	_, err = c.MessageReactionsCollection().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    map[string]int{"message_id": 1, "user_id": 1},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create message_reactions index: %w", err)
	}

	return nil
}
