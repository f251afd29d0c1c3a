package data

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/domain"
)

func saveDirect(t *testing.T, store *MessagesStore, from, to bson.ObjectID, content string) *Message {
	t.Helper()
	msg, err := store.Save(context.Background(), &Message{
		SenderID:   from,
		TargetID:   to,
		TargetKind: domain.TargetDirect,
		Content:    content,
		Type:       domain.MessageText,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	return msg
}

func TestMessagesHistoryOrder(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	store := NewMessagesStore(c.MessagesCollection())
	ctx := context.Background()

	a, b := bson.NewObjectID(), bson.NewObjectID()
	saveDirect(t, store, a, b, "one")
	saveDirect(t, store, b, a, "two")
	saveDirect(t, store, a, b, "three")

	msgs, err := store.History(ctx, a, b, 100)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "one" || msgs[2].Content != "three" {
		t.Fatalf("history not chronological: %q .. %q", msgs[0].Content, msgs[2].Content)
	}
}

func TestMessagesReceiptsIdempotentAndMonotonic(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	store := NewMessagesStore(c.MessagesCollection())
	ctx := context.Background()

	a, b := bson.NewObjectID(), bson.NewObjectID()
	msg := saveDirect(t, store, a, b, "hello")

	first := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	before, err := store.SetDelivered(ctx, msg.ID, first)
	if err != nil {
		t.Fatalf("SetDelivered failed: %v", err)
	}
	if before.DeliveredAt != nil {
		t.Fatal("first SetDelivered should see an unset timestamp")
	}

	// Second write with a later time must not overwrite the first.
	before, err = store.SetDelivered(ctx, msg.ID, time.Now())
	if err != nil {
		t.Fatalf("second SetDelivered failed: %v", err)
	}
	if before.DeliveredAt == nil || !before.DeliveredAt.Equal(first) {
		t.Fatalf("delivered_at overwritten: %v", before.DeliveredAt)
	}

	// Read stamps read_at but leaves the earlier delivered_at alone.
	readAt := time.Now().UTC().Truncate(time.Millisecond)
	if _, err := store.SetRead(ctx, msg.ID, readAt); err != nil {
		t.Fatalf("SetRead failed: %v", err)
	}

	got, err := store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DeliveredAt == nil || !got.DeliveredAt.Equal(first) {
		t.Fatalf("delivered_at changed by SetRead: %v", got.DeliveredAt)
	}
	if got.ReadAt == nil || got.ReadAt.Before(*got.DeliveredAt) {
		t.Fatalf("delivered_at ≤ read_at violated: %v < %v", got.ReadAt, got.DeliveredAt)
	}
}

func TestMessagesReadImpliesDelivered(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	store := NewMessagesStore(c.MessagesCollection())
	ctx := context.Background()

	a, b := bson.NewObjectID(), bson.NewObjectID()
	msg := saveDirect(t, store, a, b, "hello")

	ts := time.Now().UTC().Truncate(time.Millisecond)
	before, err := store.SetRead(ctx, msg.ID, ts)
	if err != nil {
		t.Fatalf("SetRead failed: %v", err)
	}
	if before.ReadAt != nil || before.DeliveredAt != nil {
		t.Fatal("expected both timestamps unset before SetRead")
	}

	got, err := store.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DeliveredAt == nil || got.ReadAt == nil {
		t.Fatal("SetRead on undelivered message must set both timestamps")
	}
	if got.DeliveredAt.After(*got.ReadAt) {
		t.Fatalf("delivered_at ≤ read_at violated")
	}
}

func TestMessagesUnreadCounts(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	store := NewMessagesStore(c.MessagesCollection())
	ctx := context.Background()

	me, peer1, peer2 := bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID()
	saveDirect(t, store, peer1, me, "a")
	saveDirect(t, store, peer1, me, "b")
	read := saveDirect(t, store, peer2, me, "c")
	saveDirect(t, store, peer2, me, "d")
	saveDirect(t, store, me, peer1, "outgoing, never counted")

	if _, err := store.SetRead(ctx, read.ID, time.Now()); err != nil {
		t.Fatalf("SetRead failed: %v", err)
	}

	counts, err := store.UnreadCounts(ctx, me)
	if err != nil {
		t.Fatalf("UnreadCounts failed: %v", err)
	}

	byPeer := map[bson.ObjectID]int64{}
	for _, c := range counts {
		byPeer[c.PeerID] = c.Count
	}
	if byPeer[peer1] != 2 {
		t.Fatalf("expected 2 unread from peer1, got %d", byPeer[peer1])
	}
	if byPeer[peer2] != 1 {
		t.Fatalf("expected 1 unread from peer2, got %d", byPeer[peer2])
	}
}

func TestMessagesRecentConversations(t *testing.T) {
	c := setupDB(t)
	defer func() { _ = c.Close(context.Background()) }()

	store := NewMessagesStore(c.MessagesCollection())
	ctx := context.Background()

	me, peer1, peer2 := bson.NewObjectID(), bson.NewObjectID(), bson.NewObjectID()
	saveDirect(t, store, me, peer1, "hi peer1")
	saveDirect(t, store, peer2, me, "hi from peer2")
	saveDirect(t, store, peer1, me, "latest with peer1")

	summaries, err := store.RecentConversations(ctx, me, 10)
	if err != nil {
		t.Fatalf("RecentConversations failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(summaries))
	}
	if summaries[0].PeerID != peer1 || summaries[0].LastMessage != "latest with peer1" {
		t.Fatalf("most recent conversation wrong: %+v", summaries[0])
	}
}
