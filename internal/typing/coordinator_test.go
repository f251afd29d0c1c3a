package typing

import (
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/domain"
)

type transition struct {
	user     bson.ObjectID
	conv     domain.Conversation
	isTyping bool
}

type recorder struct {
	mu          sync.Mutex
	transitions []transition
}

func (r *recorder) notify(user bson.ObjectID, conv domain.Conversation, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, transition{user, conv, isTyping})
}

func (r *recorder) snapshot() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	rec := &recorder{}
	c := New(40*time.Millisecond, rec.notify)
	defer c.Stop()

	user := bson.NewObjectID()
	conv := domain.Conversation{Kind: domain.TargetDirect, ID: bson.NewObjectID()}

	c.SetTyping(user, conv)
	time.Sleep(100 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected start+expiry, got %+v", got)
	}
	if !got[0].isTyping || got[1].isTyping {
		t.Fatalf("expected true then false, got %+v", got)
	}
}

func TestRepeatedTypingExtendsAndRebroadcasts(t *testing.T) {
	rec := &recorder{}
	c := New(60*time.Millisecond, rec.notify)
	defer c.Stop()

	user := bson.NewObjectID()
	conv := domain.Conversation{Kind: domain.TargetDirect, ID: bson.NewObjectID()}

	c.SetTyping(user, conv)
	time.Sleep(30 * time.Millisecond)
	c.SetTyping(user, conv)
	time.Sleep(30 * time.Millisecond)

	// Original deadline has passed but the state was extended: two
	// trues so far, no expiry.
	got := rec.snapshot()
	if len(got) != 2 || !got[0].isTyping || !got[1].isTyping {
		t.Fatalf("every setTyping must broadcast true, got %+v", got)
	}

	time.Sleep(80 * time.Millisecond)
	got = rec.snapshot()
	if len(got) != 3 || got[2].isTyping {
		t.Fatalf("expected a single expiry after the extended TTL, got %+v", got)
	}
}

func TestClearTypingNotifiesFalseOnce(t *testing.T) {
	rec := &recorder{}
	c := New(time.Second, rec.notify)
	defer c.Stop()

	user := bson.NewObjectID()
	conv := domain.Conversation{Kind: domain.TargetGroup, ID: bson.NewObjectID()}

	c.SetTyping(user, conv)
	c.ClearTyping(user, conv)
	c.ClearTyping(user, conv) // idempotent

	got := rec.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected start+clear, got %+v", got)
	}
	if got[1].isTyping {
		t.Fatal("clear must notify false")
	}
}

func TestConversationsAreIndependent(t *testing.T) {
	rec := &recorder{}
	c := New(time.Second, rec.notify)
	defer c.Stop()

	user := bson.NewObjectID()
	convA := domain.Conversation{Kind: domain.TargetDirect, ID: bson.NewObjectID()}
	convB := domain.Conversation{Kind: domain.TargetGroup, ID: bson.NewObjectID()}

	c.SetTyping(user, convA)
	c.SetTyping(user, convB)
	c.ClearTyping(user, convA)

	got := rec.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected three transitions, got %+v", got)
	}
	if got[2].conv.ID != convA.ID || got[2].isTyping {
		t.Fatalf("clear should affect conversation A only, got %+v", got[2])
	}
}
