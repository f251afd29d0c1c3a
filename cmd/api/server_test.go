package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/auth"
	"github.com/m4hub/chatcore/internal/config"
	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/event"
	"github.com/m4hub/chatcore/internal/friends"
	"github.com/m4hub/chatcore/internal/groups"
	"github.com/m4hub/chatcore/internal/hub"
	"github.com/m4hub/chatcore/internal/media"
	"github.com/m4hub/chatcore/internal/middleware"
	"github.com/m4hub/chatcore/internal/normalize"
	"github.com/m4hub/chatcore/internal/reactions"
	"github.com/m4hub/chatcore/internal/receipts"
	"github.com/m4hub/chatcore/internal/router"
	"github.com/m4hub/chatcore/internal/typing"
)

// In-memory stores backing the full server for transport-level tests.
// They reproduce the semantics the Mongo stores guarantee: single
// pending request per pair, unique edges, set-once receipt timestamps.

type memUsers struct {
	mu    sync.Mutex
	users map[bson.ObjectID]*data.User
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[bson.ObjectID]*data.User)}
}

func (m *memUsers) add(username string) *data.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &data.User{ID: bson.NewObjectID(), Username: normalize.Username(username), DisplayName: username}
	m.users[u.ID] = u
	return u
}

func (m *memUsers) GetUserByID(_ context.Context, id bson.ObjectID) (*data.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) GetUserByUsername(_ context.Context, username string) (*data.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	username = normalize.Username(username)
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memUsers) GetUsersByIDs(_ context.Context, ids []bson.ObjectID) ([]*data.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.User
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memUsers) FilterExisting(_ context.Context, ids []bson.ObjectID) ([]bson.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []bson.ObjectID
	for _, id := range ids {
		if _, ok := m.users[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memUsers) SearchUsers(_ context.Context, query string, limit int64) ([]*data.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.User
	for _, u := range m.users {
		if len(out) >= int(limit) {
			break
		}
		if containsFold(u.Username, query) || containsFold(u.DisplayName, query) {
			out = append(out, u)
		}
	}
	return out, nil
}

func containsFold(s, sub string) bool {
	return bytes.Contains(bytes.ToLower([]byte(s)), bytes.ToLower([]byte(sub)))
}

type memFriends struct {
	mu       sync.Mutex
	requests map[bson.ObjectID]*data.FriendRequest
	edges    map[string]bool
}

func newMemFriends() *memFriends {
	return &memFriends{
		requests: make(map[bson.ObjectID]*data.FriendRequest),
		edges:    make(map[string]bool),
	}
}

func (m *memFriends) InsertPending(_ context.Context, sender, receiver bson.ObjectID) (*data.FriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := domain.PairKey(sender, receiver)
	for _, r := range m.requests {
		if r.PairKey == key && r.Status == domain.StatusPending {
			return nil, domain.ErrDuplicateRequest
		}
	}
	req := &data.FriendRequest{
		ID: bson.NewObjectID(), SenderID: sender, ReceiverID: receiver,
		PairKey: key, Status: domain.StatusPending, CreatedAt: time.Now(),
	}
	m.requests[req.ID] = req
	return req, nil
}

func (m *memFriends) GetRequest(_ context.Context, id bson.ObjectID) (*data.FriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memFriends) Resolve(_ context.Context, id bson.ObjectID, to domain.Status) (*data.FriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != domain.StatusPending {
		return nil, domain.ErrNotFound
	}
	r.Status = to
	cp := *r
	return &cp, nil
}

func (m *memFriends) AcceptInverse(_ context.Context, sender, receiver bson.ObjectID) (*data.FriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.SenderID == receiver && r.ReceiverID == sender && r.Status == domain.StatusPending {
			r.Status = domain.StatusAccepted
			cp := *r
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memFriends) PendingFor(_ context.Context, user bson.ObjectID) ([]*data.FriendRequest, error) {
	return m.list(func(r *data.FriendRequest) bool {
		return r.ReceiverID == user && r.Status == domain.StatusPending
	})
}

func (m *memFriends) SentBy(_ context.Context, user bson.ObjectID) ([]*data.FriendRequest, error) {
	return m.list(func(r *data.FriendRequest) bool {
		return r.SenderID == user && r.Status == domain.StatusPending
	})
}

func (m *memFriends) list(match func(*data.FriendRequest) bool) ([]*data.FriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.FriendRequest
	for _, r := range m.requests {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memFriends) CreateEdge(_ context.Context, a, b bson.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[domain.PairKey(a, b)] = true
	return nil
}

func (m *memFriends) EdgeExists(_ context.Context, a, b bson.ObjectID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edges[domain.PairKey(a, b)], nil
}

func (m *memFriends) EdgesFor(_ context.Context, user bson.ObjectID) ([]*data.FriendEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.FriendEdge
	for _, r := range m.requests {
		if r.Status == domain.StatusAccepted && (r.SenderID == user || r.ReceiverID == user) {
			a, b := r.SenderID, r.ReceiverID
			if a.Hex() > b.Hex() {
				a, b = b, a
			}
			out = append(out, &data.FriendEdge{UserA: a, UserB: b, PairKey: r.PairKey})
		}
	}
	return out, nil
}

type memGroups struct {
	mu     sync.Mutex
	groups map[bson.ObjectID]*data.Group
}

func newMemGroups() *memGroups {
	return &memGroups{groups: make(map[bson.ObjectID]*data.Group)}
}

func (m *memGroups) Insert(_ context.Context, group *data.Group) (*data.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *group
	cp.ID = bson.NewObjectID()
	m.groups[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memGroups) Get(_ context.Context, id bson.ObjectID) (*data.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *g
	cp.MemberIDs = append([]bson.ObjectID(nil), g.MemberIDs...)
	return &cp, nil
}

func (m *memGroups) AddMember(_ context.Context, groupID, userID bson.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return domain.ErrNotFound
	}
	if !g.HasMember(userID) {
		g.MemberIDs = append(g.MemberIDs, userID)
	}
	return nil
}

func (m *memGroups) Delete(_ context.Context, id bson.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.groups, id)
	return nil
}

func (m *memGroups) TouchLastMessage(_ context.Context, id bson.ObjectID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[id]; ok {
		g.LastMessageAt = at
	}
	return nil
}

func (m *memGroups) ListForUser(_ context.Context, user bson.ObjectID) ([]*data.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.Group
	for _, g := range m.groups {
		if g.HasMember(user) {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memMessages struct {
	mu       sync.Mutex
	messages []*data.Message
}

func (m *memMessages) Save(_ context.Context, msg *data.Message) (*data.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	cp.ID = bson.NewObjectID()
	m.messages = append(m.messages, &cp)
	out := cp
	return &out, nil
}

func (m *memMessages) Get(_ context.Context, id bson.ObjectID) (*data.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memMessages) SetDelivered(_ context.Context, id bson.ObjectID, at time.Time) (*data.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			before := *msg
			if msg.DeliveredAt == nil {
				msg.DeliveredAt = &at
			}
			return &before, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memMessages) SetRead(_ context.Context, id bson.ObjectID, at time.Time) (*data.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			before := *msg
			if msg.DeliveredAt == nil {
				msg.DeliveredAt = &at
			}
			if msg.ReadAt == nil {
				msg.ReadAt = &at
			}
			return &before, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memMessages) History(_ context.Context, user1, user2 bson.ObjectID, limit int64) ([]*data.Message, error) {
	return m.filter(func(msg *data.Message) bool {
		if msg.TargetKind != domain.TargetDirect {
			return false
		}
		return (msg.SenderID == user1 && msg.TargetID == user2) ||
			(msg.SenderID == user2 && msg.TargetID == user1)
	})
}

func (m *memMessages) GroupHistory(_ context.Context, groupID bson.ObjectID, limit int64) ([]*data.Message, error) {
	return m.filter(func(msg *data.Message) bool {
		return msg.TargetKind == domain.TargetGroup && msg.TargetID == groupID
	})
}

func (m *memMessages) filter(match func(*data.Message) bool) ([]*data.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.Message
	for _, msg := range m.messages {
		if match(msg) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memMessages) RecentConversations(_ context.Context, user bson.ObjectID, limit int64) ([]*data.ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := make(map[bson.ObjectID]*data.Message)
	for _, msg := range m.messages {
		if msg.TargetKind != domain.TargetDirect {
			continue
		}
		var peer bson.ObjectID
		switch user {
		case msg.SenderID:
			peer = msg.TargetID
		case msg.TargetID:
			peer = msg.SenderID
		default:
			continue
		}
		if prev, ok := latest[peer]; !ok || msg.CreatedAt.After(prev.CreatedAt) {
			latest[peer] = msg
		}
	}
	var out []*data.ConversationSummary
	for peer, msg := range latest {
		out = append(out, &data.ConversationSummary{
			PeerID: peer, LastMessage: msg.Content, LastMessageAt: msg.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (m *memMessages) LastDirectMessage(_ context.Context, user1, user2 bson.ObjectID) (*data.Message, error) {
	history, _ := m.History(nil, user1, user2, 0)
	if len(history) == 0 {
		return nil, nil
	}
	return history[len(history)-1], nil
}

func (m *memMessages) UnreadCounts(_ context.Context, user bson.ObjectID) ([]*data.UnreadCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[bson.ObjectID]int64)
	for _, msg := range m.messages {
		if msg.TargetKind == domain.TargetDirect && msg.TargetID == user && msg.ReadAt == nil {
			counts[msg.SenderID]++
		}
	}
	var out []*data.UnreadCount
	for peer, n := range counts {
		out = append(out, &data.UnreadCount{PeerID: peer, Count: n})
	}
	return out, nil
}

func (m *memMessages) MarkConversationRead(_ context.Context, user, peer bson.ObjectID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, msg := range m.messages {
		if msg.TargetKind != domain.TargetDirect || msg.TargetID != user || msg.SenderID != peer || msg.ReadAt != nil {
			continue
		}
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &at
		}
		msg.ReadAt = &at
		n++
	}
	return n, nil
}

type memReactionKey struct {
	message bson.ObjectID
	user    bson.ObjectID
}

type memReactions struct {
	mu        sync.Mutex
	reactions map[memReactionKey]*data.Reaction
}

func newMemReactions() *memReactions {
	return &memReactions{reactions: make(map[memReactionKey]*data.Reaction)}
}

func (m *memReactions) Upsert(_ context.Context, messageID, userID bson.ObjectID, emoji string) (*data.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memReactionKey{message: messageID, user: userID}
	if r, ok := m.reactions[k]; ok {
		r.Emoji = emoji
		cp := *r
		return &cp, nil
	}
	r := &data.Reaction{
		ID: bson.NewObjectID(), MessageID: messageID, UserID: userID,
		Emoji: emoji, CreatedAt: time.Now(),
	}
	m.reactions[k] = r
	cp := *r
	return &cp, nil
}

func (m *memReactions) Remove(_ context.Context, messageID, userID bson.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memReactionKey{message: messageID, user: userID}
	if _, ok := m.reactions[k]; !ok {
		return domain.ErrNotFound
	}
	delete(m.reactions, k)
	return nil
}

func (m *memReactions) ListForMessage(_ context.Context, messageID bson.ObjectID) ([]*data.Reaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*data.Reaction
	for k, r := range m.reactions {
		if k.message == messageID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// captureSender stands in for a live connection in the registry.
type captureSender struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *captureSender) Send(ev *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSender) byType(t event.Type) []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*event.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	srv      *Server
	e        *echo.Echo
	jwt      *auth.JWTManager
	users    *memUsers
	friends  *memFriends
	groups   *memGroups
	messages *memMessages
	registry *hub.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.Delivery.SendBuffer = 16
	cfg.Delivery.WriteTimeout = time.Second
	cfg.Presence.Grace = 50 * time.Millisecond
	cfg.Typing.TTL = time.Second

	users := newMemUsers()
	friendsStore := newMemFriends()
	groupsStore := newMemGroups()
	messages := &memMessages{}
	registry := hub.New()
	retry := data.RetryConfig{MaxRetries: 0}

	mediaStore, err := media.NewStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("media store: %v", err)
	}

	typingCoord := typing.New(cfg.Typing.TTL, func(bson.ObjectID, domain.Conversation, bool) {})
	t.Cleanup(typingCoord.Stop)

	srv := newServer(cfg, users, messages,
		friends.New(friendsStore, users, registry, retry, true),
		groups.New(groupsStore, users, retry),
		router.New(friendsStore, groupsStore, messages, registry, retry),
		receipts.New(messages, groupsStore, registry, retry),
		reactions.New(newMemReactions(), messages, groupsStore, registry, retry),
		typingCoord, registry, mediaStore)

	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	limiter := middleware.NewLimiterStore(60000, 10000, time.Minute)
	t.Cleanup(limiter.Stop)

	e := echo.New()
	srv.routes(e, jwtMgr, limiter)

	return &harness{
		srv: srv, e: e, jwt: jwtMgr,
		users: users, friends: friendsStore, groups: groupsStore,
		messages: messages, registry: registry,
	}
}

func (h *harness) token(t *testing.T, user *data.User) string {
	t.Helper()
	token, _, err := h.jwt.GenerateToken(user.ID, user.Username)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}
