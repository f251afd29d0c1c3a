package main

import (
	"context"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/auth"
	"github.com/m4hub/chatcore/internal/config"
	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/friends"
	"github.com/m4hub/chatcore/internal/groups"
	"github.com/m4hub/chatcore/internal/hub"
	"github.com/m4hub/chatcore/internal/media"
	"github.com/m4hub/chatcore/internal/middleware"
	"github.com/m4hub/chatcore/internal/reactions"
	"github.com/m4hub/chatcore/internal/receipts"
	"github.com/m4hub/chatcore/internal/router"
	"github.com/m4hub/chatcore/internal/typing"
)

// userReader is the slice of the users store the handlers read from.
type userReader interface {
	GetUserByID(ctx context.Context, id bson.ObjectID) (*data.User, error)
	GetUsersByIDs(ctx context.Context, ids []bson.ObjectID) ([]*data.User, error)
	SearchUsers(ctx context.Context, query string, limit int64) ([]*data.User, error)
}

// messageReader is the slice of the messages store serving the pull
// surface. Everything here is computable purely from the log, so a
// client reconnecting after a gap can rebuild its view.
type messageReader interface {
	History(ctx context.Context, user1, user2 bson.ObjectID, limit int64) ([]*data.Message, error)
	GroupHistory(ctx context.Context, groupID bson.ObjectID, limit int64) ([]*data.Message, error)
	RecentConversations(ctx context.Context, user bson.ObjectID, limit int64) ([]*data.ConversationSummary, error)
	LastDirectMessage(ctx context.Context, user1, user2 bson.ObjectID) (*data.Message, error)
	UnreadCounts(ctx context.Context, user bson.ObjectID) ([]*data.UnreadCount, error)
}

// Server wires the services to the HTTP and WebSocket surfaces.
type Server struct {
	cfg       *config.Config
	users     userReader
	messages  messageReader
	friends   *friends.Engine
	groups    *groups.Directory
	router    *router.Router
	receipts  *receipts.Tracker
	reactions *reactions.Service
	typing    *typing.Coordinator
	registry  *hub.Registry
	media     *media.Store
}

func newServer(
	cfg *config.Config,
	users userReader,
	messages messageReader,
	friendsEngine *friends.Engine,
	groupsDir *groups.Directory,
	msgRouter *router.Router,
	receiptTracker *receipts.Tracker,
	reactionSvc *reactions.Service,
	typingCoord *typing.Coordinator,
	registry *hub.Registry,
	mediaStore *media.Store,
) *Server {
	return &Server{
		cfg:       cfg,
		users:     users,
		messages:  messages,
		friends:   friendsEngine,
		groups:    groupsDir,
		router:    msgRouter,
		receipts:  receiptTracker,
		reactions: reactionSvc,
		typing:    typingCoord,
		registry:  registry,
		media:     mediaStore,
	}
}

// routes registers every endpoint on e. All routes require a valid
// token; mutations additionally pass the rate limiter.
func (s *Server) routes(e *echo.Echo, jwt *auth.JWTManager, limiter *middleware.LimiterStore) {
	authed := e.Group("", middleware.Authenticate(jwt))
	authed.GET("/ws", s.handleWebSocket)

	api := authed.Group("/api")
	api.GET("/chat/friends", s.handleListFriends)
	api.GET("/chat/requests/pending", s.handlePendingRequests)
	api.GET("/chat/requests/sent", s.handleSentRequests)
	api.GET("/chat/conversation/:peerID", s.handleConversation)
	api.GET("/chat/conversations", s.handleRecentConversations)
	api.GET("/chat/unread", s.handleUnreadCounts)
	api.GET("/chat/groups", s.handleListGroups)
	api.GET("/chat/groups/:groupID/messages", s.handleGroupMessages)
	api.GET("/chat/messages/:messageID/reactions", s.handleListReactions)
	api.GET("/users/search", s.handleSearchUsers)
	api.GET("/media/:ref", s.handleDownloadMedia)

	limited := api.Group("", middleware.RateLimit(limiter))
	limited.POST("/chat/send", s.handleSendMessage)
	limited.POST("/chat/messages/:messageID/reactions", s.handleAddReaction)
	limited.DELETE("/chat/messages/:messageID/reactions", s.handleRemoveReaction)
	limited.POST("/chat/conversation/:peerID/read", s.handleMarkConversationRead)
	limited.POST("/chat/request/send", s.handleSendRequest)
	limited.POST("/chat/request/accept", s.handleAcceptRequest)
	limited.POST("/chat/request/reject", s.handleRejectRequest)
	limited.POST("/chat/groups", s.handleCreateGroup)
	limited.POST("/chat/groups/:groupID/members", s.handleAddGroupMember)
	limited.DELETE("/chat/groups/:groupID", s.handleDeleteGroup)
	limited.POST("/media", s.handleUploadMedia)
}
