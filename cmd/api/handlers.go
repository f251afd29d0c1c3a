package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/middleware"
	"github.com/m4hub/chatcore/internal/normalize"
	"github.com/m4hub/chatcore/internal/router"
)

const (
	defaultHistoryLimit = 100
	defaultSearchLimit  = 20
	defaultRecentLimit  = 50
)

// httpError maps the error taxonomy onto HTTP statuses. Precondition
// violations are 409: the request was well-formed but the world
// disagrees, and a client retry without a state change will fail again.
func httpError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "not allowed")
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidArgument):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFriends),
		errors.Is(err, domain.ErrNotMember),
		errors.Is(err, domain.ErrDuplicateRequest),
		errors.Is(err, domain.ErrAlreadyFriends),
		errors.Is(err, domain.ErrInvalidTarget),
		errors.Is(err, domain.ErrEmptyGroup):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTransientStore):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func actor(c echo.Context) (bson.ObjectID, error) {
	id, ok := middleware.UserIDFrom(c)
	if !ok {
		return bson.ObjectID{}, echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}
	return id, nil
}

func pathID(c echo.Context, name string) (bson.ObjectID, error) {
	id, err := domain.ParseID(c.Param(name))
	if err != nil {
		return bson.ObjectID{}, httpError(err)
	}
	return id, nil
}

// friendSummary is one row of the friends listing: the friend plus the
// latest direct message, if any.
type friendSummary struct {
	User        *data.User    `json:"user"`
	LastMessage *data.Message `json:"lastMessage,omitempty"`
}

func (s *Server) handleListFriends(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	peerIDs, err := s.friends.Friends(ctx, user)
	if err != nil {
		return httpError(err)
	}
	peers, err := s.users.GetUsersByIDs(ctx, peerIDs)
	if err != nil {
		return httpError(err)
	}

	out := make([]friendSummary, 0, len(peers))
	for _, peer := range peers {
		last, err := s.messages.LastDirectMessage(ctx, user, peer.ID)
		if err != nil {
			return httpError(err)
		}
		out = append(out, friendSummary{User: peer, LastMessage: last})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handlePendingRequests(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	reqs, err := s.friends.Pending(c.Request().Context(), user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reqs)
}

func (s *Server) handleSentRequests(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	reqs, err := s.friends.Sent(c.Request().Context(), user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reqs)
}

func (s *Server) handleConversation(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	peer, err := pathID(c, "peerID")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	// History is friend-gated like sending; an unfriended peer's
	// backlog stays in the store but is no longer served.
	ok, err := s.friends.AreFriends(ctx, user, peer)
	if err != nil {
		return httpError(err)
	}
	if !ok {
		return httpError(domain.ErrNotFriends)
	}

	msgs, err := s.messages.History(ctx, user, peer, defaultHistoryLimit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleRecentConversations(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	convs, err := s.messages.RecentConversations(c.Request().Context(), user, defaultRecentLimit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, convs)
}

func (s *Server) handleUnreadCounts(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	counts, err := s.messages.UnreadCounts(c.Request().Context(), user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

func (s *Server) handleListGroups(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	list, err := s.groups.ListForUser(c.Request().Context(), user)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGroupMessages(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	groupID, err := pathID(c, "groupID")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	// Membership check happens in Get.
	if _, err := s.groups.Get(ctx, user, groupID); err != nil {
		return httpError(err)
	}
	msgs, err := s.messages.GroupHistory(ctx, groupID, defaultHistoryLimit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleSearchUsers(c echo.Context) error {
	if _, err := actor(c); err != nil {
		return err
	}
	query := normalize.Query(c.QueryParam("q"))
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter q is required")
	}
	users, err := s.users.SearchUsers(c.Request().Context(), query, defaultSearchLimit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, users)
}

type sendMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	GroupID    string `json:"groupId"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	MediaRef   string `json:"mediaRef"`
}

func (s *Server) handleSendMessage(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if (req.ReceiverID == "") == (req.GroupID == "") {
		return echo.NewHTTPError(http.StatusBadRequest, "exactly one of receiverId and groupId is required")
	}

	msgType := domain.MessageType(req.Type)
	if req.Type == "" {
		msgType = domain.MessageText
	}
	draft := router.Draft{Content: req.Content, MediaRef: req.MediaRef, Type: msgType}
	ctx := c.Request().Context()

	var msg *data.Message
	if req.ReceiverID != "" {
		receiver, err := domain.ParseID(req.ReceiverID)
		if err != nil {
			return httpError(err)
		}
		msg, err = s.router.SendDirect(ctx, user, receiver, draft)
		if err != nil {
			return httpError(err)
		}
		s.typing.ClearTyping(user, domain.Conversation{Kind: domain.TargetDirect, ID: receiver})
	} else {
		groupID, err := domain.ParseID(req.GroupID)
		if err != nil {
			return httpError(err)
		}
		msg, err = s.router.SendGroup(ctx, user, groupID, draft)
		if err != nil {
			return httpError(err)
		}
		s.typing.ClearTyping(user, domain.Conversation{Kind: domain.TargetGroup, ID: groupID})
	}
	return c.JSON(http.StatusCreated, msg)
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (s *Server) handleAddReaction(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	messageID, err := pathID(c, "messageID")
	if err != nil {
		return err
	}
	var req reactionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}

	reaction, err := s.reactions.React(c.Request().Context(), messageID, user, req.Emoji)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, reaction)
}

func (s *Server) handleRemoveReaction(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	messageID, err := pathID(c, "messageID")
	if err != nil {
		return err
	}
	if err := s.reactions.Unreact(c.Request().Context(), messageID, user); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListReactions(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	messageID, err := pathID(c, "messageID")
	if err != nil {
		return err
	}
	reactions, err := s.reactions.List(c.Request().Context(), messageID, user)
	if err != nil {
		return httpError(err)
	}
	if reactions == nil {
		reactions = []*data.Reaction{}
	}
	return c.JSON(http.StatusOK, reactions)
}

func (s *Server) handleMarkConversationRead(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	peer, err := pathID(c, "peerID")
	if err != nil {
		return err
	}
	updated, err := s.receipts.MarkConversationRead(c.Request().Context(), user, peer)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"updated": updated})
}

type friendRequestRequest struct {
	ReceiverID string `json:"receiverId"`
	Username   string `json:"username"`
}

func (s *Server) handleSendRequest(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	var req friendRequestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	ctx := c.Request().Context()

	var out *data.FriendRequest
	switch {
	case req.ReceiverID != "":
		receiver, err := domain.ParseID(req.ReceiverID)
		if err != nil {
			return httpError(err)
		}
		out, err = s.friends.Send(ctx, user, receiver)
		if err != nil {
			return httpError(err)
		}
	case req.Username != "":
		out, err = s.friends.SendByUsername(ctx, user, req.Username)
		if err != nil {
			return httpError(err)
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "receiverId or username is required")
	}
	return c.JSON(http.StatusCreated, out)
}

type resolveRequestRequest struct {
	RequestID string `json:"requestId"`
}

func (s *Server) handleAcceptRequest(c echo.Context) error {
	return s.resolveRequest(c, s.friends.Accept)
}

func (s *Server) handleRejectRequest(c echo.Context) error {
	return s.resolveRequest(c, s.friends.Reject)
}

func (s *Server) resolveRequest(c echo.Context, resolve func(ctx context.Context, actor, requestID bson.ObjectID) (*data.FriendRequest, error)) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	var req resolveRequestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	requestID, err := domain.ParseID(req.RequestID)
	if err != nil {
		return httpError(err)
	}

	resolved, err := resolve(c.Request().Context(), user, requestID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, resolved)
}

type createGroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MemberIDs   []string `json:"memberIds"`
}

func (s *Server) handleCreateGroup(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	var req createGroupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}

	members := make([]bson.ObjectID, 0, len(req.MemberIDs))
	for _, raw := range req.MemberIDs {
		id, err := domain.ParseID(raw)
		if err != nil {
			return httpError(err)
		}
		members = append(members, id)
	}

	group, err := s.groups.Create(c.Request().Context(), user, req.Name, req.Description, members)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, group)
}

type addMemberRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleAddGroupMember(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	groupID, err := pathID(c, "groupID")
	if err != nil {
		return err
	}
	var req addMemberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	memberID, err := domain.ParseID(req.UserID)
	if err != nil {
		return httpError(err)
	}

	group, err := s.groups.AddMember(c.Request().Context(), user, groupID, memberID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, group)
}

func (s *Server) handleDeleteGroup(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}
	groupID, err := pathID(c, "groupID")
	if err != nil {
		return err
	}
	if err := s.groups.Delete(c.Request().Context(), user, groupID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUploadMedia(c echo.Context) error {
	if _, err := actor(c); err != nil {
		return err
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field is required")
	}
	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable upload")
	}
	defer src.Close()

	ref, err := s.media.Save(fileHeader.Filename, src)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"mediaRef": ref})
}

func (s *Server) handleDownloadMedia(c echo.Context) error {
	if _, err := actor(c); err != nil {
		return err
	}
	f, err := s.media.Open(c.Param("ref"))
	if err != nil {
		return httpError(err)
	}
	defer f.Close()
	return c.Stream(http.StatusOK, "application/octet-stream", f)
}
