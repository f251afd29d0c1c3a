package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/event"
	"github.com/m4hub/chatcore/internal/router"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultSendBuffer = 64
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 64 * 1024
	commandTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth already gates the endpoint; browsers are expected to
	// connect from any origin the deployment allows upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one live WebSocket connection. Its send channel is the
// FIFO queue behind hub.Sender: enqueue order is delivery order, and a
// full queue means the client is backpressured.
type wsClient struct {
	user      bson.ObjectID
	conn      *websocket.Conn
	writeWait time.Duration

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

var errConnClosed = errors.New("connection closed")

// newWSClient builds a connection with the configured queue depth and
// write deadline, falling back to safe defaults for zero values.
func newWSClient(user bson.ObjectID, conn *websocket.Conn, buffer int, writeWait time.Duration) *wsClient {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &wsClient{
		user:      user,
		conn:      conn,
		writeWait: writeWait,
		send:      make(chan []byte, buffer),
	}
}

// Send implements hub.Sender. It never blocks: when the buffered
// channel is full the event is dropped for this connection and the
// caller sees domain.ErrDeliveryTimeout.
func (c *wsClient) Send(ev *event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// The channel may be closed by readPump concurrently with a hub
	// push that snapshotted this connection just before unregister.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return domain.ErrDeliveryTimeout
	}
}

// close makes further Sends fail and lets writePump drain out.
func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handleWebSocket upgrades the request and runs the connection until
// either side goes away. Registration in the hub is what makes the
// user "online".
func (s *Server) handleWebSocket(c echo.Context) error {
	user, err := actor(c)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := newWSClient(user, conn, s.cfg.Delivery.SendBuffer, s.cfg.Delivery.WriteTimeout)

	sessionID := s.registry.Register(user, client)
	log.Info().Str("user", user.Hex()).Int64("session", sessionID).Msg("websocket connected")

	go client.writePump()
	s.readPump(client, sessionID)
	return nil
}

// readPump consumes client commands until the connection dies. It owns
// the unregister: once reading stops the connection is gone for good.
func (s *Server) readPump(c *wsClient, sessionID int64) {
	defer func() {
		s.registry.Unregister(c.user, sessionID)
		c.close()
		log.Info().Str("user", c.user.Hex()).Int64("session", sessionID).Msg("websocket disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("user", c.user.Hex()).Msg("websocket read error")
			}
			return
		}
		// A failing command answers with an inline error event; only
		// transport errors end the session.
		if err := s.dispatchCommand(c, raw); err != nil {
			c.sendError(err)
		}
	}
}

// writePump drains the send channel and keeps the connection alive
// with pings. One writer goroutine per connection; gorilla allows at
// most one concurrent writer.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// command is the client→server envelope.
type command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sendDirectCommand struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	MediaRef   string `json:"mediaRef"`
}

type sendGroupCommand struct {
	GroupID  string `json:"groupId"`
	Content  string `json:"content"`
	Type     string `json:"type"`
	MediaRef string `json:"mediaRef"`
}

type typingCommand struct {
	Kind     string `json:"kind"`
	TargetID string `json:"targetId"`
	IsTyping bool   `json:"isTyping"`
}

type receiptCommand struct {
	MessageID string `json:"messageId"`
}

func (s *Server) dispatchCommand(c *wsClient, raw []byte) error {
	var cmd command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return domain.ErrInvalidArgument
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch cmd.Type {
	case "send_direct":
		var p sendDirectCommand
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return domain.ErrInvalidArgument
		}
		receiver, err := domain.ParseID(p.ReceiverID)
		if err != nil {
			return err
		}
		draft := router.Draft{Content: p.Content, MediaRef: p.MediaRef, Type: messageType(p.Type)}
		if _, err := s.router.SendDirect(ctx, c.user, receiver, draft); err != nil {
			return err
		}
		s.typing.ClearTyping(c.user, domain.Conversation{Kind: domain.TargetDirect, ID: receiver})
		return nil

	case "send_group":
		var p sendGroupCommand
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return domain.ErrInvalidArgument
		}
		groupID, err := domain.ParseID(p.GroupID)
		if err != nil {
			return err
		}
		draft := router.Draft{Content: p.Content, MediaRef: p.MediaRef, Type: messageType(p.Type)}
		if _, err := s.router.SendGroup(ctx, c.user, groupID, draft); err != nil {
			return err
		}
		s.typing.ClearTyping(c.user, domain.Conversation{Kind: domain.TargetGroup, ID: groupID})
		return nil

	case "typing":
		var p typingCommand
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return domain.ErrInvalidArgument
		}
		conv, err := parseConversation(p.Kind, p.TargetID)
		if err != nil {
			return err
		}
		if p.IsTyping {
			s.typing.SetTyping(c.user, conv)
		} else {
			s.typing.ClearTyping(c.user, conv)
		}
		return nil

	case "mark_delivered":
		return s.markReceipt(ctx, c, cmd.Payload, s.receipts.MarkDelivered)

	case "mark_read":
		return s.markReceipt(ctx, c, cmd.Payload, s.receipts.MarkRead)

	default:
		return domain.ErrInvalidArgument
	}
}

func (s *Server) markReceipt(ctx context.Context, c *wsClient, payload json.RawMessage, mark func(ctx context.Context, messageID, actor bson.ObjectID) error) error {
	var p receiptCommand
	if err := json.Unmarshal(payload, &p); err != nil {
		return domain.ErrInvalidArgument
	}
	messageID, err := domain.ParseID(p.MessageID)
	if err != nil {
		return err
	}
	return mark(ctx, messageID, c.user)
}

func messageType(t string) domain.MessageType {
	if t == "" {
		return domain.MessageText
	}
	return domain.MessageType(t)
}

func parseConversation(kind, targetID string) (domain.Conversation, error) {
	id, err := domain.ParseID(targetID)
	if err != nil {
		return domain.Conversation{}, err
	}
	switch domain.TargetKind(kind) {
	case domain.TargetDirect, domain.TargetGroup:
		return domain.Conversation{Kind: domain.TargetKind(kind), ID: id}, nil
	default:
		return domain.Conversation{}, domain.ErrInvalidArgument
	}
}

// sendError pushes an inline error event describing a failed command.
func (c *wsClient) sendError(cause error) {
	ev, err := event.New(event.TypeError, event.Error{
		Code:    errCode(cause),
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	if err := c.Send(ev); err != nil && !errors.Is(err, domain.ErrDeliveryTimeout) {
		log.Debug().Err(err).Str("user", c.user.Hex()).Msg("failed to send error event")
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, domain.ErrNotFriends):
		return "NOT_FRIENDS"
	case errors.Is(err, domain.ErrNotMember):
		return "NOT_MEMBER"
	case errors.Is(err, domain.ErrDuplicateRequest):
		return "DUPLICATE_REQUEST"
	case errors.Is(err, domain.ErrAlreadyFriends):
		return "ALREADY_FRIENDS"
	case errors.Is(err, domain.ErrInvalidTarget):
		return "INVALID_TARGET"
	case errors.Is(err, domain.ErrEmptyGroup):
		return "EMPTY_GROUP"
	case errors.Is(err, domain.ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrTransientStore):
		return "STORE_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
