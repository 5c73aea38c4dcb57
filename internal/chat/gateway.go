// Package chat implements the live messaging core: the room registry, the
// session lifecycle, persist-then-broadcast ingestion, and the export queue.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mllbll/mini-messenger/internal/models"
	"github.com/mllbll/mini-messenger/internal/storage"
)

// Store exposes the persistence operations the gateway requires.
type Store interface {
	GetChat(id int64) (models.Chat, bool)
	GetUser(id int64) (models.User, bool)
	AddChatMember(chatID, userID int64) error
	ListChatMembers(chatID int64) ([]models.ChatMember, error)
	AppendMessage(chatID, authorID int64, recipientHandle, content string) (models.Message, error)
}

// TokenVerifier resolves a bearer credential to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// GatewayConfig configures a chat Gateway.
type GatewayConfig struct {
	Store  Store
	Tokens TokenVerifier
	Queue  Queue
	Logger *slog.Logger
	// SendBuffer bounds each session's outbound queue. Sessions that fall
	// this far behind are evicted.
	SendBuffer int
}

// Gateway owns the live side of the messenger: it upgrades websocket
// connections, tracks sessions per room, and fans persisted messages out to
// everyone attached.
type Gateway struct {
	store      Store
	tokens     TokenVerifier
	queue      Queue
	logger     *slog.Logger
	registry   *Registry
	sendBuffer int
	upgrader   websocket.Upgrader
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.SendBuffer
	if buffer <= 0 {
		buffer = 16
	}
	return &Gateway{
		store:      cfg.Store,
		tokens:     cfg.Tokens,
		queue:      cfg.Queue,
		logger:     logger,
		registry:   NewRegistry(),
		sendBuffer: buffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the room index, primarily for handlers and tests.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// HandleConnection upgrades the request and walks the session through its
// lifecycle. The credential is verified after the upgrade so failures can be
// reported with a policy-violation close frame instead of a plain HTTP error.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, chatID int64, token string) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}

	userID, err := g.tokens.Verify(token)
	if err != nil {
		g.refuse(conn, websocket.ClosePolicyViolation, "invalid credentials")
		return
	}
	user, ok := g.store.GetUser(userID)
	if !ok {
		g.refuse(conn, websocket.ClosePolicyViolation, "unknown user")
		return
	}
	chat, ok := g.store.GetChat(chatID)
	if !ok {
		g.refuse(conn, websocket.CloseNormalClosure, "unknown chat")
		return
	}
	if err := g.ensureMembership(chat, user.ID); err != nil {
		g.refuse(conn, websocket.ClosePolicyViolation, "not a chat member")
		return
	}

	s := &session{
		id:      uuid.NewString(),
		chatID:  chatID,
		userID:  user.ID,
		handle:  user.Handle,
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, g.sendBuffer),
	}
	s.setState(stateConnecting)

	g.registry.Register(s)
	s.setState(stateJoined)
	g.announce(chatID, s.id, fmt.Sprintf("%s joined the chat", s.handle))
	g.publish(r.Context(), Event{Type: EventTypeJoin, ChatID: chatID, Handle: s.handle, OccurredAt: time.Now().UTC()})

	go s.writeLoop()
	s.setState(stateStreaming)
	g.readLoop(r.Context(), s)
}

func (g *Gateway) refuse(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// ensureMembership joins the user to public chats on first contact. Direct
// chats are closed groups; outsiders get ErrChatNotFound so the chat's
// existence stays hidden.
func (g *Gateway) ensureMembership(chat models.Chat, userID int64) error {
	if !chat.Direct {
		return g.store.AddChatMember(chat.ID, userID)
	}
	members, err := g.store.ListChatMembers(chat.ID)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.UserID == userID {
			return nil
		}
	}
	return storage.ErrChatNotFound
}

func (g *Gateway) readLoop(ctx context.Context, s *session) {
	defer s.close()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var inbound inboundMessage
		if err := json.Unmarshal(payload, &inbound); err != nil {
			inbound = inboundMessage{Text: string(payload)}
		}
		text := strings.TrimSpace(inbound.Text)
		if text == "" {
			continue
		}
		// Stream senders hold a live session, so nobody is excluded; the
		// author sees their own message come back through the room.
		if _, err := g.Ingest(ctx, s.chatID, s.userID, inbound.To, text, false); err != nil {
			g.logger.Warn("chat ingest failed",
				"chatId", s.chatID,
				"user", s.handle,
				"error", err)
		}
	}
}

// Ingest validates the room, persists the message, and fans the stored record
// out to live sessions. Posting into a public chat makes the author a member;
// direct chats refuse outsiders the same way the websocket path does.
// Persistence failure aborts before any broadcast; broadcast failures evict
// the affected session and never surface to the caller. When excludeAuthor is
// set every session owned by the author is skipped, which keeps the
// synchronous post path from echoing.
func (g *Gateway) Ingest(ctx context.Context, chatID, authorID int64, recipient, text string, excludeAuthor bool) (models.Message, error) {
	chat, ok := g.store.GetChat(chatID)
	if !ok {
		return models.Message{}, storage.ErrChatNotFound
	}
	if err := g.ensureMembership(chat, authorID); err != nil {
		return models.Message{}, err
	}
	msg, err := g.store.AppendMessage(chatID, authorID, recipient, text)
	if err != nil {
		return models.Message{}, err
	}

	payload, err := json.Marshal(payloadForMessage(msg))
	if err != nil {
		g.logger.Error("marshal chat message", "error", err)
		return msg, nil
	}
	var exclude func(*session) bool
	if excludeAuthor {
		exclude = func(s *session) bool { return s.userID == authorID }
	}
	g.broadcastPayload(chatID, payload, exclude)
	g.publish(ctx, Event{Type: EventTypeMessage, ChatID: chatID, Message: &msg, OccurredAt: time.Now().UTC()})
	return msg, nil
}

// announce broadcasts a system notice to the room, skipping the session the
// notice is about. Notices are not persisted.
func (g *Gateway) announce(chatID int64, aboutSessionID, text string) {
	payload, err := json.Marshal(systemPayload{System: true, Msg: text})
	if err != nil {
		return
	}
	g.broadcastPayload(chatID, payload, func(s *session) bool { return s.id == aboutSessionID })
}

// broadcastPayload delivers to a point-in-time snapshot of the room. Each
// send is independent: a session whose buffer is full or whose socket has
// closed is evicted on the spot and the remaining sessions still receive the
// payload. There is no retry; delivery is at most once per broadcast.
func (g *Gateway) broadcastPayload(chatID int64, payload []byte, exclude func(*session) bool) {
	for _, s := range g.registry.SessionsFor(chatID) {
		if exclude != nil && exclude(s) {
			continue
		}
		if !s.trySend(payload) {
			g.logger.Warn("evicting unresponsive chat session",
				"sessionId", s.id,
				"chatId", chatID,
				"user", s.handle)
			s.close()
		}
	}
}

// detach is the single exit point for a session: it unregisters exactly once
// (close guards it with sync.Once) and announces the departure.
func (g *Gateway) detach(s *session) {
	g.registry.Unregister(s.id)
	g.announce(s.chatID, s.id, fmt.Sprintf("%s left the chat", s.handle))
	g.publish(context.Background(), Event{Type: EventTypeLeave, ChatID: s.chatID, Handle: s.handle, OccurredAt: time.Now().UTC()})
}

func (g *Gateway) publish(ctx context.Context, event Event) {
	if g.queue == nil {
		return
	}
	if err := g.queue.Publish(ctx, event); err != nil {
		g.logger.Warn("failed to publish chat event", "error", err)
	}
}

// Shutdown closes every live session. Used during graceful server shutdown.
func (g *Gateway) Shutdown() {
	for _, s := range g.registry.allSessions() {
		s.close()
	}
}
