package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mllbll/mini-messenger/internal/auth"
	"github.com/mllbll/mini-messenger/internal/models"
	"github.com/mllbll/mini-messenger/internal/storage"
)

type gatewayFixture struct {
	store   *storage.Storage
	tokens  *auth.TokenManager
	queue   Queue
	gateway *Gateway
	server  *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	tokens, err := auth.NewTokenManager("test-secret")
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	queue := NewMemoryQueue(32)
	gateway := NewGateway(GatewayConfig{Store: store, Tokens: tokens, Queue: queue})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatID, _ := strconv.ParseInt(r.URL.Query().Get("chat"), 10, 64)
		gateway.HandleConnection(w, r, chatID, r.URL.Query().Get("token"))
	}))
	t.Cleanup(server.Close)
	return &gatewayFixture{store: store, tokens: tokens, queue: queue, gateway: gateway, server: server}
}

func (f *gatewayFixture) newUser(t *testing.T, handle string) (models.User, string) {
	t.Helper()
	user, err := f.store.CreateUser(storage.CreateUserParams{Handle: handle, Password: "pw"})
	if err != nil {
		t.Fatalf("CreateUser %s: %v", handle, err)
	}
	token, err := f.tokens.Issue(user.ID)
	if err != nil {
		t.Fatalf("Issue token for %s: %v", handle, err)
	}
	return user, token
}

func (f *gatewayFixture) dial(t *testing.T, chatID int64, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("%s/?chat=%d&token=%s", wsURL, chatID, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", payload, err)
	}
	return frame
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, payload, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %q", payload)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, code) {
		t.Fatalf("expected close code %d, got %v", code, err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestGatewayStreamsMessagesToRoom(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceToken := f.newUser(t, "alice")
	_, bobToken := f.newUser(t, "bob")
	room, err := f.store.CreateChat("general")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	aliceConn := f.dial(t, room.ID, aliceToken)
	bobConn := f.dial(t, room.ID, bobToken)

	joined := readFrame(t, aliceConn)
	if joined["system"] != true || joined["msg"] != "bob joined the chat" {
		t.Fatalf("unexpected join notice %+v", joined)
	}

	if err := bobConn.WriteJSON(map[string]string{"text": "hello room"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		frame := readFrame(t, conn)
		if frame["author"] != "bob" || frame["text"] != "hello room" {
			t.Fatalf("unexpected frame %+v", frame)
		}
		if frame["chatId"] != float64(room.ID) {
			t.Fatalf("unexpected chat id in frame %+v", frame)
		}
	}

	waitUntil(t, 2*time.Second, func() bool {
		messages, err := f.store.ListMessages(room.ID)
		return err == nil && len(messages) == 1 && messages[0].Content == "hello room"
	})
}

func TestGatewayLeaveNotice(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceToken := f.newUser(t, "alice")
	_, bobToken := f.newUser(t, "bob")
	room, _ := f.store.CreateChat("general")

	aliceConn := f.dial(t, room.ID, aliceToken)
	bobConn := f.dial(t, room.ID, bobToken)

	joined := readFrame(t, aliceConn)
	if joined["msg"] != "bob joined the chat" {
		t.Fatalf("unexpected notice %+v", joined)
	}

	bobConn.Close()

	left := readFrame(t, aliceConn)
	if left["system"] != true || left["msg"] != "bob left the chat" {
		t.Fatalf("unexpected notice %+v", left)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return f.gateway.Registry().RoomCount(room.ID) == 1
	})
}

func TestGatewayRoomIsolation(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceToken := f.newUser(t, "alice")
	_, bobToken := f.newUser(t, "bob")
	roomA, _ := f.store.CreateChat("room-a")
	roomB, _ := f.store.CreateChat("room-b")

	aliceConn := f.dial(t, roomA.ID, aliceToken)
	bobConn := f.dial(t, roomB.ID, bobToken)

	if err := bobConn.WriteJSON(map[string]string{"text": "only for room b"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, bobConn)
	if frame["text"] != "only for room b" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	expectSilence(t, aliceConn)
}

func TestGatewayRejectsInvalidToken(t *testing.T) {
	f := newGatewayFixture(t)
	room, _ := f.store.CreateChat("general")
	conn := f.dial(t, room.ID, "garbage")
	expectClose(t, conn, websocket.ClosePolicyViolation)
}

func TestGatewayRejectsUnknownChat(t *testing.T) {
	f := newGatewayFixture(t)
	_, token := f.newUser(t, "alice")
	conn := f.dial(t, 999, token)
	expectClose(t, conn, websocket.CloseNormalClosure)
}

func TestGatewayDirectChatMembership(t *testing.T) {
	f := newGatewayFixture(t)
	alice, aliceToken := f.newUser(t, "alice")
	bob, bobToken := f.newUser(t, "bob")
	_, carolToken := f.newUser(t, "carol")
	direct, err := f.store.CreateDirectChat(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("CreateDirectChat: %v", err)
	}

	outsider := f.dial(t, direct.ID, carolToken)
	expectClose(t, outsider, websocket.ClosePolicyViolation)

	aliceConn := f.dial(t, direct.ID, aliceToken)
	bobConn := f.dial(t, direct.ID, bobToken)
	readFrame(t, aliceConn) // bob's join notice

	if err := bobConn.WriteJSON(map[string]string{"text": "just us"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	frame := readFrame(t, aliceConn)
	if frame["text"] != "just us" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestIngestSkipsAuthorSessions(t *testing.T) {
	f := newGatewayFixture(t)
	alice, aliceToken := f.newUser(t, "alice")
	_, bobToken := f.newUser(t, "bob")
	room, _ := f.store.CreateChat("general")

	aliceConn := f.dial(t, room.ID, aliceToken)
	bobConn := f.dial(t, room.ID, bobToken)
	readFrame(t, aliceConn) // bob's join notice

	msg, err := f.gateway.Ingest(context.Background(), room.ID, alice.ID, "", "posted over rest", true)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if msg.AuthorHandle != "alice" || msg.Content != "posted over rest" {
		t.Fatalf("unexpected message %+v", msg)
	}

	frame := readFrame(t, bobConn)
	if frame["text"] != "posted over rest" || frame["author"] != "alice" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	expectSilence(t, aliceConn)
}

func TestIngestRefusesDirectChatOutsider(t *testing.T) {
	f := newGatewayFixture(t)
	alice, aliceToken := f.newUser(t, "alice")
	bob, _ := f.newUser(t, "bob")
	carol, _ := f.newUser(t, "carol")
	direct, err := f.store.CreateDirectChat(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("CreateDirectChat: %v", err)
	}
	aliceConn := f.dial(t, direct.ID, aliceToken)

	// The refusal reads like a missing chat so outsiders learn nothing.
	if _, err := f.gateway.Ingest(context.Background(), direct.ID, carol.ID, "", "intruding", true); !errors.Is(err, storage.ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
	messages, err := f.store.ListMessages(direct.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("outsider message must not persist, got %+v", messages)
	}
	expectSilence(t, aliceConn)
}

func TestIngestAddsPosterToPublicChat(t *testing.T) {
	f := newGatewayFixture(t)
	bob, _ := f.newUser(t, "bob")
	room, _ := f.store.CreateChat("general")

	if _, err := f.gateway.Ingest(context.Background(), room.ID, bob.ID, "", "first post", true); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	members, err := f.store.ListChatMembers(room.ID)
	if err != nil {
		t.Fatalf("ListChatMembers: %v", err)
	}
	if len(members) != 1 || members[0].UserID != bob.ID {
		t.Fatalf("poster should have accrued membership, got %+v", members)
	}

	// Posting again stays idempotent.
	if _, err := f.gateway.Ingest(context.Background(), room.ID, bob.ID, "", "second post", true); err != nil {
		t.Fatalf("Ingest again: %v", err)
	}
	members, _ = f.store.ListChatMembers(room.ID)
	if len(members) != 1 {
		t.Fatalf("membership should not duplicate, got %+v", members)
	}
}

func TestIngestUnknownChat(t *testing.T) {
	f := newGatewayFixture(t)
	alice, _ := f.newUser(t, "alice")
	if _, err := f.gateway.Ingest(context.Background(), 999, alice.ID, "", "hi", false); !errors.Is(err, storage.ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
}

func TestGatewayRawTextFallback(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceToken := f.newUser(t, "alice")
	room, _ := f.store.CreateChat("general")

	conn := f.dial(t, room.ID, aliceToken)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["text"] != "not json at all" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestGatewayDropsBlankFrames(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceToken := f.newUser(t, "alice")
	room, _ := f.store.CreateChat("general")

	conn := f.dial(t, room.ID, aliceToken)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("   ")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"text": ""}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	expectSilence(t, conn)
	messages, err := f.store.ListMessages(room.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("blank frames must not persist, got %d messages", len(messages))
	}
}

func TestGatewayPublishesQueueEvents(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceToken := f.newUser(t, "alice")
	room, _ := f.store.CreateChat("general")

	sub := f.queue.Subscribe()
	defer sub.Close()

	conn := f.dial(t, room.ID, aliceToken)
	if err := conn.WriteJSON(map[string]string{"text": "hello"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	readFrame(t, conn)
	conn.Close()

	expected := []EventType{EventTypeJoin, EventTypeMessage, EventTypeLeave}
	for _, want := range expected {
		select {
		case event := <-sub.Events():
			if event.Type != want {
				t.Fatalf("expected %s event, got %s", want, event.Type)
			}
			if event.ChatID != room.ID {
				t.Fatalf("unexpected chat id %d", event.ChatID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestGatewayDeliversInStoredOrder(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceToken := f.newUser(t, "alice")
	_, bobToken := f.newUser(t, "bob")
	room, _ := f.store.CreateChat("general")

	aliceConn := f.dial(t, room.ID, aliceToken)
	bobConn := f.dial(t, room.ID, bobToken)
	readFrame(t, aliceConn) // bob's join notice

	const count = 10
	for i := 0; i < count; i++ {
		if err := bobConn.WriteJSON(map[string]string{"text": fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatalf("WriteJSON %d: %v", i, err)
		}
	}

	received := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		frame := readFrame(t, aliceConn)
		received = append(received, int64(frame["id"].(float64)))
	}

	stored, err := f.store.ListMessages(room.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(stored) != count {
		t.Fatalf("expected %d stored messages, got %d", count, len(stored))
	}
	for i, msg := range stored {
		if received[i] != msg.ID {
			t.Fatalf("delivery order diverges from transcript at %d: got %d, want %d", i, received[i], msg.ID)
		}
	}
}

func TestGatewayDeliveryUnderConcurrentIngest(t *testing.T) {
	f := newGatewayFixture(t)
	_, aliceToken := f.newUser(t, "alice")
	room, _ := f.store.CreateChat("general")

	const authors = 4
	const perAuthor = 5
	authorIDs := make([]int64, authors)
	for i := range authorIDs {
		user, _ := f.newUser(t, fmt.Sprintf("author-%d", i))
		authorIDs[i] = user.ID
	}

	aliceConn := f.dial(t, room.ID, aliceToken)

	var wg sync.WaitGroup
	for _, authorID := range authorIDs {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for n := 0; n < perAuthor; n++ {
				if _, err := f.gateway.Ingest(context.Background(), room.ID, id, "", fmt.Sprintf("from-%d-%d", id, n), true); err != nil {
					t.Errorf("Ingest: %v", err)
				}
			}
		}(authorID)
	}
	wg.Wait()

	// Every persisted message reaches the live session exactly once.
	seen := make(map[int64]bool)
	for i := 0; i < authors*perAuthor; i++ {
		frame := readFrame(t, aliceConn)
		id := int64(frame["id"].(float64))
		if seen[id] {
			t.Fatalf("duplicate delivery of message %d", id)
		}
		seen[id] = true
	}
	stored, err := f.store.ListMessages(room.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for _, msg := range stored {
		if !seen[msg.ID] {
			t.Fatalf("message %d never delivered", msg.ID)
		}
	}
}

func TestBroadcastEvictsUnresponsiveSession(t *testing.T) {
	f := newGatewayFixture(t)
	alice, _ := f.newUser(t, "alice")

	// Capture a real server-side connection but never start a write loop, so
	// the session's buffer fills and stays full.
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var up websocket.Upgrader
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- conn
	}))
	defer srv.Close()
	clientConn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()
	serverConn := <-upgraded

	stuck := &session{
		id:      "stuck",
		chatID:  42,
		userID:  alice.ID,
		handle:  "alice",
		gateway: f.gateway,
		conn:    serverConn,
		send:    make(chan []byte, 1),
	}
	f.gateway.Registry().Register(stuck)

	f.gateway.broadcastPayload(42, []byte(`{"n":1}`), nil)
	if f.gateway.Registry().RoomCount(42) != 1 {
		t.Fatalf("session should survive while its buffer has room")
	}

	f.gateway.broadcastPayload(42, []byte(`{"n":2}`), nil)
	if f.gateway.Registry().RoomCount(42) != 0 {
		t.Fatalf("full session should have been evicted")
	}
	if stuck.currentState() != stateClosed {
		t.Fatalf("expected closed state, got %d", stuck.currentState())
	}
	if stuck.trySend([]byte("late")) {
		t.Fatalf("send after close must fail")
	}
}
