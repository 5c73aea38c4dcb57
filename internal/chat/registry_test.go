package chat

import "testing"

func testSession(id string, chatID, userID int64, handle string) *session {
	return &session{
		id:     id,
		chatID: chatID,
		userID: userID,
		handle: handle,
		send:   make(chan []byte, 4),
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	registry := NewRegistry()
	a := testSession("sess-a", 1, 10, "alice")
	b := testSession("sess-b", 1, 11, "bob")
	c := testSession("sess-c", 2, 12, "carol")

	registry.Register(a)
	registry.Register(b)
	registry.Register(c)

	if got := registry.RoomCount(1); got != 2 {
		t.Fatalf("expected 2 sessions in room 1, got %d", got)
	}
	if got := registry.RoomCount(2); got != 1 {
		t.Fatalf("expected 1 session in room 2, got %d", got)
	}

	identity, ok := registry.IdentityOf("sess-b")
	if !ok || identity.UserID != 11 || identity.Handle != "bob" {
		t.Fatalf("unexpected identity %+v ok=%v", identity, ok)
	}
	if _, ok := registry.IdentityOf("sess-x"); ok {
		t.Fatalf("unknown session should not resolve")
	}
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	a := testSession("sess-a", 1, 10, "alice")
	registry.Register(a)

	registry.Unregister("sess-a")
	if got := registry.RoomCount(1); got != 0 {
		t.Fatalf("expected empty room, got %d", got)
	}
	// Unknown and already removed ids are no-ops.
	registry.Unregister("sess-a")
	registry.Unregister("never-registered")
}

func TestRegistryReregisterOverwrites(t *testing.T) {
	registry := NewRegistry()
	first := testSession("sess-a", 1, 10, "alice")
	second := testSession("sess-a", 1, 10, "alice")
	registry.Register(first)
	registry.Register(second)

	if got := registry.RoomCount(1); got != 1 {
		t.Fatalf("expected 1 session after overwrite, got %d", got)
	}
	sessions := registry.SessionsFor(1)
	if len(sessions) != 1 || sessions[0] != second {
		t.Fatalf("expected the newer session to win")
	}
}

func TestRegistrySessionsForReturnsSnapshot(t *testing.T) {
	registry := NewRegistry()
	registry.Register(testSession("sess-a", 1, 10, "alice"))
	registry.Register(testSession("sess-b", 1, 11, "bob"))

	snapshot := registry.SessionsFor(1)
	registry.Unregister("sess-a")
	registry.Unregister("sess-b")

	if len(snapshot) != 2 {
		t.Fatalf("snapshot should be unaffected by later removals, got %d", len(snapshot))
	}
	if registry.SessionsFor(1) != nil {
		t.Fatalf("expected nil for empty room")
	}
}
