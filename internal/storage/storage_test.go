package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func TestCreateUserRejectsDuplicateHandleIgnoringCase(t *testing.T) {
	store := newTestStorage(t)
	if _, err := store.CreateUser(CreateUserParams{Handle: "Alice", Password: "secret"}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := store.CreateUser(CreateUserParams{Handle: "alice", Password: "other"}); !errors.Is(err, ErrHandleTaken) {
		t.Fatalf("expected ErrHandleTaken, got %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	store := newTestStorage(t)
	created, err := store.CreateUser(CreateUserParams{Handle: "Bob", Password: "hunter2"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	user, err := store.AuthenticateUser("BOB", "hunter2")
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if user.ID != created.ID || user.Handle != "Bob" {
		t.Fatalf("unexpected user %+v", user)
	}

	if _, err := store.AuthenticateUser("bob", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := store.AuthenticateUser("nobody", "hunter2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown handle, got %v", err)
	}
}

func TestSearchUsers(t *testing.T) {
	store := newTestStorage(t)
	for _, handle := range []string{"alice", "Alina", "bob"} {
		if _, err := store.CreateUser(CreateUserParams{Handle: handle, Password: "pw"}); err != nil {
			t.Fatalf("CreateUser %s: %v", handle, err)
		}
	}
	matches := store.SearchUsers("ALI")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Handle != "alice" || matches[1].Handle != "Alina" {
		t.Fatalf("unexpected order %q, %q", matches[0].Handle, matches[1].Handle)
	}
}

func TestCreateDirectChatIsIdempotent(t *testing.T) {
	store := newTestStorage(t)
	alice, _ := store.CreateUser(CreateUserParams{Handle: "alice", Password: "pw"})
	bob, _ := store.CreateUser(CreateUserParams{Handle: "bob", Password: "pw"})

	first, err := store.CreateDirectChat(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("CreateDirectChat: %v", err)
	}
	if !first.Direct {
		t.Fatalf("expected direct chat")
	}
	members, err := store.ListChatMembers(first.ID)
	if err != nil {
		t.Fatalf("ListChatMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	// Same pair in either order resolves to the existing chat.
	again, err := store.CreateDirectChat(bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("CreateDirectChat again: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected chat %d, got %d", first.ID, again.ID)
	}
}

func TestCreateDirectChatValidation(t *testing.T) {
	store := newTestStorage(t)
	alice, _ := store.CreateUser(CreateUserParams{Handle: "alice", Password: "pw"})

	if _, err := store.CreateDirectChat(alice.ID, alice.ID); err == nil {
		t.Fatalf("expected error for self chat")
	}
	if _, err := store.CreateDirectChat(alice.ID, 999); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestListChatsForHidesForeignDirectChats(t *testing.T) {
	store := newTestStorage(t)
	alice, _ := store.CreateUser(CreateUserParams{Handle: "alice", Password: "pw"})
	bob, _ := store.CreateUser(CreateUserParams{Handle: "bob", Password: "pw"})
	carol, _ := store.CreateUser(CreateUserParams{Handle: "carol", Password: "pw"})

	public, err := store.CreateChat("general")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	direct, err := store.CreateDirectChat(alice.ID, bob.ID)
	if err != nil {
		t.Fatalf("CreateDirectChat: %v", err)
	}

	forCarol := store.ListChatsFor(carol.ID)
	if len(forCarol) != 1 || forCarol[0].ID != public.ID {
		t.Fatalf("expected only the public chat for carol, got %+v", forCarol)
	}
	forAlice := store.ListChatsFor(alice.ID)
	if len(forAlice) != 2 {
		t.Fatalf("expected 2 chats for alice, got %d", len(forAlice))
	}
	_ = direct
}

func TestAppendMessageTouchesChatRecency(t *testing.T) {
	store := newTestStorage(t)
	alice, _ := store.CreateUser(CreateUserParams{Handle: "alice", Password: "pw"})
	older, _ := store.CreateChat("older")
	newer, _ := store.CreateChat("newer")

	// The newer chat sorts first until activity in the older one.
	chats := store.ListChatsFor(alice.ID)
	if chats[0].ID != newer.ID {
		t.Fatalf("expected chat %d first, got %d", newer.ID, chats[0].ID)
	}

	msg, err := store.AppendMessage(older.ID, alice.ID, "", "hello")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	chats = store.ListChatsFor(alice.ID)
	if chats[0].ID != older.ID {
		t.Fatalf("expected chat %d first after message, got %d", older.ID, chats[0].ID)
	}
	got, ok := store.GetChat(older.ID)
	if !ok || !got.LastMessageAt.Equal(msg.CreatedAt) {
		t.Fatalf("expected LastMessageAt %v, got %v", msg.CreatedAt, got.LastMessageAt)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	store := newTestStorage(t)
	alice, _ := store.CreateUser(CreateUserParams{Handle: "alice", Password: "pw"})
	chat, _ := store.CreateChat("general")

	if _, err := store.AppendMessage(999, alice.ID, "", "hi"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
	if _, err := store.AppendMessage(chat.ID, 999, "", "hi"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := store.AppendMessage(chat.ID, alice.ID, "", "   "); err == nil {
		t.Fatalf("expected error for blank content")
	}
}

func TestListMessagesChronologicalOrder(t *testing.T) {
	store := newTestStorage(t)
	alice, _ := store.CreateUser(CreateUserParams{Handle: "alice", Password: "pw"})
	chat, _ := store.CreateChat("general")

	for i := 0; i < 5; i++ {
		if _, err := store.AppendMessage(chat.ID, alice.ID, "", fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	messages, err := store.ListMessages(chat.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].ID <= messages[i-1].ID {
			t.Fatalf("messages out of order at %d: %d then %d", i, messages[i-1].ID, messages[i].ID)
		}
		if messages[i].CreatedAt.Before(messages[i-1].CreatedAt) {
			t.Fatalf("timestamps out of order at %d", i)
		}
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	store := newTestStorage(t)
	alice, _ := store.CreateUser(CreateUserParams{Handle: "alice", Password: "pw"})
	chat, _ := store.CreateChat("general")
	before, _ := store.GetChat(chat.ID)

	store.persistOverride = func(dataset) error { return fmt.Errorf("disk full") }

	if _, err := store.CreateUser(CreateUserParams{Handle: "bob", Password: "pw"}); err == nil {
		t.Fatalf("expected persist error")
	}
	if _, ok := store.GetUserByHandle("bob"); ok {
		t.Fatalf("user should have been rolled back")
	}

	if _, err := store.AppendMessage(chat.ID, alice.ID, "", "hello"); err == nil {
		t.Fatalf("expected persist error")
	}
	messages, _ := store.ListMessages(chat.ID)
	if len(messages) != 0 {
		t.Fatalf("message should have been rolled back, got %d", len(messages))
	}
	after, _ := store.GetChat(chat.ID)
	if !after.LastMessageAt.Equal(before.LastMessageAt) {
		t.Fatalf("recency marker should have been restored")
	}

	store.persistOverride = nil
	if _, err := store.CreateUser(CreateUserParams{Handle: "bob", Password: "pw"}); err != nil {
		t.Fatalf("CreateUser after recovery: %v", err)
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	alice, err := store.CreateUser(CreateUserParams{Handle: "alice", Password: "pw"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	chat, err := store.CreateChat("general")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if _, err := store.AppendMessage(chat.ID, alice.ID, "", "persisted"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.GetUserByHandle("alice"); !ok {
		t.Fatalf("user missing after reload")
	}
	messages, err := reopened.ListMessages(chat.ID)
	if err != nil {
		t.Fatalf("ListMessages after reload: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "persisted" {
		t.Fatalf("unexpected messages %+v", messages)
	}
	// Id counters continue where the previous process stopped.
	bob, err := reopened.CreateUser(CreateUserParams{Handle: "bob", Password: "pw"})
	if err != nil {
		t.Fatalf("CreateUser after reload: %v", err)
	}
	if bob.ID <= alice.ID {
		t.Fatalf("expected id above %d, got %d", alice.ID, bob.ID)
	}
}
