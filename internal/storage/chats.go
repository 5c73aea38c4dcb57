package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mllbll/mini-messenger/internal/models"
)

// CreateChat registers a public chat. Anyone may join a public chat; members
// accrue as users post or open the live channel.
func (s *Storage) CreateChat(name string) (models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Chat{}, fmt.Errorf("chat name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUTC()
	chat := models.Chat{
		ID:            s.data.NextChatID,
		Name:          name,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	s.data.Chats[chat.ID] = chat
	s.data.NextChatID++
	if err := s.persist(); err != nil {
		delete(s.data.Chats, chat.ID)
		s.data.NextChatID--
		return models.Chat{}, err
	}
	return chat, nil
}

// CreateDirectChat returns the direct chat between the two users, creating it
// with both memberships in one step when it does not exist yet. Calling it
// again for the same pair yields the existing chat.
func (s *Storage) CreateDirectChat(userA, userB int64) (models.Chat, error) {
	if userA == userB {
		return models.Chat{}, fmt.Errorf("direct chat requires two distinct users")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[userA]; !ok {
		return models.Chat{}, ErrUserNotFound
	}
	other, ok := s.data.Users[userB]
	if !ok {
		return models.Chat{}, ErrUserNotFound
	}

	if existing, ok := s.directChatLocked(userA, userB); ok {
		return existing, nil
	}

	now := nowUTC()
	chat := models.Chat{
		ID:            s.data.NextChatID,
		Name:          other.Handle,
		Direct:        true,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	s.data.Chats[chat.ID] = chat
	s.data.NextChatID++
	s.data.Members[chat.ID] = map[int64]models.ChatMember{
		userA: {ChatID: chat.ID, UserID: userA, JoinedAt: now},
		userB: {ChatID: chat.ID, UserID: userB, JoinedAt: now},
	}
	if err := s.persist(); err != nil {
		delete(s.data.Chats, chat.ID)
		delete(s.data.Members, chat.ID)
		s.data.NextChatID--
		return models.Chat{}, err
	}
	return chat, nil
}

func (s *Storage) directChatLocked(userA, userB int64) (models.Chat, bool) {
	for id, chat := range s.data.Chats {
		if !chat.Direct {
			continue
		}
		members := s.data.Members[id]
		if len(members) != 2 {
			continue
		}
		if _, okA := members[userA]; !okA {
			continue
		}
		if _, okB := members[userB]; okB {
			return chat, true
		}
	}
	return models.Chat{}, false
}

func (s *Storage) GetChat(id int64) (models.Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.data.Chats[id]
	return chat, ok
}

// ListChatsFor returns the chats visible to a user: every public chat plus the
// direct chats the user belongs to, ordered by most recent activity.
func (s *Storage) ListChatsFor(userID int64) []models.Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chats := make([]models.Chat, 0, len(s.data.Chats))
	for id, chat := range s.data.Chats {
		if chat.Direct {
			if _, ok := s.data.Members[id][userID]; !ok {
				continue
			}
		}
		chats = append(chats, chat)
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].LastMessageAt.Equal(chats[j].LastMessageAt) {
			return chats[i].ID > chats[j].ID
		}
		return chats[i].LastMessageAt.After(chats[j].LastMessageAt)
	})
	return chats
}

// AddChatMember records membership. Adding an existing member is a no-op.
func (s *Storage) AddChatMember(chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Chats[chatID]; !ok {
		return ErrChatNotFound
	}
	if _, ok := s.data.Users[userID]; !ok {
		return ErrUserNotFound
	}
	if _, ok := s.data.Members[chatID][userID]; ok {
		return nil
	}
	if s.data.Members[chatID] == nil {
		s.data.Members[chatID] = make(map[int64]models.ChatMember)
	}
	member := models.ChatMember{ChatID: chatID, UserID: userID, JoinedAt: nowUTC()}
	s.data.Members[chatID][userID] = member
	if err := s.persist(); err != nil {
		delete(s.data.Members[chatID], userID)
		return err
	}
	return nil
}

func (s *Storage) ListChatMembers(chatID int64) ([]models.ChatMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.Chats[chatID]; !ok {
		return nil, ErrChatNotFound
	}
	members := make([]models.ChatMember, 0, len(s.data.Members[chatID]))
	for _, member := range s.data.Members[chatID] {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}
