package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mllbll/mini-messenger/internal/models"
)

// AppendMessage stores a message and advances the chat's recency marker in the
// same critical section. The assigned id doubles as the ordering key for
// messages whose timestamps collide.
func (s *Storage) AppendMessage(chatID, authorID int64, recipientHandle, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("message content is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.data.Chats[chatID]
	if !ok {
		return models.Message{}, ErrChatNotFound
	}
	author, ok := s.data.Users[authorID]
	if !ok {
		return models.Message{}, ErrUserNotFound
	}

	msg := models.Message{
		ID:              s.data.NextMessageID,
		ChatID:          chatID,
		AuthorID:        authorID,
		AuthorHandle:    author.Handle,
		RecipientHandle: recipientHandle,
		Content:         content,
		CreatedAt:       nowUTC(),
	}
	prevTouched := chat.LastMessageAt
	chat.LastMessageAt = msg.CreatedAt

	s.data.Messages[msg.ID] = msg
	s.data.Chats[chatID] = chat
	s.data.NextMessageID++
	if err := s.persist(); err != nil {
		delete(s.data.Messages, msg.ID)
		chat.LastMessageAt = prevTouched
		s.data.Chats[chatID] = chat
		s.data.NextMessageID--
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns the chat transcript in chronological order. Ties on the
// timestamp fall back to the insertion id.
func (s *Storage) ListMessages(chatID int64) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.Chats[chatID]; !ok {
		return nil, ErrChatNotFound
	}
	messages := make([]models.Message, 0)
	for _, msg := range s.data.Messages {
		if msg.ChatID == chatID {
			messages = append(messages, msg)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}
