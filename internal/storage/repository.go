package storage

import (
	"context"

	"github.com/mllbll/mini-messenger/internal/models"
)

// Repository is the persistence surface consumed by the API handlers and the
// chat gateway. The in-memory Storage is the default driver; PostgresRepository
// implements the same contract against a live database.
type Repository interface {
	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(handle, password string) (models.User, error)
	GetUser(id int64) (models.User, bool)
	GetUserByHandle(handle string) (models.User, bool)
	ListUsers() []models.User
	SearchUsers(fragment string) []models.User

	CreateChat(name string) (models.Chat, error)
	CreateDirectChat(userA, userB int64) (models.Chat, error)
	GetChat(id int64) (models.Chat, bool)
	ListChatsFor(userID int64) []models.Chat
	AddChatMember(chatID, userID int64) error
	ListChatMembers(chatID int64) ([]models.ChatMember, error)

	AppendMessage(chatID, authorID int64, recipientHandle, content string) (models.Message, error)
	ListMessages(chatID int64) ([]models.Message, error)

	Ping(ctx context.Context) error
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
