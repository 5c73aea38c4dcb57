// Package models defines the persisted entities shared by the storage layer,
// the API handlers, and the chat gateway.
package models

import "time"

type User struct {
	ID           int64     `json:"id"`
	Handle       string    `json:"handle"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Chat is a conversation scope. Direct chats are created implicitly between
// two users and carry exactly two memberships; public chats accrue members as
// participants join. LastMessageAt orders chat listings, newest first.
type Chat struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Direct        bool      `json:"direct"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

type ChatMember struct {
	ChatID   int64     `json:"chatId"`
	UserID   int64     `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Message is immutable once stored. ID is the store-assigned ordering key and
// breaks ties between messages whose timestamps collide.
type Message struct {
	ID              int64     `json:"id"`
	ChatID          int64     `json:"chatId"`
	AuthorID        int64     `json:"authorId"`
	AuthorHandle    string    `json:"authorHandle"`
	RecipientHandle string    `json:"recipientHandle,omitempty"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"createdAt"`
}
