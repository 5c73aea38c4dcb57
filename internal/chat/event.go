package chat

import (
	"time"

	"github.com/mllbll/mini-messenger/internal/models"
)

// EventType enumerates the chat events flowing through the export queue.
type EventType string

const (
	// EventTypeMessage represents a persisted chat message.
	EventTypeMessage EventType = "message"
	// EventTypeJoin marks a live session entering a room.
	EventTypeJoin EventType = "join"
	// EventTypeLeave marks a live session leaving a room.
	EventTypeLeave EventType = "leave"
)

// Event is the wire representation forwarded to the export queue. Queue
// delivery is best effort; live fan-out never depends on it.
type Event struct {
	Type       EventType       `json:"type"`
	ChatID     int64           `json:"chatId"`
	Handle     string          `json:"handle,omitempty"`
	Message    *models.Message `json:"message,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// messagePayload is the wire form pushed to live sessions for a stored
// message.
type messagePayload struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chatId"`
	AuthorID  int64     `json:"authorId"`
	Author    string    `json:"author"`
	To        string    `json:"to,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// systemPayload is the wire form of a join or leave notice. Notices are never
// persisted.
type systemPayload struct {
	System bool   `json:"system"`
	Msg    string `json:"msg"`
}

// inboundMessage is the structured form accepted on the websocket. Frames
// that fail to decode are treated as bare text.
type inboundMessage struct {
	Text string `json:"text"`
	To   string `json:"to"`
}

func payloadForMessage(msg models.Message) messagePayload {
	return messagePayload{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		AuthorID:  msg.AuthorID,
		Author:    msg.AuthorHandle,
		To:        msg.RecipientHandle,
		Text:      msg.Content,
		Timestamp: msg.CreatedAt,
	}
}
