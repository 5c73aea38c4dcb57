package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/mllbll/mini-messenger/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrChatNotFound       = errors.New("chat not found")
	ErrHandleTaken        = errors.New("handle already taken")
)

var handleFolder = cases.Fold()

// foldHandle normalises a handle for case-insensitive comparison.
func foldHandle(handle string) string {
	return handleFolder.String(handle)
}

type dataset struct {
	Users    map[int64]models.User                 `json:"users"`
	Chats    map[int64]models.Chat                 `json:"chats"`
	Members  map[int64]map[int64]models.ChatMember `json:"members"`
	Messages map[int64]models.Message              `json:"messages"`

	NextUserID    int64 `json:"nextUserId"`
	NextChatID    int64 `json:"nextChatId"`
	NextMessageID int64 `json:"nextMessageId"`
}

func newDataset() dataset {
	return dataset{
		Users:         make(map[int64]models.User),
		Chats:         make(map[int64]models.Chat),
		Members:       make(map[int64]map[int64]models.ChatMember),
		Messages:      make(map[int64]models.Message),
		NextUserID:    1,
		NextChatID:    1,
		NextMessageID: 1,
	}
}

// Storage is the in-memory repository with optional JSON file durability. It
// is the default driver for development and the fixture for tests; the
// Postgres repository provides the production driver.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens a JSON-backed store at path. An empty path keeps the
// dataset purely in memory.
func NewStorage(path string) (*Storage, error) {
	s := &Storage{filePath: path, data: newDataset()}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read datastore: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("decode datastore: %w", err)
		}
	}
	s.ensureDatasetInitializedLocked()
	return s, nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[int64]models.User)
	}
	if s.data.Chats == nil {
		s.data.Chats = make(map[int64]models.Chat)
	}
	if s.data.Members == nil {
		s.data.Members = make(map[int64]map[int64]models.ChatMember)
	}
	if s.data.Messages == nil {
		s.data.Messages = make(map[int64]models.Message)
	}
	if s.data.NextUserID < 1 {
		s.data.NextUserID = 1
	}
	if s.data.NextChatID < 1 {
		s.data.NextChatID = 1
	}
	if s.data.NextMessageID < 1 {
		s.data.NextMessageID = 1
	}
}

// persist writes the dataset to disk while holding the write lock. Callers
// that mutate state must roll the mutation back when persist fails.
func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}
	if s.filePath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("prepare datastore dir: %w", err)
	}
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write datastore: %w", err)
	}
	return os.Rename(tmp, s.filePath)
}

// Ping reports whether the store is usable. The in-memory driver is always
// reachable; it only validates that the backing file location is writable
// when one is configured.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
