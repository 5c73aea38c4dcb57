package storage

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/mllbll/mini-messenger/internal/models"
)

const bcryptCost = 12

// CreateUserParams captures the attributes required to register an account.
type CreateUserParams struct {
	Handle   string
	Password string
}

func (s *Storage) CreateUser(params CreateUserParams) (models.User, error) {
	handle := strings.TrimSpace(params.Handle)
	if handle == "" {
		return models.User{}, fmt.Errorf("handle is required")
	}
	if params.Password == "" {
		return models.User{}, fmt.Errorf("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcryptCost)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	folded := foldHandle(handle)
	for _, existing := range s.data.Users {
		if foldHandle(existing.Handle) == folded {
			return models.User{}, ErrHandleTaken
		}
	}

	user := models.User{
		ID:           s.data.NextUserID,
		Handle:       handle,
		PasswordHash: string(hash),
		CreatedAt:    nowUTC(),
	}
	s.data.Users[user.ID] = user
	s.data.NextUserID++
	if err := s.persist(); err != nil {
		delete(s.data.Users, user.ID)
		s.data.NextUserID--
		return models.User{}, err
	}
	return user, nil
}

// AuthenticateUser verifies a handle/password pair. The handle comparison is
// case-insensitive; the result carries the stored casing.
func (s *Storage) AuthenticateUser(handle, password string) (models.User, error) {
	user, ok := s.GetUserByHandle(handle)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (s *Storage) GetUser(id int64) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok
}

func (s *Storage) GetUserByHandle(handle string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	folded := foldHandle(strings.TrimSpace(handle))
	for _, user := range s.data.Users {
		if foldHandle(user.Handle) == folded {
			return user, true
		}
	}
	return models.User{}, false
}

func (s *Storage) ListUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// SearchUsers returns users whose handle contains the fragment, ignoring
// case, ordered by id.
func (s *Storage) SearchUsers(fragment string) []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	needle := foldHandle(strings.TrimSpace(fragment))
	users := make([]models.User, 0)
	for _, user := range s.data.Users {
		if needle == "" || strings.Contains(foldHandle(user.Handle), needle) {
			users = append(users, user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
