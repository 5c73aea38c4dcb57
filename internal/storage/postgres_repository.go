package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/mllbll/mini-messenger/internal/models"
)

const postgresOperationTimeout = 5 * time.Second

// PostgresRepository is the pgx-backed driver. It implements the same
// Repository contract as the in-memory Storage; ordering and uniqueness
// invariants are enforced by the schema instead of map scans.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens the pool and applies the schema migration.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConnections
	poolCfg.MinConns = cfg.MinConnections
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *PostgresRepository) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

func (r *PostgresRepository) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), postgresOperationTimeout)
}

func (r *PostgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
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

	ctx, cancel := r.opContext()
	defer cancel()

	user := models.User{Handle: handle, PasswordHash: string(hash)}
	err = r.pool.QueryRow(ctx,
		`INSERT INTO users (handle, handle_folded, password_hash) VALUES ($1, $2, $3) RETURNING id, created_at`,
		handle, foldHandle(handle), user.PasswordHash,
	).Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.User{}, ErrHandleTaken
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) AuthenticateUser(handle, password string) (models.User, error) {
	user, ok := r.GetUserByHandle(handle)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (r *PostgresRepository) GetUser(id int64) (models.User, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	var user models.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, handle, password_hash, created_at FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Handle, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *PostgresRepository) GetUserByHandle(handle string) (models.User, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	var user models.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, handle, password_hash, created_at FROM users WHERE handle_folded = $1`,
		foldHandle(strings.TrimSpace(handle)),
	).Scan(&user.ID, &user.Handle, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *PostgresRepository) ListUsers() []models.User {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT id, handle, password_hash, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (r *PostgresRepository) SearchUsers(fragment string) []models.User {
	ctx, cancel := r.opContext()
	defer cancel()
	needle := "%" + escapeLike(foldHandle(strings.TrimSpace(fragment))) + "%"
	rows, err := r.pool.Query(ctx,
		`SELECT id, handle, password_hash, created_at FROM users WHERE handle_folded LIKE $1 ORDER BY id`,
		needle,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows pgx.Rows) []models.User {
	users := make([]models.User, 0)
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Handle, &user.PasswordHash, &user.CreatedAt); err != nil {
			return users
		}
		users = append(users, user)
	}
	return users
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

func (r *PostgresRepository) CreateChat(name string) (models.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Chat{}, fmt.Errorf("chat name is required")
	}
	ctx, cancel := r.opContext()
	defer cancel()
	chat := models.Chat{Name: name}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO chats (name) VALUES ($1) RETURNING id, created_at, last_message_at`, name,
	).Scan(&chat.ID, &chat.CreatedAt, &chat.LastMessageAt)
	if err != nil {
		return models.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

func (r *PostgresRepository) CreateDirectChat(userA, userB int64) (models.Chat, error) {
	if userA == userB {
		return models.Chat{}, fmt.Errorf("direct chat requires two distinct users")
	}
	ctx, cancel := r.opContext()
	defer cancel()

	other, ok := r.GetUser(userB)
	if !ok {
		return models.Chat{}, ErrUserNotFound
	}
	if _, ok := r.GetUser(userA); !ok {
		return models.Chat{}, ErrUserNotFound
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Chat{}, fmt.Errorf("begin direct chat transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var chat models.Chat
	err = tx.QueryRow(ctx,
		`SELECT c.id, c.name, c.direct, c.created_at, c.last_message_at
		 FROM chats c
		 JOIN chat_members a ON a.chat_id = c.id AND a.user_id = $1
		 JOIN chat_members b ON b.chat_id = c.id AND b.user_id = $2
		 WHERE c.direct`, userA, userB,
	).Scan(&chat.ID, &chat.Name, &chat.Direct, &chat.CreatedAt, &chat.LastMessageAt)
	if err == nil {
		return chat, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Chat{}, fmt.Errorf("lookup direct chat: %w", err)
	}

	chat = models.Chat{Name: other.Handle, Direct: true}
	err = tx.QueryRow(ctx,
		`INSERT INTO chats (name, direct) VALUES ($1, TRUE) RETURNING id, created_at, last_message_at`,
		chat.Name,
	).Scan(&chat.ID, &chat.CreatedAt, &chat.LastMessageAt)
	if err != nil {
		return models.Chat{}, fmt.Errorf("insert direct chat: %w", err)
	}
	for _, userID := range []int64{userA, userB} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`, chat.ID, userID,
		); err != nil {
			return models.Chat{}, fmt.Errorf("insert direct chat member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Chat{}, fmt.Errorf("commit direct chat: %w", err)
	}
	return chat, nil
}

func (r *PostgresRepository) GetChat(id int64) (models.Chat, bool) {
	ctx, cancel := r.opContext()
	defer cancel()
	var chat models.Chat
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, direct, created_at, last_message_at FROM chats WHERE id = $1`, id,
	).Scan(&chat.ID, &chat.Name, &chat.Direct, &chat.CreatedAt, &chat.LastMessageAt)
	if err != nil {
		return models.Chat{}, false
	}
	return chat, true
}

func (r *PostgresRepository) ListChatsFor(userID int64) []models.Chat {
	ctx, cancel := r.opContext()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, direct, created_at, last_message_at FROM chats
		 WHERE NOT direct
		    OR id IN (SELECT chat_id FROM chat_members WHERE user_id = $1)
		 ORDER BY last_message_at DESC, id DESC`, userID,
	)
	if err != nil {
		return nil
	}
	defer rows.Close()
	chats := make([]models.Chat, 0)
	for rows.Next() {
		var chat models.Chat
		if err := rows.Scan(&chat.ID, &chat.Name, &chat.Direct, &chat.CreatedAt, &chat.LastMessageAt); err != nil {
			return chats
		}
		chats = append(chats, chat)
	}
	return chats
}

func (r *PostgresRepository) AddChatMember(chatID, userID int64) error {
	ctx, cancel := r.opContext()
	defer cancel()
	if _, ok := r.GetChat(chatID); !ok {
		return ErrChatNotFound
	}
	if _, ok := r.GetUser(userID); !ok {
		return ErrUserNotFound
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("insert chat member: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListChatMembers(chatID int64) ([]models.ChatMember, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	if _, ok := r.GetChat(chatID); !ok {
		return nil, ErrChatNotFound
	}
	rows, err := r.pool.Query(ctx,
		`SELECT chat_id, user_id, joined_at FROM chat_members WHERE chat_id = $1 ORDER BY user_id`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chat members: %w", err)
	}
	defer rows.Close()
	members := make([]models.ChatMember, 0)
	for rows.Next() {
		var member models.ChatMember
		if err := rows.Scan(&member.ChatID, &member.UserID, &member.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan chat member: %w", err)
		}
		members = append(members, member)
	}
	return members, nil
}

func (r *PostgresRepository) AppendMessage(chatID, authorID int64, recipientHandle, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, fmt.Errorf("message content is required")
	}
	ctx, cancel := r.opContext()
	defer cancel()

	author, ok := r.GetUser(authorID)
	if !ok {
		return models.Message{}, ErrUserNotFound
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Message{}, fmt.Errorf("begin message transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
		return models.Message{}, fmt.Errorf("check chat: %w", err)
	}
	if !exists {
		return models.Message{}, ErrChatNotFound
	}

	msg := models.Message{
		ChatID:          chatID,
		AuthorID:        authorID,
		AuthorHandle:    author.Handle,
		RecipientHandle: recipientHandle,
		Content:         content,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (chat_id, author_id, recipient_handle, content) VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		chatID, authorID, recipientHandle, content,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE chats SET last_message_at = $2 WHERE id = $1`, chatID, msg.CreatedAt,
	); err != nil {
		return models.Message{}, fmt.Errorf("touch chat recency: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Message{}, fmt.Errorf("commit message: %w", err)
	}
	return msg, nil
}

func (r *PostgresRepository) ListMessages(chatID int64) ([]models.Message, error) {
	ctx, cancel := r.opContext()
	defer cancel()
	if _, ok := r.GetChat(chatID); !ok {
		return nil, ErrChatNotFound
	}
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.chat_id, m.author_id, u.handle, m.recipient_handle, m.content, m.created_at
		 FROM messages m JOIN users u ON u.id = m.author_id
		 WHERE m.chat_id = $1
		 ORDER BY m.created_at, m.id`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.AuthorID, &msg.AuthorHandle, &msg.RecipientHandle, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("postgres pool not initialised")
	}
	return r.pool.Ping(ctx)
}
