// Package postgres implements store.Repository against PostgreSQL using
// sqlx over the lib/pq driver.
package postgres

import (
	"context"
	_ "embed"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pairchat/relay/internal/apperr"
	"github.com/pairchat/relay/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is a store.Repository backed by a *sqlx.DB. Zero value is not
// usable; call Open first.
type Postgres struct {
	db *sqlx.DB
}

// New returns an unopened Postgres repository.
func New() *Postgres {
	return &Postgres{}
}

func (p *Postgres) Open(ctx context.Context, dsn string) error {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return apperr.Lifecycle("postgres.Open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return apperr.Lifecycle("postgres.Open", err)
	}
	p.db = db
	return nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) IsOpen() bool {
	return p.db != nil && p.db.Ping() == nil
}

// Migrate applies the embedded schema. Idempotent: every statement uses
// IF NOT EXISTS.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return apperr.Fatal("postgres.Migrate", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

// --- Users ---------------------------------------------------------------

func (p *Postgres) CreateUser(ctx context.Context, email, name string, passwordHash []byte) (store.User, error) {
	u := store.User{
		ID:    uuid.NewString(),
		Email: email,
		Name:  name,
	}
	row := p.db.QueryRowxContext(ctx, `
		INSERT INTO users (id, email, email_normalized, name, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, email, name, password_hash, created_at`,
		u.ID, email, strings.ToLower(email), name, passwordHash)

	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.User{}, apperr.Conflict("postgres.CreateUser", errors.New("email already registered"))
		}
		return store.User{}, apperr.Transient("postgres.CreateUser", err)
	}
	return u, nil
}

func (p *Postgres) FindUserByEmail(ctx context.Context, email string) (store.User, error) {
	var u store.User
	err := p.db.GetContext(ctx, &u, `
		SELECT id, email, name, password_hash, created_at FROM users
		WHERE email_normalized = $1`, strings.ToLower(email))
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, apperr.NotFound("postgres.FindUserByEmail", err)
	} else if err != nil {
		return store.User{}, apperr.Transient("postgres.FindUserByEmail", err)
	}
	return u, nil
}

func (p *Postgres) FindUserByID(ctx context.Context, id string) (store.User, error) {
	var u store.User
	err := p.db.GetContext(ctx, &u, `
		SELECT id, email, name, password_hash, created_at FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.User{}, apperr.NotFound("postgres.FindUserByID", err)
	} else if err != nil {
		return store.User{}, apperr.Transient("postgres.FindUserByID", err)
	}
	return u, nil
}

// --- Chats -----------------------------------------------------------------

func canonicalPair(a, b string) (min, max string) {
	if a <= b {
		return a, b
	}
	return b, a
}

func (p *Postgres) CreateChat(ctx context.Context, userA, userB string) (store.Chat, error) {
	userMin, userMax := canonicalPair(userA, userB)

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Chat{}, apperr.Transient("postgres.CreateChat", err)
	}
	defer tx.Rollback()

	var c store.Chat
	c.ID = uuid.NewString()
	row := tx.QueryRowxContext(ctx, `
		INSERT INTO chats (id, user_min, user_max)
		VALUES ($1, $2, $3)
		RETURNING id, user_min, user_max, created_at, updated_at`, c.ID, userMin, userMax)
	if err := row.Scan(&c.ID, &c.ParticipantA, &c.ParticipantB, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return store.Chat{}, apperr.Conflict("postgres.CreateChat", errors.New("chat already exists"))
		}
		if isForeignKeyViolation(err) {
			return store.Chat{}, apperr.NotFound("postgres.CreateChat", errors.New("user does not exist"))
		}
		return store.Chat{}, apperr.Transient("postgres.CreateChat", err)
	}

	for _, uid := range [2]string{userA, userB} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2)`, c.ID, uid); err != nil {
			return store.Chat{}, apperr.Transient("postgres.CreateChat", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return store.Chat{}, apperr.Transient("postgres.CreateChat", err)
	}
	return c, nil
}

func (p *Postgres) FindChatByID(ctx context.Context, id string) (store.Chat, error) {
	var c store.Chat
	err := p.db.GetContext(ctx, &c, `
		SELECT id, user_min AS participant_a, user_max AS participant_b, created_at, updated_at
		FROM chats WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Chat{}, apperr.NotFound("postgres.FindChatByID", err)
	} else if err != nil {
		return store.Chat{}, apperr.Transient("postgres.FindChatByID", err)
	}
	return c, nil
}

func (p *Postgres) FindChatByParticipants(ctx context.Context, userA, userB string) (store.Chat, error) {
	userMin, userMax := canonicalPair(userA, userB)
	var c store.Chat
	err := p.db.GetContext(ctx, &c, `
		SELECT id, user_min AS participant_a, user_max AS participant_b, created_at, updated_at
		FROM chats WHERE user_min = $1 AND user_max = $2`, userMin, userMax)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Chat{}, apperr.NotFound("postgres.FindChatByParticipants", err)
	} else if err != nil {
		return store.Chat{}, apperr.Transient("postgres.FindChatByParticipants", err)
	}
	return c, nil
}

func (p *Postgres) ListChatsForUser(ctx context.Context, userID string) ([]store.Chat, error) {
	var chats []store.Chat
	err := p.db.SelectContext(ctx, &chats, `
		SELECT c.id, c.user_min AS participant_a, c.user_max AS participant_b, c.created_at, c.updated_at
		FROM chats c
		JOIN chat_participants cp ON cp.chat_id = c.id
		WHERE cp.user_id = $1
		ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, apperr.Transient("postgres.ListChatsForUser", err)
	}
	return chats, nil
}

// --- Messages ----------------------------------------------------------

func (p *Postgres) SaveMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
	}
	defer tx.Rollback()

	var chatExists bool
	if err := tx.GetContext(ctx, &chatExists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id = $1)`, msg.ChatID); err != nil {
		return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
	}
	if !chatExists {
		return store.Message{}, apperr.NotFound("postgres.SaveMessage", errors.New("chat not found"))
	}

	var isParticipant bool
	if err := tx.GetContext(ctx, &isParticipant, `
		SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2)`,
		msg.ChatID, msg.SenderID); err != nil {
		return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
	}
	if !isParticipant {
		return store.Message{}, apperr.Authorization("postgres.SaveMessage", errors.New("sender is not a participant"))
	}

	var existing store.Message
	err = tx.GetContext(ctx, &existing, `
		SELECT id, chat_id, sender_id, content, status, created_at FROM messages
		WHERE id = $1 AND chat_id = $2 AND sender_id = $3`, msg.ID, msg.ChatID, msg.SenderID)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
		}
		return existing, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
	}

	var idTaken bool
	if err := tx.GetContext(ctx, &idTaken, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, msg.ID); err != nil {
		return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
	}
	if idTaken {
		return store.Message{}, apperr.Conflict("postgres.SaveMessage", errors.New("message id already used by a different chat/sender"))
	}

	row := tx.QueryRowxContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, chat_id, sender_id, content, status, created_at`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.Status, msg.CreatedAt)

	var saved store.Message
	if err := row.Scan(&saved.ID, &saved.ChatID, &saved.SenderID, &saved.Content, &saved.Status, &saved.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost the race to a concurrent insert of the same id; re-read.
			if err := tx.GetContext(ctx, &saved, `
				SELECT id, chat_id, sender_id, content, status, created_at FROM messages WHERE id = $1`, msg.ID); err != nil {
				return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
			}
			if saved.ChatID != msg.ChatID || saved.SenderID != msg.SenderID {
				return store.Message{}, apperr.Conflict("postgres.SaveMessage", errors.New("message id already used by a different chat/sender"))
			}
			if err := tx.Commit(); err != nil {
				return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
			}
			return saved, nil
		}
		return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, msg.ChatID); err != nil {
		return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
	}

	if err := tx.Commit(); err != nil {
		return store.Message{}, apperr.Transient("postgres.SaveMessage", err)
	}
	return saved, nil
}

func (p *Postgres) GetMessage(ctx context.Context, id string) (store.Message, error) {
	var m store.Message
	err := p.db.GetContext(ctx, &m, `
		SELECT id, chat_id, sender_id, content, status, created_at FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Message{}, apperr.NotFound("postgres.GetMessage", err)
	} else if err != nil {
		return store.Message{}, apperr.Transient("postgres.GetMessage", err)
	}
	return m, nil
}

func (p *Postgres) ListMessagesForChat(ctx context.Context, chatID string) ([]store.Message, error) {
	var msgs []store.Message
	err := p.db.SelectContext(ctx, &msgs, `
		SELECT id, chat_id, sender_id, content, status, created_at FROM messages
		WHERE chat_id = $1 ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, apperr.Transient("postgres.ListMessagesForChat", err)
	}
	return msgs, nil
}

func (p *Postgres) UpdateMessageStatus(ctx context.Context, messageID string, newStatus store.Status) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Transient("postgres.UpdateMessageStatus", err)
	}
	defer tx.Rollback()

	var current store.Status
	if err := tx.GetContext(ctx, &current, `SELECT status FROM messages WHERE id = $1 FOR UPDATE`, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("postgres.UpdateMessageStatus", err)
		}
		return apperr.Transient("postgres.UpdateMessageStatus", err)
	}

	if newStatus < current {
		// Backward transitions are silently ignored.
		return tx.Commit()
	}
	if newStatus == current {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = $1 WHERE id = $2`, newStatus, messageID); err != nil {
		return apperr.Transient("postgres.UpdateMessageStatus", err)
	}
	return tx.Commit()
}

func (p *Postgres) ListUndeliveredFor(ctx context.Context, userID, chatID string) ([]store.Message, error) {
	var msgs []store.Message
	err := p.db.SelectContext(ctx, &msgs, `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.status, m.created_at
		FROM messages m
		JOIN chat_participants cp ON cp.chat_id = m.chat_id AND cp.user_id = $1
		WHERE m.chat_id = $2 AND m.sender_id <> $1 AND m.status = $3
		ORDER BY m.created_at ASC`, userID, chatID, store.StatusSent)
	if err != nil {
		return nil, apperr.Transient("postgres.ListUndeliveredFor", err)
	}
	return msgs, nil
}

var _ store.Repository = (*Postgres)(nil)
