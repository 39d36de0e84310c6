package store

import "context"

// Repository is the interface every persistence backend must satisfy:
// typed errors from package apperr instead of generic error strings, and
// a context.Context on every call since every implementation here talks
// to a real database over the network.
type Repository interface {
	// Open acquires the underlying connection pool. Close releases it.
	Open(ctx context.Context, dsn string) error
	Close() error
	IsOpen() bool

	CreateUser(ctx context.Context, email, name string, passwordHash []byte) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUserByID(ctx context.Context, id string) (User, error)

	CreateChat(ctx context.Context, userA, userB string) (Chat, error)
	FindChatByID(ctx context.Context, id string) (Chat, error)
	FindChatByParticipants(ctx context.Context, userA, userB string) (Chat, error)
	ListChatsForUser(ctx context.Context, userID string) ([]Chat, error)

	SaveMessage(ctx context.Context, msg Message) (Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessagesForChat(ctx context.Context, chatID string) ([]Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, newStatus Status) error
	ListUndeliveredFor(ctx context.Context, userID, chatID string) ([]Message, error)
}
