// Package bus defines the publish/subscribe fabric that carries chat
// events between gateway instances, so a message sent on one instance
// reaches every other instance's sockets without a direct link between
// them.
package bus

import (
	"context"
	"encoding/json"
)

// Topic names a logical stream of records, e.g. "chat.messages" or
// "chat.message.status".
type Topic string

const (
	TopicChatMessages      Topic = "chat.messages"
	TopicChatMessageStatus Topic = "chat.message.status"
)

// Handler processes one record delivered for a subscription. Delivery
// is at-least-once: the same record can be handed to handler more than
// once, in particular across a reconnect, so handlers must be
// idempotent. A handler panic is recovered by the implementation, logged,
// and the record is treated as processed.
type Handler func(ctx context.Context, topic Topic, key string, record []byte) error

// Bus is the interface every broker implementation satisfies. Key is
// the partition key: implementations guarantee that records published
// under the same (topic, key) are observed by any single subscriber in
// publication order.
type Bus interface {
	// Start acquires broker resources. Must be called before Publish or
	// Subscribe.
	Start(ctx context.Context) error

	// Stop pauses consumption, drains in-flight handlers, then closes
	// the underlying connection. After Stop returns, Publish and
	// Subscribe fail with apperr.KindLifecycle.
	Stop() error

	Publish(ctx context.Context, topic Topic, key string, record []byte) error

	// Subscribe registers handler for topic and blocks until ctx is
	// canceled, Stop is called, or an unrecoverable error occurs.
	// Callers run it in its own goroutine.
	Subscribe(ctx context.Context, topic Topic, handler Handler) error
}

// EncodeJSON is a convenience for callers building a record payload.
func EncodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// MessageRecord is the payload of TopicChatMessages.
type MessageRecord struct {
	ID        string `json:"id"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// StatusRecord is the payload of TopicChatMessageStatus.
type StatusRecord struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	NewStatus string `json:"newStatus"`
	Timestamp string `json:"timestamp"`
}
