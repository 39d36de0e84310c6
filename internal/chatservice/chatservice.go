// Package chatservice holds the business logic shared by every
// transport: WebSocket gateway and synchronous HTTP alike. It knows
// nothing about sockets or rooms; it talks to a store.Repository for
// durable state and a bus.Bus to fan out events to other gateway
// instances.
package chatservice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pairchat/relay/internal/apperr"
	"github.com/pairchat/relay/internal/bus"
	"github.com/pairchat/relay/internal/metrics"
	"github.com/pairchat/relay/internal/store"
)

// IDGenerator produces a fallback id when a caller submits a message
// without one. Service accepts any implementation so tests can
// substitute a deterministic one.
type IDGenerator interface {
	NextID() string
}

// Service implements the chat and message operations.
type Service struct {
	repo      store.Repository
	bus       bus.Bus
	ids       IDGenerator
	maxLength int
	metrics   *metrics.Metrics
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithMaxMessageLength overrides the default content length ceiling.
func WithMaxMessageLength(n int) Option {
	return func(s *Service) { s.maxLength = n }
}

// WithIDGenerator overrides the fallback id generator, default uuid.NewString.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithMetrics attaches a Metrics sink. Without it, Service records
// nothing — tests and tooling that don't care about observability can
// omit it entirely.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

const defaultMaxMessageLength = 4096

type uuidGenerator struct{}

func (uuidGenerator) NextID() string { return uuid.NewString() }

// New builds a Service over repo and eventBus.
func New(repo store.Repository, eventBus bus.Bus, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		bus:       eventBus,
		ids:       uuidGenerator{},
		maxLength: defaultMaxMessageLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateChat returns the existing chat between requesterID and
// otherID, or creates one. created reports which branch was taken.
// Concurrent callers racing on the same pair converge on one chat: the
// loser's CreateChat fails with apperr.KindConflict and re-reads.
func (s *Service) GetOrCreateChat(ctx context.Context, requesterID, otherID string) (store.Chat, bool, error) {
	if requesterID == otherID {
		return store.Chat{}, false, apperr.Validation("chatservice.GetOrCreateChat", errors.New("cannot chat with self"))
	}

	chat, err := s.repo.FindChatByParticipants(ctx, requesterID, otherID)
	if err == nil {
		return chat, false, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return store.Chat{}, false, err
	}

	chat, err = s.repo.CreateChat(ctx, requesterID, otherID)
	if err == nil {
		return chat, true, nil
	}
	if apperr.Is(err, apperr.KindConflict) {
		chat, rereadErr := s.repo.FindChatByParticipants(ctx, requesterID, otherID)
		if rereadErr != nil {
			return store.Chat{}, false, rereadErr
		}
		return chat, false, nil
	}
	return store.Chat{}, false, err
}

// ListUserChats returns every chat userID participates in, most
// recently active first.
func (s *Service) ListUserChats(ctx context.Context, userID string) ([]store.Chat, error) {
	return s.repo.ListChatsForUser(ctx, userID)
}

// GetChat returns chatID's record, or apperr.KindNotFound.
func (s *Service) GetChat(ctx context.Context, chatID string) (store.Chat, error) {
	return s.repo.FindChatByID(ctx, chatID)
}

// GetUser returns userID's record, or apperr.KindNotFound.
func (s *Service) GetUser(ctx context.Context, userID string) (store.User, error) {
	return s.repo.FindUserByID(ctx, userID)
}

// ListMessages returns every message in chatID, oldest first, provided
// requesterID is one of the chat's participants.
func (s *Service) ListMessages(ctx context.Context, chatID, requesterID string) ([]store.Message, error) {
	chat, err := s.repo.FindChatByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(requesterID) {
		return nil, apperr.Authorization("chatservice.ListMessages", errors.New("requester is not a participant"))
	}
	return s.repo.ListMessagesForChat(ctx, chatID)
}

// SendMessage validates and persists a message, then publishes it on
// bus.TopicChatMessages keyed by chat id so every subscriber observes
// this chat's messages in order. id may be empty, in which case a
// fallback id is assigned.
func (s *Service) SendMessage(ctx context.Context, chatID, senderID, id, content string) (store.Message, error) {
	chat, err := s.repo.FindChatByID(ctx, chatID)
	if err != nil {
		return store.Message{}, err
	}
	if !chat.HasParticipant(senderID) {
		return store.Message{}, apperr.Authorization("chatservice.SendMessage", errors.New("sender is not a participant"))
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, apperr.Validation("chatservice.SendMessage", errors.New("content must not be empty"))
	}
	if len(content) > s.maxLength {
		return store.Message{}, apperr.Validation("chatservice.SendMessage", errors.New("content exceeds maximum length"))
	}

	if id == "" {
		id = s.ids.NextID()
	}

	msg := store.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Status:    store.StatusSent,
		CreatedAt: time.Now().UTC(),
	}

	saved, err := s.repo.SaveMessage(ctx, msg)
	if err != nil {
		return store.Message{}, err
	}

	if s.metrics != nil {
		s.metrics.MessagesSent.Inc()
	}
	s.publishMessage(ctx, saved)
	return saved, nil
}

// MarkDelivered transitions a message to DELIVERED. No-op if the
// message is already DELIVERED or READ.
func (s *Service) MarkDelivered(ctx context.Context, messageID, recipientID string) error {
	return s.transitionStatus(ctx, messageID, recipientID, store.StatusDelivered)
}

// MarkRead transitions a message to READ, from either SENT or
// DELIVERED. The wire-observable DELIVERED event may never have
// arrived; READ subsumes it.
func (s *Service) MarkRead(ctx context.Context, messageID, recipientID string) error {
	return s.transitionStatus(ctx, messageID, recipientID, store.StatusRead)
}

func (s *Service) transitionStatus(ctx context.Context, messageID, recipientID string, newStatus store.Status) error {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	chat, err := s.repo.FindChatByID(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	if !chat.HasParticipant(recipientID) {
		return apperr.Authorization("chatservice.transitionStatus", errors.New("recipient is not a participant"))
	}
	if recipientID == msg.SenderID {
		return apperr.Authorization("chatservice.transitionStatus", errors.New("sender cannot mark its own message"))
	}

	if err := s.repo.UpdateMessageStatus(ctx, messageID, newStatus); err != nil {
		return err
	}

	if newStatus > msg.Status {
		if s.metrics != nil {
			s.metrics.StatusTransitions.WithLabelValues(newStatus.String()).Inc()
		}
		s.publishStatus(ctx, messageID, msg.ChatID, msg.SenderID, newStatus)
	}
	return nil
}

// UndeliveredFor returns messages in chatID addressed to userID that
// have not yet been confirmed delivered.
func (s *Service) UndeliveredFor(ctx context.Context, userID, chatID string) ([]store.Message, error) {
	return s.repo.ListUndeliveredFor(ctx, userID, chatID)
}

func (s *Service) publishMessage(ctx context.Context, msg store.Message) {
	record, err := bus.EncodeJSON(bus.MessageRecord{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Status:    msg.Status.String(),
		CreatedAt: msg.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	outcome := "ok"
	if err := s.bus.Publish(ctx, bus.TopicChatMessages, msg.ChatID, record); err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.BusPublishes.WithLabelValues(string(bus.TopicChatMessages), outcome).Inc()
	}
}

func (s *Service) publishStatus(ctx context.Context, messageID, chatID, senderID string, newStatus store.Status) {
	record, err := bus.EncodeJSON(bus.StatusRecord{
		MessageID: messageID,
		ChatID:    chatID,
		SenderID:  senderID,
		NewStatus: newStatus.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	outcome := "ok"
	if err := s.bus.Publish(ctx, bus.TopicChatMessageStatus, messageID, record); err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.BusPublishes.WithLabelValues(string(bus.TopicChatMessageStatus), outcome).Inc()
	}
}
