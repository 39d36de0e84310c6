package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairchat/relay/internal/apperr"
	"github.com/pairchat/relay/internal/auth"
	"github.com/pairchat/relay/internal/bus"
	"github.com/pairchat/relay/internal/chatservice"
	"github.com/pairchat/relay/internal/store"
	"github.com/pairchat/relay/internal/wire"
)

// fakeVerifier treats the bearer token as the user id directly.
type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, apperr.Authentication("fakeVerifier", nil)
	}
	return auth.Identity{UserID: token}, nil
}

// memRepo is a minimal in-memory store.Repository for exercising the
// gateway end to end without a database.
type memRepo struct {
	mu       sync.Mutex
	users    map[string]store.User
	chats    map[string]store.Chat
	messages map[string]store.Message
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:    map[string]store.User{},
		chats:    map[string]store.Chat{},
		messages: map[string]store.Message{},
	}
}

func (r *memRepo) Open(context.Context, string) error { return nil }
func (r *memRepo) Close() error                        { return nil }
func (r *memRepo) IsOpen() bool                         { return true }

func (r *memRepo) CreateUser(ctx context.Context, email, name string, passwordHash []byte) (store.User, error) {
	return store.User{}, nil
}
func (r *memRepo) FindUserByEmail(ctx context.Context, email string) (store.User, error) {
	return store.User{}, apperr.NotFound("memRepo", nil)
}
func (r *memRepo) FindUserByID(ctx context.Context, id string) (store.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return store.User{Name: id, Email: id + "@example.com", ID: id}, nil
	}
	return u, nil
}

func (r *memRepo) CreateChat(ctx context.Context, userA, userB string) (store.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chats {
		if c.HasParticipant(userA) && c.HasParticipant(userB) {
			return store.Chat{}, apperr.Conflict("memRepo.CreateChat", nil)
		}
	}
	c := store.Chat{ID: "chat-" + userA + "-" + userB, ParticipantA: userA, ParticipantB: userB}
	r.chats[c.ID] = c
	return c, nil
}
func (r *memRepo) FindChatByID(ctx context.Context, id string) (store.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[id]
	if !ok {
		return store.Chat{}, apperr.NotFound("memRepo.FindChatByID", nil)
	}
	return c, nil
}
func (r *memRepo) FindChatByParticipants(ctx context.Context, userA, userB string) (store.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.chats {
		if c.HasParticipant(userA) && c.HasParticipant(userB) {
			return c, nil
		}
	}
	return store.Chat{}, apperr.NotFound("memRepo.FindChatByParticipants", nil)
}
func (r *memRepo) ListChatsForUser(ctx context.Context, userID string) ([]store.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Chat
	for _, c := range r.chats {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *memRepo) SaveMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.messages[msg.ID]; ok {
		if existing.ChatID != msg.ChatID || existing.SenderID != msg.SenderID {
			return store.Message{}, apperr.Conflict("memRepo.SaveMessage", nil)
		}
		return existing, nil
	}
	r.messages[msg.ID] = msg
	return msg, nil
}
func (r *memRepo) GetMessage(ctx context.Context, id string) (store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return store.Message{}, apperr.NotFound("memRepo.GetMessage", nil)
	}
	return m, nil
}
func (r *memRepo) ListMessagesForChat(ctx context.Context, chatID string) ([]store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Message
	for _, m := range r.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}
func (r *memRepo) UpdateMessageStatus(ctx context.Context, messageID string, newStatus store.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok {
		return apperr.NotFound("memRepo.UpdateMessageStatus", nil)
	}
	if newStatus > m.Status {
		m.Status = newStatus
		r.messages[messageID] = m
	}
	return nil
}
func (r *memRepo) ListUndeliveredFor(ctx context.Context, userID, chatID string) ([]store.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Message
	for _, m := range r.messages {
		if m.ChatID == chatID && m.SenderID != userID && m.Status == store.StatusSent {
			out = append(out, m)
		}
	}
	return out, nil
}

var _ store.Repository = (*memRepo)(nil)

// noopBus never delivers anything; fan-out through C2 is exercised
// with memBus below.
type noopBus struct{}

func (noopBus) Start(context.Context) error { return nil }
func (noopBus) Stop() error                  { return nil }
func (noopBus) Publish(context.Context, bus.Topic, string, []byte) error { return nil }
func (noopBus) Subscribe(ctx context.Context, topic bus.Topic, handler bus.Handler) error {
	<-ctx.Done()
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	repo := newMemRepo()
	svc := chatservice.New(repo, noopBus{})
	gw := New(fakeVerifier{}, svc, noopBus{}, Config{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, gw.Start(ctx))
	t.Cleanup(cancel)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, srv
}

// memBus is a real, in-process bus.Bus: Publish invokes every handler
// registered for the topic synchronously, so it actually exercises the
// fan-out path (handleMessageRecord/handleStatusRecord) that noopBus
// skips entirely.
type memBus struct {
	mu       sync.Mutex
	handlers map[bus.Topic][]bus.Handler
}

func newMemBus() *memBus {
	return &memBus{handlers: map[bus.Topic][]bus.Handler{}}
}

func (b *memBus) Start(context.Context) error { return nil }
func (b *memBus) Stop() error                  { return nil }
func (b *memBus) Publish(ctx context.Context, topic bus.Topic, key string, record []byte) error {
	b.mu.Lock()
	handlers := append([]bus.Handler(nil), b.handlers[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		if err := h(ctx, topic, key, record); err != nil {
			return err
		}
	}
	return nil
}
func (b *memBus) Subscribe(ctx context.Context, topic bus.Topic, handler bus.Handler) error {
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

var _ bus.Bus = (*memBus)(nil)

func newTestGatewayWithBus(t *testing.T, eventBus bus.Bus) (*Gateway, *httptest.Server) {
	t.Helper()
	repo := newMemRepo()
	svc := chatservice.New(repo, eventBus)
	gw := New(fakeVerifier{}, svc, eventBus, Config{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, gw.Start(ctx))
	t.Cleanup(cancel)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return gw, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wire.Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func TestConnectEmitsConnectionEstablished(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv, "alice")
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, wire.TypeConnectionEstablished, frame.Type)
}

func TestRejectsMissingToken(t *testing.T) {
	_, srv := newTestGateway(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestChatGetJoinSendFlow(t *testing.T) {
	_, srv := newTestGateway(t)
	alice := dial(t, srv, "alice")
	defer alice.Close()
	readFrame(t, alice) // connection:established

	bob := dial(t, srv, "bob")
	defer bob.Close()
	readFrame(t, bob) // connection:established
	readFrame(t, alice) // users:update (bob online)

	req, _ := wire.Encode(wire.TypeChatGet, "1", wire.ChatGetPayload{RecipientID: "bob"})
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, req))

	resp := readFrame(t, alice)
	assert.Equal(t, wire.TypeChatGet, resp.Type)
	assert.Equal(t, "1", resp.ID)

	var chatResp wire.ChatGetResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &chatResp))
	require.NotEmpty(t, chatResp.ChatID)

	joinReq, _ := wire.Encode(wire.TypeChatJoin, "2", wire.ChatJoinPayload{ChatID: chatResp.ChatID})
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, joinReq))
	joinResp := readFrame(t, alice)
	assert.Equal(t, wire.TypeChatJoin, joinResp.Type)

	msgReq, _ := wire.Encode(wire.TypeMessage, "3", wire.MessagePayload{ChatID: chatResp.ChatID, Content: "hello"})
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, msgReq))

	messageFrame := readFrame(t, alice)
	assert.Equal(t, wire.TypeMessage, messageFrame.Type)

	ackFrame := readFrame(t, alice)
	assert.Equal(t, wire.TypeMessageAck, ackFrame.Type)
}

func TestMessageAndStatusFanOutAcrossSessions(t *testing.T) {
	_, srv := newTestGatewayWithBus(t, newMemBus())
	alice := dial(t, srv, "alice")
	defer alice.Close()
	readFrame(t, alice) // connection:established

	bob := dial(t, srv, "bob")
	defer bob.Close()
	readFrame(t, bob)   // connection:established
	readFrame(t, alice) // users:update (bob online)

	req, _ := wire.Encode(wire.TypeChatGet, "1", wire.ChatGetPayload{RecipientID: "bob"})
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, req))
	resp := readFrame(t, alice)
	var chatResp wire.ChatGetResponse
	require.NoError(t, json.Unmarshal(resp.Payload, &chatResp))
	require.NotEmpty(t, chatResp.ChatID)

	aliceJoin, _ := wire.Encode(wire.TypeChatJoin, "2", wire.ChatJoinPayload{ChatID: chatResp.ChatID})
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, aliceJoin))
	readFrame(t, alice) // chat:join ok

	bobJoin, _ := wire.Encode(wire.TypeChatJoin, "1", wire.ChatJoinPayload{ChatID: chatResp.ChatID})
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, bobJoin))
	readFrame(t, bob) // chat:join ok

	msgReq, _ := wire.Encode(wire.TypeMessage, "3", wire.MessagePayload{ChatID: chatResp.ChatID, Content: "hello bob"})
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, msgReq))

	// SendMessage publishes before it returns, so the room-wide fan-out
	// (handleMessageRecord, which does not skip the sender) reaches
	// alice's own socket before her handler gets to queue the direct
	// echo/ack pair.
	aliceBroadcast := readFrame(t, alice)
	assert.Equal(t, wire.TypeMessageEvent, aliceBroadcast.Type)
	aliceEcho := readFrame(t, alice) // direct echo to sender
	assert.Equal(t, wire.TypeMessage, aliceEcho.Type)
	readFrame(t, alice) // message:ack

	bobEvent := readFrame(t, bob) // fanned out through C2
	assert.Equal(t, wire.TypeMessageEvent, bobEvent.Type)
	var rec bus.MessageRecord
	require.NoError(t, json.Unmarshal(bobEvent.Payload, &rec))
	assert.Equal(t, "hello bob", rec.Content)
	assert.Equal(t, chatResp.ChatID, rec.ChatID)
	assert.Equal(t, "alice", rec.SenderID)

	readReq, _ := wire.Encode(wire.TypeMessageRead, "4", wire.MessageReadPayload{MessageID: rec.ID})
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, readReq))

	statusOnAlice := readFrame(t, alice) // status fanned out to every room member
	assert.Equal(t, wire.TypeMessageStatus, statusOnAlice.Type)
	var statusPayload wire.MessageStatusPayload
	require.NoError(t, json.Unmarshal(statusOnAlice.Payload, &statusPayload))
	assert.Equal(t, rec.ID, statusPayload.MessageID)
	assert.Equal(t, store.StatusRead.String(), statusPayload.Status)

	statusOnBob := readFrame(t, bob) // bob is in the room too
	assert.Equal(t, wire.TypeMessageStatus, statusOnBob.Type)
	readFrame(t, bob) // message:read ok
}

func TestUnknownEventTypeIsRejected(t *testing.T) {
	_, srv := newTestGateway(t)
	conn := dial(t, srv, "alice")
	defer conn.Close()
	readFrame(t, conn)

	bad, _ := wire.Encode("not:a:real:event", "9", map[string]string{})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, bad))

	frame := readFrame(t, conn)
	assert.Equal(t, wire.TypeMessageError, frame.Type)
}
