package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairchat/relay/internal/apperr"
	"github.com/pairchat/relay/internal/auth"
	"github.com/pairchat/relay/internal/bus"
	"github.com/pairchat/relay/internal/chatservice"
	"github.com/pairchat/relay/internal/store"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, apperr.Authentication("fakeVerifier", nil)
	}
	return auth.Identity{UserID: token}, nil
}

type memRepo struct {
	mu       sync.Mutex
	chats    map[string]store.Chat
	messages map[string]store.Message
}

func newMemRepo() *memRepo {
	return &memRepo{chats: map[string]store.Chat{}, messages: map[string]store.Message{}}
}

func (r *memRepo) Open(context.Context, string) error { return nil }
func (r *memRepo) Close() error                        { return nil }
func (r *memRepo) IsOpen() bool                         { return true }

func (r *memRepo) CreateUser(ctx context.Context, email, name string, hash []byte) (store.User, error) {
	return store.User{}, nil
}
func (r *memRepo) FindUserByEmail(ctx context.Context, email string) (store.User, error) {
	return store.User{}, apperr.NotFound("memRepo", nil)
}
func (r *memRepo) FindUserByID(ctx context.Context, id string) (store.User, error) {
	return store.User{ID: id}, nil
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
	return nil
}
func (r *memRepo) ListUndeliveredFor(ctx context.Context, userID, chatID string) ([]store.Message, error) {
	return nil, nil
}

var _ store.Repository = (*memRepo)(nil)

type noopBus struct{}

func (noopBus) Start(context.Context) error                             { return nil }
func (noopBus) Stop() error                                              { return nil }
func (noopBus) Publish(context.Context, bus.Topic, string, []byte) error { return nil }
func (noopBus) Subscribe(ctx context.Context, topic bus.Topic, handler bus.Handler) error {
	<-ctx.Done()
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	svc := chatservice.New(newMemRepo(), noopBus{})
	s := New(svc, fakeVerifier{}, zerolog.Nop())
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestListChatsRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	resp := doRequest(t, http.MethodGet, srv.URL+"/chats", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateChatThenListAndMessages(t *testing.T) {
	srv := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/chats", "alice", createChatRequest{UserID: "bob"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var chat store.Chat
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))
	require.NotEmpty(t, chat.ID)

	dup := doRequest(t, http.MethodPost, srv.URL+"/chats", "alice", createChatRequest{UserID: "bob"})
	defer dup.Body.Close()
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	list := doRequest(t, http.MethodGet, srv.URL+"/chats", "alice", nil)
	defer list.Body.Close()
	require.Equal(t, http.StatusOK, list.StatusCode)
	var chats []store.Chat
	require.NoError(t, json.NewDecoder(list.Body).Decode(&chats))
	assert.Len(t, chats, 1)

	msgs := doRequest(t, http.MethodGet, srv.URL+"/chats/"+chat.ID+"/messages", "alice", nil)
	defer msgs.Body.Close()
	assert.Equal(t, http.StatusOK, msgs.StatusCode)
}

func TestListMessagesRejectsNonParticipant(t *testing.T) {
	srv := newTestServer(t)
	resp := doRequest(t, http.MethodPost, srv.URL+"/chats", "alice", createChatRequest{UserID: "bob"})
	defer resp.Body.Close()
	var chat store.Chat
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chat))

	msgs := doRequest(t, http.MethodGet, srv.URL+"/chats/"+chat.ID+"/messages", "mallory", nil)
	defer msgs.Body.Close()
	assert.Equal(t, http.StatusForbidden, msgs.StatusCode)
}
