package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pairchat/relay/internal/wire"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	queueOutWait   = 50 * time.Microsecond
)

// Session represents one live WebSocket connection. A user may have
// several concurrently open sessions (multiple devices/tabs).
type Session struct {
	id     string
	userID string

	gw  *Gateway
	ws  *websocket.Conn
	log zerolog.Logger

	send chan []byte
	work sync.WaitGroup

	mu        sync.RWMutex
	rooms     map[string]struct{}
	closed    bool
	lastTouch time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(ws *websocket.Conn, userID string, gw *Gateway, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        uuid.NewString(),
		userID:    userID,
		gw:        gw,
		ws:        ws,
		log:       log,
		send:      make(chan []byte, sendBufferSize),
		rooms:     make(map[string]struct{}),
		lastTouch: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastTouch = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTouch
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// beginWork and endWork bracket one dispatch call so disconnect can wait
// for it to finish before tearing down the send channel and canceling
// ctx out from under it.
func (s *Session) beginWork() { s.work.Add(1) }
func (s *Session) endWork()   { s.work.Done() }

// queueOutBytes attempts to send a frame; if the send buffer is full or
// the session is already closed (or nil), it silently drops the frame
// rather than blocking or panicking.
func (s *Session) queueOutBytes(data []byte) bool {
	if s == nil {
		return false
	}
	// Holding the read lock across the send keeps disconnect from
	// marking the session closed (and later closing s.send) between the
	// closed check and the send.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- data:
		return true
	case <-time.After(queueOutWait):
		s.log.Warn().Str("sid", s.id).Msg("session: send buffer full, dropping frame")
		return false
	}
}

func (s *Session) queueEvent(typ, id string, payload interface{}) {
	frame, err := wire.Encode(typ, id, payload)
	if err != nil {
		s.log.Error().Err(err).Str("type", typ).Msg("session: failed to encode outbound frame")
		return
	}
	s.queueOutBytes(frame)
}

// disconnect tears the session down exactly once: close the socket,
// unregister from the gateway, broadcast an offline transition if this
// was the user's last session, wait for any dispatch call already in
// flight to finish, then close the send channel and cancel ctx. Waiting
// before canceling means a handler mid-flight when disconnect runs (the
// idle scavenger and Gateway.Close both call it from outside the
// session's own read loop) gets to complete its store and bus calls
// instead of having its context cut out from under it.
func (s *Session) disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.ws.Close()

	wentOffline := s.gw.unregister(s)
	if wentOffline && s.userID != "" {
		frame, err := wire.Encode(wire.TypeUsersUpdate, "", wire.UsersUpdatePayload{UserID: s.userID, IsOnline: false})
		if err == nil {
			s.gw.broadcastExcept(s.userID, frame)
		}
	}

	s.work.Wait()
	close(s.send)
	s.cancel()
}
