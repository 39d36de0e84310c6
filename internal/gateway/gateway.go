// Package gateway owns every live WebSocket session: the session
// registry, the presence counters, room membership, the idle scavenger
// and graceful shutdown. Rooms come in two kinds: a personal room per
// user (for presence fan-out) and a conversational room per chat (for
// message fan-out).
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	"github.com/pairchat/relay/internal/auth"
	"github.com/pairchat/relay/internal/bus"
	"github.com/pairchat/relay/internal/chatservice"
	"github.com/pairchat/relay/internal/metrics"
	"github.com/pairchat/relay/internal/wire"
)

// room names follow a fixed shape: "user:<userId>" or "chat:<chatId>".
func personalRoom(userID string) string { return "user:" + userID }
func chatRoom(chatID string) string     { return "chat:" + chatID }

// Config bounds the gateway's background behavior.
type Config struct {
	// IdleCheckInterval is how often the scavenger sweeps for dead or
	// idle sessions. Defaults to 30s.
	IdleCheckInterval time.Duration
	// IdleTimeout is how long a session may go without client activity
	// before the scavenger disconnects it. Defaults to 5 minutes.
	IdleTimeout time.Duration
	// ShutdownDeadline bounds how long Close waits for in-flight
	// handlers to drain before abandoning them. Defaults to 10s.
	ShutdownDeadline time.Duration
	// ScavengerWorkers bounds the pond pool used for idle disconnects.
	// Bus fan-out delivery does not go through this pool. Defaults to 16.
	ScavengerWorkers int
	// Metrics, if set, receives session/fan-out counters. Nil disables
	// instrumentation entirely.
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ShutdownDeadline <= 0 {
		c.ShutdownDeadline = 10 * time.Second
	}
	if c.ScavengerWorkers <= 0 {
		c.ScavengerWorkers = 16
	}
	return c
}

// Gateway is the shared state every Session registers with.
type Gateway struct {
	cfg      Config
	verifier auth.TokenVerifier
	chats    *chatservice.Service
	eventBus bus.Bus
	log      zerolog.Logger
	pool     *pond.WorkerPool

	mu        sync.RWMutex
	sessions  map[string]*Session   // sid -> session
	presence  map[string]int32      // userId -> active session count
	roomIndex map[string]map[*Session]struct{}

	closing  bool
	scavDone chan struct{}
}

// New builds a Gateway. Start must be called before accepting
// connections.
func New(verifier auth.TokenVerifier, chats *chatservice.Service, eventBus bus.Bus, cfg Config, log zerolog.Logger) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:       cfg,
		verifier:  verifier,
		chats:     chats,
		eventBus:  eventBus,
		log:       log,
		pool:      pond.New(cfg.ScavengerWorkers, cfg.ScavengerWorkers*4, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second)),
		sessions:  make(map[string]*Session),
		presence:  make(map[string]int32),
		roomIndex: make(map[string]map[*Session]struct{}),
		scavDone:  make(chan struct{}),
	}
}

// Start subscribes to the bus topics this gateway fans out to local
// sessions, and launches the idle scavenger. ctx governs both loops;
// canceling it (or calling Close) stops them.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.eventBus.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := g.eventBus.Subscribe(ctx, bus.TopicChatMessages, g.handleMessageRecord); err != nil {
			g.log.Error().Err(err).Msg("gateway: chat.messages subscription ended")
		}
	}()
	go func() {
		if err := g.eventBus.Subscribe(ctx, bus.TopicChatMessageStatus, g.handleStatusRecord); err != nil {
			g.log.Error().Err(err).Msg("gateway: chat.message.status subscription ended")
		}
	}()
	go g.scavenge(ctx)
	return nil
}

// Close pauses new connections, disconnects every live session, waits
// for in-flight handlers to drain or cfg.ShutdownDeadline to elapse,
// then stops the event bus. Sessions are disconnected concurrently
// since each Session.disconnect call blocks on its own dispatch calls
// finishing; running them one at a time would let an earlier session's
// in-flight handler stall every session queued behind it.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		return nil
	}
	g.closing = true
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				s.disconnect()
			}(s)
		}
		wg.Wait()
		g.pool.StopAndWait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(g.cfg.ShutdownDeadline):
		g.log.Warn().Msg("gateway: shutdown deadline exceeded, abandoning in-flight handlers")
	}

	return g.eventBus.Stop()
}

func (g *Gateway) isClosing() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closing
}

// register adds s to the session map and personal room, and bumps
// presence. Returns whether this transitioned the user 0->1 sessions.
func (g *Gateway) register(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sessions[s.id] = s
	g.joinRoomLocked(s, personalRoom(s.userID))

	g.presence[s.userID]++
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ActiveSessions.Inc()
	}
	return g.presence[s.userID] == 1
}

// unregister removes s from every room and the session map, and drops
// presence. Returns whether this transitioned the user 1->0 sessions.
func (g *Gateway) unregister(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for room := range s.rooms {
		g.leaveRoomLocked(s, room)
	}
	delete(g.sessions, s.id)
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.ActiveSessions.Dec()
	}

	if s.userID == "" {
		return false
	}
	if g.presence[s.userID] > 0 {
		g.presence[s.userID]--
	}
	wentOffline := g.presence[s.userID] == 0
	if wentOffline {
		delete(g.presence, s.userID)
	}
	return wentOffline
}

func (g *Gateway) joinRoom(s *Session, room string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joinRoomLocked(s, room)
}

func (g *Gateway) joinRoomLocked(s *Session, room string) {
	if s.rooms == nil {
		s.rooms = make(map[string]struct{})
	}
	s.rooms[room] = struct{}{}

	members := g.roomIndex[room]
	if members == nil {
		members = make(map[*Session]struct{})
		g.roomIndex[room] = members
	}
	members[s] = struct{}{}
}

func (g *Gateway) leaveRoom(s *Session, room string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveRoomLocked(s, room)
}

func (g *Gateway) leaveRoomLocked(s *Session, room string) {
	delete(s.rooms, room)
	if members, ok := g.roomIndex[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(g.roomIndex, room)
		}
	}
}

func (g *Gateway) isOnline(userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.presence[userID] > 0
}

// broadcastToRoom fans a frame out to every session currently in room,
// except skip (pass nil to exclude no one).
func (g *Gateway) broadcastToRoom(room string, skip *Session, frame []byte) {
	g.mu.RLock()
	members := make([]*Session, 0, len(g.roomIndex[room]))
	for s := range g.roomIndex[room] {
		if s != skip {
			members = append(members, s)
		}
	}
	g.mu.RUnlock()

	for _, s := range members {
		s.queueOutBytes(frame)
	}
}

// broadcastExcept fans a frame out to every session belonging to any
// other user than exceptUserID.
func (g *Gateway) broadcastExcept(exceptUserID string, frame []byte) {
	g.mu.RLock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		if s.userID != exceptUserID {
			sessions = append(sessions, s)
		}
	}
	g.mu.RUnlock()

	for _, s := range sessions {
		s.queueOutBytes(frame)
	}
}

// scavenge is the idle-session sweep. Dead/idle sessions are
// disconnected through the gateway's bounded worker pool, so a burst of
// expirations cannot starve new connections.
func (g *Gateway) scavenge(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.IdleCheckInterval)
	defer ticker.Stop()
	defer close(g.scavDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepIdleSessions()
		}
	}
}

func (g *Gateway) sweepIdleSessions() {
	cutoff := time.Now().Add(-g.cfg.IdleTimeout)

	g.mu.RLock()
	var stale []*Session
	for _, s := range g.sessions {
		if s.isClosed() || s.lastActivity().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	g.mu.RUnlock()

	for _, s := range stale {
		sess := s
		g.pool.Submit(func() {
			g.log.Info().Str("sid", sess.id).Str("userId", sess.userID).Msg("gateway: disconnecting idle session")
			sess.disconnect()
			if g.cfg.Metrics != nil {
				g.cfg.Metrics.IdleDisconnects.Inc()
			}
		})
	}
}

// handleMessageRecord is the bus.Handler for chat.messages: emit
// "message" to every session in the chat room.
func (g *Gateway) handleMessageRecord(ctx context.Context, topic bus.Topic, key string, record []byte) error {
	var rec bus.MessageRecord
	if err := decodeRecord(record, &rec); err != nil {
		g.countConsume(topic, "error")
		return err
	}
	frame, err := wire.Encode(wire.TypeMessageEvent, "", rec)
	if err != nil {
		g.countConsume(topic, "error")
		return err
	}
	g.broadcastToRoom(chatRoom(rec.ChatID), nil, frame)
	g.countConsume(topic, "ok")
	return nil
}

func (g *Gateway) countConsume(topic bus.Topic, outcome string) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.BusConsumes.WithLabelValues(string(topic), outcome).Inc()
	}
}

// handleStatusRecord is the bus.Handler for chat.message.status: emit
// "message:status" to every session in the message's chat room.
func (g *Gateway) handleStatusRecord(ctx context.Context, topic bus.Topic, key string, record []byte) error {
	var rec bus.StatusRecord
	if err := decodeRecord(record, &rec); err != nil {
		g.countConsume(topic, "error")
		return err
	}
	frame, err := wire.Encode(wire.TypeMessageStatus, "", wire.MessageStatusPayload{
		MessageID: rec.MessageID,
		Status:    rec.NewStatus,
		Timestamp: rec.Timestamp,
	})
	if err != nil {
		g.countConsume(topic, "error")
		return err
	}
	g.broadcastToRoom(chatRoom(rec.ChatID), nil, frame)
	g.countConsume(topic, "ok")
	return nil
}
