package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairchat/relay/internal/wire"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxFrame   = 1 << 20 // 1MiB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the request to a WebSocket connection, performs
// the handshake authentication (token via the "token" query parameter
// or an Authorization header), and — on success — registers a new
// Session and starts its read/write pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.isClosing() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	token := extractToken(r)
	id, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("gateway: websocket upgrade failed")
		return
	}

	sess := newSession(ws, id.UserID, g, g.log)
	wentOnline := g.register(sess)

	sess.queueEvent(wire.TypeConnectionEstablished, "", wire.ConnectionEstablishedPayload{UserID: sess.userID})
	if wentOnline {
		frame, err := wire.Encode(wire.TypeUsersUpdate, "", wire.UsersUpdatePayload{UserID: sess.userID, IsOnline: true})
		if err == nil {
			g.broadcastExcept(sess.userID, frame)
		}
	}

	go sess.writePump()
	go sess.readPump()
}

// extractToken reads the bearer token from the "token" query parameter
// used at WebSocket handshake time, falling back to a standard
// Authorization header for clients that can set one (e.g. the HTTP
// surface's own test harness).
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// readPump reads frames off the socket until it closes or the session
// is torn down, decoding and dispatching each to s.dispatch.
func (s *Session) readPump() {
	defer s.disconnect()

	s.ws.SetReadLimit(maxFrame)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.touch()
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame wire.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.queueEvent(wire.TypeMessageError, "", wire.MessageErrorPayload{Error: "malformed_frame"})
			continue
		}
		s.dispatch(frame)
	}
}

// writePump drains s.send to the socket and periodically pings to keep
// the idle scavenger's peer honest about liveness.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}
