// Package httpapi exposes a thin synchronous HTTP surface over
// chatservice for clients that cannot hold a socket open. It mirrors
// the erauner12-toolbridge-api router shape (a Server struct holding
// dependencies, chi middleware chain, one handler per route) narrowed
// to the three endpoints this domain actually needs. No handler here
// carries business logic; each is an adapter from an HTTP verb/path to
// a single chatservice call.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/pairchat/relay/internal/apperr"
	"github.com/pairchat/relay/internal/auth"
	"github.com/pairchat/relay/internal/chatservice"
)

// Server holds the dependencies every handler needs.
type Server struct {
	chats    *chatservice.Service
	verifier auth.TokenVerifier
	log      zerolog.Logger
}

// New builds a Server. Call Routes to obtain the http.Handler to mount.
func New(chats *chatservice.Service, verifier auth.TokenVerifier, log zerolog.Logger) *Server {
	return &Server{chats: chats, verifier: verifier, log: log}
}

// Routes builds the router. Deliberately absent: /auth/register and
// /auth/login — this package only ever serves the unauthenticated
// /healthz probe and the three authenticated chat routes below.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/chats", s.listChats)
		r.Post("/chats", s.createChat)
		r.Get("/chats/{id}/messages", s.listMessages)
	})

	return r
}

type identityKey struct{}

// authenticate verifies the bearer token via the C4 verifier and stores
// the resulting identity on the request context for handlers to read.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		id, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func requesterID(r *http.Request) string {
	id, _ := r.Context().Value(identityKey{}).(auth.Identity)
	return id.UserID
}

// accessLog is the request logging middleware, routed through zerolog
// so every request line matches this service's structured log format.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("httpapi: request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, code, errorBody{Error: message})
}

// statusFor maps a typed apperr.Error to its corresponding HTTP status.
func statusFor(err error) int {
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		return http.StatusNotFound
	case apperr.Is(err, apperr.KindConflict):
		return http.StatusConflict
	case apperr.Is(err, apperr.KindValidation):
		return http.StatusBadRequest
	case apperr.Is(err, apperr.KindAuthorization):
		return http.StatusForbidden
	case apperr.Is(err, apperr.KindAuthentication):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
