package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// listChats serves GET /chats: every chat the bearer belongs to.
func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chats.ListUserChats(r.Context(), requesterID(r))
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	UserID string `json:"userId"`
}

// createChat serves POST /chats: get-or-create the chat between the
// bearer and body.userId, 409 if it already exists.
func (s *Server) createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "userId is required")
		return
	}

	chat, created, err := s.chats.GetOrCreateChat(r.Context(), requesterID(r), req.UserID)
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	if !created {
		writeError(w, r, http.StatusConflict, "chat already exists")
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

// listMessages serves GET /chats/:id/messages: full history of a chat
// the bearer participates in.
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "id")
	msgs, err := s.chats.ListMessages(r.Context(), chatID, requesterID(r))
	if err != nil {
		writeError(w, r, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
