package gateway

import (
	"context"
	"encoding/json"

	"github.com/pairchat/relay/internal/apperr"
	"github.com/pairchat/relay/internal/store"
	"github.com/pairchat/relay/internal/wire"
)

// dispatch decodes one inbound frame and routes it to the matching
// handler. Unknown types are rejected at the boundary. Tracked by
// s.work so disconnect can wait for this call to finish before
// canceling s.ctx out from under it.
func (s *Session) dispatch(frame wire.Frame) {
	s.beginWork()
	defer s.endWork()

	s.touch()

	ctx := s.ctx
	switch frame.Type {
	case wire.TypeChatGet:
		s.handleChatGet(ctx, frame)
	case wire.TypeChatJoin:
		s.handleChatJoin(ctx, frame)
	case wire.TypeChatLeave:
		s.handleChatLeave(ctx, frame)
	case wire.TypeMessage:
		s.handleMessage(ctx, frame)
	case wire.TypeMessageRead:
		s.handleMessageRead(ctx, frame)
	case wire.TypeUsersList:
		s.handleUsersList(ctx, frame)
	default:
		s.queueEvent(wire.TypeMessageError, frame.ID, wire.MessageErrorPayload{Error: "unknown_event"})
	}
}

func (s *Session) handleChatGet(ctx context.Context, frame wire.Frame) {
	var req wire.ChatGetPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.queueEvent(wire.TypeMessageError, frame.ID, wire.MessageErrorPayload{Error: "malformed_payload"})
		return
	}

	chat, _, err := s.gw.chats.GetOrCreateChat(ctx, s.userID, req.RecipientID)
	if err != nil {
		s.queueEvent(wire.TypeMessageError, frame.ID, wire.MessageErrorPayload{Error: errCode(err)})
		return
	}

	all, err := s.gw.chats.ListMessages(ctx, chat.ID, s.userID)
	if err != nil {
		all = nil
	}

	payload := wire.ChatGetResponse{ChatID: chat.ID, Messages: toInterfaceSlice(all)}
	s.queueEvent(wire.TypeChatGet, frame.ID, payload)
}

func toInterfaceSlice(msgs []store.Message) []interface{} {
	out := make([]interface{}, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out
}

func (s *Session) handleChatJoin(ctx context.Context, frame wire.Frame) {
	var req wire.ChatJoinPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.queueEvent(wire.TypeChatJoin, frame.ID, wire.StatusResponse{Status: "error", Message: "malformed_payload"})
		return
	}

	chat, err := s.gw.chats.GetChat(ctx, req.ChatID)
	if err != nil {
		s.queueEvent(wire.TypeChatJoin, frame.ID, wire.StatusResponse{Status: "error", Message: errCode(err)})
		return
	}
	if !chat.HasParticipant(s.userID) {
		s.queueEvent(wire.TypeChatJoin, frame.ID, wire.StatusResponse{Status: "error", Message: "not_a_participant"})
		return
	}

	s.gw.joinRoom(s, chatRoom(req.ChatID))

	// Becomes-DELIVERED moment: fetch backlog and mark each delivered.
	backlog, err := s.gw.chats.UndeliveredFor(ctx, s.userID, req.ChatID)
	if err == nil {
		for _, msg := range backlog {
			_ = s.gw.chats.MarkDelivered(ctx, msg.ID, s.userID)
		}
	}

	s.queueEvent(wire.TypeChatJoin, frame.ID, wire.StatusResponse{Status: "ok"})
}

func (s *Session) handleChatLeave(ctx context.Context, frame wire.Frame) {
	var req wire.ChatLeavePayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.queueEvent(wire.TypeChatLeave, frame.ID, wire.SuccessResponse{Success: false})
		return
	}
	s.gw.leaveRoom(s, chatRoom(req.ChatID))
	s.queueEvent(wire.TypeChatLeave, frame.ID, wire.SuccessResponse{Success: true})
}

func (s *Session) handleMessage(ctx context.Context, frame wire.Frame) {
	var req wire.MessagePayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.queueEvent(wire.TypeMessageError, frame.ID, wire.MessageErrorPayload{Error: "malformed_payload"})
		return
	}

	msg, err := s.gw.chats.SendMessage(ctx, req.ChatID, s.userID, req.ID, req.Content)
	if err != nil {
		s.queueEvent(wire.TypeMessageError, frame.ID, wire.MessageErrorPayload{MessageID: req.ID, Error: errCode(err)})
		return
	}

	s.queueEvent(wire.TypeMessage, frame.ID, msg)
	s.queueEvent(wire.TypeMessageAck, "", wire.MessageAckPayload{MessageID: msg.ID})
}

func (s *Session) handleMessageRead(ctx context.Context, frame wire.Frame) {
	var req wire.MessageReadPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		s.queueEvent(wire.TypeMessageRead, frame.ID, wire.StatusResponse{Status: "error", Message: "malformed_payload"})
		return
	}

	if err := s.gw.chats.MarkRead(ctx, req.MessageID, s.userID); err != nil {
		s.queueEvent(wire.TypeMessageRead, frame.ID, wire.StatusResponse{Status: "error", Message: errCode(err)})
		return
	}
	s.queueEvent(wire.TypeMessageRead, frame.ID, wire.StatusResponse{Status: "ok"})
}

func (s *Session) handleUsersList(ctx context.Context, frame wire.Frame) {
	chats, err := s.gw.chats.ListUserChats(ctx, s.userID)
	if err != nil {
		s.queueEvent(wire.TypeUsersList, frame.ID, wire.UsersListResponse{Users: nil})
		return
	}

	seen := make(map[string]struct{})
	var out []wire.UserSummary
	for _, c := range chats {
		other := c.OtherParticipant(s.userID)
		if other == "" {
			continue
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}

		user, err := s.gw.chats.GetUser(ctx, other)
		if err != nil {
			continue
		}
		out = append(out, wire.UserSummary{
			ID:       user.ID,
			Name:     user.Name,
			Email:    user.Email,
			IsOnline: s.gw.isOnline(user.ID),
		})
	}

	s.queueEvent(wire.TypeUsersList, frame.ID, wire.UsersListResponse{Users: out})
}

// errCode maps a typed apperr.Error to a short wire error code.
func errCode(err error) string {
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		return "not_found"
	case apperr.Is(err, apperr.KindConflict):
		return "conflict"
	case apperr.Is(err, apperr.KindValidation):
		return "invalid"
	case apperr.Is(err, apperr.KindAuthorization):
		return "forbidden"
	case apperr.Is(err, apperr.KindAuthentication):
		return "unauthenticated"
	default:
		return "internal_error"
	}
}
