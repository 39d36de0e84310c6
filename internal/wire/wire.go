// Package wire defines the WebSocket frame shapes exchanged between a
// gateway session and its client: a tagged union keyed by an explicit
// Type string, with the payload left as raw JSON and decoded per-type
// on demand.
package wire

import "encoding/json"

// Inbound event type names (client → server).
const (
	TypeChatGet     = "chat:get"
	TypeChatJoin    = "chat:join"
	TypeChatLeave   = "chat:leave"
	TypeMessage     = "message"
	TypeMessageRead = "message:read"
	TypeUsersList   = "users:list"
)

// Outbound event type names (server → client).
const (
	TypeConnectionEstablished = "connection:established"
	TypeUsersUpdate           = "users:update"
	TypeMessageEvent          = "message"
	TypeMessageStatus         = "message:status"
	TypeMessageAck            = "message:ack"
	TypeMessageError          = "message:error"
)

// Frame is the envelope every WebSocket message is wrapped in. ID is an
// optional client-supplied correlation token echoed back on the
// matching response.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals typ/id/payload into a Frame's wire bytes.
func Encode(typ, id string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: typ, ID: id, Payload: raw})
}

// --- Inbound payloads ------------------------------------------------------

type ChatGetPayload struct {
	RecipientID string `json:"recipientId"`
}

type ChatJoinPayload struct {
	ChatID string `json:"chatId"`
}

type ChatLeavePayload struct {
	ChatID string `json:"chatId"`
}

type MessagePayload struct {
	ChatID  string `json:"chatId"`
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
}

type MessageReadPayload struct {
	MessageID string `json:"messageId"`
}

// --- Outbound payloads ------------------------------------------------------

type ConnectionEstablishedPayload struct {
	UserID string `json:"userId"`
}

type UsersUpdatePayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type MessageStatusPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type MessageAckPayload struct {
	MessageID string `json:"messageId"`
}

type MessageErrorPayload struct {
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
}

type ChatGetResponse struct {
	ChatID   string        `json:"chatId"`
	Messages []interface{} `json:"messages"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type UserSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	IsOnline bool   `json:"isOnline"`
}

type UsersListResponse struct {
	Users []UserSummary `json:"users"`
}
