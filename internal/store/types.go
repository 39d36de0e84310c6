// Package store defines the domain types and the Repository interface
// that the rest of the chat core programs against: three persistent
// entities, User, Chat, and Message.
package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a message's position in the delivery state machine. The
// numeric values are intentionally ordered so comparisons like
// newStatus < current reject a backward transition with a plain "<".
type Status int

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "SENT"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus maps a wire string back to a Status. ok is false for any
// string outside the closed set.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "SENT":
		return StatusSent, true
	case "DELIVERED":
		return StatusDelivered, true
	case "READ":
		return StatusRead, true
	default:
		return 0, false
	}
}

// User is created once at registration and never mutated by this module.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	Name         string    `db:"name" json:"name"`
	PasswordHash []byte    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Chat has exactly two participants; ParticipantA/B carry no ordering
// meaning — {A,B} and {B,A} are the same chat.
type Chat struct {
	ID           string    `db:"id" json:"id"`
	ParticipantA string    `db:"participant_a" json:"-"`
	ParticipantB string    `db:"participant_b" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Participants returns both participant ids as a slice, convenient for
// callers that don't care about the A/B distinction.
func (c Chat) Participants() [2]string {
	return [2]string{c.ParticipantA, c.ParticipantB}
}

// HasParticipant reports whether userID is one of the chat's two parties.
func (c Chat) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// OtherParticipant returns the chat party that is not userID. Undefined
// (returns "") if userID is not a participant.
func (c Chat) OtherParticipant(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// Message is immutable except for Status.
type Message struct {
	ID        string    `db:"id" json:"id"`
	ChatID    string    `db:"chat_id" json:"chatId"`
	SenderID  string    `db:"sender_id" json:"senderId"`
	Content   string    `db:"content" json:"content"`
	Status    Status    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// chatJSON is the wire shape for Chat: participants surface as an
// unordered pair instead of the storage-internal A/B slots.
type chatJSON struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (c Chat) MarshalJSON() ([]byte, error) {
	return json.Marshal(chatJSON{
		ID:           c.ID,
		Participants: c.Participants(),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	})
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, ok := ParseStatus(raw)
	if !ok {
		return fmt.Errorf("store: invalid status %q", raw)
	}
	*s = parsed
	return nil
}
