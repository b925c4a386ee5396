package core

import (
	"context"
	"errors"
	"time"
)

const (
	// TextMessage is the default message kind. The Body field is a
	// UTF-8 encoded string.
	TextMessage MessageKind = "text"
)

// MessageKind tags how a message body should be interpreted.
type MessageKind = string

// Message is one chat utterance. The sender fields are a snapshot of
// the participant identity at send time; renaming a participant later
// does not rewrite old messages.
type Message struct {
	ID       int         `json:"id"`
	RoomID   string      `json:"room_id"`
	From     string      `json:"from"`
	FromName string      `json:"from_name"`
	FromRole Role        `json:"from_role"`
	To       string      `json:"to,omitempty"`
	Body     string      `json:"body"`
	Kind     MessageKind `json:"kind"`
	SentAt   time.Time   `json:"sent_at"`
	Read     bool        `json:"read"`
}

// Room is the denormalized metadata of a 1:1 conversation. It is a
// display hint only; message sent_at is the authoritative ordering.
type Room struct {
	ID              string    `json:"id"`
	Participants    []string  `json:"participants"`
	LastMessage     string    `json:"last_message"`
	LastMessageFrom string    `json:"last_message_from"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RoomSummary is a room as seen from one participant's chat list.
type RoomSummary struct {
	RoomID          string    `json:"room_id"`
	PeerID          string    `json:"peer_id"`
	LastMessage     string    `json:"last_message"`
	LastMessageFrom string    `json:"last_message_from"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int       `json:"unread_count"`
}

var (
	// ErrInvalidIdentifier is returned when a raw participant id is not
	// phone- or email-shaped after normalization.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrInvalidParticipantPair is returned for a self-chat or a
	// missing peer.
	ErrInvalidParticipantPair = errors.New("invalid participant pair")
	// ErrInvalidMessage is returned when a message fails input validation.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrStoreUnavailable is returned when the persistence backend is
	// unreachable. A message that hits this error was never broadcast.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStoreTimeout is returned when a store round trip exceeds the
	// operation timeout.
	ErrStoreTimeout = errors.New("store timeout")
	// ErrNotAuthenticated is returned when an operation is attempted
	// without a verified identity.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// MessageCreateInput is the input for appending a message. RoomID is
// optional: when empty the store resolves it from the sender/recipient
// pair; when set by the caller it is trusted and never recomputed.
type MessageCreateInput struct {
	From   Participant `json:"from" validate:"required"`
	To     string      `json:"to" validate:"required"`
	ToRole Role        `json:"to_role" validate:"required"`
	Body   string      `json:"body" validate:"required"`
	Kind   MessageKind `json:"kind"`
	RoomID string      `json:"room_id"`
	SentAt time.Time   `json:"sent_at"`
}

// Validate validates the message input.
func (m *MessageCreateInput) Validate() error {
	return validate.Struct(m)
}

// ChatStore is the port to the message and room-metadata persistence.
// It is the only shared mutable resource in the system.
type ChatStore interface {

	// AppendMessage persists a message and merge-updates the room
	// metadata. It assigns sent_at (if the caller did not), read=false,
	// and the canonical room id when input.RoomID is empty.
	// Returns ErrInvalidMessage, ErrInvalidIdentifier or
	// ErrInvalidParticipantPair on bad input; ErrStoreUnavailable or
	// ErrStoreTimeout when persistence fails. Nothing is written on a
	// validation error.
	AppendMessage(ctx context.Context, input MessageCreateInput) (*Message, error)

	// PairHistory returns up to limit messages exchanged between a and
	// b in chronological order (oldest first). Legacy routing schemes
	// are reconciled through an ordered fallback chain; an empty
	// conversation yields an empty slice, not an error. The error is
	// non-nil only when every strategy failed.
	PairHistory(ctx context.Context, a, b Participant, limit int) ([]Message, error)

	// RoomHistory returns up to limit messages for a known room id in
	// chronological order. Used when the caller already holds the
	// canonical id.
	RoomHistory(ctx context.Context, roomID string, limit int) ([]Message, error)

	// GetRoom returns the metadata of a room, or nil when the room has
	// never seen a message.
	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// MarkRoomRead flips read on every unread message in the room that
	// was not sent by reader. Returns the number of messages updated.
	MarkRoomRead(ctx context.Context, roomID, reader string) (int, error)

	// ParticipantRooms lists the rooms participantID takes part in,
	// most recently active first, with unread counts from the
	// participant's perspective.
	ParticipantRooms(ctx context.Context, participantID string, limit int) ([]RoomSummary, error)

	// Contacts returns the ids of every participant sharing at least
	// one room with participantID. Used for presence fan-out.
	Contacts(ctx context.Context, participantID string) ([]string, error)
}
