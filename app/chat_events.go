package classchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hoclab/classchat/core"
)

// Events dispatched by clients.
const (
	JoinRoomEvent    = "join-room"
	SendMessageEvent = "send-message"
	GetHistoryEvent  = "get-history"
	MarkReadEvent    = "mark-read"
	TypingEvent      = "typing"
	IsOnlineEvent    = "is-online"
)

// Events emitted to clients.
const (
	MessageEvent       = "message"
	RoomJoinedEvent    = "room-joined"
	SendAckedEvent     = "send-acked"
	SendFailedEvent    = "send-failed"
	HistoryEvent       = "history"
	HistoryFailedEvent = "history-failed"
	ReadEvent          = "read"
	PresenceEvent      = "presence"
)

type JoinRoomPayload struct {
	With     string    `json:"with"`
	WithRole core.Role `json:"with_role"`
}

type RoomJoinedPayload struct {
	RoomID string `json:"room_id"`
}

type SendMessagePayload struct {
	To     string           `json:"to"`
	ToRole core.Role        `json:"to_role"`
	Body   string           `json:"body"`
	Kind   core.MessageKind `json:"kind"`
	// TempID is a client-chosen correlation id echoed back on the ack or
	// failure, so optimistic UI entries can be reconciled.
	TempID string `json:"temp_id"`
}

type SendAckedPayload struct {
	TempID string    `json:"temp_id"`
	ID     int       `json:"id"`
	RoomID string    `json:"room_id"`
	SentAt time.Time `json:"sent_at"`
}

type SendFailedPayload struct {
	TempID string `json:"temp_id"`
	Reason string `json:"reason"`
}

type GetHistoryPayload struct {
	With     string    `json:"with"`
	WithRole core.Role `json:"with_role"`
	Limit    int       `json:"limit"`
}

type HistoryPayload struct {
	RoomID   string         `json:"room_id"`
	Messages []core.Message `json:"messages"`
}

type HistoryFailedPayload struct {
	Reason string `json:"reason"`
}

type MarkReadPayload struct {
	RoomID string `json:"room_id"`
}

type ReadPayload struct {
	RoomID string `json:"room_id"`
	By     string `json:"by"`
	Count  int    `json:"count"`
}

type TypingPayload struct {
	RoomID string `json:"room_id"`
	By     string `json:"by"`
	Typing bool   `json:"typing"`
}

type IsOnlinePayload struct {
	ID   string    `json:"id"`
	Role core.Role `json:"role"`
}

type PresencePayload struct {
	ID     string `json:"id"`
	Online bool   `json:"online"`
}

// failureReason maps a store error onto the stable reason strings the
// client protocol exposes.
func failureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidIdentifier):
		return "invalid-identifier"
	case errors.Is(err, core.ErrInvalidParticipantPair):
		return "invalid-participant-pair"
	case errors.Is(err, core.ErrInvalidMessage):
		return "invalid-message"
	case errors.Is(err, core.ErrStoreTimeout):
		return "store-timeout"
	case errors.Is(err, core.ErrStoreUnavailable):
		return "store-unavailable"
	default:
		return "internal"
	}
}

// JoinRoomHandler subscribes the dispatching connection to the pair room
// shared with the requested peer. The room id is derived server side so
// a client can never join a pair it is not part of by crafting an id.
func (app *App) JoinRoomHandler(ctx context.Context, e *core.Event) error {
	var payload JoinRoomPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}

	peerID, err := app.normalizer.Normalize(payload.With, payload.WithRole)
	if err != nil {
		return err
	}
	roomID, err := core.PairRoomID(e.Dispatcher.ID, peerID)
	if err != nil {
		return err
	}

	app.wsManager.Join(e.Dispatcher.ID, e.ConnID, roomID)
	// legacy alias rooms are joined for reads only; new messages are
	// never broadcast to them
	for _, alias := range core.LegacyAliases(e.Dispatcher) {
		app.wsManager.Join(e.Dispatcher.ID, e.ConnID, alias)
	}
	return app.eventRouter.EmitToConn(RoomJoinedEvent, RoomJoinedPayload{RoomID: roomID},
		e.Dispatcher.ID, e.ConnID)
}

// SendMessageHandler runs the send pipeline: persist, ack the sender,
// then fan out. A message that fails to persist is never broadcast; the
// sender's connection gets a send-failed carrying the temp id instead.
func (app *App) SendMessageHandler(ctx context.Context, e *core.Event) error {
	var payload SendMessagePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}

	msg, err := app.chatStore.AppendMessage(ctx, core.MessageCreateInput{
		From:   e.Dispatcher,
		To:     payload.To,
		ToRole: payload.ToRole,
		Body:   payload.Body,
		Kind:   payload.Kind,
	})
	if err != nil {
		app.eventRouter.EmitToConn(SendFailedEvent, SendFailedPayload{
			TempID: payload.TempID,
			Reason: failureReason(err),
		}, e.Dispatcher.ID, e.ConnID)
		return err
	}

	app.eventRouter.EmitToConn(SendAckedEvent, SendAckedPayload{
		TempID: payload.TempID,
		ID:     msg.ID,
		RoomID: msg.RoomID,
		SentAt: msg.SentAt,
	}, e.Dispatcher.ID, e.ConnID)

	// The sender's connection gets the stored copy even before its first
	// join, so the transcript it renders is the authoritative one.
	if !app.wsManager.InRoom(e.Dispatcher.ID, msg.RoomID) {
		app.eventRouter.EmitToConn(MessageEvent, msg, e.Dispatcher.ID, e.ConnID)
	}

	app.deliver(msg)
	return nil
}

// deliver fans a stored message out to live connections: the canonical
// room gets the broadcast, and a recipient who is connected but has not
// joined the room yet gets a personal-room copy so nothing is dropped
// between connect and first join. Legacy alias rooms are never targets.
func (app *App) deliver(msg *core.Message) {
	app.eventRouter.EmitToRoom(MessageEvent, msg, msg.RoomID)
	if msg.To != "" && !app.wsManager.InRoom(msg.To, msg.RoomID) {
		app.eventRouter.EmitTo(MessageEvent, msg, msg.To)
	}
}

// GetHistoryHandler answers with the pair transcript, oldest first.
func (app *App) GetHistoryHandler(ctx context.Context, e *core.Event) error {
	var payload GetHistoryPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}

	peer := core.Participant{ID: payload.With, Role: payload.WithRole}
	limit := payload.Limit
	if limit <= 0 {
		limit = app.config.Chat.HistoryLimit
	}

	messages, err := app.chatStore.PairHistory(ctx, e.Dispatcher, peer, limit)
	if err != nil {
		app.eventRouter.EmitToConn(HistoryFailedEvent, HistoryFailedPayload{
			Reason: failureReason(err),
		}, e.Dispatcher.ID, e.ConnID)
		return err
	}

	peerID, err := app.normalizer.Normalize(payload.With, payload.WithRole)
	if err != nil {
		return err
	}
	roomID, err := core.PairRoomID(e.Dispatcher.ID, peerID)
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []core.Message{}
	}
	return app.eventRouter.EmitToConn(HistoryEvent, HistoryPayload{
		RoomID:   roomID,
		Messages: messages,
	}, e.Dispatcher.ID, e.ConnID)
}

// MarkReadHandler flips the unread messages of a room and tells the room
// so the peer can update its read receipts.
func (app *App) MarkReadHandler(ctx context.Context, e *core.Event) error {
	var payload MarkReadPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}

	count, err := app.chatStore.MarkRoomRead(ctx, payload.RoomID, e.Dispatcher.ID)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return app.eventRouter.EmitToRoom(ReadEvent, ReadPayload{
		RoomID: payload.RoomID,
		By:     e.Dispatcher.ID,
		Count:  count,
	}, payload.RoomID)
}

// TypingHandler relays a typing indicator to the room. The sender field
// is stamped server side from the session.
func (app *App) TypingHandler(ctx context.Context, e *core.Event) error {
	var payload TypingPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	payload.By = e.Dispatcher.ID
	return app.eventRouter.EmitToRoom(TypingEvent, payload, payload.RoomID)
}

// IsOnlineHandler answers a point query about one participant's
// presence on the asking connection only.
func (app *App) IsOnlineHandler(ctx context.Context, e *core.Event) error {
	var payload IsOnlinePayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	id, err := app.normalizer.Normalize(payload.ID, payload.Role)
	if err != nil {
		return err
	}
	return app.eventRouter.EmitToConn(PresenceEvent, PresencePayload{
		ID:     id,
		Online: app.wsManager.IsConnected(id),
	}, e.Dispatcher.ID, e.ConnID)
}
