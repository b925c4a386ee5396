package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Event is the unit exchanged with clients over the realtime transport.
// Dispatcher and ConnID identify the authenticated participant and the
// exact connection an inbound event arrived on; neither crosses the
// wire.
type Event struct {
	ConnID     int             `json:"-"`
	Dispatcher Participant     `json:"-"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{ConnID: %d, Dispatcher: %s, Type: %s, Payload.Size: %d}",
		e.ConnID, e.Dispatcher.ID, e.Type, len(e.Payload))
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// EventTransport is the primitive set the router emits through. The
// ConnManager is the websocket implementation.
type EventTransport interface {
	Send(event *Event)
	SendToParticipants(event *Event, participantIDs ...string)
	SendToRoom(event *Event, roomID string)
	SendToConn(event *Event, participantID string, connID int)
	Receive() <-chan *Event
}

type EventHandler func(context.Context, *Event) error

// EventRouter dispatches inbound events to their registered handler and
// provides the emit primitives handlers answer with. One handler per
// event type; handlers run on their own goroutine so a slow store call
// does not stall other connections' events.
type EventRouter struct {
	listeners map[string]EventHandler
	ctx       context.Context
	transport EventTransport
	logger    *slog.Logger
}

func NewEventRouter(ctx context.Context, logger *slog.Logger, transport EventTransport) *EventRouter {
	return &EventRouter{
		listeners: make(map[string]EventHandler),
		ctx:       ctx,
		transport: transport,
		logger:    logger,
	}
}

func (em *EventRouter) Listen(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case e := <-em.transport.Receive():
				em.logger.Debug(fmt.Sprintf("received: %v", e))
				handler, ok := em.listeners[e.Type]
				if !ok {
					continue
				}
				go func() {
					if err := handler(em.ctx, e); err != nil {
						em.logger.Error(fmt.Sprintf("%s handler: %s", e.Type, err))
					}
				}()
			case <-em.ctx.Done():
				return
			}
		}
	}()
}

func (em *EventRouter) On(eventName string, handler EventHandler) {
	em.listeners[eventName] = handler
}

func newEvent(t string, payload interface{}) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{Type: t, Payload: b}, nil
}

// Emit sends an event to every connection.
func (em *EventRouter) Emit(t string, payload interface{}) error {
	e, err := newEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.Send(e)
	return nil
}

// EmitTo sends an event to every connection of the given participants
// (their personal rooms).
func (em *EventRouter) EmitTo(t string, payload interface{}, participantIDs ...string) error {
	e, err := newEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.SendToParticipants(e, participantIDs...)
	return nil
}

// EmitToRoom sends an event to every connection joined to roomID.
func (em *EventRouter) EmitToRoom(t string, payload interface{}, roomID string) error {
	e, err := newEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.SendToRoom(e, roomID)
	return nil
}

// EmitToConn sends an event to one specific connection, used for acks
// and failures correlated to the request's connection.
func (em *EventRouter) EmitToConn(t string, payload interface{}, participantID string, connID int) error {
	e, err := newEvent(t, payload)
	if err != nil {
		return err
	}
	em.transport.SendToConn(e, participantID, connID)
	return nil
}
