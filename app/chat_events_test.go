package classchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoclab/classchat/core"
)

var (
	instructor = core.Participant{ID: "+84900000001", Role: core.Instructor, DisplayName: "Ms Lan"}
	student    = core.Participant{ID: "student@example.com", Role: core.Student, DisplayName: "An"}
)

const pairRoom = "chat_+84900000001_student@example.com"

// fakeChatStore lets each test script the store behavior per call.
type fakeChatStore struct {
	appendFn       func(ctx context.Context, input core.MessageCreateInput) (*core.Message, error)
	pairHistoryFn  func(ctx context.Context, a, b core.Participant, limit int) ([]core.Message, error)
	markRoomReadFn func(ctx context.Context, roomID, reader string) (int, error)
	contactsFn     func(ctx context.Context, participantID string) ([]string, error)
}

func (s *fakeChatStore) AppendMessage(ctx context.Context, input core.MessageCreateInput) (*core.Message, error) {
	return s.appendFn(ctx, input)
}

func (s *fakeChatStore) PairHistory(ctx context.Context, a, b core.Participant, limit int) ([]core.Message, error) {
	return s.pairHistoryFn(ctx, a, b, limit)
}

func (s *fakeChatStore) RoomHistory(ctx context.Context, roomID string, limit int) ([]core.Message, error) {
	return nil, nil
}

func (s *fakeChatStore) GetRoom(ctx context.Context, roomID string) (*core.Room, error) {
	return nil, nil
}

func (s *fakeChatStore) MarkRoomRead(ctx context.Context, roomID, reader string) (int, error) {
	return s.markRoomReadFn(ctx, roomID, reader)
}

func (s *fakeChatStore) ParticipantRooms(ctx context.Context, participantID string, limit int) ([]core.RoomSummary, error) {
	return nil, nil
}

func (s *fakeChatStore) Contacts(ctx context.Context, participantID string) ([]string, error) {
	if s.contactsFn == nil {
		return nil, nil
	}
	return s.contactsFn(ctx, participantID)
}

type sentEvent struct {
	scope        string // "all" | "participants" | "room" | "conn"
	event        *core.Event
	participants []string
	roomID       string
	connID       int
}

// fakeTransport records every emit instead of writing to sockets.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentEvent
	recv chan *core.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recv: make(chan *core.Event, 1)}
}

func (t *fakeTransport) Send(e *core.Event) {
	t.record(sentEvent{scope: "all", event: e})
}

func (t *fakeTransport) SendToParticipants(e *core.Event, participantIDs ...string) {
	t.record(sentEvent{scope: "participants", event: e, participants: participantIDs})
}

func (t *fakeTransport) SendToRoom(e *core.Event, roomID string) {
	t.record(sentEvent{scope: "room", event: e, roomID: roomID})
}

func (t *fakeTransport) SendToConn(e *core.Event, participantID string, connID int) {
	t.record(sentEvent{scope: "conn", event: e, participants: []string{participantID}, connID: connID})
}

func (t *fakeTransport) Receive() <-chan *core.Event {
	return t.recv
}

func (t *fakeTransport) record(e sentEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, e)
}

func (t *fakeTransport) emitted() []sentEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentEvent(nil), t.sent...)
}

func (t *fakeTransport) ofType(eventType string) []sentEvent {
	var out []sentEvent
	for _, e := range t.emitted() {
		if e.event.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestApp(t *testing.T, store core.ChatStore) (*App, *fakeTransport) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := &App{
		context:    context.Background(),
		logger:     logger,
		config:     &Config{},
		normalizer: core.NewNormalizer("84"),
		chatStore:  store,
	}
	app.config.Chat.HistoryLimit = 50
	app.wsManager = core.NewConnManager(app.context, &app.wg, logger)

	transport := newFakeTransport()
	app.eventRouter = core.NewEventRouter(app.context, logger, transport)
	return app, transport
}

func inboundEvent(t *testing.T, eventType string, dispatcher core.Participant, connID int, payload interface{}) *core.Event {
	t.Helper()
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	return &core.Event{
		ConnID:     connID,
		Dispatcher: dispatcher,
		Type:       eventType,
		Payload:    b,
	}
}

func decodePayload(t *testing.T, e *core.Event, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(e.Payload, out))
}

func TestSendMessageHandler(t *testing.T) {

	t.Run("store failure acks the sender only", func(t *testing.T) {
		store := &fakeChatStore{
			appendFn: func(ctx context.Context, input core.MessageCreateInput) (*core.Message, error) {
				return nil, fmt.Errorf("insert: %w: connection refused", core.ErrStoreUnavailable)
			},
		}
		app, transport := newTestApp(t, store)

		e := inboundEvent(t, SendMessageEvent, instructor, 7, SendMessagePayload{
			To:     student.ID,
			ToRole: core.Student,
			Body:   "hello",
			TempID: "tmp-1",
		})
		err := app.SendMessageHandler(app.context, e)
		require.ErrorIs(t, err, core.ErrStoreUnavailable)

		// exactly one emit: the failure, correlated to the sender's
		// connection. Nothing was broadcast.
		sent := transport.emitted()
		require.Len(t, sent, 1)
		assert.Equal(t, "conn", sent[0].scope)
		assert.Equal(t, SendFailedEvent, sent[0].event.Type)
		assert.Equal(t, []string{instructor.ID}, sent[0].participants)
		assert.Equal(t, 7, sent[0].connID)

		var failure SendFailedPayload
		decodePayload(t, sent[0].event, &failure)
		assert.Equal(t, "tmp-1", failure.TempID)
		assert.Equal(t, "store-unavailable", failure.Reason)
	})

	t.Run("successful send acks and fans out", func(t *testing.T) {
		sentAt := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
		stored := &core.Message{
			ID:       42,
			RoomID:   pairRoom,
			From:     instructor.ID,
			FromName: instructor.DisplayName,
			FromRole: instructor.Role,
			To:       student.ID,
			Body:     "hello",
			Kind:     core.TextMessage,
			SentAt:   sentAt,
		}
		store := &fakeChatStore{
			appendFn: func(ctx context.Context, input core.MessageCreateInput) (*core.Message, error) {
				assert.Equal(t, instructor, input.From)
				assert.Equal(t, student.ID, input.To)
				return stored, nil
			},
		}
		app, transport := newTestApp(t, store)

		e := inboundEvent(t, SendMessageEvent, instructor, 7, SendMessagePayload{
			To:     student.ID,
			ToRole: core.Student,
			Body:   "hello",
			TempID: "tmp-2",
		})
		require.NoError(t, app.SendMessageHandler(app.context, e))

		acks := transport.ofType(SendAckedEvent)
		require.Len(t, acks, 1)
		assert.Equal(t, "conn", acks[0].scope)
		assert.Equal(t, 7, acks[0].connID)
		var ack SendAckedPayload
		decodePayload(t, acks[0].event, &ack)
		assert.Equal(t, "tmp-2", ack.TempID)
		assert.Equal(t, 42, ack.ID)
		assert.Equal(t, pairRoom, ack.RoomID)

		// the room broadcast plus personal copies: the recipient is not
		// joined to the room, and neither is the sender's connection
		messages := transport.ofType(MessageEvent)
		require.Len(t, messages, 3)

		var roomCast, personal, selfEcho *sentEvent
		for i := range messages {
			m := &messages[i]
			switch m.scope {
			case "room":
				roomCast = m
			case "participants":
				personal = m
			case "conn":
				selfEcho = m
			}
		}
		require.NotNil(t, roomCast)
		assert.Equal(t, pairRoom, roomCast.roomID)
		require.NotNil(t, personal)
		assert.Equal(t, []string{student.ID}, personal.participants)
		require.NotNil(t, selfEcho)
		assert.Equal(t, 7, selfEcho.connID)

		var got core.Message
		decodePayload(t, roomCast.event, &got)
		assert.Equal(t, *stored, got)
	})

	t.Run("invalid recipient reported with reason", func(t *testing.T) {
		store := &fakeChatStore{
			appendFn: func(ctx context.Context, input core.MessageCreateInput) (*core.Message, error) {
				return nil, core.ErrInvalidIdentifier
			},
		}
		app, transport := newTestApp(t, store)

		e := inboundEvent(t, SendMessageEvent, instructor, 1, SendMessagePayload{
			To:     "garbage",
			ToRole: core.Student,
			Body:   "hello",
			TempID: "tmp-3",
		})
		require.Error(t, app.SendMessageHandler(app.context, e))

		failures := transport.ofType(SendFailedEvent)
		require.Len(t, failures, 1)
		var failure SendFailedPayload
		decodePayload(t, failures[0].event, &failure)
		assert.Equal(t, "invalid-identifier", failure.Reason)
	})
}

func TestGetHistoryHandler(t *testing.T) {

	t.Run("history goes to the asking connection", func(t *testing.T) {
		transcript := []core.Message{
			{ID: 1, RoomID: pairRoom, From: instructor.ID, Body: "one"},
			{ID: 2, RoomID: pairRoom, From: student.ID, Body: "two"},
		}
		store := &fakeChatStore{
			pairHistoryFn: func(ctx context.Context, a, b core.Participant, limit int) ([]core.Message, error) {
				assert.Equal(t, instructor.ID, a.ID)
				assert.Equal(t, 50, limit)
				return transcript, nil
			},
		}
		app, transport := newTestApp(t, store)

		e := inboundEvent(t, GetHistoryEvent, instructor, 3, GetHistoryPayload{
			With:     student.ID,
			WithRole: core.Student,
		})
		require.NoError(t, app.GetHistoryHandler(app.context, e))

		sent := transport.emitted()
		require.Len(t, sent, 1)
		assert.Equal(t, "conn", sent[0].scope)
		assert.Equal(t, HistoryEvent, sent[0].event.Type)
		assert.Equal(t, 3, sent[0].connID)

		var history HistoryPayload
		decodePayload(t, sent[0].event, &history)
		assert.Equal(t, pairRoom, history.RoomID)
		assert.Len(t, history.Messages, 2)
	})

	t.Run("total store failure reported", func(t *testing.T) {
		store := &fakeChatStore{
			pairHistoryFn: func(ctx context.Context, a, b core.Participant, limit int) ([]core.Message, error) {
				return nil, fmt.Errorf("query: %w: timeout", core.ErrStoreTimeout)
			},
		}
		app, transport := newTestApp(t, store)

		e := inboundEvent(t, GetHistoryEvent, instructor, 3, GetHistoryPayload{
			With:     student.ID,
			WithRole: core.Student,
		})
		require.Error(t, app.GetHistoryHandler(app.context, e))

		failures := transport.ofType(HistoryFailedEvent)
		require.Len(t, failures, 1)
		var failure HistoryFailedPayload
		decodePayload(t, failures[0].event, &failure)
		assert.Equal(t, "store-timeout", failure.Reason)
	})
}

func TestJoinRoomHandler(t *testing.T) {
	app, transport := newTestApp(t, &fakeChatStore{})

	// the raw peer identifier is canonicalized before the room id is
	// derived
	e := inboundEvent(t, JoinRoomEvent, student, 5, JoinRoomPayload{
		With:     "0900000001",
		WithRole: core.Instructor,
	})
	require.NoError(t, app.JoinRoomHandler(app.context, e))

	joined := transport.ofType(RoomJoinedEvent)
	require.Len(t, joined, 1)
	assert.Equal(t, "conn", joined[0].scope)
	var payload RoomJoinedPayload
	decodePayload(t, joined[0].event, &payload)
	assert.Equal(t, pairRoom, payload.RoomID)
}

func TestJoinRoomSubscribesLegacyAliases(t *testing.T) {
	app, transport := newTestApp(t, &fakeChatStore{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.wsManager.Connect(student, w, r)
	}))
	defer server.Close()

	conn, res, err := websocket.DefaultDialer.Dial(
		strings.Replace(server.URL, "http://", "ws://", 1), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, res.StatusCode)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return app.wsManager.IsConnected(student.ID)
	}, time.Second, 10*time.Millisecond)

	// the manager hands the first connection id 1
	e := inboundEvent(t, JoinRoomEvent, student, 1, JoinRoomPayload{
		With:     instructor.ID,
		WithRole: core.Instructor,
	})
	require.NoError(t, app.JoinRoomHandler(app.context, e))

	assert.True(t, app.wsManager.InRoom(student.ID, pairRoom))

	// joining the pair room also subscribes the connection to the
	// historical alias rooms, so reads addressed at old ids still arrive
	for _, alias := range []string{
		"chat_student_student@example.com",
		"chat_instructor1_student@example.com",
		core.InstructorRoom,
	} {
		assert.True(t, app.wsManager.InRoom(student.ID, alias), alias)
	}

	joined := transport.ofType(RoomJoinedEvent)
	require.Len(t, joined, 1)
	var payload RoomJoinedPayload
	decodePayload(t, joined[0].event, &payload)
	assert.Equal(t, pairRoom, payload.RoomID)
}

func TestJoinRoomHandlerSelfPair(t *testing.T) {
	app, transport := newTestApp(t, &fakeChatStore{})

	e := inboundEvent(t, JoinRoomEvent, student, 5, JoinRoomPayload{
		With:     student.ID,
		WithRole: core.Student,
	})
	err := app.JoinRoomHandler(app.context, e)
	require.ErrorIs(t, err, core.ErrInvalidParticipantPair)
	assert.Empty(t, transport.emitted())
}

func TestMarkReadHandler(t *testing.T) {

	t.Run("read receipt reaches the room", func(t *testing.T) {
		store := &fakeChatStore{
			markRoomReadFn: func(ctx context.Context, roomID, reader string) (int, error) {
				assert.Equal(t, pairRoom, roomID)
				assert.Equal(t, student.ID, reader)
				return 2, nil
			},
		}
		app, transport := newTestApp(t, store)

		e := inboundEvent(t, MarkReadEvent, student, 1, MarkReadPayload{RoomID: pairRoom})
		require.NoError(t, app.MarkReadHandler(app.context, e))

		reads := transport.ofType(ReadEvent)
		require.Len(t, reads, 1)
		assert.Equal(t, "room", reads[0].scope)
		assert.Equal(t, pairRoom, reads[0].roomID)
		var read ReadPayload
		decodePayload(t, reads[0].event, &read)
		assert.Equal(t, student.ID, read.By)
		assert.Equal(t, 2, read.Count)
	})

	t.Run("nothing to mark emits nothing", func(t *testing.T) {
		store := &fakeChatStore{
			markRoomReadFn: func(ctx context.Context, roomID, reader string) (int, error) {
				return 0, nil
			},
		}
		app, transport := newTestApp(t, store)

		e := inboundEvent(t, MarkReadEvent, student, 1, MarkReadPayload{RoomID: pairRoom})
		require.NoError(t, app.MarkReadHandler(app.context, e))
		assert.Empty(t, transport.emitted())
	})
}

func TestTypingHandler(t *testing.T) {
	app, transport := newTestApp(t, &fakeChatStore{})

	e := inboundEvent(t, TypingEvent, student, 1, TypingPayload{
		RoomID: pairRoom,
		Typing: true,
		// the claimed sender is overwritten with the session identity
		By: "someone-else",
	})
	require.NoError(t, app.TypingHandler(app.context, e))

	sent := transport.emitted()
	require.Len(t, sent, 1)
	assert.Equal(t, "room", sent[0].scope)
	var payload TypingPayload
	decodePayload(t, sent[0].event, &payload)
	assert.Equal(t, student.ID, payload.By)
	assert.True(t, payload.Typing)
}

func TestIsOnlineHandler(t *testing.T) {
	app, transport := newTestApp(t, &fakeChatStore{})

	e := inboundEvent(t, IsOnlineEvent, student, 1, IsOnlinePayload{
		ID:   "0900000001",
		Role: core.Instructor,
	})
	require.NoError(t, app.IsOnlineHandler(app.context, e))

	sent := transport.emitted()
	require.Len(t, sent, 1)
	assert.Equal(t, "conn", sent[0].scope)
	assert.Equal(t, PresenceEvent, sent[0].event.Type)
	var presence PresencePayload
	decodePayload(t, sent[0].event, &presence)
	assert.Equal(t, instructor.ID, presence.ID)
	assert.False(t, presence.Online)
}

func TestPresenceFanOut(t *testing.T) {
	store := &fakeChatStore{
		contactsFn: func(ctx context.Context, participantID string) ([]string, error) {
			assert.Equal(t, student.ID, participantID)
			return []string{instructor.ID}, nil
		},
	}
	app, transport := newTestApp(t, store)

	app.onParticipantConnect(student)
	app.onParticipantDisconnect(student)

	sent := transport.ofType(PresenceEvent)
	require.Len(t, sent, 2)

	var online PresencePayload
	decodePayload(t, sent[0].event, &online)
	assert.Equal(t, student.ID, online.ID)
	assert.True(t, online.Online)
	assert.Equal(t, []string{instructor.ID}, sent[0].participants)

	var offline PresencePayload
	decodePayload(t, sent[1].event, &offline)
	assert.False(t, offline.Online)
}

func TestFailureReason(t *testing.T) {
	tcs := []struct {
		err error
		exp string
	}{
		{core.ErrInvalidIdentifier, "invalid-identifier"},
		{core.ErrInvalidParticipantPair, "invalid-participant-pair"},
		{core.ErrInvalidMessage, "invalid-message"},
		{fmt.Errorf("op: %w: detail", core.ErrStoreTimeout), "store-timeout"},
		{fmt.Errorf("op: %w: detail", core.ErrStoreUnavailable), "store-unavailable"},
		{errors.New("unexpected"), "internal"},
	}
	for _, tc := range tcs {
		assert.Equal(t, tc.exp, failureReason(tc.err))
	}
}
