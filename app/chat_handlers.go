package classchat

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hoclab/classchat/core"
	"github.com/hoclab/classchat/pkg/router"
)

// ChatHandler serves the REST mirror of the realtime surface, for
// clients that poll instead of holding a websocket open.
type ChatHandler struct {
	store        core.ChatStore
	normalizer   core.Normalizer
	historyLimit int
	// deliver fans a freshly stored message out to live connections.
	deliver func(*core.Message)
	// notifyRead tells a room about a read receipt.
	notifyRead func(roomID, by string, count int)
}

func NewChatHandler(store core.ChatStore, normalizer core.Normalizer, historyLimit int,
	deliver func(*core.Message), notifyRead func(roomID, by string, count int)) *ChatHandler {
	return &ChatHandler{
		store:        store,
		normalizer:   normalizer,
		historyLimit: historyLimit,
		deliver:      deliver,
		notifyRead:   notifyRead,
	}
}

func limitFromQuery(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// GetMessagesHandler returns the transcript shared with ?with=, oldest
// first.
func (h *ChatHandler) GetMessagesHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)

	with := r.URL.Query().Get("with")
	if with == "" {
		return router.NewJsonError(http.StatusBadRequest, "with is required")
	}
	peer := core.Participant{
		ID:   with,
		Role: core.Role(r.URL.Query().Get("with_role")),
	}

	limit := limitFromQuery(r)
	if limit <= 0 {
		limit = h.historyLimit
	}

	messages, err := h.store.PairHistory(r.Context(), session.Participant, peer, limit)
	if err != nil {
		return fmt.Errorf("get messages: %w", err)
	}

	self, err := h.normalizer.NormalizeParticipant(session.Participant)
	if err != nil {
		return err
	}
	peerID, err := h.normalizer.Normalize(peer.ID, peer.Role)
	if err != nil {
		return err
	}
	roomID, err := core.PairRoomID(self.ID, peerID)
	if err != nil {
		return err
	}

	if messages == nil {
		messages = []core.Message{}
	}
	return json.NewEncoder(w).Encode(HistoryPayload{RoomID: roomID, Messages: messages})
}

// SendMessageHandler persists a message and fans it out to live
// connections, same pipeline as the websocket send.
func (h *ChatHandler) SendMessageHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)

	var body SendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return router.NewJsonError(http.StatusBadRequest, "invalid request body")
	}

	msg, err := h.store.AppendMessage(r.Context(), core.MessageCreateInput{
		From:   session.Participant,
		To:     body.To,
		ToRole: body.ToRole,
		Body:   body.Body,
		Kind:   body.Kind,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	h.deliver(msg)

	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(msg)
}

type markReadResponse struct {
	UpdatedCount int `json:"updated_count"`
}

// MarkRoomReadHandler flips the unread messages of a room that were not
// sent by the caller.
func (h *ChatHandler) MarkRoomReadHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)
	roomID := chi.URLParam(r, "roomID")

	self, err := h.normalizer.NormalizeParticipant(session.Participant)
	if err != nil {
		return err
	}

	count, err := h.store.MarkRoomRead(r.Context(), roomID, self.ID)
	if err != nil {
		return fmt.Errorf("mark room read: %w", err)
	}
	if count > 0 {
		h.notifyRead(roomID, self.ID, count)
	}

	return json.NewEncoder(w).Encode(markReadResponse{UpdatedCount: count})
}

type roomsResponse struct {
	Rooms []core.RoomSummary `json:"rooms"`
}

// GetMyRoomsHandler lists the caller's conversations, most recently
// active first.
func (h *ChatHandler) GetMyRoomsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)

	self, err := h.normalizer.NormalizeParticipant(session.Participant)
	if err != nil {
		return err
	}

	rooms, err := h.store.ParticipantRooms(r.Context(), self.ID, limitFromQuery(r))
	if err != nil {
		return fmt.Errorf("get rooms: %w", err)
	}
	if rooms == nil {
		rooms = []core.RoomSummary{}
	}
	return json.NewEncoder(w).Encode(roomsResponse{Rooms: rooms})
}

// GetRoomHandler returns the metadata of one room.
func (h *ChatHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) error {
	roomID := chi.URLParam(r, "roomID")

	room, err := h.store.GetRoom(r.Context(), roomID)
	if err != nil {
		return fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return router.NewJsonError(http.StatusNotFound, "room not found")
	}
	return json.NewEncoder(w).Encode(room)
}
