package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type OnParticipant func(Participant)

type OnConnection func(Participant, int)

// ConnManager owns every live websocket connection. It is both the
// realtime channel (room subscriptions, broadcast) and the presence
// tracker (participant ↔ connections map with first/last-connection
// callbacks). All maps are guarded by one mutex; handlers run on
// multiple goroutines.
type ConnManager struct {
	// conns doubles as the personal-room index: a participant's id
	// addresses all of their connections.
	conns map[string][]*Conn
	// rooms maps a room id to the connections joined to it.
	rooms      map[string]map[int]*Conn
	nextConnID int
	mu         sync.RWMutex
	connWg     *sync.WaitGroup
	context    context.Context
	logger     *slog.Logger

	// onParticipantConnected fires on a participant's first connection,
	// onParticipantDisconnected once their last connection closes.
	// Intermediate opens/closes of extra tabs only fire the
	// connection-level callbacks.
	onParticipantConnected    OnParticipant
	onParticipantDisconnected OnParticipant

	onConnectionOpened OnConnection
	onConnectionClosed OnConnection

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func NewConnManager(context context.Context, wg *sync.WaitGroup, logger *slog.Logger, opts ...ManagerOption) *ConnManager {

	m := &ConnManager{
		connWg:                    wg,
		conns:                     make(map[string][]*Conn),
		rooms:                     make(map[string]map[int]*Conn),
		logger:                    logger,
		context:                   context,
		upgrader:                  defaultUpgrader,
		ReadStreamSize:            100,
		WriteStreamSize:           100,
		onParticipantConnected:    func(Participant) {},
		onParticipantDisconnected: func(Participant) {},
		onConnectionOpened:        func(Participant, int) {},
		onConnectionClosed:        func(Participant, int) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)

	return m
}

func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

func (m *ConnManager) OnParticipantConnected(f OnParticipant) {
	m.onParticipantConnected = f
}

func (m *ConnManager) OnParticipantDisconnected(f OnParticipant) {
	m.onParticipantDisconnected = f
}

func (m *ConnManager) OnConnectionOpened(f OnConnection) {
	m.onConnectionOpened = f
}

func (m *ConnManager) OnConnectionClosed(f OnConnection) {
	m.onConnectionClosed = f
}

func (m *ConnManager) IsConnected(participantID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[participantID]
	return ok
}

// InRoom reports whether any of the participant's connections is
// currently joined to the room.
func (m *ConnManager) InRoom(participantID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.rooms[roomID] {
		if conn.participant.ID == participantID {
			return true
		}
	}
	return false
}

// Connect upgrades the request and registers the connection under the
// participant's id. The id acts as the personal room: anything sent to
// it reaches the participant regardless of pair-room membership.
func (m *ConnManager) Connect(participant Participant, w http.ResponseWriter, r *http.Request) error {

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}

	m.mu.Lock()
	conns := m.conns[participant.ID]
	m.nextConnID++
	id := m.nextConnID
	wsConn := &Conn{
		participant: participant,
		id:          id,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("connection", fmt.Sprintf("%s:%d", participant.ID, id))),
		notifyDisconnect: func() {
			m.disconnect(participant.ID, id)
		},
	}
	first := len(conns) == 0
	m.conns[participant.ID] = append(conns, wsConn)
	m.mu.Unlock()

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	if first {
		m.onParticipantConnected(participant)
	}
	m.onConnectionOpened(participant, id)

	return nil
}

// Join subscribes one of the participant's connections to a room.
// Joining a room twice is a no-op. Rooms are pure id-derived scopes;
// joining never creates state beyond the membership entry.
func (m *ConnManager) Join(participantID string, connID int, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var target *Conn
	for _, conn := range m.conns[participantID] {
		if conn.id == connID {
			target = conn
			break
		}
	}
	if target == nil {
		return
	}
	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[int]*Conn)
		m.rooms[roomID] = members
	}
	members[connID] = target
}

// Leave drops one connection's membership in a room.
func (m *ConnManager) Leave(connID int, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeFromRoom(connID, roomID)
}

func (m *ConnManager) removeFromRoom(connID int, roomID string) {
	members, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, roomID)
	}
}

func (m *ConnManager) disconnect(participantID string, ids ...int) {
	m.mu.Lock()
	conns, ok := m.conns[participantID]
	if !ok {
		m.mu.Unlock()
		return
	}

	var participant Participant
	if len(conns) > 0 {
		participant = conns[0].participant
	}

	closed := make([]int, 0, len(ids))
	participantDisconnected := false

	if len(ids) == 0 {
		// disconnect all connections
		for _, c := range conns {
			c.close()
			closed = append(closed, c.id)
		}
		delete(m.conns, participantID)
		participantDisconnected = true
	} else {
		// remove specific connections
		// remove from the end to avoid index shifting
		for i := len(conns) - 1; i >= 0; i-- {
			if slices.Contains(ids, conns[i].id) {
				conns[i].close()
				closed = append(closed, conns[i].id)
				conns = slices.Delete(conns, i, i+1)
			}
		}
		if len(conns) == 0 {
			delete(m.conns, participantID)
			participantDisconnected = true
		} else {
			m.conns[participantID] = conns
		}
	}

	// drop room memberships of the closed connections
	for roomID := range m.rooms {
		for _, id := range closed {
			m.removeFromRoom(id, roomID)
		}
	}
	m.mu.Unlock()

	if participantDisconnected {
		m.onParticipantDisconnected(participant)
	}

	for _, id := range closed {
		m.onConnectionClosed(participant, id)
	}
}

func (m *ConnManager) Send(e *Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conns := range m.conns {
		for _, conn := range conns {
			conn.writeStream <- e
		}
	}
}

func (m *ConnManager) SendToParticipants(e *Event, participantIDs ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range participantIDs {
		conns, ok := m.conns[id]
		if !ok {
			continue
		}
		for _, conn := range conns {
			conn.writeStream <- e
		}
	}
}

func (m *ConnManager) SendToRoom(e *Event, roomID string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.rooms[roomID] {
		conn.writeStream <- e
	}
}

func (m *ConnManager) SendToConn(e *Event, participantID string, connID int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.conns[participantID] {
		if conn.id == connID {
			conn.writeStream <- e
		}
	}
}
