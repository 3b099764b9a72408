package echoapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core"
	"github.com/darasahq/darasa/core/call"
)

// Signaling events. The relay never inspects Data; offers, answers and ICE
// candidates are forwarded verbatim.
const (
	eventUserJoined = "user-joined"
	eventUserLeft   = "user-left"
	eventOffer      = "offer"
	eventAnswer     = "answer"
	eventCandidate  = "ice-candidate"
	eventLeave      = "leave"
)

type signalMessage struct {
	Event string `json:"event"`
	// From is stamped by the relay; clients cannot spoof it.
	From string `json:"from,omitempty"`
	// To targets one participant; empty broadcasts to the rest of the room.
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type relayClient struct {
	userID string
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes
}

func (c *relayClient) write(msg signalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// relay groups signaling connections into rooms keyed by a call's CallID and
// forwards messages between the room's members.
type relay struct {
	logger core.Logger
	svc    call.Service

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	rooms  map[string]map[*relayClient]bool
	closed bool
}

func newRelay(logger core.Logger, svc call.Service) *relay {
	return &relay{
		logger: logger,
		svc:    svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// auth happens via JWT; cross-origin frontends are expected
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*relayClient]bool),
	}
}

// serve upgrades the connection after verifying the caller against the call
// record: the call must exist, be accepted and list the caller as a
// participant. Possession of a CallID alone is not enough to join.
func (r *relay) serve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}
	callID := ctx.Param("callId")

	c, err := r.svc.GetByCallID(ctx.Request().Context(), callID)
	if err != nil {
		return err
	}
	if !c.IsParticipant(claims.Subject) {
		return errHttpForbidden
	}
	if c.Status != call.StatusAccepted {
		return call.ErrNotAccepted
	}

	conn, err := r.upgrader.Upgrade(ctx.Response(), ctx.Request(), nil)
	if err != nil {
		return errors.Wrap(err, "upgrading connection")
	}

	client := &relayClient{userID: claims.Subject, conn: conn}
	if !r.join(callID, client) {
		_ = conn.Close()
		return nil
	}
	r.broadcast(callID, client, signalMessage{Event: eventUserJoined, From: client.userID})

	r.readLoop(callID, client)
	return nil
}

func (r *relay) join(callID string, client *relayClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	room, ok := r.rooms[callID]
	if !ok {
		room = make(map[*relayClient]bool)
		r.rooms[callID] = room
	}
	room[client] = true
	return true
}

func (r *relay) leave(callID string, client *relayClient) {
	r.mu.Lock()
	if room, ok := r.rooms[callID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(r.rooms, callID)
		}
	}
	r.mu.Unlock()
	_ = client.conn.Close()
}

func (r *relay) readLoop(callID string, client *relayClient) {
	defer func() {
		r.leave(callID, client)
		r.broadcast(callID, client, signalMessage{Event: eventUserLeft, From: client.userID})
	}()

	for {
		var msg signalMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Debug("signaling connection dropped: " + err.Error())
			}
			return
		}

		switch msg.Event {
		case eventOffer, eventAnswer, eventCandidate:
			msg.From = client.userID
			r.broadcast(callID, client, msg)
		case eventLeave:
			return
		default:
			// unknown events are dropped, not relayed
		}
	}
}

// broadcast sends msg to the rest of the room, or only to msg.To when set.
func (r *relay) broadcast(callID string, sender *relayClient, msg signalMessage) {
	r.mu.RLock()
	members := make([]*relayClient, 0, len(r.rooms[callID]))
	for client := range r.rooms[callID] {
		if client == sender {
			continue
		}
		if msg.To != "" && client.userID != msg.To {
			continue
		}
		members = append(members, client)
	}
	r.mu.RUnlock()

	for _, client := range members {
		if err := client.write(msg); err != nil {
			r.logger.Debug("writing signaling message: " + err.Error())
		}
	}
}

// closeRoom disconnects every member of a call's room.
func (r *relay) closeRoom(callID string) {
	r.mu.Lock()
	room := r.rooms[callID]
	delete(r.rooms, callID)
	r.mu.Unlock()

	for client := range room {
		_ = client.conn.Close()
	}
}

// shutdown disconnects everyone and refuses further joins.
func (r *relay) shutdown() {
	r.mu.Lock()
	r.closed = true
	rooms := r.rooms
	r.rooms = make(map[string]map[*relayClient]bool)
	r.mu.Unlock()

	for _, room := range rooms {
		for client := range room {
			_ = client.conn.Close()
		}
	}
}
