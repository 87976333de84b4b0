package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/models"
	"github.com/mossy-p/webrtc-call/internal/redis"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
	storeWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Room is the set of live connections in one call room, keyed by user id.
type Room struct {
	ID    string
	Peers map[string]*Client
}

// Client is one websocket connection to the relay.
type Client struct {
	ID     string
	UserID string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte

	hub  *Hub
	log  *logrus.Entry
	done chan struct{}
	once sync.Once
}

// Hub routes signaling messages between the two occupants of each room. It
// never inspects media; offers, answers, candidates and chat are forwarded
// with the sender's user id attached.
type Hub struct {
	store *redis.Store
	log   *logrus.Entry

	mu    sync.Mutex
	rooms map[string]*Room
	users map[string]*Client
}

func NewHub(store *redis.Store, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		store: store,
		log:   log.WithField("component", "hub"),
		rooms: make(map[string]*Room),
		users: make(map[string]*Client),
	}
}

// HandleSignaling upgrades the request to a websocket. The optional userId
// query parameter registers the connection for matched pushes before any
// room is joined.
func (h *Hub) HandleSignaling(c *gin.Context) {
	userID := c.Query("userId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithField("err", err).Warn("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, sendBuffer),
		hub:  h,
		done: make(chan struct{}),
	}
	client.log = h.log.WithFields(logrus.Fields{"conn": client.ID, "remote": c.ClientIP()})
	if userID != "" {
		h.register(client, userID)
	}
	client.log.WithField("user", userID).Debug("Connection opened")

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.UserID = userID
	h.users[userID] = c
}

// NotifyMatched pushes a matched message to userID. It reports false when
// the user has no open connection.
func (h *Hub) NotifyMatched(userID, roomID, matchedUserID string) bool {
	h.mu.Lock()
	c := h.users[userID]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	c.enqueue(models.NewMatched(roomID, matchedUserID))
	return true
}

// CloseRoom detaches every occupant of roomID and tells them why.
func (h *Hub) CloseRoom(roomID, reason string) int {
	h.mu.Lock()
	room := h.rooms[roomID]
	delete(h.rooms, roomID)
	var occupants []*Client
	if room != nil {
		for _, p := range room.Peers {
			p.RoomID = ""
			occupants = append(occupants, p)
		}
	}
	h.mu.Unlock()

	for _, p := range occupants {
		p.enqueue(models.NewError(roomID, reason))
	}
	return len(occupants)
}

// Occupants returns the user ids currently connected to roomID.
func (h *Hub) Occupants(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[roomID]
	if room == nil {
		return nil
	}
	ids := make([]string, 0, len(room.Peers))
	for id := range room.Peers {
		ids = append(ids, id)
	}
	return ids
}

type outgoing struct {
	to  *Client
	msg models.SignalMessage
}

func (h *Hub) join(c *Client, msg models.SignalMessage) {
	if c.UserID == "" {
		h.register(c, msg.UserID)
	} else if msg.UserID != c.UserID {
		c.enqueue(models.NewError(msg.RoomID, "userId does not match connection"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWait)
	defer cancel()

	roomID := msg.RoomID
	if meta, err := h.store.GetRoom(ctx, msg.RoomID); err == nil {
		// Matched rooms are reserved for the two matched users.
		if len(meta.Participants) > 0 && !slices.Contains(meta.Participants, c.UserID) {
			c.log.WithFields(logrus.Fields{"room": meta.ID, "user": c.UserID}).Warn("Join refused, not a participant")
			c.enqueue(models.NewError(msg.RoomID, "not a participant of this room"))
			return
		}
		roomID = meta.ID
	} else if !errors.Is(err, redis.ErrRoomNotFound) {
		c.log.WithField("err", err).Error("Room lookup failed")
		c.enqueue(models.NewError(msg.RoomID, "room lookup failed"))
		return
	}

	h.mu.Lock()
	current := c.RoomID
	h.mu.Unlock()
	if current != "" && current != roomID {
		h.leave(c)
	}

	if err := h.store.AddPeer(ctx, roomID, c.UserID); err != nil {
		if errors.Is(err, redis.ErrRoomFull) {
			c.log.WithField("room", roomID).Info("Join refused, room is full")
			c.enqueue(models.NewError(roomID, err.Error()))
			return
		}
		c.log.WithField("err", err).Error("Failed to record room occupancy")
		c.enqueue(models.NewError(roomID, "join failed"))
		return
	}

	var out []outgoing
	h.mu.Lock()
	room := h.rooms[roomID]
	if room == nil {
		room = &Room{ID: roomID, Peers: make(map[string]*Client)}
		h.rooms[roomID] = room
	}
	if prev := room.Peers[c.UserID]; prev != nil && prev != c {
		// Same user on a new connection, typically after a reconnect.
		prev.RoomID = ""
	}
	room.Peers[c.UserID] = c
	c.RoomID = roomID
	for id, p := range room.Peers {
		if id == c.UserID {
			continue
		}
		out = append(out,
			outgoing{p, models.NewPeerPresent(roomID, c.UserID)},
			outgoing{c, models.NewPeerPresent(roomID, id)})
	}
	occupancy := len(room.Peers)
	h.mu.Unlock()

	c.log.WithFields(logrus.Fields{"room": roomID, "user": c.UserID, "occupants": occupancy}).Info("Joined room")
	for _, o := range out {
		o.to.enqueue(o.msg)
	}
}

// leave removes c from its room and tells the remaining occupant.
func (h *Hub) leave(c *Client) {
	var out []outgoing
	h.mu.Lock()
	roomID := c.RoomID
	room := h.rooms[roomID]
	member := room != nil && room.Peers[c.UserID] == c
	if member {
		delete(room.Peers, c.UserID)
		for _, p := range room.Peers {
			out = append(out, outgoing{p, models.NewLeave(roomID, c.UserID)})
		}
		if len(room.Peers) == 0 {
			delete(h.rooms, roomID)
		}
	}
	c.RoomID = ""
	h.mu.Unlock()

	if !member {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeWait)
	defer cancel()
	if err := h.store.RemovePeer(ctx, roomID, c.UserID); err != nil {
		c.log.WithField("err", err).Warn("Failed to clear room occupancy")
	}
	c.log.WithFields(logrus.Fields{"room": roomID, "user": c.UserID}).Info("Left room")
	for _, o := range out {
		o.to.enqueue(o.msg)
	}
}

func (h *Hub) forward(c *Client, msg models.SignalMessage) {
	var targets []*Client
	h.mu.Lock()
	room := h.rooms[c.RoomID]
	joined := room != nil && c.RoomID == msg.RoomID && room.Peers[c.UserID] == c
	if joined {
		for id, p := range room.Peers {
			if id != c.UserID {
				targets = append(targets, p)
			}
		}
	}
	h.mu.Unlock()

	if !joined {
		c.enqueue(models.NewError(msg.RoomID, "not joined to room"))
		return
	}
	msg.SenderID = c.UserID
	for _, p := range targets {
		p.enqueue(msg)
	}
}

func (h *Hub) disconnect(c *Client) {
	h.leave(c)
	h.mu.Lock()
	if c.UserID != "" && h.users[c.UserID] == c {
		delete(h.users, c.UserID)
	}
	h.mu.Unlock()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.close()
		c.log.Debug("Connection closed")
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithField("err", err).Warn("WebSocket error")
			}
			return
		}

		msg, err := models.ParseSignalMessage(data)
		if err != nil {
			c.log.WithField("err", err).Warn("Rejecting malformed message")
			c.enqueue(models.NewError("", "malformed message: "+err.Error()))
			continue
		}

		switch msg.Type {
		case models.SignalTypeJoin:
			c.hub.join(c, msg)
		case models.SignalTypeLeave:
			c.hub.leave(c)
		case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate, models.SignalTypeChat:
			c.hub.forward(c, msg)
		default:
			c.log.WithField("type", msg.Type).Warn("Unsupported message type from client")
			c.enqueue(models.NewError(msg.RoomID, "unsupported message type "+string(msg.Type)))
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithField("err", err).Warn("Failed to write message")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.Conn.Close()
	})
}

func (c *Client) enqueue(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.WithField("err", err).Error("Failed to marshal message")
		return
	}

	select {
	case c.Send <- data:
	case <-c.done:
	default:
		c.log.WithField("type", msg.Type).Warn("Send buffer full, dropping message")
	}
}
