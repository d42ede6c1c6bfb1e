package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/metrics"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/middleware"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 256
	storeTimeout   = 5 * time.Second
	codeAttempts   = 8
)

// Rejection messages sent in error events
const (
	errRoomNotFound = "room not found"
	errRoomFull     = "room is full"
	errInRoom       = "already in a room"
	errServer       = "server error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub pairs signaling clients into two-member rooms and relays their
// messages. Live membership is kept in memory; metadata goes to the store.
type Hub struct {
	store   RoomStore
	log     *logger.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]*liveRoom // by code
}

type liveRoom struct {
	meta      models.RoomMetadata
	initiator *Client
	joiner    *Client
}

func (r *liveRoom) other(c *Client) *Client {
	if r.initiator == c {
		return r.joiner
	}
	return r.initiator
}

// Client is one websocket connection
type Client struct {
	ID     string
	UserID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	room *liveRoom // guarded by hub.mu
}

func NewHub(store RoomStore, log *logger.Logger, m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		store:   store,
		log:     log.Module("hub"),
		metrics: m,
		rooms:   make(map[string]*liveRoom),
	}
}

// HandleSignaling upgrades the request and serves the client until it
// disconnects.
func (h *Hub) HandleSignaling(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: c.GetString(middleware.UserIDKey),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.metrics.PeerConnected()
	h.log.Debug().Str("peer", client.ID).Str("user", client.UserID).Msg("peer connected")

	go client.writePump()
	client.readPump()
}

// Rooms returns the number of rooms with a connected initiator
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// CloseRoom drops the live room with the given code and disconnects its
// members. It reports whether the room was live.
func (h *Hub) CloseRoom(code string) bool {
	h.mu.Lock()
	room, ok := h.rooms[code]
	if ok {
		delete(h.rooms, code)
		for _, m := range []*Client{room.initiator, room.joiner} {
			if m != nil {
				m.room = nil
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	h.metrics.RoomClosed()
	for _, m := range []*Client{room.initiator, room.joiner} {
		if m != nil {
			m.close()
		}
	}
	h.log.Info().Str("code", code).Msg("room closed")
	return true
}

// Close disconnects every live room. The HTTP server's Shutdown does not
// touch hijacked connections, so callers run this first.
func (h *Hub) Close() {
	h.mu.Lock()
	codes := make([]string, 0, len(h.rooms))
	for code := range h.rooms {
		codes = append(codes, code)
	}
	h.mu.Unlock()

	for _, code := range codes {
		h.CloseRoom(code)
	}
}

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func (h *Hub) createRoom(c *Client) {
	h.mu.Lock()
	inRoom := c.room != nil
	h.mu.Unlock()
	if inRoom {
		c.reject(errInRoom)
		return
	}

	ctx, cancel := storeContext()
	defer cancel()

	code, err := h.freeCode(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to allocate room code")
		c.reject(errServer)
		return
	}

	creator := c.UserID
	if creator == "" {
		creator = c.ID
	}
	meta := models.RoomMetadata{
		ID:         uuid.New().String(),
		Code:       code,
		CreatorID:  creator,
		CreatedAt:  time.Now(),
		MaxPlayers: models.MaxRoomPlayers,
	}
	if err := h.store.CreateRoom(ctx, meta); err != nil {
		h.log.Error().Err(err).Msg("failed to store room")
		c.reject(errServer)
		return
	}
	if err := h.store.AddPeer(ctx, meta.ID, c.ID); err != nil {
		h.log.Warn().Err(err).Msg("failed to record peer")
	}

	h.mu.Lock()
	room := &liveRoom{meta: meta, initiator: c}
	h.rooms[code] = room
	c.room = room
	h.mu.Unlock()

	h.metrics.RoomOpened()
	h.log.Info().Str("code", code).Str("creator", creator).Msg("room created")
	c.emit(models.EventRoomCreated, code)
}

// freeCode picks a code no stored or live room uses
func (h *Hub) freeCode(ctx context.Context) (string, error) {
	for i := 0; i < codeAttempts; i++ {
		code := generateRoomCode()

		h.mu.Lock()
		_, live := h.rooms[code]
		h.mu.Unlock()
		if live {
			continue
		}

		taken, err := h.store.CodeTaken(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", errors.New("no free room code")
}

func (h *Hub) joinRoom(c *Client, data json.RawMessage) {
	var code string
	if err := json.Unmarshal(data, &code); err != nil {
		h.rejectJoin(c, "invalid", errRoomNotFound)
		return
	}
	code = strings.ToUpper(strings.TrimSpace(code))

	ctx, cancel := storeContext()
	defer cancel()

	meta, err := h.store.Room(ctx, code)
	if errors.Is(err, models.ErrRoomNotFound) {
		h.rejectJoin(c, "not_found", errRoomNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("code", code).Msg("room lookup failed")
		c.reject(errServer)
		return
	}

	h.mu.Lock()
	room, live := h.rooms[meta.Code]
	var reason string
	switch {
	case c.room != nil:
		reason = "in_room"
	case !live:
		reason = "not_found"
	case room.joiner != nil:
		reason = "full"
	default:
		room.joiner = c
		c.room = room
	}
	h.mu.Unlock()

	switch reason {
	case "":
	case "in_room":
		h.rejectJoin(c, reason, errInRoom)
		return
	case "full":
		h.rejectJoin(c, reason, errRoomFull)
		return
	default:
		h.rejectJoin(c, reason, errRoomNotFound)
		return
	}

	if err := h.store.AddPeer(ctx, meta.ID, c.ID); err != nil {
		h.log.Warn().Err(err).Msg("failed to record peer")
	}
	h.log.Info().Str("code", meta.Code).Str("peer", c.ID).Msg("peer joined room")
	c.emit(models.EventRoomJoined, meta.Code)
}

func (h *Hub) rejectJoin(c *Client, reason, msg string) {
	h.metrics.Rejected(reason)
	h.log.Debug().Str("peer", c.ID).Str("reason", reason).Msg("join rejected")
	c.reject(msg)
}

// relay forwards an envelope unchanged to the other member of c's room
func (h *Hub) relay(c *Client, env models.Envelope) {
	h.mu.Lock()
	var other *Client
	if c.room != nil {
		other = c.room.other(c)
	}
	h.mu.Unlock()

	if other == nil {
		h.log.Debug().Str("peer", c.ID).Str("event", string(env.Event)).Msg("nobody to relay to")
		return
	}
	other.queue(env)
	h.metrics.Relayed(string(env.Event))
}

// leave removes c from its room. An initiator leaving ends the room; a
// joiner leaving frees the slot. The remaining member hears peer-left.
func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	room := c.room
	if room == nil {
		h.mu.Unlock()
		return
	}
	c.room = nil
	other := room.other(c)
	initiator := room.initiator == c
	if initiator {
		delete(h.rooms, room.meta.Code)
		if other != nil {
			other.room = nil
		}
	} else {
		room.joiner = nil
	}
	h.mu.Unlock()

	ctx, cancel := storeContext()
	defer cancel()

	if initiator {
		h.metrics.RoomClosed()
		if err := h.store.DeleteRoom(ctx, room.meta); err != nil {
			h.log.Warn().Err(err).Msg("failed to delete room")
		}
	} else if err := h.store.RemovePeer(ctx, room.meta.ID, c.ID); err != nil {
		h.log.Warn().Err(err).Msg("failed to remove peer")
	}

	if other != nil {
		other.emit(models.EventPeerLeft, room.meta.Code)
	}
	h.log.Info().Str("code", room.meta.Code).Str("peer", c.ID).Bool("initiator", initiator).Msg("peer left room")
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.close()
		c.hub.metrics.PeerDisconnected()
		c.hub.log.Debug().Str("peer", c.ID).Msg("peer disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("peer", c.ID).Msg("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.hub.log.Warn().Err(err).Str("peer", c.ID).Msg("failed to parse message")
			continue
		}

		switch env.Event {
		case models.EventCreateRoom:
			c.hub.createRoom(c)
		case models.EventJoinRoom:
			c.hub.joinRoom(c, env.Data)
		case models.EventReady, models.EventSignal:
			c.hub.relay(c, env)
		default:
			c.hub.log.Warn().Str("peer", c.ID).Str("event", string(env.Event)).Msg("unknown event")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug().Err(err).Str("peer", c.ID).Msg("failed to write message")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// close stops the write pump, which closes the connection and in turn ends
// the read pump.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) emit(event models.Event, data any) {
	env, err := models.NewEnvelope(event, data)
	if err != nil {
		c.hub.log.Error().Err(err).Msg("failed to marshal message")
		return
	}
	c.queue(env)
}

func (c *Client) reject(msg string) {
	c.emit(models.EventError, models.ErrorPayload{Message: msg})
}

func (c *Client) queue(env models.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.hub.log.Error().Err(err).Msg("failed to marshal message")
		return
	}

	select {
	case c.send <- data:
	case <-c.done:
	default:
		// slow peers are cut off; the partner sees peer-left
		c.hub.log.Warn().Str("peer", c.ID).Msg("send buffer full, closing peer")
		c.close()
	}
}
