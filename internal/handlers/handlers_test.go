package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RaghavKatta/webcam-guess-game-online/config"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/metrics"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/middleware"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	*httptest.Server
	store   *MemoryStore
	hub     *Hub
	metrics *metrics.Metrics
}

func newServer(t *testing.T, requireAuth bool) *server {
	cfg := config.Load(config.New())
	cfg.JWTSecret = secret
	cfg.RequireAuth = requireAuth

	s := &server{store: NewMemoryStore(time.Hour), metrics: metrics.New()}
	s.hub = NewHub(s.store, logger.Nop(), s.metrics)
	s.Server = httptest.NewServer(NewRouter(cfg, s.store, s.hub, s.metrics, logger.Nop()))
	t.Cleanup(s.Close)
	return s
}

func (s *server) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/signal"
	if query != "" {
		u += "?" + query
	}
	return u
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *server) dial(t *testing.T, query string) *wsPeer {
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(query), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsPeer{t: t, conn: conn}
}

func (p *wsPeer) send(event models.Event, data any) {
	env, err := models.NewEnvelope(event, data)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteJSON(env))
}

func (p *wsPeer) next() models.Envelope {
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	require.NoError(p.t, p.conn.ReadJSON(&env))
	return env
}

// expect reads the next message and decodes its data into out
func (p *wsPeer) expect(event models.Event, out any) {
	env := p.next()
	require.Equal(p.t, event, env.Event, "data: %s", env.Data)
	if out != nil {
		require.NoError(p.t, json.Unmarshal(env.Data, out))
	}
}

func (p *wsPeer) create() string {
	p.send(models.EventCreateRoom, nil)
	var code string
	p.expect(models.EventRoomCreated, &code)
	return code
}

func (p *wsPeer) expectError(msg string) {
	var payload models.ErrorPayload
	p.expect(models.EventError, &payload)
	assert.Equal(p.t, msg, payload.Message)
}

func TestCreateJoinAndRelay(t *testing.T) {
	s := newServer(t, false)
	a := s.dial(t, "")
	b := s.dial(t, "")

	code := a.create()
	require.Len(t, code, models.RoomCodeLength)
	for _, ch := range code {
		assert.Contains(t, codeChars, string(ch))
	}

	b.send(models.EventJoinRoom, strings.ToLower(code))
	var joined string
	b.expect(models.EventRoomJoined, &joined)
	assert.Equal(t, code, joined)

	b.send(models.EventReady, code)
	var ready string
	a.expect(models.EventReady, &ready)
	assert.Equal(t, code, ready)

	// signals keep their order and their payload bytes
	for i := 0; i < 5; i++ {
		a.send(models.EventSignal, models.SignalPayload{RoomID: code, Signal: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))})
	}
	for i := 0; i < 5; i++ {
		var sig models.SignalPayload
		b.expect(models.EventSignal, &sig)
		assert.Equal(t, code, sig.RoomID)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(sig.Signal))
	}

	assert.Equal(t, 1, s.hub.Rooms())
	assert.Eventually(t, func() bool {
		return strings.Contains(s.scrape(t), `guess_signaling_messages_relayed_total{event="signal"} 5`)
	}, time.Second, 10*time.Millisecond)
}

func (s *server) scrape(t *testing.T) string {
	rec := httptest.NewRecorder()
	s.Config.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestJoinRejections(t *testing.T) {
	s := newServer(t, false)
	a := s.dial(t, "")
	b := s.dial(t, "")
	c := s.dial(t, "")

	c.send(models.EventJoinRoom, "ZZZZZZ")
	c.expectError("room not found")

	code := a.create()
	b.send(models.EventJoinRoom, code)
	b.expect(models.EventRoomJoined, nil)

	c.send(models.EventJoinRoom, code)
	c.expectError("room is full")

	a.send(models.EventCreateRoom, nil)
	a.expectError("already in a room")
}

func TestJoinerLeavingFreesSlot(t *testing.T) {
	s := newServer(t, false)
	a := s.dial(t, "")
	b := s.dial(t, "")

	code := a.create()
	b.send(models.EventJoinRoom, code)
	b.expect(models.EventRoomJoined, nil)
	require.NoError(t, b.conn.Close())

	var left string
	a.expect(models.EventPeerLeft, &left)
	assert.Equal(t, code, left)

	c := s.dial(t, "")
	c.send(models.EventJoinRoom, code)
	c.expect(models.EventRoomJoined, nil)
}

func TestInitiatorLeavingEndsRoom(t *testing.T) {
	s := newServer(t, false)
	a := s.dial(t, "")
	b := s.dial(t, "")

	code := a.create()
	b.send(models.EventJoinRoom, code)
	b.expect(models.EventRoomJoined, nil)
	require.NoError(t, a.conn.Close())

	b.expect(models.EventPeerLeft, nil)
	assert.Eventually(t, func() bool { return s.hub.Rooms() == 0 }, time.Second, 10*time.Millisecond)

	resp, err := http.Get(s.URL + "/api/rooms/" + code)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	c := s.dial(t, "")
	c.send(models.EventJoinRoom, code)
	c.expectError("room not found")
}

func TestRelayWithoutPartnerIsDropped(t *testing.T) {
	s := newServer(t, false)
	a := s.dial(t, "")
	code := a.create()

	a.send(models.EventSignal, models.SignalPayload{RoomID: code, Signal: json.RawMessage(`{}`)})
	a.send(models.EventCreateRoom, nil)
	a.expectError("already in a room")
}

func TestGetRoom(t *testing.T) {
	s := newServer(t, false)
	a := s.dial(t, "")
	code := a.create()

	resp, err := http.Get(s.URL + "/api/rooms/" + code)
	require.NoError(t, err)
	var room models.RoomMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&room))
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, code, room.Code)
	assert.Equal(t, models.MaxRoomPlayers, room.MaxPlayers)
	assert.Equal(t, 1, room.PlayerCount)

	byID, err := http.Get(s.URL + "/api/rooms/" + room.ID)
	require.NoError(t, err)
	_ = byID.Body.Close()
	assert.Equal(t, http.StatusOK, byID.StatusCode)
}

func login(t *testing.T, s *server, user string) string {
	body, _ := json.Marshal(LoginRequest{Username: user, Password: "x"})
	resp, err := http.Post(s.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, user, out.UserID)
	return out.Token
}

func deleteRoom(t *testing.T, s *server, code, token string) int {
	req, err := http.NewRequest(http.MethodDelete, s.URL+"/api/rooms/"+code, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestDeleteRoomByCreator(t *testing.T) {
	s := newServer(t, false)
	alice := login(t, s, "alice")
	mallory := login(t, s, "mallory")

	a := s.dial(t, "token="+alice)
	b := s.dial(t, "")
	code := a.create()
	b.send(models.EventJoinRoom, code)
	b.expect(models.EventRoomJoined, nil)

	assert.Equal(t, http.StatusUnauthorized, deleteRoom(t, s, code, ""))
	assert.Equal(t, http.StatusForbidden, deleteRoom(t, s, code, mallory))
	assert.Equal(t, http.StatusOK, deleteRoom(t, s, code, alice))
	assert.Equal(t, http.StatusNotFound, deleteRoom(t, s, code, alice))

	// live members are disconnected
	_ = b.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := b.conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, s.hub.Rooms())
}

func TestRequireAuth(t *testing.T) {
	s := newServer(t, true)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := middleware.IssueToken(secret, "carol", time.Hour)
	require.NoError(t, err)
	p := s.dial(t, "token="+token)
	code := p.create()

	room, err := s.store.Room(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, "carol", room.CreatorID)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, false)

	rec := httptest.NewRecorder()
	s.Config.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","rooms":0}`, rec.Body.String())

	assert.Contains(t, s.scrape(t), "guess_signaling_peers_connected")
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	now := time.Now()
	m.now = func() time.Time { return now }

	room := models.RoomMetadata{ID: "id-1", Code: "ABCDEF"}
	require.NoError(t, m.CreateRoom(context.Background(), room))
	taken, _ := m.CodeTaken(context.Background(), "ABCDEF")
	assert.True(t, taken)

	now = now.Add(2 * time.Minute)
	_, err := m.Room(context.Background(), "ABCDEF")
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
	taken, _ = m.CodeTaken(context.Background(), "ABCDEF")
	assert.False(t, taken)
}

// closed reads until the server closes the connection
func (p *wsPeer) closed() error {
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func TestHubCloseDisconnectsEveryRoom(t *testing.T) {
	s := newServer(t, false)
	a := s.dial(t, "")
	b := s.dial(t, "")
	c := s.dial(t, "")

	code := a.create()
	b.send(models.EventJoinRoom, code)
	b.expect(models.EventRoomJoined, nil)
	c.create()
	require.Equal(t, 2, s.hub.Rooms())

	s.hub.Close()

	for name, p := range map[string]*wsPeer{"a": a, "b": b, "c": c} {
		err := p.closed()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%s got %v", name, err)
	}
	assert.Equal(t, 0, s.hub.Rooms())
	assert.Eventually(t, func() bool {
		return strings.Contains(s.scrape(t), "guess_signaling_peers_connected 0")
	}, time.Second, 10*time.Millisecond)
}

func TestFullSendBufferClosesClient(t *testing.T) {
	hub := NewHub(NewMemoryStore(time.Hour), logger.Nop(), metrics.New())
	c := &Client{ID: "slow", hub: hub, send: make(chan []byte, 1), done: make(chan struct{})}

	c.emit(models.EventReady, "ABCDEF")
	select {
	case <-c.done:
		t.Fatal("closed with room in the buffer")
	default:
	}

	c.emit(models.EventReady, "ABCDEF")
	select {
	case <-c.done:
	default:
		t.Fatal("client kept after its buffer filled")
	}
	assert.Len(t, c.send, 1)
}

func TestCutOffJoinerFreesSlot(t *testing.T) {
	s := newServer(t, false)
	a := s.dial(t, "")
	b := s.dial(t, "")

	code := a.create()
	b.send(models.EventJoinRoom, code)
	b.expect(models.EventRoomJoined, nil)

	s.hub.mu.Lock()
	joiner := s.hub.rooms[code].joiner
	s.hub.mu.Unlock()
	require.NotNil(t, joiner)
	joiner.close()

	var left string
	a.expect(models.EventPeerLeft, &left)
	assert.Equal(t, code, left)
	assert.Equal(t, 1, s.hub.Rooms())
}
