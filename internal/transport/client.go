package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
)

const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultPingInterval = 54 * time.Second

	maxMessageSize = 64 * 1024
	writeWait      = 10 * time.Second
	sendQueue      = 256
)

var (
	ErrConnect = errors.New("connect failed")
	ErrClosed  = errors.New("transport closed")
)

// Handler receives the raw data of an inbound event
type Handler func(data json.RawMessage)

// Options tune a single connection attempt
type Options struct {
	Token        string // sent as the token query parameter
	Header       http.Header
	DialTimeout  time.Duration
	PingInterval time.Duration
}

// Client is a websocket channel to the rendezvous server. One reader
// goroutine dispatches inbound events in arrival order and one writer
// goroutine sends outbound events in Emit order. A Client is single use:
// after a failed Connect or a Disconnect a new one has to be created.
type Client struct {
	log *logger.Logger

	mu       sync.Mutex
	handlers map[models.Event][]Handler
	conn     *websocket.Conn
	send     chan []byte
	stop     chan struct{}
	done     chan struct{}
	used     bool
	closing  bool
}

func New(log *logger.Logger) *Client {
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		log:      log.Module("transport"),
		handlers: make(map[models.Event][]Handler),
	}
}

// On registers h for event. Handlers run on the reader goroutine in
// registration order and must not block for long.
func (c *Client) On(event models.Event, h Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	c.mu.Unlock()
}

// Connect dials addr and blocks until the channel is open or the attempt
// fails. A failure is returned and also dispatched once as connect-error.
// The transport never retries on its own.
func (c *Client) Connect(ctx context.Context, addr string, opts Options) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return ErrClosed
	}
	c.used = true
	c.mu.Unlock()

	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}

	conn, err := c.dial(ctx, addr, opts)
	if err != nil {
		c.log.Warn().Err(err).Str("addr", addr).Msg("connect failed")
		c.dispatch(models.EventConnectError, mustJSON(models.ErrorPayload{Message: err.Error()}))
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	c.mu.Lock()
	if c.closing {
		// Disconnect raced the dial
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.send = make(chan []byte, sendQueue)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.log.Debug().Str("addr", addr).Msg("connected")
	c.dispatch(models.EventConnect, nil)

	go c.writer(opts.PingInterval)
	go c.reader(opts.PingInterval * 10 / 9)
	return nil
}

func (c *Client) dial(ctx context.Context, addr string, opts Options) (*websocket.Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s: %w", resp.Status, err)
		}
		return nil, err
	}
	return conn, nil
}

// Emit queues a named event for the server. Events are written in the order
// Emit is called.
func (c *Client) Emit(event models.Event, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn == nil || c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	send, done := c.send, c.done
	c.mu.Unlock()

	select {
	case send <- data:
		return nil
	case <-done:
		return ErrClosed
	}
}

// Disconnect closes the channel. It is idempotent and an explicit
// disconnect is not reported as a disconnect event.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil
	}
	c.closing = true
	if c.stop != nil {
		close(c.stop)
	}
	return nil
}

// Done is closed once the reader has exited. It is nil before Connect
// succeeds.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Client) reader(pongWait time.Duration) {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			explicit := c.closing
			c.closing = true
			c.mu.Unlock()
			_ = c.conn.Close()
			if explicit {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("connection lost")
			}
			c.dispatch(models.EventDisconnect, mustJSON(models.ErrorPayload{Message: err.Error()}))
			return
		}

		var env models.Envelope
		if err = json.Unmarshal(message, &env); err != nil {
			c.log.Warn().Err(err).Msg("bad message")
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Client) writer(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stop:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatch(event models.Event, data json.RawMessage) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		c.log.Debug().Str("event", string(event)).Msg("unhandled event")
		return
	}
	for _, h := range hs {
		h(data)
	}
}

func mustJSON(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
