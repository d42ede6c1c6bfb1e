package session

import (
	"context"
	"time"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/media"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/peer"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/store"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/transport"
)

const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultDialTimeout     = transport.DefaultDialTimeout
	DefaultRetryLimit      = 2
	DefaultMockJoinDelay   = time.Second
	DefaultLocalRoomPrefix = "local-"
)

// Transport is the signaling channel to the rendezvous server.
// *transport.Client satisfies it.
type Transport interface {
	Connect(ctx context.Context, addr string, opts transport.Options) error
	Emit(event models.Event, payload any) error
	On(event models.Event, h transport.Handler)
	Disconnect() error
}

// Link is a point-to-point media connection. *peer.Link satisfies it.
type Link interface {
	ReceiveSignal(s peer.Signal) error
	Destroy()
}

// LinkFactory builds links. Handlers must not be invoked before it returns.
type LinkFactory func(opts peer.Options, h peer.Handlers) (Link, error)

// MockSource creates synthetic streams. media.Generator satisfies it.
type MockSource interface {
	Create() media.Stream
}

// PeerLinks adapts a peer factory to a LinkFactory
func PeerLinks(f *peer.Factory) LinkFactory {
	return func(opts peer.Options, h peer.Handlers) (Link, error) {
		l, err := f.NewLink(opts, h)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Options wire a session to its collaborators. Zero durations and limits
// take the defaults above.
type Options struct {
	ServerURL string
	Token     string

	ConnectTimeout  time.Duration // fallback timer from entering connecting
	DialTimeout     time.Duration // per transport attempt
	RetryLimit      int
	MockJoinDelay   time.Duration
	LocalRoomPrefix string

	NewTransport func() Transport
	NewLink      LinkFactory
	Capturer     media.Capturer // nil means no camera on this host
	Mock         MockSource
	Store        store.Flag // nil keeps the flag in memory only
	Log          *logger.Logger
}

// Capabilities are detected once when the session is built
type Capabilities struct {
	Camera      bool
	Persistence bool
	Signaling   bool
}

func (o *Options) defaults() Capabilities {
	caps := Capabilities{
		Camera:      o.Capturer != nil,
		Persistence: o.Store != nil,
		Signaling:   o.NewTransport != nil && o.NewLink != nil && o.ServerURL != "",
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = DefaultRetryLimit
	}
	if o.MockJoinDelay <= 0 {
		o.MockJoinDelay = DefaultMockJoinDelay
	}
	if o.LocalRoomPrefix == "" {
		o.LocalRoomPrefix = DefaultLocalRoomPrefix
	}
	if o.Mock == nil {
		o.Mock = media.Generator{}
	}
	if o.Store == nil {
		o.Store = store.NewMemory(false)
	}
	if o.Log == nil {
		o.Log = logger.Nop()
	}
	return caps
}
