package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	pmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RaghavKatta/webcam-guess-game-online/config"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/handlers"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/media"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/metrics"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/peer"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/store"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/transport"
)

// sampleCamera produces a stream with one VP8 track fed at 50 fps
func sampleCamera(t *testing.T) media.Capturer {
	return media.CapturerFunc(func(context.Context) (media.Stream, error) {
		track, err := media.NewSampleTrack(webrtc.MimeTypeVP8, "camera", "local")
		require.NoError(t, err)
		stream := media.NewStream("local", track)

		go func() {
			ticker := time.NewTicker(20 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-track.Done():
					return
				case <-ticker.C:
					_ = track.WriteSample(pmedia.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 20 * time.Millisecond})
				}
			}
		}()
		return stream, nil
	})
}

func TestEndToEndOverRendezvousServer(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real peer connections")
	}

	cfg := config.Load(config.New())
	rooms := handlers.NewMemoryStore(time.Hour)
	m := metrics.New()
	hub := handlers.NewHub(rooms, logger.Nop(), m)
	srv := httptest.NewServer(handlers.NewRouter(cfg, rooms, hub, m, logger.Nop()))
	t.Cleanup(srv.Close)

	factory, err := peer.NewFactory(peer.Config{Loopback: true, LogLevel: zerolog.Disabled}, nil)
	require.NoError(t, err)

	open := func(capturer media.Capturer) (*Session, chan media.Stream, chan string, chan struct{}) {
		s, err := New(Options{
			ServerURL:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal",
			ConnectTimeout: 10 * time.Second,
			NewTransport:   func() Transport { return transport.New(logger.Nop()) },
			NewLink:        PeerLinks(factory),
			Capturer:       capturer,
			Store:          store.NewMemory(false),
		})
		require.NoError(t, err)
		t.Cleanup(s.Disconnect)

		streams := make(chan media.Stream, 4)
		ids := make(chan string, 4)
		connected := make(chan struct{}, 4)
		s.OnStream(func(st media.Stream) { streams <- st })
		s.OnRoom(func(id string) { ids <- id })
		s.OnConnected(func() { connected <- struct{}{} })
		return s, streams, ids, connected
	}

	initiator, _, ids, initiatorUp := open(sampleCamera(t))
	_, err = initiator.StartStreaming(context.Background())
	require.NoError(t, err)

	var code string
	select {
	case code = <-ids:
	case <-time.After(5 * time.Second):
		t.Fatal("no room id")
	}
	require.Len(t, code, 6)

	joiner, remote, _, joinerUp := open(nil)
	require.NoError(t, joiner.JoinRoom(code))

	for name, ch := range map[string]chan struct{}{"initiator": initiatorUp, "joiner": joinerUp} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("%s never connected", name)
		}
	}

	select {
	case st := <-remote:
		assert.NotEmpty(t, st.Tracks())
	case <-time.After(15 * time.Second):
		t.Fatal("joiner never received the remote stream")
	}

	assert.Equal(t, Live, initiator.State())
	assert.Equal(t, Live, joiner.State())
	assert.False(t, initiator.IsDegradedMode())
	assert.False(t, joiner.IsDegradedMode())

	// the room outlives its first viewer
	joiner.Disconnect()
	require.Eventually(t, func() bool { return initiator.State() == Connecting }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, code, initiator.RoomIdentifier())

	second, remote2, _, secondUp := open(nil)
	require.NoError(t, second.JoinRoom(code))
	for name, ch := range map[string]chan struct{}{"initiator": initiatorUp, "second viewer": secondUp} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("%s never reconnected", name)
		}
	}
	select {
	case st := <-remote2:
		assert.NotEmpty(t, st.Tracks())
	case <-time.After(15 * time.Second):
		t.Fatal("second viewer never received the remote stream")
	}
	assert.Equal(t, Live, initiator.State())
	assert.Equal(t, Live, second.State())
}
