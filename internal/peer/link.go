package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/media"
)

var (
	ErrNegotiation = errors.New("negotiation failed")
	ErrDestroyed   = errors.New("link destroyed")
)

// Options decide the link's role and what it sends
type Options struct {
	Initiator   bool
	LocalStream media.Stream // may be nil for a receive-only link
}

// Handlers are invoked from pion goroutines and stop firing once Destroy
// has been called.
type Handlers struct {
	OnSignal    func(Signal)
	OnConnected func()
	OnStream    func(media.Stream)
	OnError     func(error)
}

// Link is one point-to-point media connection
type Link struct {
	pc        *webrtc.PeerConnection
	h         Handlers
	initiator bool
	trickle   bool
	log       *logger.Logger

	recv      sync.Mutex // serialises ReceiveSignal
	mu        sync.Mutex
	destroyed bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	streams   map[string]*media.RemoteStream

	connected sync.Once
	failed    sync.Once
	destroy   sync.Once
	closed    chan struct{}
}

func newLink(pc *webrtc.PeerConnection, opts Options, h Handlers, trickle bool, log *logger.Logger) *Link {
	return &Link{
		pc:        pc,
		h:         h,
		initiator: opts.Initiator,
		trickle:   trickle,
		log:       log,
		streams:   make(map[string]*media.RemoteStream),
		closed:    make(chan struct{}),
	}
}

func (l *Link) setup(opts Options) error {
	sending := 0
	if opts.LocalStream != nil {
		for _, t := range opts.LocalStream.Tracks() {
			lt, ok := t.(media.LocalTrack)
			if !ok {
				continue
			}
			sender, err := l.pc.AddTrack(lt.TrackLocal())
			if err != nil {
				return err
			}
			go drainRTCP(sender)
			sending++
		}
	}
	if sending == 0 && l.initiator {
		// an offer needs at least one media section to receive video
		if _, err := l.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
	}

	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !l.trickle {
			return
		}
		init := c.ToJSON()
		l.signal(Signal{Candidate: &init})
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.log.Debug().Str("state", s.String()).Msg("connection state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			l.connected.Do(func() {
				if h := l.h.OnConnected; h != nil && l.alive() {
					h()
				}
			})
		case webrtc.PeerConnectionStateFailed:
			l.fail(fmt.Errorf("%w: connection failed", ErrNegotiation))
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.log.Debug().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
		rt := media.NewRemoteTrack(track)

		l.mu.Lock()
		if l.destroyed {
			l.mu.Unlock()
			return
		}
		stream, known := l.streams[track.StreamID()]
		if known {
			stream.AddTrack(rt)
		} else {
			stream = media.NewRemoteStream(track.StreamID(), rt)
			l.streams[track.StreamID()] = stream
		}
		l.mu.Unlock()

		if !known && l.h.OnStream != nil {
			l.h.OnStream(stream)
		}
	})
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.destroyed
}

func (l *Link) signal(s Signal) {
	if h := l.h.OnSignal; h != nil && l.alive() {
		h(s)
	}
}

func (l *Link) fail(err error) {
	l.failed.Do(func() {
		l.log.Warn().Err(err).Msg("link failed")
		if h := l.h.OnError; h != nil && l.alive() {
			h(err)
		}
	})
}

func (l *Link) offer() {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.fail(fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}
	l.publish(offer)
}

func (l *Link) answer() {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.fail(fmt.Errorf("%w: %v", ErrNegotiation, err))
		return
	}
	l.publish(answer)
}

// publish sets the local description and sends it. Without trickle the
// description goes out once gathering is complete so it carries every
// candidate.
func (l *Link) publish(desc webrtc.SessionDescription) {
	gathered := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		if l.alive() {
			l.fail(fmt.Errorf("%w: %v", ErrNegotiation, err))
		}
		return
	}
	if !l.trickle {
		select {
		case <-gathered:
		case <-l.closed:
			return
		}
	}
	local := l.pc.LocalDescription()
	if local == nil {
		return
	}
	l.signal(Signal{Type: desc.Type.String(), SDP: local.SDP})
}

// ReceiveSignal applies a payload from the other side. It may be called any
// number of times; repeated descriptions are ignored and candidates that
// arrive before the description are held back.
func (l *Link) ReceiveSignal(s Signal) error {
	l.recv.Lock()
	defer l.recv.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrDestroyed
	}

	if s.IsCandidate() {
		if !l.remoteSet {
			l.pending = append(l.pending, *s.Candidate)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		return l.addCandidate(*s.Candidate)
	}

	switch {
	case s.Type != TypeOffer && s.Type != TypeAnswer:
		l.mu.Unlock()
		return fmt.Errorf("%w: unknown signal type %q", ErrNegotiation, s.Type)
	case l.remoteSet:
		l.mu.Unlock()
		l.log.Debug().Str("type", s.Type).Msg("duplicate description ignored")
		return nil
	case l.initiator && s.Type == TypeOffer, !l.initiator && s.Type == TypeAnswer:
		l.mu.Unlock()
		l.log.Debug().Str("type", s.Type).Msg("unexpected description ignored")
		return nil
	}
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	if err := l.pc.SetRemoteDescription(s.description()); err != nil {
		err = fmt.Errorf("%w: %v", ErrNegotiation, err)
		l.fail(err)
		return err
	}
	for _, c := range pending {
		_ = l.addCandidate(c)
	}
	if s.Type == TypeOffer {
		go l.answer()
	}
	return nil
}

func (l *Link) addCandidate(c webrtc.ICECandidateInit) error {
	if err := l.pc.AddICECandidate(c); err != nil {
		l.log.Debug().Err(err).Msg("bad candidate")
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	return nil
}

// Destroy closes the connection and releases remote streams. It is safe to
// call more than once and on links that never connected.
func (l *Link) Destroy() {
	l.destroy.Do(func() {
		l.mu.Lock()
		l.destroyed = true
		streams := l.streams
		l.streams = map[string]*media.RemoteStream{}
		l.mu.Unlock()
		close(l.closed)

		for _, s := range streams {
			s.Stop()
		}
		if err := l.pc.Close(); err != nil {
			l.log.Debug().Err(err).Msg("close")
		}
	})
}
