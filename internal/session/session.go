package session

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/media"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/peer"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/transport"
)

const localRoomChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// Session orchestrates one client's participation in a room: the transport
// to the rendezvous server, the peer link and the local and remote media.
//
// Every asynchronous completion (dial result, timer, transport or link
// event) carries the cycle it was started in and re-checks the state under
// the lock before acting, so a late completion can never undo a transition
// that already happened. Callbacks run outside the lock.
type Session struct {
	opts Options
	caps Capabilities
	log  *logger.Logger

	mu         sync.Mutex
	state      State
	role       Role
	cycle      uint64
	degraded   bool
	retryCount int
	roomID     string
	acked      bool // room-created or room-joined seen in this cycle
	ctx        context.Context
	cancel     context.CancelFunc
	tr         Transport
	link       Link
	linkGen    uint64
	local      media.Stream // owned
	remote     media.Stream // not owned, released on teardown
	active     media.Stream // the stream shown to the user
	timers     map[*time.Timer]struct{}

	onStream       func(media.Stream)
	onConnected    func()
	onDisconnected func(error)
	onRoom         func(string)
}

// New builds a session and reads the persisted degraded-mode flag once
func New(opts Options) (*Session, error) {
	caps := opts.defaults()
	s := &Session{
		opts:   opts,
		caps:   caps,
		log:    opts.Log.Module("session"),
		timers: make(map[*time.Timer]struct{}),
	}

	degraded, err := opts.Store.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("could not read degraded-mode flag")
	}
	s.degraded = degraded

	s.log.Debug().
		Bool("camera", caps.Camera).
		Bool("persistence", caps.Persistence).
		Bool("signaling", caps.Signaling).
		Bool("degraded", degraded).
		Msg("session ready")
	return s, nil
}

// actions run after the lock is released
type actions []func()

func (a *actions) add(fn func()) { *a = append(*a, fn) }

func (a actions) run() {
	for _, fn := range a {
		fn()
	}
}

// beginLocked opens a new cycle
func (s *Session) beginLocked(role Role) (uint64, context.Context, error) {
	if s.state.Active() {
		return 0, nil, ErrBusy
	}
	s.cycle++
	s.role = role
	s.state = Connecting
	s.acked = false
	s.roomID = ""
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s.cycle, s.ctx, nil
}

func (s *Session) current(c uint64) bool { return s.cycle == c && s.state.Active() }

// StartStreaming acquires the camera, asks the server for a room and waits
// for a joiner. In degraded mode the synthetic stream is served instead and
// no server is contacted. The local stream is returned and also delivered
// to the stream callback.
func (s *Session) StartStreaming(ctx context.Context) (media.Stream, error) {
	s.mu.Lock()
	c, cycleCtx, err := s.beginLocked(Initiator)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.degraded || !s.caps.Signaling {
		var after actions
		s.degradeLocked(c, s.degraded, &after)
		stream := s.local
		s.mu.Unlock()
		after.run()
		return stream, nil
	}
	s.mu.Unlock()

	stream, err := s.acquire(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
		s.log.Warn().Err(err).Msg("media acquisition failed")
		var after actions
		s.mu.Lock()
		if s.current(c) {
			s.teardownLocked(err, &after)
		}
		s.mu.Unlock()
		after.run()
		return nil, err
	}

	var after actions
	s.mu.Lock()
	if !s.current(c) {
		s.mu.Unlock()
		stream.Stop()
		return nil, ErrInterrupted
	}
	s.local = stream
	s.setActiveLocked(stream, &after)
	s.afterLocked(s.opts.ConnectTimeout, func() { s.fallback(c) })
	s.mu.Unlock()
	after.run()

	go s.dial(cycleCtx, c)
	return stream, nil
}

func (s *Session) acquire(ctx context.Context) (media.Stream, error) {
	if s.opts.Capturer == nil {
		return nil, media.ErrAcquire
	}
	return s.opts.Capturer.Acquire(ctx)
}

// JoinRoom asks the server to join the room. In degraded mode a successful
// join is simulated after a short delay without contacting any server.
func (s *Session) JoinRoom(id string) error {
	if id == "" {
		return ErrInvalidRoom
	}

	var after actions
	s.mu.Lock()
	c, cycleCtx, err := s.beginLocked(Joiner)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.roomID = id
	if s.degraded || !s.caps.Signaling {
		s.degradeLocked(c, s.degraded, &after)
		s.mu.Unlock()
		after.run()
		return nil
	}
	s.afterLocked(s.opts.ConnectTimeout, func() { s.fallback(c) })
	s.mu.Unlock()

	go s.dial(cycleCtx, c)
	return nil
}

// Disconnect ends the current cycle: the link is destroyed, local media is
// stopped and the transport closed. The degraded-mode flag is kept.
func (s *Session) Disconnect() {
	var after actions
	s.mu.Lock()
	if s.state.Active() {
		s.teardownLocked(nil, &after)
	}
	s.mu.Unlock()
	after.run()
}

// dial makes one transport attempt. A failed attempt counts against the
// retry limit and is retried at once until the limit degrades the session.
func (s *Session) dial(ctx context.Context, c uint64) {
	tr := s.opts.NewTransport()

	s.mu.Lock()
	if !s.current(c) || s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.tr = tr
	role, room := s.role, s.roomID
	s.mu.Unlock()

	s.bind(tr, c)
	err := tr.Connect(ctx, s.opts.ServerURL, transport.Options{
		Token:       s.opts.Token,
		DialTimeout: s.opts.DialTimeout,
	})

	var after actions
	s.mu.Lock()
	if !s.current(c) || s.tr != tr || s.state != Connecting {
		s.mu.Unlock()
		_ = tr.Disconnect()
		return
	}
	if err != nil {
		s.tr = nil
		s.attemptFailedLocked(c, err, &after)
		s.mu.Unlock()
		after.run()
		return
	}
	s.mu.Unlock()

	if role == Initiator {
		err = tr.Emit(models.EventCreateRoom, nil)
	} else {
		err = tr.Emit(models.EventJoinRoom, room)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("room request failed")
	}
}

// attemptFailedLocked records one failed transport attempt
func (s *Session) attemptFailedLocked(c uint64, err error, after *actions) {
	s.retryCount++
	s.log.Warn().Err(err).
		Int("attempt", s.retryCount).
		Int("limit", s.opts.RetryLimit).
		Msg("signaling connection failed")

	if s.retryCount >= s.opts.RetryLimit {
		s.degradeLocked(c, true, after)
		return
	}
	ctx := s.ctx
	after.add(func() { go s.dial(ctx, c) })
}

// fallback runs when the connect timer expires
func (s *Session) fallback(c uint64) {
	var after actions
	s.mu.Lock()
	if s.current(c) && s.state == Connecting && !s.acked {
		s.log.Warn().Dur("after", s.opts.ConnectTimeout).Msg("no room in time, switching to local mode")
		s.degradeLocked(c, true, &after)
	}
	s.mu.Unlock()
	after.run()
}

// degradeLocked switches the cycle to the synthetic stream. Signaling is
// abandoned for the rest of the cycle.
func (s *Session) degradeLocked(c uint64, persist bool, after *actions) {
	s.releaseSignalingLocked(after)
	s.state = Degraded
	if persist {
		s.degraded = true
		if err := s.opts.Store.Save(true); err != nil {
			s.log.Warn().Err(err).Msg("could not persist degraded-mode flag")
		}
	}

	switch s.role {
	case Initiator:
		s.roomID = s.opts.LocalRoomPrefix + localSuffix()
		if s.local != nil {
			camera := s.local
			after.add(camera.Stop)
		}
		mock := s.opts.Mock.Create()
		s.local = mock
		s.setActiveLocked(mock, after)
		if cb := s.onRoom; cb != nil {
			room := s.roomID
			after.add(func() { cb(room) })
		}
		s.log.Info().Str("room", s.roomID).Msg("local mode")
	case Joiner:
		s.afterLocked(s.opts.MockJoinDelay, func() { s.simulateJoin(c) })
		s.log.Info().Str("room", s.roomID).Msg("local mode, simulating join")
	}
}

func (s *Session) simulateJoin(c uint64) {
	var after actions
	s.mu.Lock()
	if !s.current(c) || s.state != Degraded {
		s.mu.Unlock()
		return
	}
	mock := s.opts.Mock.Create()
	s.local = mock
	s.setActiveLocked(mock, &after)
	if cb := s.onConnected; cb != nil {
		after.add(cb)
	}
	s.mu.Unlock()
	after.run()
}

// releaseSignalingLocked drops the link and the transport and stops timers
func (s *Session) releaseSignalingLocked(after *actions) {
	s.stopTimersLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if l := s.link; l != nil {
		s.link = nil
		after.add(l.Destroy)
	}
	if tr := s.tr; tr != nil {
		s.tr = nil
		after.add(func() { _ = tr.Disconnect() })
	}
	if r := s.remote; r != nil {
		s.remote = nil
		after.add(r.Stop)
	}
}

// teardownLocked ends the cycle and reports err (nil for an explicit
// disconnect) to the disconnected callback
func (s *Session) teardownLocked(err error, after *actions) {
	s.releaseSignalingLocked(after)
	if l := s.local; l != nil {
		s.local = nil
		after.add(l.Stop)
	}
	s.active = nil
	s.state = Closed
	s.role = Undecided
	s.roomID = ""
	s.acked = false
	s.cycle++

	if err != nil {
		s.log.Warn().Err(err).Msg("session ended")
	} else {
		s.log.Info().Msg("disconnected")
	}
	if cb := s.onDisconnected; cb != nil {
		after.add(func() { cb(err) })
	}
}

func (s *Session) setActiveLocked(stream media.Stream, after *actions) {
	s.active = stream
	if cb := s.onStream; cb != nil {
		after.add(func() { cb(stream) })
	}
}

// afterLocked schedules fn on a tracked timer. Must hold s.mu.
func (s *Session) afterLocked(d time.Duration, fn func()) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, pending := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if pending {
			fn()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Session) stopTimersLocked() {
	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
}

func (s *Session) pendingTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// bind registers the session's handlers on a fresh transport. Each handler
// ignores events once the transport is no longer the session's.
func (s *Session) bind(tr Transport, c uint64) {
	tr.On(models.EventRoomCreated, func(data json.RawMessage) { s.roomAcked(tr, c, Initiator, data) })
	tr.On(models.EventRoomJoined, func(data json.RawMessage) { s.roomAcked(tr, c, Joiner, data) })
	tr.On(models.EventReady, func(json.RawMessage) { s.peerReady(tr, c) })
	tr.On(models.EventSignal, func(data json.RawMessage) { s.signalIn(tr, c, data) })
	tr.On(models.EventPeerLeft, func(json.RawMessage) { s.peerLeft(tr, c) })
	tr.On(models.EventError, func(data json.RawMessage) {
		var p models.ErrorPayload
		_ = json.Unmarshal(data, &p)
		s.endWith(tr, c, fmt.Errorf("%w: %s", ErrRoomUnavailable, p.Message))
	})
	tr.On(models.EventDisconnect, func(data json.RawMessage) { s.dropped(tr, c, data) })
}

func (s *Session) owns(tr Transport, c uint64) bool {
	return s.current(c) && s.tr == tr
}

func (s *Session) roomAcked(tr Transport, c uint64, role Role, data json.RawMessage) {
	var room string
	if err := json.Unmarshal(data, &room); err != nil || room == "" {
		s.log.Warn().Str("data", string(data)).Msg("bad room acknowledgement")
		return
	}

	var after actions
	s.mu.Lock()
	if !s.owns(tr, c) || s.role != role || s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.acked = true
	s.roomID = room
	s.retryCount = 0
	if cb := s.onRoom; cb != nil {
		after.add(func() { cb(room) })
	}
	s.mu.Unlock()
	s.log.Info().Str("room", room).Str("role", role.String()).Msg("room ready")

	if role == Joiner {
		after.add(func() {
			if err := tr.Emit(models.EventReady, room); err != nil {
				s.log.Warn().Err(err).Msg("ready")
			}
		})
	}
	after.run()
}

// peerReady starts negotiation on the initiator once a joiner is in
func (s *Session) peerReady(tr Transport, c uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owns(tr, c) || s.role != Initiator || s.link != nil || s.local == nil {
		return
	}
	s.newLinkLocked(tr, c, peer.Options{Initiator: true, LocalStream: s.local})
}

// signalIn hands a relayed payload to the link. The joiner builds its link
// lazily on the first payload.
func (s *Session) signalIn(tr Transport, c uint64, data json.RawMessage) {
	var p models.SignalPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.log.Warn().Err(err).Msg("bad signal")
		return
	}
	sig, err := peer.ParseSignal(p.Signal)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad signal payload")
		return
	}

	s.mu.Lock()
	if !s.owns(tr, c) {
		s.mu.Unlock()
		return
	}
	if s.link == nil && s.role == Joiner {
		s.newLinkLocked(tr, c, peer.Options{Initiator: false})
	}
	link := s.link
	s.mu.Unlock()

	if link == nil {
		s.log.Debug().Msg("signal without link dropped")
		return
	}
	if err = link.ReceiveSignal(sig); err != nil {
		s.log.Debug().Err(err).Msg("signal rejected")
	}
}

func (s *Session) newLinkLocked(tr Transport, c uint64, opts peer.Options) {
	s.linkGen++
	gen := s.linkGen
	room := s.roomID

	link, err := s.opts.NewLink(opts, peer.Handlers{
		OnSignal: func(sig peer.Signal) {
			raw, err := json.Marshal(sig)
			if err != nil {
				return
			}
			s.mu.Lock()
			ok := s.linkOwned(tr, c, gen)
			s.mu.Unlock()
			if ok {
				_ = tr.Emit(models.EventSignal, models.SignalPayload{RoomID: room, Signal: raw})
			}
		},
		OnConnected: func() { s.linkConnected(tr, c, gen) },
		OnStream:    func(stream media.Stream) { s.linkStream(tr, c, gen, stream) },
		OnError: func(err error) {
			s.mu.Lock()
			ok := s.linkOwned(tr, c, gen)
			s.mu.Unlock()
			if ok {
				s.endWith(tr, c, fmt.Errorf("%w: %v", ErrNegotiation, err))
			}
		},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("peer link")
		var after actions
		s.teardownLocked(fmt.Errorf("%w: %v", ErrNegotiation, err), &after)
		go after.run()
		return
	}
	s.link = link
	s.log.Debug().Bool("initiator", opts.Initiator).Msg("peer link created")
}

func (s *Session) linkOwned(tr Transport, c uint64, gen uint64) bool {
	return s.owns(tr, c) && s.link != nil && s.linkGen == gen
}

func (s *Session) linkConnected(tr Transport, c uint64, gen uint64) {
	var after actions
	s.mu.Lock()
	if !s.linkOwned(tr, c, gen) || s.state == Live {
		s.mu.Unlock()
		return
	}
	s.state = Live
	s.stopTimersLocked()
	s.degraded = false
	if err := s.opts.Store.Save(false); err != nil {
		s.log.Warn().Err(err).Msg("could not clear degraded-mode flag")
	}
	if cb := s.onConnected; cb != nil {
		after.add(cb)
	}
	s.log.Info().Str("room", s.roomID).Msg("live")
	s.mu.Unlock()
	after.run()
}

func (s *Session) linkStream(tr Transport, c uint64, gen uint64, stream media.Stream) {
	var after actions
	s.mu.Lock()
	if !s.linkOwned(tr, c, gen) {
		s.mu.Unlock()
		stream.Stop()
		return
	}
	if s.remote != nil {
		after.add(s.remote.Stop)
	}
	s.remote = stream
	if s.role == Joiner {
		s.setActiveLocked(stream, &after)
	}
	s.mu.Unlock()
	after.run()
}

// endWith tears the cycle down when the transport it belongs to reports a
// terminal condition
func (s *Session) endWith(tr Transport, c uint64, err error) {
	var after actions
	s.mu.Lock()
	if s.owns(tr, c) {
		s.teardownLocked(err, &after)
	}
	s.mu.Unlock()
	after.run()
}

// peerLeft ends a joiner's cycle. The initiator keeps its room and local
// stream and waits for the next viewer's ready.
func (s *Session) peerLeft(tr Transport, c uint64) {
	var after actions
	s.mu.Lock()
	if !s.owns(tr, c) {
		s.mu.Unlock()
		return
	}
	if s.role != Initiator {
		s.teardownLocked(ErrPeerLeft, &after)
		s.mu.Unlock()
		after.run()
		return
	}
	if l := s.link; l != nil {
		s.link = nil
		after.add(l.Destroy)
	}
	if r := s.remote; r != nil {
		s.remote = nil
		after.add(r.Stop)
	}
	s.state = Connecting
	s.log.Info().Str("room", s.roomID).Msg("viewer left, waiting for another")
	s.mu.Unlock()
	after.run()
}

// dropped handles an unexpected loss of the server connection. Before the
// room is acknowledged it counts as a failed attempt.
func (s *Session) dropped(tr Transport, c uint64, data json.RawMessage) {
	var p models.ErrorPayload
	_ = json.Unmarshal(data, &p)

	var after actions
	s.mu.Lock()
	if !s.owns(tr, c) {
		s.mu.Unlock()
		return
	}
	if s.state == Connecting && !s.acked {
		s.tr = nil
		after.add(func() { _ = tr.Disconnect() })
		s.attemptFailedLocked(c, fmt.Errorf("dropped: %s", p.Message), &after)
	} else {
		s.teardownLocked(fmt.Errorf("%w: %s", ErrServerGone, p.Message), &after)
	}
	s.mu.Unlock()
	after.run()
}

// OnStream registers the stream callback, replacing any previous one. If a
// stream is already active the callback is invoked with it right away.
func (s *Session) OnStream(cb func(media.Stream)) {
	s.mu.Lock()
	s.onStream = cb
	active := s.active
	s.mu.Unlock()
	if cb != nil && active != nil {
		cb(active)
	}
}

// OnConnected registers the connected callback, replacing any previous one
func (s *Session) OnConnected(cb func()) {
	s.mu.Lock()
	s.onConnected = cb
	s.mu.Unlock()
}

// OnDisconnected registers the callback run when a cycle ends. err is nil
// after an explicit Disconnect.
func (s *Session) OnDisconnected(cb func(err error)) {
	s.mu.Lock()
	s.onDisconnected = cb
	s.mu.Unlock()
}

// OnRoom registers the callback run when the room identifier is assigned
func (s *Session) OnRoom(cb func(id string)) {
	s.mu.Lock()
	s.onRoom = cb
	s.mu.Unlock()
}

func (s *Session) RoomIdentifier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) IsDegradedMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// ResetDegradedMode clears the persisted flag and the retry counter so the
// next cycle tries the server again. It does not touch a running cycle.
func (s *Session) ResetDegradedMode() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = false
	s.retryCount = 0
	return s.opts.Store.Save(false)
}

func (s *Session) IsMockMode() bool { return s.IsDegradedMode() }

func (s *Session) ResetMockMode() error { return s.ResetDegradedMode() }

func (s *Session) Capabilities() Capabilities { return s.caps }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// Stream returns the active stream, if any
func (s *Session) Stream() media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func localSuffix() string {
	b := make([]byte, 6)
	for i := range b {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(localRoomChars))))
		b[i] = localRoomChars[n.Int64()]
	}
	return string(b)
}
