package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/media"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/peer"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/transport"
)

// fakeRelay plays the rendezvous server for any number of fake transports
type fakeRelay struct {
	mu     sync.Mutex
	code   string
	refuse int  // connect attempts to fail before succeeding
	hang   bool // connect blocks until its context ends
	dials  int
	rooms  map[string]*fakeRoom
	made   []*fakeTransport
}

type fakeRoom struct {
	initiator *fakeTransport
	joiner    *fakeTransport
}

func newRelay(code string) *fakeRelay {
	return &fakeRelay{code: code, rooms: make(map[string]*fakeRoom)}
}

func (r *fakeRelay) transport() Transport {
	t := &fakeTransport{
		relay:    r,
		handlers: make(map[models.Event][]transport.Handler),
		inbox:    make(chan models.Envelope, 64),
		quit:     make(chan struct{}),
	}
	r.mu.Lock()
	r.made = append(r.made, t)
	r.mu.Unlock()
	return t
}

func (r *fakeRelay) last() *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.made[len(r.made)-1]
}

func (r *fakeRelay) dialCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

func (r *fakeRelay) route(from *fakeTransport, env models.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch env.Event {
	case models.EventCreateRoom:
		r.rooms[r.code] = &fakeRoom{initiator: from}
		from.room = r.code
		from.deliver(models.EventRoomCreated, r.code)
	case models.EventJoinRoom:
		var code string
		_ = json.Unmarshal(env.Data, &code)
		room, ok := r.rooms[code]
		switch {
		case !ok:
			from.deliver(models.EventError, models.ErrorPayload{Message: "room not found"})
		case room.joiner != nil:
			from.deliver(models.EventError, models.ErrorPayload{Message: "room is full"})
		default:
			room.joiner = from
			from.room = code
			from.deliver(models.EventRoomJoined, code)
		}
	case models.EventReady, models.EventSignal:
		if other := r.otherLocked(from); other != nil {
			other.deliver(env.Event, env.Data)
		}
	}
}

func (r *fakeRelay) otherLocked(t *fakeTransport) *fakeTransport {
	room, ok := r.rooms[t.room]
	if !ok {
		return nil
	}
	if room.initiator == t {
		return room.joiner
	}
	return room.initiator
}

func (r *fakeRelay) leave(t *fakeTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[t.room]
	if !ok {
		return
	}
	if other := r.otherLocked(t); other != nil {
		other.deliver(models.EventPeerLeft, t.room)
	}
	if room.initiator == t {
		delete(r.rooms, t.room)
	} else {
		room.joiner = nil
	}
}

type fakeTransport struct {
	relay *fakeRelay
	room  string // guarded by relay.mu

	mu       sync.Mutex
	handlers map[models.Event][]transport.Handler
	inbox    chan models.Envelope
	quit     chan struct{}
	closed   bool
}

func (t *fakeTransport) Connect(ctx context.Context, _ string, _ transport.Options) error {
	t.relay.mu.Lock()
	t.relay.dials++
	hang := t.relay.hang
	refuse := t.relay.refuse > 0
	if refuse {
		t.relay.refuse--
	}
	t.relay.mu.Unlock()

	if hang {
		<-ctx.Done()
		return fmt.Errorf("%w: %v", transport.ErrConnect, ctx.Err())
	}
	if refuse {
		return fmt.Errorf("%w: refused", transport.ErrConnect)
	}
	go t.pump()
	return nil
}

func (t *fakeTransport) pump() {
	for {
		select {
		case env := <-t.inbox:
			t.mu.Lock()
			hs := append([]transport.Handler(nil), t.handlers[env.Event]...)
			t.mu.Unlock()
			for _, h := range hs {
				h(env.Data)
			}
		case <-t.quit:
			return
		}
	}
}

func (t *fakeTransport) deliver(event models.Event, data any) {
	var raw json.RawMessage
	switch d := data.(type) {
	case json.RawMessage:
		raw = d
	default:
		raw, _ = json.Marshal(d)
	}
	t.inbox <- models.Envelope{Event: event, Data: raw}
}

func (t *fakeTransport) Emit(event models.Event, payload any) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	t.relay.route(t, env)
	return nil
}

func (t *fakeTransport) On(event models.Event, h transport.Handler) {
	t.mu.Lock()
	t.handlers[event] = append(t.handlers[event], h)
	t.mu.Unlock()
}

func (t *fakeTransport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.quit)
	t.mu.Unlock()
	t.relay.leave(t)
	return nil
}

// drop simulates the server going away
func (t *fakeTransport) drop() { t.deliver(models.EventDisconnect, models.ErrorPayload{Message: "EOF"}) }

// fakeLinks builds links that negotiate with one offer and one answer
type fakeLinks struct {
	mu    sync.Mutex
	fail  bool
	links []*fakeLink
}

func (f *fakeLinks) factory(opts peer.Options, h peer.Handlers) (Link, error) {
	f.mu.Lock()
	l := &fakeLink{opts: opts, h: h}
	f.links = append(f.links, l)
	fail := f.fail
	f.mu.Unlock()

	if opts.Initiator {
		go func() {
			if fail {
				h.OnError(errors.New("ice failed"))
				return
			}
			l.send(peer.Signal{Type: peer.TypeOffer, SDP: "offer"})
		}()
	}
	return l, nil
}

func (f *fakeLinks) all() []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.links...)
}

type fakeLink struct {
	opts peer.Options
	h    peer.Handlers

	mu        sync.Mutex
	sent      int
	received  int
	destroyed int
}

func (l *fakeLink) send(s peer.Signal) {
	l.mu.Lock()
	l.sent++
	l.mu.Unlock()
	l.h.OnSignal(s)
}

func (l *fakeLink) ReceiveSignal(s peer.Signal) error {
	l.mu.Lock()
	l.received++
	l.mu.Unlock()

	switch s.Type {
	case peer.TypeOffer:
		l.send(peer.Signal{Type: peer.TypeAnswer, SDP: "answer"})
		l.h.OnConnected()
		l.h.OnStream(newFakeStream("remote"))
	case peer.TypeAnswer:
		l.h.OnConnected()
	}
	return nil
}

func (l *fakeLink) Destroy() {
	l.mu.Lock()
	l.destroyed++
	l.mu.Unlock()
}

func (l *fakeLink) counts() (sent, received, destroyed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent, l.received, l.destroyed
}

// fakeStream counts Stop calls instead of making them idempotent
type fakeStream struct {
	id string

	mu    sync.Mutex
	stops int
	once  sync.Once
	done  chan struct{}
}

func newFakeStream(id string) *fakeStream { return &fakeStream{id: id, done: make(chan struct{})} }

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Tracks() []media.Track { return nil }

func (s *fakeStream) Done() <-chan struct{} { return s.done }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeCapturer struct {
	mu     sync.Mutex
	err    error
	calls  int
	stream *fakeStream
}

func (c *fakeCapturer) Acquire(context.Context) (media.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	c.stream = newFakeStream("camera")
	return c.stream, nil
}

func (c *fakeCapturer) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeMock struct {
	mu      sync.Mutex
	created []*fakeStream
}

func (m *fakeMock) Create() media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := newFakeStream(fmt.Sprintf("mock-%d", len(m.created)))
	m.created = append(m.created, s)
	return s
}

func (m *fakeMock) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

// recordingStore remembers every save
type recordingStore struct {
	mu    sync.Mutex
	value bool
	saves []bool
}

func (r *recordingStore) Load() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, nil
}

func (r *recordingStore) Save(v bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = v
	r.saves = append(r.saves, v)
	return nil
}

func (r *recordingStore) history() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.saves...)
}
