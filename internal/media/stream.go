package media

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

const KindVideo = "video"

var ErrAcquire = errors.New("media acquisition failed")

// Track is a single media track inside a stream
type Track interface {
	ID() string
	Kind() string
	Stop()
}

// LocalTrack is a track that can be sent over a peer link
type LocalTrack interface {
	Track
	TrackLocal() webrtc.TrackLocal
}

// Stream is a media handle: a set of tracks that is stopped as a unit.
// Stop must be safe to call more than once.
type Stream interface {
	ID() string
	Tracks() []Track
	Stop()
	Done() <-chan struct{}
}

// BaseStream groups tracks under one id
type BaseStream struct {
	id     string
	tracks []Track

	mu     sync.Mutex
	stop   sync.Once
	done   chan struct{}
	onStop []func()
}

func NewStream(id string, tracks ...Track) *BaseStream {
	if id == "" {
		id = uuid.New().String()
	}
	return &BaseStream{id: id, tracks: tracks, done: make(chan struct{})}
}

func (s *BaseStream) ID() string { return s.id }

func (s *BaseStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *BaseStream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// OnStop registers fn to run once when the stream stops
func (s *BaseStream) OnStop(fn func()) {
	s.mu.Lock()
	s.onStop = append(s.onStop, fn)
	s.mu.Unlock()
}

// Stop stops every track and releases the stream, once
func (s *BaseStream) Stop() {
	s.stop.Do(func() {
		for _, t := range s.Tracks() {
			t.Stop()
		}
		s.mu.Lock()
		hooks := s.onStop
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		close(s.done)
	})
}

func (s *BaseStream) Done() <-chan struct{} { return s.done }

// Stopped reports whether Stop has run
func (s *BaseStream) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
