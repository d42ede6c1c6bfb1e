package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// SampleTrack is a local track fed with already encoded samples
type SampleTrack struct {
	track *webrtc.TrackLocalStaticSample

	once sync.Once
	done chan struct{}
}

// NewSampleTrack creates a video track for the given codec mime type
func NewSampleTrack(mimeType, id, streamID string) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, id, streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{track: track, done: make(chan struct{})}, nil
}

func (t *SampleTrack) ID() string   { return t.track.ID() }
func (t *SampleTrack) Kind() string { return t.track.Kind().String() }

func (t *SampleTrack) TrackLocal() webrtc.TrackLocal { return t.track }

// WriteSample pushes one encoded frame to every bound peer connection.
// Writing to a stopped track is a no-op.
func (t *SampleTrack) WriteSample(s media.Sample) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	return t.track.WriteSample(s)
}

func (t *SampleTrack) Stop() { t.once.Do(func() { close(t.done) }) }

// Done is closed once the track stops; feeders watch it to exit
func (t *SampleTrack) Done() <-chan struct{} { return t.done }
