package media

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
)

// RemoteTrack is a track received from the other side of a peer link.
// It is not owned locally: Stop only releases our interest in it.
type RemoteTrack struct {
	track *webrtc.TrackRemote

	once     sync.Once
	released chan struct{}
}

func NewRemoteTrack(track *webrtc.TrackRemote) *RemoteTrack {
	return &RemoteTrack{track: track, released: make(chan struct{})}
}

func (t *RemoteTrack) ID() string   { return t.track.ID() }
func (t *RemoteTrack) Kind() string { return t.track.Kind().String() }

func (t *RemoteTrack) Remote() *webrtc.TrackRemote { return t.track }

func (t *RemoteTrack) Stop() { t.once.Do(func() { close(t.released) }) }

// Record writes the received RTP stream into an IVF file until the track
// ends or is released. Only VP8 is stored.
func (t *RemoteTrack) Record(path string) error {
	if mime := t.track.Codec().MimeType; !strings.EqualFold(mime, webrtc.MimeTypeVP8) {
		return fmt.Errorf("cannot record %s track as ivf", mime)
	}
	w, err := ivfwriter.New(path)
	if err != nil {
		return err
	}
	defer w.Close()

	for {
		select {
		case <-t.released:
			return nil
		default:
		}
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err = w.WriteRTP(pkt); err != nil {
			return err
		}
	}
}

// RemoteStream groups the remote tracks sharing one stream id
type RemoteStream struct {
	*BaseStream
}

func NewRemoteStream(id string, tracks ...Track) *RemoteStream {
	return &RemoteStream{BaseStream: NewStream(id, tracks...)}
}
