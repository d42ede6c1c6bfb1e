package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
)

// Capturer acquires local camera media.
// The acquisition cannot be cancelled once a device prompt is showing, so
// implementations only consult ctx before they start.
type Capturer interface {
	Acquire(ctx context.Context) (Stream, error)
}

// CapturerFunc adapts a function to the Capturer interface
type CapturerFunc func(ctx context.Context) (Stream, error)

func (f CapturerFunc) Acquire(ctx context.Context) (Stream, error) { return f(ctx) }

// FileCapturer plays an IVF file in a loop as the camera feed
type FileCapturer struct {
	Path string
}

func (c FileCapturer) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
	}

	file, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrAcquire, c.Path, err)
	}

	mime, err := mimeForFourCC(header.FourCC)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
	}

	streamID := uuid.New().String()
	track, err := NewSampleTrack(mime, "camera", streamID)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrAcquire, err)
	}

	stream := NewStream(streamID, track)
	go playIVF(file, reader, frameDuration(header), track)
	return stream, nil
}

func mimeForFourCC(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	}
	return "", fmt.Errorf("unsupported ivf codec %q", fourCC)
}

func frameDuration(h *ivfreader.IVFFileHeader) time.Duration {
	if h.TimebaseDenominator == 0 {
		return time.Second / 30
	}
	d := time.Duration(float64(h.TimebaseNumerator) / float64(h.TimebaseDenominator) * float64(time.Second))
	if d <= 0 {
		return time.Second / 30
	}
	return d
}

// playIVF feeds frames at the file's frame rate until the track stops,
// rewinding at the end of the file.
func playIVF(file *os.File, reader *ivfreader.IVFReader, every time.Duration, track *SampleTrack) {
	defer file.Close()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err = file.Seek(0, io.SeekStart); err != nil {
				return
			}
			if reader, _, err = ivfreader.NewWith(file); err != nil {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		if err = track.WriteSample(media.Sample{Data: frame, Duration: every}); err != nil {
			return
		}
	}
}
