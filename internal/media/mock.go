package media

import (
	"image"
	"image/color"
	"image/draw"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	DefaultMockFPS    = 30
	DefaultMockWidth  = 640
	DefaultMockHeight = 480
)

// Generator produces synthetic video streams without touching a camera
type Generator struct {
	FPS    int
	Width  int
	Height int
	Label  string
	Now    func() time.Time
}

// Create starts a new synthetic stream. Every stream owns its own ticker,
// stopped together with the stream.
func (g Generator) Create() Stream {
	if g.FPS <= 0 {
		g.FPS = DefaultMockFPS
	}
	if g.Width <= 0 || g.Height <= 0 {
		g.Width, g.Height = DefaultMockWidth, DefaultMockHeight
	}
	if g.Label == "" {
		g.Label = "local mode"
	}
	if g.Now == nil {
		g.Now = time.Now
	}

	id := "mock-" + uuid.New().String()
	track := &CanvasTrack{
		id:     id + "-video",
		frames: make(chan *image.RGBA, 1),
		done:   make(chan struct{}),
	}
	s := &MockStream{BaseStream: NewStream(id, track), track: track}
	go track.render(g)
	return s
}

// MockStream is the stream returned by Generator.Create
type MockStream struct {
	*BaseStream
	track *CanvasTrack
}

// Frames delivers the latest rendered frame; stale frames are dropped
func (s *MockStream) Frames() <-chan *image.RGBA { return s.track.frames }

// Rendered reports how many frames were drawn so far
func (s *MockStream) Rendered() int { return s.track.count() }

// CanvasTrack renders procedurally generated frames at a fixed rate
type CanvasTrack struct {
	id     string
	frames chan *image.RGBA

	mu       sync.Mutex
	rendered int
	once     sync.Once
	done     chan struct{}
}

func (t *CanvasTrack) ID() string   { return t.id }
func (t *CanvasTrack) Kind() string { return KindVideo }

func (t *CanvasTrack) Stop() { t.once.Do(func() { close(t.done) }) }

func (t *CanvasTrack) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rendered
}

func (t *CanvasTrack) render(g Generator) {
	ticker := time.NewTicker(time.Second / time.Duration(g.FPS))
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		frame := drawFrame(g, n)
		t.mu.Lock()
		t.rendered++
		t.mu.Unlock()

		// keep only the newest frame
		select {
		case <-t.frames:
		default:
		}
		select {
		case t.frames <- frame:
		default:
		}
	}
}

// drawFrame paints a sweeping band over a dark background and stamps the
// label and current time in the corner.
func drawFrame(g Generator, n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 24, G: 24, B: 32, A: 255}}, image.Point{}, draw.Src)

	bandW := g.Width / 8
	x := (n * 4) % (g.Width + bandW)
	band := image.Rect(x-bandW, 0, x, g.Height).Intersect(img.Bounds())
	hue := uint8(n * 3)
	draw.Draw(img, band, &image.Uniform{C: color.RGBA{R: hue, G: 160, B: 255 - hue, A: 255}}, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, 20),
	}
	d.DrawString(g.Label)
	d.Dot = fixed.P(10, 38)
	d.DrawString(g.Now().Format("15:04:05.000"))
	return img
}
