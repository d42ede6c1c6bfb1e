package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
)

// Config holds the connection settings shared by every link
type Config struct {
	ICEServers []string
	TURNServer string
	TURNUser   string
	TURNPass   string
	// Trickle sends each ICE candidate as its own signal instead of
	// waiting for gathering to finish.
	Trickle bool
	// Loopback adds 127.0.0.1 candidates, needed when both ends share a host
	Loopback bool
	LogLevel zerolog.Level
}

// Factory builds peer links sharing one pion API instance
type Factory struct {
	api     *webrtc.API
	conf    webrtc.Configuration
	trickle bool
	log     *logger.Logger
}

func NewFactory(cfg Config, log *logger.Logger) (*Factory, error) {
	if log == nil {
		log = logger.Nop()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	s := webrtc.SettingEngine{LoggerFactory: logger.NewPionLogger(log, cfg.LogLevel)}
	if cfg.Loopback {
		s.SetIncludeLoopbackCandidate(true)
	}

	c := webrtc.Configuration{ICEServers: []webrtc.ICEServer{}}
	if len(cfg.ICEServers) > 0 {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{URLs: cfg.ICEServers})
	}
	if cfg.TURNServer != "" {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       []string{cfg.TURNServer},
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}

	return &Factory{
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i), webrtc.WithSettingEngine(s)),
		conf:    c,
		trickle: cfg.Trickle,
		log:     log.Module("peer"),
	}, nil
}

// NewLink creates a link and, for the initiator, starts the offer
func (f *Factory) NewLink(opts Options, h Handlers) (*Link, error) {
	pc, err := f.api.NewPeerConnection(f.conf)
	if err != nil {
		return nil, err
	}
	l := newLink(pc, opts, h, f.trickle, f.log)
	if err = l.setup(opts); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if opts.Initiator {
		go l.offer()
	}
	return l, nil
}
