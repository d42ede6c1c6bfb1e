package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/RaghavKatta/webcam-guess-game-online/config"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/media"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/peer"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/session"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/store"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/transport"
)

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	v := config.New()

	root := &cobra.Command{
		Use:           "guess",
		Short:         "Peer to peer webcam show and guess",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pfs := root.PersistentFlags()
	pfs.String("server-url", "ws://localhost:8080/ws/signal", "rendezvous websocket URL (env: GUESS_SERVER_URL)")
	pfs.String("token", "", "JWT sent to the rendezvous server (env: GUESS_TOKEN)")
	pfs.Duration("connect-timeout", session.DefaultConnectTimeout, "fall back to local mode after this long without a room (env: GUESS_CONNECT_TIMEOUT)")
	pfs.Int("retry-limit", session.DefaultRetryLimit, "failed connection attempts before local mode (env: GUESS_RETRY_LIMIT)")
	pfs.String("state-path", "", "degraded-mode flag file (env: GUESS_STATE_PATH)")
	pfs.String("ice-servers", "", "comma separated STUN server URLs (env: GUESS_ICE_SERVERS)")
	pfs.Bool("trickle", false, "send ICE candidates as they are gathered (env: GUESS_TRICKLE)")
	cobra.CheckErr(config.BindFlags(v, pfs, "guess_"))

	root.AddCommand(newStreamCmd(v), newJoinCmd(v), newResetCmd(v))
	root.CompletionOptions.HiddenDefaultCmd = true
	root.SetHelpCommand(&cobra.Command{Hidden: true})
	return root
}

func newStreamCmd(v *viper.Viper) *cobra.Command {
	var video string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Share a video and wait for someone to guess",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return play(cmd.Context(), v, media.FileCapturer{Path: video}, func(s *session.Session) error {
				_, err := s.StartStreaming(cmd.Context())
				return err
			}, nil)
		},
	}
	cmd.Flags().StringVar(&video, "video", "", "IVF file played as the camera")
	_ = cmd.MarkFlagRequired("video")
	return cmd
}

func newJoinCmd(v *viper.Viper) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room and watch the other player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return play(cmd.Context(), v, nil, func(s *session.Session) error {
				return s.JoinRoom(args[0])
			}, func(st media.Stream) {
				if out != "" {
					record(st, out)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "record the remote video to this IVF file")
	return cmd
}

func newResetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Leave local mode so the next run tries the server again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flag, err := flagStore(config.LoadClient(v))
			if err != nil {
				return err
			}
			if err := flag.Save(false); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("local mode cleared"))
			return nil
		},
	}
}

func flagStore(cfg *config.ClientConfig) (*store.File, error) {
	path := cfg.StatePath
	if path == "" {
		var err error
		if path, err = store.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return store.NewFile(path), nil
}

// play builds a session, starts it with begin and blocks until the session
// ends or the process is interrupted.
func play(ctx context.Context, v *viper.Viper, capturer media.Capturer, begin func(*session.Session) error, onRemote func(media.Stream)) error {
	cfg := config.LoadClient(v)
	log := logger.New(logger.Config{Level: cfg.Log.Level, Console: cfg.Log.Console, File: cfg.Log.File})

	pionLevel, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || pionLevel < zerolog.WarnLevel {
		pionLevel = zerolog.WarnLevel
	}
	factory, err := peer.NewFactory(peer.Config{
		ICEServers: cfg.ICEServers,
		TURNServer: cfg.TURNServer,
		TURNUser:   cfg.TURNUser,
		TURNPass:   cfg.TURNPass,
		Trickle:    cfg.Trickle,
		LogLevel:   pionLevel,
	}, log)
	if err != nil {
		return err
	}

	opts := session.Options{
		ServerURL:      cfg.ServerURL,
		Token:          cfg.Token,
		ConnectTimeout: cfg.ConnectTimeout,
		DialTimeout:    cfg.DialTimeout,
		RetryLimit:     cfg.RetryLimit,
		MockJoinDelay:  cfg.MockJoinDelay,
		NewTransport:   func() session.Transport { return transport.New(log) },
		NewLink:        session.PeerLinks(factory),
		Capturer:       capturer,
		Mock:           media.Generator{FPS: cfg.MockFPS},
		Log:            log,
	}
	if flag, err := flagStore(cfg); err == nil {
		opts.Store = flag
	} else {
		log.Warn().Err(err).Msg("degraded-mode flag will not persist")
	}

	s, err := session.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ended := make(chan error, 1)
	s.OnRoom(func(id string) { showRoom(id, s.IsDegradedMode()) })
	s.OnConnected(func() { status("connected to the other player") })
	s.OnDisconnected(func(err error) {
		select {
		case ended <- err:
		default:
		}
	})
	s.OnStream(func(st media.Stream) {
		if s.IsDegradedMode() {
			showDegraded()
		}
		if s.Role() == session.Joiner && onRemote != nil {
			onRemote(st)
		}
	})

	if err := begin(s); err != nil {
		return err
	}
	status("state: " + s.State().String())

	select {
	case <-ctx.Done():
		s.Disconnect()
		status("bye")
		return nil
	case err := <-ended:
		if err == nil || errors.Is(err, session.ErrPeerLeft) {
			status("the other player left")
			return nil
		}
		return err
	}
}

// record saves the first remote track of st; synthetic streams have none
func record(st media.Stream, path string) {
	for _, tr := range st.Tracks() {
		rt, ok := tr.(*media.RemoteTrack)
		if !ok {
			continue
		}
		go func() {
			status("recording to " + path)
			if err := rt.Record(path); err != nil {
				fmt.Fprintln(os.Stderr, warnStyle.Render("recording failed: "+err.Error()))
			}
		}()
		return
	}
}
