// Command meshpeer joins a room as a headless mesh peer. It sends a silent
// audio track to every peer it connects to and logs the streams it receives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mossy-p/mesh-signaling/config"
	"github.com/mossy-p/mesh-signaling/internal/logger"
	"github.com/mossy-p/mesh-signaling/internal/mesh"
	"github.com/mossy-p/mesh-signaling/internal/peer"
	"github.com/mossy-p/mesh-signaling/internal/redis"
	"github.com/mossy-p/mesh-signaling/internal/transport"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type options struct {
	room      string
	peerID    string
	kind      string
	relayURL  string
	peers     []string
	logLevel  string
	duration  time.Duration
	loopback  bool
	noMedia   bool
	iceServer []string
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var opts options
	flags := pflag.NewFlagSet("meshpeer", pflag.ExitOnError)
	flags.StringVar(&opts.room, "room", "", "room id to join (required)")
	flags.StringVar(&opts.peerID, "peer", uuid.New().String(), "peer id of this client")
	flags.StringVar(&opts.kind, "transport", "relay", "signaling transport: relay or broadcast")
	flags.StringVar(&opts.relayURL, "relay-url", "ws://localhost:"+cfg.Port+"/ws/signal", "relay websocket endpoint")
	flags.StringSliceVar(&opts.peers, "connect", nil, "peer ids to connect to")
	flags.StringVar(&opts.logLevel, "log-level", cfg.LogLevel, "log level")
	flags.DurationVar(&opts.duration, "duration", 0, "leave after this long (0 runs until interrupted)")
	flags.BoolVar(&opts.loopback, "loopback", false, "gather loopback ICE candidates")
	flags.BoolVar(&opts.noMedia, "no-media", false, "receive only")
	flags.StringSliceVar(&opts.iceServer, "ice-server", cfg.ICEServers, "STUN server URLs")
	flags.StringVar(&cfg.Redis.Host, "redis-host", cfg.Redis.Host, "redis host for the broadcast transport")
	flags.StringVar(&cfg.Redis.Port, "redis-port", cfg.Redis.Port, "redis port for the broadcast transport")
	_ = flags.Parse(os.Args[1:])

	log := logger.New(opts.logLevel, cfg.Environment)
	if opts.room == "" {
		log.Fatal().Msg("--room is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	if err := run(ctx, cfg, opts, log); err != nil {
		log.Fatal().Err(err).Msg("meshpeer failed")
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger) error {
	signaling, cleanup, err := newTransport(ctx, cfg, opts, log)
	if err != nil {
		return err
	}
	defer cleanup()

	factory, err := peer.NewFactory(peer.APIOptions{
		ICEServers:      opts.iceServer,
		IncludeLoopback: opts.loopback,
	}, log)
	if err != nil {
		return err
	}

	var local *peer.LocalStream
	if !opts.noMedia {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", opts.peerID)
		if err != nil {
			return fmt.Errorf("failed to create audio track: %w", err)
		}
		go writeSilence(ctx, audio)
		local = &peer.LocalStream{ID: opts.peerID, Tracks: []webrtc.TrackLocal{audio}}
	}

	session := mesh.NewSession(mesh.Config{
		Transport:   signaling,
		Factory:     factory,
		LocalStream: local,
		OnStream: func(remoteID string, stream *peer.RemoteStream) {
			log.Info().Str("remote_peer", remoteID).Str("stream", stream.ID()).Int("tracks", len(stream.Tracks())).Msg("receiving stream")
		},
		// Every track is drained, including ones that join a stream late.
		OnTrack: func(remoteID string, track *webrtc.TrackRemote) {
			log.Debug().Str("remote_peer", remoteID).Str("track", track.ID()).Msg("draining remote track")
			go drain(track)
		},
		OnStateChange: func(remoteID string, state peer.State) {
			log.Debug().Str("remote_peer", remoteID).Str("connection", state.Connection.String()).Str("ice", state.ICE.String()).Msg("state")
		},
	}, log)
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		return err
	}
	log.Info().Str("room", opts.room).Str("peer", opts.peerID).Str("transport", opts.kind).Msg("joined room")

	for _, remoteID := range opts.peers {
		if err := session.Connect(ctx, remoteID); err != nil {
			log.Warn().Err(err).Str("remote_peer", remoteID).Msg("failed to connect")
		}
	}

	<-ctx.Done()
	return nil
}

func newTransport(ctx context.Context, cfg *config.Config, opts options, log zerolog.Logger) (transport.Transport, func(), error) {
	switch opts.kind {
	case "relay":
		return transport.NewRelay(opts.relayURL, opts.room, opts.peerID, cfg.TransportOptions(), log), func() {}, nil
	case "broadcast":
		store, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		t := transport.NewBroadcast(store, opts.room, opts.peerID, cfg.TransportOptions(), log)
		return t, func() { _ = store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", opts.kind)
}

func writeSilence(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
		}
	}
}

// drain reads RTP until the track ends so the receive pipeline keeps moving.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
