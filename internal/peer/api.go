package peer

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DefaultPLIInterval is how often receivers ask senders for a keyframe.
const DefaultPLIInterval = 3 * time.Second

// APIOptions configures the pion API shared by every Manager a Factory creates.
type APIOptions struct {
	// ICEServers are STUN URLs. Empty means host candidates only.
	ICEServers []string
	// IncludeLoopback gathers 127.0.0.1 candidates, needed when both peers
	// live on the same host without another interface.
	IncludeLoopback bool
	PLIInterval     time.Duration
}

// Factory creates Managers that share one media engine and interceptor chain.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger zerolog.Logger
}

// NewFactory registers the default codecs and interceptors and builds the API.
func NewFactory(opts APIOptions, logger zerolog.Logger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	pliInterval := opts.PLIInterval
	if pliInterval <= 0 {
		pliInterval = DefaultPLIInterval
	}
	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(pliInterval))
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	registry.Add(pli)

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	return &Factory{
		api:    api,
		config: Configuration(opts.ICEServers),
		logger: logger,
	}, nil
}

// Configuration turns STUN URLs into a pion configuration, one ICE server per URL.
func Configuration(iceServers []string) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, url := range iceServers {
		if url == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.Configuration{ICEServers: servers}
}

// New creates a Manager for the connection to remoteID.
func (f *Factory) New(remoteID string, callbacks Callbacks) (*Manager, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection for %s: %w", remoteID, err)
	}
	return newManager(pc, remoteID, callbacks, f.logger), nil
}
