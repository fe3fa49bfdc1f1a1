package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Config is the engine configuration used for new sessions.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// DefaultConfig returns a configuration using public STUN servers.
func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
		},
	}
}

// PionNegotiator creates pion-backed sessions.
type PionNegotiator struct {
	api *webrtc.API
	log zerolog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewPionNegotiator creates a negotiator with an explicit configuration.
func NewPionNegotiator(cfg Config, logger zerolog.Logger) *PionNegotiator {
	log := logger.With().Str("component", "negotiator").Logger()
	se := webrtc.SettingEngine{LoggerFactory: newLoggerFactory(log)}
	return &PionNegotiator{
		api: webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		log: log,
		cfg: cfg,
	}
}

// SetConfiguration replaces the configuration used by sessions created
// afterwards. Meant for bootstrap and test wiring.
func (n *PionNegotiator) SetConfiguration(cfg Config) {
	n.mu.Lock()
	n.cfg = cfg
	n.mu.Unlock()
}

// Configuration returns the current configuration.
func (n *PionNegotiator) Configuration() Config {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.cfg
}

// NewSession creates a PeerConnection for a call with remoteID.
func (n *PionNegotiator) NewSession(remoteID string) (Session, error) {
	cfg := n.Configuration()
	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newPionSession(remoteID, pc, n.log), nil
}
