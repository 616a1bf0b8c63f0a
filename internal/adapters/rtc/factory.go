// Package rtc adapts pion/webrtc to the engine's PeerConnection port.
package rtc

import (
	"fmt"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/core"
)

// ICEConfig lists the servers handed to every new connection.
type ICEConfig struct {
	STUN           []string `mapstructure:"stun"`
	TURN           []string `mapstructure:"turn"`
	TURNUsername   string   `mapstructure:"turn_username"`
	TURNCredential string   `mapstructure:"turn_credential"`
}

func DefaultICEConfig() ICEConfig {
	return ICEConfig{STUN: []string{"stun:stun.l.google.com:19302"}}
}

func (c ICEConfig) webrtc() webrtc.Configuration {
	var cfg webrtc.Configuration
	if len(c.STUN) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: c.STUN})
	}
	if len(c.TURN) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       c.TURN,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return cfg
}

// Factory builds connections from one shared pion API: default codecs plus
// the default interceptors (NACK, RTCP reports, TWCC) that feed GetStats.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
	n   atomic.Int64
}

func NewFactory(ice ICEConfig) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}
	f := &Factory{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)),
		cfg: ice.webrtc(),
	}
	log.Info().Str("module", "adapters.rtc").Int("ice_servers", len(f.cfg.ICEServers)).Msg("peer connection factory ready")
	return f, nil
}

func (f *Factory) NewPeerConnection() (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, fmt.Sprintf("pc-%d", f.n.Add(1))), nil
}
