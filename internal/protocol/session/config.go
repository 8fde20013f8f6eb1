package session

import (
	"time"

	"github.com/danmuck/blelink/internal/protocol"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines link sizing and per-step timeouts.
type Config struct {
	// MaxChunkLength caps the frame size regardless of the negotiated MTU.
	MaxChunkLength int
	// RequestedMTU is asked for before subscribing on central links.
	RequestedMTU int
	// StepTimeout bounds every waiting central state and advertise start.
	StepTimeout        time.Duration
	HandshakeToken     string
	ServiceUUID        string
	CharacteristicUUID string
	// Backoff paces driver retries (scan polling, advertise restarts).
	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		MaxChunkLength:     protocol.DefaultMaxChunkLength,
		RequestedMTU:       protocol.RequestedMTU,
		StepTimeout:        10 * time.Second,
		HandshakeToken:     protocol.HandshakeToken,
		ServiceUUID:        protocol.ServiceUUID,
		CharacteristicUUID: protocol.CharacteristicUUID,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxChunkLength < 1 {
		c.MaxChunkLength = d.MaxChunkLength
	}
	if c.RequestedMTU <= 0 {
		c.RequestedMTU = d.RequestedMTU
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.HandshakeToken == "" {
		c.HandshakeToken = d.HandshakeToken
	}
	if c.ServiceUUID == "" {
		c.ServiceUUID = d.ServiceUUID
	}
	if c.CharacteristicUUID == "" {
		c.CharacteristicUUID = d.CharacteristicUUID
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
