package config

import (
	"strings"
	"time"

	"github.com/danmuck/blelink/internal/protocol/session"
)

// SessionConfig converts the [ble] table into session settings. Unset
// fields keep the session defaults. cfg must already be validated.
func (c BLEConfig) SessionConfig() session.Config {
	out := session.Config{
		MaxChunkLength: c.MaxChunkLength,
		RequestedMTU:   c.RequestedMTU,
		HandshakeToken: c.HandshakeToken,
	}
	if u, err := NormalizeUUID(c.ServiceUUID); err == nil {
		out.ServiceUUID = u
	}
	if u, err := NormalizeUUID(c.CharacteristicUUID); err == nil {
		out.CharacteristicUUID = u
	}
	if d, err := time.ParseDuration(strings.TrimSpace(c.StepTimeout)); err == nil {
		out.StepTimeout = d
	}
	return out.WithDefaults()
}
