package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/voicelink-io/voicelink/pkg/protocol"
)

// AudioParams describes the upstream audio the client intends to send,
// advertised once in the hello payload.
type AudioParams struct {
	Format        string
	SampleRate    int
	Channels      int
	FrameDuration int
}

func (p AudioParams) wire() protocol.AudioParams {
	return protocol.AudioParams{
		Format:        p.Format,
		SampleRate:    p.SampleRate,
		Channels:      p.Channels,
		FrameDuration: p.FrameDuration,
	}
}

// Config is the immutable configuration of a single session. A session
// object is single-use; reconnecting requires a new session built from the
// same config.
type Config struct {
	Endpoint        string
	AccessToken     string
	DeviceID        string
	ClientID        string
	ProtocolVersion int
	ListenMode      string
	AudioParams     AudioParams

	// InsecureTLS opts into accepting self-signed certificates on wss
	// endpoints. Off by default.
	InsecureTLS bool

	// HelloTimeout bounds the hello round-trip. Zero means the protocol
	// default of 10 seconds.
	HelloTimeout time.Duration

	// Features is advertised in the hello payload. Nil sends an empty set.
	Features map[string]any
}

func normalizeConfig(cfg Config) Config {
	if cfg.ProtocolVersion <= 0 {
		cfg.ProtocolVersion = 1
	}
	if cfg.AudioParams.Format == "" {
		cfg.AudioParams.Format = "opus"
	}
	if cfg.AudioParams.SampleRate <= 0 {
		cfg.AudioParams.SampleRate = 16000
	}
	if cfg.AudioParams.Channels <= 0 {
		cfg.AudioParams.Channels = 1
	}
	if cfg.AudioParams.FrameDuration <= 0 {
		cfg.AudioParams.FrameDuration = 20
	}
	cfg.ListenMode = protocol.NormalizeListenMode(cfg.ListenMode)
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = defaultHelloTimeout
	}
	return cfg
}

func validateConfig(cfg Config) error {
	if cfg.Endpoint == "" {
		return errors.New("session endpoint is empty")
	}
	samples := cfg.AudioParams.SampleRate * cfg.AudioParams.FrameDuration
	if samples%1000 != 0 {
		return fmt.Errorf("frame duration %dms does not yield an integral sample count at %dHz",
			cfg.AudioParams.FrameDuration, cfg.AudioParams.SampleRate)
	}
	return nil
}

// HelloAck captures the advisory fields of the server hello. None of them
// are validated strictly; future servers may add or omit fields.
type HelloAck struct {
	SessionID   string
	Version     int
	AudioParams *protocol.AudioParams
	Raw         []byte
}

// Handlers are the consumer ports of the engine. Delivery is decoupled from
// the receive loop: a slow handler delays only its own stream. Nil handlers
// are skipped.
type Handlers struct {
	// OnControl receives every parsed control message in arrival order.
	OnControl func(msg protocol.Message)
	// OnAudio receives each downstream audio frame in arrival order. One
	// websocket binary message is exactly one frame.
	OnAudio func(frame []byte)
	// OnError receives non-fatal per-message errors.
	OnError func(err error)
	// OnDisconnected fires once when the transport closes underneath an
	// active session.
	OnDisconnected func(err error)
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	State          State
	SessionID      string
	FramesSent     uint64
	FramesReceived uint64
	EventsReceived uint64
}
