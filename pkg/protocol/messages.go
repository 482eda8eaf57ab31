package protocol

import (
	"encoding/json"
	"strings"
)

// Message type discriminators defined by the wire protocol. Any other value
// is carried through as-is.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeSTT    = "stt"
	TypeTTS    = "tts"
	TypeLLM    = "llm"
)

// Listen states for client-to-server listen control messages.
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// AudioParams describes one direction of the audio stream.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Message is a parsed control message. Raw always holds the original frame
// bytes; the remaining fields are populated when present in the JSON object.
type Message struct {
	Type        string
	SessionID   string
	Text        string
	State       string
	Mode        string
	Emotion     string
	Version     int
	AudioParams *AudioParams
	Raw         json.RawMessage
}

type envelope struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"session_id,omitempty"`
	Text        string       `json:"text,omitempty"`
	State       string       `json:"state,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	Emotion     string       `json:"emotion,omitempty"`
	Version     int          `json:"version,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
}

// Parse decodes a text frame into a Message. Only invalid JSON is an error;
// an object with an unknown or missing type still parses.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, err
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Message{
		Type:        env.Type,
		SessionID:   env.SessionID,
		Text:        env.Text,
		State:       env.State,
		Mode:        env.Mode,
		Emotion:     env.Emotion,
		Version:     env.Version,
		AudioParams: env.AudioParams,
		Raw:         raw,
	}, nil
}

// IsListenStart reports whether the message is a listen control in start state.
func (m Message) IsListenStart() bool {
	return m.Type == TypeListen && m.State == ListenStateStart
}

// IsListenStop reports whether the message is a listen control in stop state.
func (m Message) IsListenStop() bool {
	return m.Type == TypeListen && m.State == ListenStateStop
}

// NewHello builds the outbound hello payload sent once per connection.
func NewHello(version int, features map[string]any, params AudioParams) map[string]any {
	if features == nil {
		features = map[string]any{}
	}
	return map[string]any{
		"type":      TypeHello,
		"version":   version,
		"features":  features,
		"transport": "websocket",
		"audio_params": map[string]any{
			"format":         params.Format,
			"sample_rate":    params.SampleRate,
			"channels":       params.Channels,
			"frame_duration": params.FrameDuration,
		},
	}
}

// NewListen builds a listen control payload.
func NewListen(state string, mode string) map[string]any {
	payload := map[string]any{
		"type":  TypeListen,
		"state": state,
	}
	if mode != "" {
		payload["mode"] = mode
	}
	return payload
}

// NewListenDetect builds a listen detect payload carrying typed text input.
func NewListenDetect(mode string, text string) map[string]any {
	payload := NewListen(ListenStateDetect, mode)
	payload["text"] = text
	return payload
}

// NormalizeListenMode clamps a listen mode to a supported value.
func NormalizeListenMode(mode string) string {
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "manual", "realtime", "auto":
		return strings.TrimSpace(strings.ToLower(mode))
	default:
		return "auto"
	}
}
