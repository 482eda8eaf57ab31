// Package console renders incoming control messages as terminal output.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/voicelink-io/voicelink/internal/storage"
	"github.com/voicelink-io/voicelink/pkg/protocol"
)

// Printer writes a readable line per control message and optionally
// records utterances into a transcript.
type Printer struct {
	mu         sync.Mutex
	out        io.Writer
	transcript *storage.Transcript
}

// NewPrinter creates a Printer writing to out. transcript may be nil.
func NewPrinter(out io.Writer, transcript *storage.Transcript) *Printer {
	return &Printer{out: out, transcript: transcript}
}

// Handle renders a single control message.
func (p *Printer) Handle(msg protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg.Type {
	case protocol.TypeHello:
		fmt.Fprintf(p.out, "[hello] session=%s\n", msg.SessionID)
	case protocol.TypeSTT:
		if msg.Text == "" {
			return
		}
		fmt.Fprintf(p.out, "[you] %s\n", msg.Text)
		p.record("user", msg.Text)
	case protocol.TypeTTS:
		p.renderTTS(msg)
	case protocol.TypeLLM:
		if msg.Text == "" && msg.Emotion == "" {
			return
		}
		if msg.Emotion != "" {
			fmt.Fprintf(p.out, "[emotion] %s\n", msg.Emotion)
			return
		}
		fmt.Fprintf(p.out, "[llm] %s\n", msg.Text)
	default:
		fmt.Fprintf(p.out, "[%s] %s\n", msg.Type, strings.TrimSpace(string(msg.Raw)))
	}
}

func (p *Printer) renderTTS(msg protocol.Message) {
	switch msg.State {
	case "sentence_start":
		if msg.Text == "" {
			return
		}
		fmt.Fprintf(p.out, "[assistant] %s\n", msg.Text)
		p.record("assistant", msg.Text)
	case "start", "stop":
		// playback boundaries carry no text
	default:
		if msg.Text != "" {
			fmt.Fprintf(p.out, "[assistant] %s\n", msg.Text)
			p.record("assistant", msg.Text)
		}
	}
}

func (p *Printer) record(role string, content string) {
	if p.transcript == nil {
		return
	}
	// transcript failures never interrupt the console
	_ = p.transcript.Append(role, content)
}
