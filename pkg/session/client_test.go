package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicelink-io/voicelink/pkg/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTestServer runs handle once per websocket connection and returns the
// ws:// endpoint URL.
func newTestServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:     endpoint,
		AccessToken:  "test-token",
		DeviceID:     "dev-1",
		ClientID:     "cli-1",
		HelloTimeout: 2 * time.Second,
	}
}

// readHello consumes inbound messages until the client hello arrives.
func readHello(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("server read: %v", err)
			return nil
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Errorf("server hello decode: %v", err)
			return nil
		}
		if payload["type"] == "hello" {
			return payload
		}
	}
}

func ackHello(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	err := conn.WriteJSON(map[string]any{
		"type":       "hello",
		"session_id": "sess-1",
		"version":    1,
		"transport":  "websocket",
	})
	if err != nil {
		t.Errorf("server hello ack: %v", err)
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state=%s, want %s", s.State(), want)
}

func TestConnectSendsHandshakeHeaders(t *testing.T) {
	headerCh := make(chan http.Header, 1)
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		headerCh <- r.Header.Clone()
		readHello(t, conn)
	})

	s, err := New(testConfig(url), Handlers{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer s.Close()

	headers := <-headerCh
	if got := headers.Get("Authorization"); got != "Bearer test-token" {
		t.Fatalf("Authorization=%q, want %q", got, "Bearer test-token")
	}
	if got := headers.Get("Protocol-Version"); got != "1" {
		t.Fatalf("Protocol-Version=%q, want %q", got, "1")
	}
	if got := headers.Get("Device-Id"); got != "dev-1" {
		t.Fatalf("Device-Id=%q, want %q", got, "dev-1")
	}
	if got := headers.Get("Client-Id"); got != "cli-1" {
		t.Fatalf("Client-Id=%q, want %q", got, "cli-1")
	}
}

func TestConnectThenImmediateClose(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := New(testConfig(url), Handlers{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state=%s, want %s", got, StateClosed)
	}
}

func TestConnectFailure(t *testing.T) {
	s, err := New(testConfig("ws://127.0.0.1:1"), Handlers{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	err = s.Connect(t.Context())
	if err == nil {
		t.Fatal("Connect error=nil, want non-nil")
	}
	var connErr *ConnectError
	if !errors.As(err, &connErr) {
		t.Fatalf("error type=%T, want *ConnectError", err)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state=%s, want %s", got, StateFailed)
	}
}

func TestHandshakeSucceedsWithinDeadline(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		if hello := readHello(t, conn); hello != nil {
			if hello["transport"] != "websocket" {
				t.Errorf("hello transport=%v, want websocket", hello["transport"])
			}
		}
		ackHello(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := New(testConfig(url), Handlers{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer s.Close()

	ack, err := s.Handshake(t.Context())
	if err != nil {
		t.Fatalf("Handshake returned error: %v", err)
	}
	if ack.SessionID != "sess-1" {
		t.Fatalf("session_id=%q, want %q", ack.SessionID, "sess-1")
	}
	if got := s.State(); got != StateReady {
		t.Fatalf("state=%s, want %s", got, StateReady)
	}
	if got := s.SessionID(); got != "sess-1" {
		t.Fatalf("SessionID()=%q, want %q", got, "sess-1")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		// never acknowledge the hello
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(url)
	cfg.HelloTimeout = 150 * time.Millisecond
	s, err := New(cfg, Handlers{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	start := time.Now()
	_, err = s.Handshake(t.Context())
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Handshake error=%v, want ErrHandshakeTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("Handshake returned after %v, before the deadline", elapsed)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state=%s, want %s", got, StateFailed)
	}
}

// Non-hello traffic before the acknowledgment is dispatched normally and
// must not reset the handshake deadline.
func TestHandshakeIgnoresOtherTraffic(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		readHello(t, conn)
		_ = conn.WriteJSON(map[string]any{"type": "stt", "text": "early"})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var mu sync.Mutex
	var controls []protocol.Message
	var frames [][]byte
	cfg := testConfig(url)
	cfg.HelloTimeout = 200 * time.Millisecond
	s, err := New(cfg, Handlers{
		OnControl: func(msg protocol.Message) {
			mu.Lock()
			controls = append(controls, msg)
			mu.Unlock()
		},
		OnAudio: func(frame []byte) {
			mu.Lock()
			frames = append(frames, frame)
			mu.Unlock()
		},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	if _, err := s.Handshake(t.Context()); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("Handshake error=%v, want ErrHandshakeTimeout", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(controls) >= 1 && len(frames) >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(controls) == 0 || controls[0].Type != protocol.TypeSTT {
		t.Fatalf("controls=%v, want leading stt", controls)
	}
	if len(frames) == 0 || !bytes.Equal(frames[0], []byte{0x01}) {
		t.Fatalf("frames=%v, want [0x01]", frames)
	}
}

func startListeningSession(t *testing.T, url string, handlers Handlers) *Session {
	t.Helper()
	s, err := New(testConfig(url), handlers, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if _, err := s.Handshake(t.Context()); err != nil {
		t.Fatalf("Handshake returned error: %v", err)
	}
	if err := s.StartListening(t.Context()); err != nil {
		t.Fatalf("StartListening returned error: %v", err)
	}
	return s
}

func TestAudioFramesIntactBothDirections(t *testing.T) {
	const upCount = 8
	upstream := make(chan []byte, upCount)
	downstream := [][]byte{
		{0xAA},
		bytes.Repeat([]byte{0x42}, 17),
		{0x00, 0x01, 0x02, 0x03, 0x04},
	}

	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		readHello(t, conn)
		ackHello(t, conn)
		received := 0
		for received < upCount {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				t.Errorf("server read: %v", err)
				return
			}
			if msgType != websocket.BinaryMessage {
				continue // listen start
			}
			upstream <- data
			received++
		}
		for _, frame := range downstream {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				t.Errorf("server write: %v", err)
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var mu sync.Mutex
	var got [][]byte
	s := startListeningSession(t, url, Handlers{
		OnAudio: func(frame []byte) {
			mu.Lock()
			got = append(got, frame)
			mu.Unlock()
		},
	})
	defer s.Close()

	sent := make([][]byte, 0, upCount)
	for i := 0; i < upCount; i++ {
		frame := bytes.Repeat([]byte{byte(i + 1)}, i*3+1)
		sent = append(sent, frame)
		if err := s.SendAudio(t.Context(), frame); err != nil {
			t.Fatalf("SendAudio(%d) returned error: %v", i, err)
		}
	}

	for i := 0; i < upCount; i++ {
		select {
		case frame := <-upstream:
			if !bytes.Equal(frame, sent[i]) {
				t.Fatalf("upstream frame %d=%v, want %v", i, frame, sent[i])
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for upstream frame %d", i)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= len(downstream) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(downstream) {
		t.Fatalf("received %d downstream frames, want %d", len(got), len(downstream))
	}
	for i, frame := range downstream {
		if !bytes.Equal(got[i], frame) {
			t.Fatalf("downstream frame %d=%v, want %v", i, got[i], frame)
		}
	}
	if stats := s.Stats(); stats.FramesSent != upCount || stats.FramesReceived != uint64(len(downstream)) {
		t.Fatalf("stats=%+v, want %d sent / %d received", stats, upCount, len(downstream))
	}
}

func TestMalformedControlDoesNotCloseConnection(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		readHello(t, conn)
		ackHello(t, conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(map[string]any{"type": "stt", "text": "hi"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	var mu sync.Mutex
	var errs []error
	sttCh := make(chan protocol.Message, 1)
	s, err := New(testConfig(url), Handlers{
		OnControl: func(msg protocol.Message) {
			if msg.Type == protocol.TypeSTT {
				sttCh <- msg
			}
		},
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer s.Close()
	if _, err := s.Handshake(t.Context()); err != nil {
		t.Fatalf("Handshake returned error: %v", err)
	}

	select {
	case msg := <-sttCh:
		if msg.Text != "hi" {
			t.Fatalf("stt text=%q, want %q", msg.Text, "hi")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stt after malformed frame")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("reported errors=%d, want 1", len(errs))
	}
	var malformed *MalformedControlError
	if !errors.As(errs[0], &malformed) {
		t.Fatalf("error type=%T, want *MalformedControlError", errs[0])
	}
	if s.State() == StateFailed || s.State() == StateClosed {
		t.Fatalf("state=%s after malformed frame, want connection alive", s.State())
	}
}

func TestUnknownControlTypePassedThrough(t *testing.T) {
	raw := `{"type":"foo","x":1}`
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		readHello(t, conn)
		ackHello(t, conn)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(raw))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	msgCh := make(chan protocol.Message, 4)
	s, err := New(testConfig(url), Handlers{
		OnControl: func(msg protocol.Message) { msgCh <- msg },
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer s.Close()
	if _, err := s.Handshake(t.Context()); err != nil {
		t.Fatalf("Handshake returned error: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-msgCh:
			if msg.Type != "foo" {
				continue // the hello ack is dispatched too
			}
			if string(msg.Raw) != raw {
				t.Fatalf("raw=%s, want %s", msg.Raw, raw)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for unknown-type message")
		}
	}
}

func TestSendAudioRejectedWhenNotListening(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		readHello(t, conn)
		ackHello(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s, err := New(testConfig(url), Handlers{}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer s.Close()
	if _, err := s.Handshake(t.Context()); err != nil {
		t.Fatalf("Handshake returned error: %v", err)
	}

	if err := s.SendAudio(t.Context(), []byte{0x01}); !errors.Is(err, ErrNotListening) {
		t.Fatalf("SendAudio error=%v, want ErrNotListening", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	stopCount := make(chan int, 1)
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		readHello(t, conn)
		ackHello(t, conn)
		stops := 0
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				stopCount <- stops
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			var payload map[string]any
			if json.Unmarshal(data, &payload) == nil &&
				payload["type"] == "listen" && payload["state"] == "stop" {
				stops++
			}
		}
	})

	s := startListeningSession(t, url, Handlers{})

	if err := s.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	if got := s.State(); got != StateClosed {
		t.Fatalf("state=%s, want %s", got, StateClosed)
	}

	select {
	case stops := <-stopCount:
		if stops != 1 {
			t.Fatalf("listen stop messages=%d, want 1", stops)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for server close")
	}
}

// Concurrent control and audio producers must never interleave bytes on the
// wire: every message arrives complete and parseable.
func TestConcurrentProducersDoNotCorruptFrames(t *testing.T) {
	const perProducer = 50
	result := make(chan error, 1)

	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		readHello(t, conn)
		ackHello(t, conn)
		audio, control := 0, 0
		for audio < perProducer || control < perProducer {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				result <- err
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if len(data) < 2 || data[0] != 0x5A {
					result <- errors.New("corrupted audio frame")
					return
				}
				for _, b := range data[1:] {
					if b != data[1] {
						result <- errors.New("audio frame bytes interleaved")
						return
					}
				}
				audio++
			case websocket.TextMessage:
				var payload map[string]any
				if err := json.Unmarshal(data, &payload); err != nil {
					result <- err
					return
				}
				if payload["type"] == "listen" && payload["state"] == "detect" {
					control++
				}
			}
		}
		result <- nil
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	s := startListeningSession(t, url, Handlers{})
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < perProducer; i++ {
			frame := append([]byte{0x5A}, bytes.Repeat([]byte{byte(i)}, i%31+1)...)
			if err := s.SendAudio(t.Context(), frame); err != nil {
				t.Errorf("SendAudio: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < perProducer; i++ {
			if err := s.SendText(t.Context(), "message"); err != nil {
				t.Errorf("SendText: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("server observed corruption: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server verification")
	}
}

func TestAbruptServerCloseFailsSession(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		readHello(t, conn)
		ackHello(t, conn)
		_ = conn.Close()
	})

	disconnected := make(chan error, 1)
	s, err := New(testConfig(url), Handlers{
		OnDisconnected: func(err error) { disconnected <- err },
	}, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := s.Connect(t.Context()); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
	waitForState(t, s, StateFailed)

	// closing a failed session is a no-op
	if err := s.Close(); err != nil {
		t.Fatalf("Close after failure returned error: %v", err)
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("state=%s, want %s", got, StateFailed)
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{}, Handlers{}, nil)
	if err == nil {
		t.Fatal("New with empty endpoint error=nil, want non-nil")
	}

	cfg := testConfig("ws://localhost:1")
	cfg.AudioParams = AudioParams{Format: "opus", SampleRate: 44100, Channels: 1, FrameDuration: 23}
	if _, err := New(cfg, Handlers{}, nil); err == nil {
		t.Fatal("New with fractional frame samples error=nil, want non-nil")
	}

	cfg.AudioParams = AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 20}
	if _, err := New(cfg, Handlers{}, nil); err != nil {
		t.Fatalf("New with valid params returned error: %v", err)
	}
}
