package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voicelink-io/voicelink/pkg/protocol"
)

// Connection policy is fixed, not caller-configurable: the peer contract
// assumes these values.
const (
	pingInterval        = 20 * time.Second
	pongTimeout         = 20 * time.Second
	maxMessageSize      = 10 << 20
	defaultHelloTimeout = 10 * time.Second
	dialTimeout         = 15 * time.Second
	writeTimeout        = 10 * time.Second
)

// Session runs one websocket session against a voicelink backend: the
// connect/hello handshake, the listen lifecycle, and the concurrent
// multiplexing of JSON control traffic and binary audio frames.
//
// A Session is single-use. After Close or a transport failure a new Session
// must be constructed to reconnect.
type Session struct {
	cfg      Config
	logger   *zap.Logger
	handlers Handlers
	machine  *machine

	mu          sync.Mutex
	conn        *websocket.Conn
	closing     bool
	sessionID   string
	ack         *HelloAck
	helloSentAt time.Time
	done        chan struct{}

	helloOnce sync.Once
	helloCh   chan struct{}

	writeMu sync.Mutex

	control *dispatcher[protocol.Message]
	audio   *dispatcher[[]byte]

	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
	eventsReceived atomic.Uint64
}

// New validates the configuration and builds an idle session.
func New(cfg Config, handlers Handlers, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = normalizeConfig(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Session{
		cfg:      cfg,
		logger:   logger,
		handlers: handlers,
		machine:  newMachine(),
		helloCh:  make(chan struct{}),
	}, nil
}

// Connect opens the transport, starts the receive loop and keepalive pinger,
// and sends the hello payload. It does not wait for the hello acknowledgment;
// call Handshake for that. No retry happens at this layer.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.machine.Transition(StateConnecting); err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Protocol-Version", strconv.Itoa(s.cfg.ProtocolVersion))
	headers.Set("Device-Id", s.cfg.DeviceID)
	headers.Set("Client-Id", s.cfg.ClientID)
	if s.cfg.AccessToken != "" {
		headers.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if s.cfg.InsecureTLS && strings.HasPrefix(strings.ToLower(s.cfg.Endpoint), "wss://") {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, s.cfg.Endpoint, headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		_ = s.machine.Transition(StateFailed)
		return &ConnectError{Endpoint: s.cfg.Endpoint, Err: err}
	}
	// Response headers beyond the upgrade set are deliberately ignored.

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	done := make(chan struct{})
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	s.conn = conn
	s.done = done
	s.control = newDispatcher(func(msg protocol.Message) {
		if s.handlers.OnControl != nil {
			s.handlers.OnControl(msg)
		}
	})
	s.audio = newDispatcher(func(frame []byte) {
		if s.handlers.OnAudio != nil {
			s.handlers.OnAudio(frame)
		}
	})
	s.mu.Unlock()

	if err := s.machine.Transition(StateAwaitingHello); err != nil {
		_ = conn.Close()
		return err
	}

	s.logger.Info("session connected",
		zap.String("endpoint", s.cfg.Endpoint),
		zap.String("device_id", s.cfg.DeviceID),
		zap.String("client_id", s.cfg.ClientID),
		zap.Int("protocol_version", s.cfg.ProtocolVersion),
	)

	// The receive loop and handshake watcher run concurrently from the
	// moment the connection opens.
	go s.readLoop(conn)
	go s.pingLoop(conn, done)

	hello := protocol.NewHello(s.cfg.ProtocolVersion, s.cfg.Features, s.cfg.AudioParams.wire())
	s.mu.Lock()
	s.helloSentAt = time.Now()
	s.mu.Unlock()
	if err := s.writeJSON(conn, hello); err != nil {
		_ = s.machine.Transition(StateFailed)
		_ = conn.Close()
		return &ConnectError{Endpoint: s.cfg.Endpoint, Err: fmt.Errorf("send hello: %w", err)}
	}
	return nil
}

// Handshake waits for the hello acknowledgment. The deadline starts at the
// moment the hello was sent, and inbound traffic of any other kind neither
// resets nor cancels it. On timeout the session moves to Failed and the
// connection is closed.
func (s *Session) Handshake(ctx context.Context) (*HelloAck, error) {
	s.mu.Lock()
	sentAt := s.helloSentAt
	s.mu.Unlock()
	if sentAt.IsZero() {
		return nil, fmt.Errorf("%w: hello not sent", ErrHandshakeProtocol)
	}

	timer := time.NewTimer(time.Until(sentAt.Add(s.cfg.HelloTimeout)))
	defer timer.Stop()

	select {
	case <-s.helloCh:
		s.mu.Lock()
		ack := s.ack
		s.mu.Unlock()
		if ack == nil {
			// transport closed before any hello arrived
			return nil, fmt.Errorf("%w: connection closed before hello", ErrHandshakeProtocol)
		}
		return ack, nil
	case <-timer.C:
		s.logger.Warn("hello handshake timed out",
			zap.Duration("timeout", s.cfg.HelloTimeout),
			zap.String("state", string(s.machine.State())),
		)
		_ = s.machine.Transition(StateFailed)
		s.closeConn()
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartListening sends the listen start control message and opens the
// listening window during which audio frames may be sent.
func (s *Session) StartListening(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state := s.machine.State(); state != StateReady {
		return fmt.Errorf("cannot start listening in state %s", state)
	}
	payload := protocol.NewListen(protocol.ListenStateStart, s.cfg.ListenMode)
	s.attachSessionID(payload)
	if err := s.sendJSON(payload); err != nil {
		return err
	}
	if !s.machine.TransitionFrom(StateReady, StateListening) {
		return ErrSessionClosed
	}
	s.logger.Info("listening started", zap.String("mode", s.cfg.ListenMode))
	return nil
}

// SendAudio sends one encoded audio frame as a single binary message. Frames
// are rejected outside the listening state.
func (s *Session) SendAudio(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frame) == 0 {
		return errors.New("empty audio frame")
	}
	if s.machine.State() != StateListening {
		return ErrNotListening
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	s.framesSent.Add(1)
	return nil
}

// SendText submits typed text input through the listen detect control path.
func (s *Session) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state := s.machine.State(); state != StateReady && state != StateListening {
		return fmt.Errorf("cannot send text in state %s", state)
	}
	payload := protocol.NewListenDetect(s.cfg.ListenMode, text)
	s.attachSessionID(payload)
	return s.sendJSON(payload)
}

// Close shuts the session down. If listening, a best-effort listen stop is
// sent first. Close is idempotent; closing a terminal session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	s.mu.Unlock()

	if s.machine.Terminal() {
		return nil
	}

	if s.machine.TransitionFrom(StateListening, StateStopping) && conn != nil {
		payload := protocol.NewListen(protocol.ListenStateStop, s.cfg.ListenMode)
		s.attachSessionID(payload)
		if err := s.writeJSON(conn, payload); err != nil {
			s.logger.Warn("listen stop send failed", zap.Error(err))
		}
	}

	if conn != nil {
		_ = conn.Close()
	}
	_ = s.machine.Transition(StateClosed)
	s.logger.Info("session closed", zap.String("session_id", s.SessionID()))
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.machine.State()
}

// SessionID returns the server-assigned session identifier, if any.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Ack returns the hello acknowledgment once the handshake completed.
func (s *Session) Ack() *HelloAck {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ack
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		State:          s.machine.State(),
		SessionID:      s.SessionID(),
		FramesSent:     s.framesSent.Load(),
		FramesReceived: s.framesReceived.Load(),
		EventsReceived: s.eventsReceived.Load(),
	}
}

// readLoop drains the transport for the connection lifetime. It never blocks
// on consumer processing; both message kinds are handed to their dispatcher
// queues immediately.
func (s *Session) readLoop(conn *websocket.Conn) {
	var readErr error
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			if len(data) == 0 {
				continue
			}
			s.framesReceived.Add(1)
			s.audio.enqueue(data)
		}
	}
	s.finish(readErr)
}

func (s *Session) handleText(data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		s.logger.Warn("malformed control message",
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
		s.reportError(&MalformedControlError{Raw: data, Err: err})
		return
	}
	s.eventsReceived.Add(1)
	if msg.SessionID != "" {
		s.setSessionID(msg.SessionID)
	}
	if msg.Type == protocol.TypeHello {
		s.acceptHello(msg)
	}
	s.control.enqueue(msg)
}

func (s *Session) acceptHello(msg protocol.Message) {
	s.mu.Lock()
	if s.ack == nil {
		s.ack = &HelloAck{
			SessionID:   msg.SessionID,
			Version:     msg.Version,
			AudioParams: msg.AudioParams,
			Raw:         msg.Raw,
		}
	}
	s.mu.Unlock()

	if s.machine.TransitionFrom(StateAwaitingHello, StateReady) {
		s.logger.Info("hello acknowledged",
			zap.String("session_id", msg.SessionID),
			zap.Int("version", msg.Version),
		)
	}
	s.helloOnce.Do(func() { close(s.helloCh) })
}

// finish runs once per connection when the read loop exits. A locally
// requested close lands in Closed; an abrupt transport loss lands in Failed.
func (s *Session) finish(readErr error) {
	s.mu.Lock()
	closing := s.closing
	conn := s.conn
	s.conn = nil
	done := s.done
	s.done = nil
	control := s.control
	audio := s.audio
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		_ = conn.Close()
	}

	state := s.machine.State()
	switch {
	case closing || state == StateClosed:
		_ = s.machine.Transition(StateClosed)
	case state == StateFailed:
		// already reported
	default:
		s.logger.Warn("transport closed unexpectedly",
			zap.String("state", string(state)),
			zap.Error(readErr),
		)
		_ = s.machine.Transition(StateFailed)
		if s.handlers.OnDisconnected != nil {
			s.handlers.OnDisconnected(readErr)
		}
	}

	// Unblock a pending Handshake; it inspects the ack to tell success
	// from a dead transport.
	s.helloOnce.Do(func() { close(s.helloCh) })

	if control != nil {
		control.close()
	}
	if audio != nil {
		audio.close()
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) sendJSON(payload any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSessionClosed
	}
	return s.writeJSON(conn, payload)
}

// writeJSON serializes all outbound writes through a single mutex so that
// concurrent producers cannot interleave frames on the wire.
func (s *Session) writeJSON(conn *websocket.Conn, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(payload)
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) attachSessionID(payload map[string]any) {
	if id := s.SessionID(); id != "" {
		payload["session_id"] = id
	}
}

func (s *Session) setSessionID(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

func (s *Session) reportError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}
