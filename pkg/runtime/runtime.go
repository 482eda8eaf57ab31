// Package runtime assembles the configured client: session, console
// output, transcript storage, recording, and the status endpoint.
package runtime

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	appconfig "github.com/voicelink-io/voicelink/internal/config"
	"github.com/voicelink-io/voicelink/internal/console"
	apphttp "github.com/voicelink-io/voicelink/internal/http"
	"github.com/voicelink-io/voicelink/internal/recorder"
	"github.com/voicelink-io/voicelink/internal/storage"
	"github.com/voicelink-io/voicelink/pkg/audio"
	"github.com/voicelink-io/voicelink/pkg/protocol"
	"github.com/voicelink-io/voicelink/pkg/session"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// App is the composed voicelink client application.
type App struct {
	cfg    appconfig.Config
	logger *zap.Logger

	store *storage.TranscriptStore
	input io.Reader

	mu   sync.Mutex
	sess *session.Session
}

// New loads configuration from configPath (empty means the default
// search path) and assembles the application.
func New(configPath string, logger *zap.Logger) (*App, error) {
	cfg, err := appconfig.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, logger)
}

// NewWithConfig assembles the application from an already-loaded config.
func NewWithConfig(cfg appconfig.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger, input: os.Stdin}

	if cfg.TranscriptDir != "" {
		store, err := storage.NewTranscriptStore(cfg.TranscriptDir)
		if err != nil {
			return nil, err
		}
		app.store = store
	}
	return app, nil
}

// Status reports the current session state for the status endpoint.
func (a *App) Status() session.Stats {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return session.Stats{State: session.StateIdle}
	}
	return sess.Stats()
}

// Run connects and serves until ctx is canceled. With auto_reconnect
// enabled, a dropped connection is retried with doubling backoff.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.StatusAddr != "" {
		a.startStatusServer(ctx)
	}

	lines := make(chan string)
	go a.readInput(ctx, lines)

	backoff := initialBackoff
	for {
		start := time.Now()
		err := a.runSession(ctx, lines)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if !a.cfg.AutoReconnect {
			return err
		}

		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}
		a.logger.Warn("session ended, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (a *App) runSession(ctx context.Context, lines <-chan string) error {
	var transcript *storage.Transcript
	if a.store != nil {
		var err error
		transcript, err = a.store.Create(a.cfg.DeviceID)
		if err != nil {
			a.logger.Warn("transcript unavailable", zap.Error(err))
		}
	}
	printer := console.NewPrinter(os.Stdout, transcript)

	var (
		recMu sync.Mutex
		rec   *recorder.Recorder
	)
	defer func() {
		recMu.Lock()
		if rec != nil {
			if err := rec.Close(); err != nil {
				a.logger.Warn("close recording", zap.Error(err))
			}
		}
		recMu.Unlock()
	}()

	disconnected := make(chan error, 1)
	handlers := session.Handlers{
		OnControl: printer.Handle,
		OnAudio: func(frame []byte) {
			recMu.Lock()
			defer recMu.Unlock()
			if rec == nil {
				return
			}
			if err := rec.Write(frame); err != nil {
				a.logger.Debug("record frame", zap.Error(err))
			}
		},
		OnError: func(err error) {
			a.logger.Warn("session error", zap.Error(err))
		},
		OnDisconnected: func(err error) {
			select {
			case disconnected <- err:
			default:
			}
		},
	}

	sess, err := session.New(a.sessionConfig(), handlers, a.logger)
	if err != nil {
		return err
	}
	a.setSession(sess)
	defer func() {
		a.setSession(nil)
		sess.Close()
	}()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	ack, err := sess.Handshake(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("session established",
		zap.String("session_id", ack.SessionID),
		zap.Int("version", ack.Version))

	if a.cfg.RecordPath != "" {
		rec = a.openRecorder(ack)
	}

	if err := sess.StartListening(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-disconnected:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if transcript != nil {
				if err := transcript.Append("user", line); err != nil {
					a.logger.Debug("append transcript", zap.Error(err))
				}
			}
			if err := sess.SendText(ctx, line); err != nil {
				if errors.Is(err, session.ErrSessionClosed) {
					return err
				}
				a.logger.Warn("send text", zap.Error(err))
			}
		}
	}
}

// openRecorder builds the downstream recorder using the format the
// server advertised, falling back to the configured upstream params.
func (a *App) openRecorder(ack *session.HelloAck) *recorder.Recorder {
	decodeRate := a.cfg.SampleRate
	channels := a.cfg.Channels
	frameDuration := a.cfg.FrameDuration
	if ack.AudioParams != nil {
		if ack.AudioParams.SampleRate > 0 {
			decodeRate = ack.AudioParams.SampleRate
		}
		if ack.AudioParams.Channels > 0 {
			channels = ack.AudioParams.Channels
		}
		if ack.AudioParams.FrameDuration > 0 {
			frameDuration = ack.AudioParams.FrameDuration
		}
	}

	codec, err := audio.NewCodec(decodeRate, channels, frameDuration)
	if err != nil {
		a.logger.Warn("recording disabled", zap.Error(err))
		return nil
	}
	rec, err := recorder.New(a.cfg.RecordPath, codec, decodeRate, channels, a.cfg.RecordSampleRate)
	if err != nil {
		a.logger.Warn("recording disabled", zap.Error(err))
		return nil
	}
	a.logger.Info("recording downstream audio",
		zap.String("path", a.cfg.RecordPath),
		zap.Int("sample_rate", decodeRate))
	return rec
}

func (a *App) sessionConfig() session.Config {
	return session.Config{
		Endpoint:        a.cfg.Endpoint,
		AccessToken:     a.cfg.AccessToken,
		DeviceID:        a.cfg.DeviceID,
		ClientID:        a.cfg.ClientID,
		ProtocolVersion: a.cfg.ProtocolVersion,
		ListenMode:      protocol.NormalizeListenMode(a.cfg.ListenMode),
		AudioParams: session.AudioParams{
			Format:        a.cfg.AudioFormat,
			SampleRate:    a.cfg.SampleRate,
			Channels:      a.cfg.Channels,
			FrameDuration: a.cfg.FrameDuration,
		},
		InsecureTLS: a.cfg.InsecureTLS,
	}
}

func (a *App) setSession(sess *session.Session) {
	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()
}

// readInput forwards non-empty stdin lines to the session loop. The
// channel is closed on EOF.
func (a *App) readInput(ctx context.Context, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(a.input)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case lines <- line:
		}
	}
}

func (a *App) startStatusServer(ctx context.Context) {
	router := apphttp.NewRouter(a, a.logger)
	server := &http.Server{Addr: a.cfg.StatusAddr, Handler: router}

	go func() {
		a.logger.Info("starting status server", zap.String("addr", a.cfg.StatusAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("status server shutdown failed", zap.Error(err))
		}
	}()
}
