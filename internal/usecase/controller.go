package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tpodvoice/internal/audio"
	"tpodvoice/internal/connection"
	"tpodvoice/internal/domain"
	"tpodvoice/internal/logging"
	"tpodvoice/internal/ports"
)

var (
	ErrNotConnected     = errors.New("not connected to the voice backend")
	ErrAlreadyRecording = errors.New("recording is already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrBusy             = errors.New("previous utterance is still being sent")
)

const (
	audioResponseContent = "Audio response"
	pingMessage          = "ping"
)

// Config controls controller behavior.
type Config struct {
	URL      string
	LogLimit int
	Now      func() time.Time
}

// Controller owns the user-facing voice chat state and drives the pipeline.
type Controller struct {
	conn      ports.Connection
	processor FrameProcessor
	driver    SessionDriver
	playback  PlaybackControl
	events    ports.EventSink
	cfg       Config
	log       logrus.FieldLogger
	history   *transcriptLog

	mu         sync.Mutex
	connection domain.ConnectionState
	recording  domain.RecordingState
	sessionID  string
	live       *liveSession
	utterance  []byte
	detail     string
	lastError  string
}

func NewController(
	conn ports.Connection,
	processor FrameProcessor,
	driver SessionDriver,
	playback PlaybackControl,
	events ports.EventSink,
	cfg Config,
	log logrus.FieldLogger,
) *Controller {
	c := &Controller{
		conn:       conn,
		processor:  processor,
		driver:     driver,
		playback:   playback,
		events:     events,
		cfg:        cfg,
		log:        logging.Component(log, "controller"),
		history:    newTranscriptLog(cfg.LogLimit, cfg.Now),
		connection: conn.State(),
		recording:  domain.RecordingIdle,
	}
	conn.SetHandlers(ports.ConnectionHandlers{
		OnOpen:          c.handleOpen,
		OnMessage:       c.handleMessage,
		OnBinaryMessage: c.handleBinary,
		OnTextMessage:   c.handleText,
		OnError:         c.handleConnectionError,
		OnClose:         c.handleClose,
		OnStateChange:   c.handleStateChange,
	})
	return c
}

// Connect opens the backend connection under a fresh session id.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connection == domain.ConnectionConnecting || c.connection == domain.ConnectionConnected {
		c.mu.Unlock()
		return connection.ErrAlreadyConnected
	}
	c.sessionID = uuid.NewString()
	c.lastError = ""
	c.detail = ""
	sessionID := c.sessionID
	c.mu.Unlock()

	c.log.WithField("session_id", sessionID).Info("connecting")
	c.logActivity("Connecting to " + c.cfg.URL)

	if err := c.conn.Connect(ctx, c.cfg.URL); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect stops any recording, ends the session and closes the connection.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	wasRecording := c.recording == domain.RecordingActive
	c.recording = domain.RecordingIdle
	c.utterance = nil
	live := c.live
	c.live = nil
	c.sessionID = ""
	c.detail = ""
	c.mu.Unlock()

	if wasRecording {
		if err := c.processor.Stop(); err != nil && !errors.Is(err, ErrNotCapturing) {
			c.log.WithError(err).Warn("failed to stop capture on disconnect")
		}
		c.logActivity("Recording discarded")
	}

	if live != nil {
		live.stop()
		// A handshake stage may still be writing; End must follow it on the wire.
		<-live.done
		if c.conn.State() == domain.ConnectionConnected {
			if err := c.driver.End(live.session); err != nil {
				c.log.WithError(err).Debug("session end not delivered")
			}
		}
	}

	c.playback.Clear()
	err := c.conn.Close()
	c.logActivity("Disconnected")
	c.emitStatus()
	return err
}

// StartRecording begins capturing an utterance. Requires an open connection and no recording in progress.
func (c *Controller) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.connection != domain.ConnectionConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	switch c.recording {
	case domain.RecordingActive:
		c.mu.Unlock()
		return ErrAlreadyRecording
	case domain.RecordingProcessing:
		c.mu.Unlock()
		return ErrBusy
	}
	c.recording = domain.RecordingActive
	c.utterance = nil
	c.mu.Unlock()

	if err := c.processor.Start(ctx, c.handleFrame, c.handleCaptureError); err != nil {
		c.mu.Lock()
		c.recording = domain.RecordingIdle
		c.mu.Unlock()

		code := captureErrorCode(err)
		c.logActivity("Microphone error: " + err.Error())
		c.reportError(code, err.Error())
		return err
	}

	c.logActivity("Recording started")
	c.emitStatus()
	return nil
}

// StopRecording stops capture and sends the utterance as one audio bundle.
func (c *Controller) StopRecording(ctx context.Context) error {
	c.mu.Lock()
	if c.recording != domain.RecordingActive {
		c.mu.Unlock()
		return ErrNotRecording
	}
	c.recording = domain.RecordingProcessing
	c.mu.Unlock()
	c.emitStatus()

	if err := c.processor.Stop(); err != nil && !errors.Is(err, ErrNotCapturing) {
		c.log.WithError(err).Warn("failed to stop capture cleanly")
	}

	c.mu.Lock()
	utterance := c.utterance
	c.utterance = nil
	live := c.live
	c.mu.Unlock()

	defer c.finishProcessing()

	if len(utterance) == 0 {
		c.logActivity("Recording stopped: no audio captured")
		return nil
	}
	if live == nil {
		c.reportError(domain.ErrorCodeConnection, ErrNotConnected.Error())
		return ErrNotConnected
	}

	if err := c.driver.SendUserAudio(ctx, live.session, utterance); err != nil {
		c.logActivity("Failed to send audio: " + err.Error())
		c.reportError(sendErrorCode(err), err.Error())
		return err
	}

	c.logActivity(fmt.Sprintf("Sent %d bytes of audio", len(utterance)))
	return nil
}

// SendText sends a typed user turn.
func (c *Controller) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c.mu.Lock()
	live := c.live
	c.mu.Unlock()
	if live == nil {
		return ErrNotConnected
	}

	if err := c.driver.SendUserText(ctx, live.session, text); err != nil {
		c.reportError(sendErrorCode(err), err.Error())
		return err
	}
	c.appendTranscript(domain.RoleUser, domain.MessageKindText, text)
	return nil
}

// SendPing sends a plain-text liveness probe.
func (c *Controller) SendPing() error {
	if err := c.conn.SendText(pingMessage); err != nil {
		c.logActivity("Ping failed: " + err.Error())
		return err
	}
	c.logActivity("Sent: " + pingMessage)
	return nil
}

func (c *Controller) ClearLog() {
	c.history.ClearActivity()
	c.emitStatus()
}

func (c *Controller) DismissError() {
	c.mu.Lock()
	c.lastError = ""
	c.mu.Unlock()
	c.emitStatus()
}

// Status returns the current UI-observable status.
func (c *Controller) Status() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Status{
		Label:      domain.StatusLabel(c.connection, c.recording),
		Connection: c.connection,
		Recording:  c.recording,
		Connected:  c.connection == domain.ConnectionConnected,
		Active:     c.recording == domain.RecordingActive,
		SessionID:  c.sessionID,
		Detail:     c.detail,
		Error:      c.lastError,
	}
}

func (c *Controller) Transcript() []domain.TranscriptMessage {
	return c.history.Messages()
}

func (c *Controller) ActivityLog() []domain.LogEntry {
	return c.history.Activity()
}

func (c *Controller) handleFrame(frame []byte) {
	c.mu.Lock()
	if c.recording != domain.RecordingActive {
		c.mu.Unlock()
		return
	}
	c.utterance = append(c.utterance, frame...)
	c.mu.Unlock()

	if !c.conn.SupportsBinary() {
		return
	}
	if err := c.conn.SendBinary(frame); err != nil {
		c.log.WithError(err).Debug("audio frame not sent")
	}
}

func (c *Controller) handleCaptureError(err error) {
	c.mu.Lock()
	wasRecording := c.recording == domain.RecordingActive
	if wasRecording {
		c.recording = domain.RecordingIdle
		c.utterance = nil
	}
	c.mu.Unlock()

	if !wasRecording {
		return
	}
	c.logActivity("Recording stopped: " + err.Error())
	c.reportError(captureErrorCode(err), err.Error())
}

func (c *Controller) handleOpen() {
	c.mu.Lock()
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	if c.live != nil {
		c.live.stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	live := &liveSession{
		session: c.driver.Begin(c.sessionID, sessionListener{c: c}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.live = live
	c.lastError = ""
	c.mu.Unlock()

	c.logActivity("Connected")
	go c.runHandshake(ctx, live)
}

func (c *Controller) runHandshake(ctx context.Context, live *liveSession) {
	defer close(live.done)

	err := c.driver.Handshake(ctx, live.session)
	if err == nil {
		c.logActivity("Session started")
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	c.log.WithError(err).Warn("session handshake failed")
	c.reportError(domain.ErrorCodeProtocol, "session handshake failed: "+err.Error())
}

func (c *Controller) handleMessage(raw json.RawMessage) {
	c.mu.Lock()
	live := c.live
	c.mu.Unlock()

	if live == nil {
		c.log.Debug("dropping event received outside a session")
		return
	}
	c.driver.HandleMessage(live.session, raw)
}

func (c *Controller) handleBinary(data []byte) {
	c.logActivity(fmt.Sprintf("Received binary message (%d bytes)", len(data)))
}

func (c *Controller) handleText(text string) {
	c.logActivity("Received: " + text)
}

func (c *Controller) handleConnectionError(err error) {
	c.logActivity("Connection error: " + err.Error())
	c.reportError(domain.ErrorCodeConnection, err.Error())
}

func (c *Controller) handleClose() {
	c.mu.Lock()
	wasRecording := c.recording == domain.RecordingActive
	if wasRecording {
		c.recording = domain.RecordingIdle
		c.utterance = nil
	}
	live := c.live
	c.live = nil
	c.mu.Unlock()

	if wasRecording {
		if err := c.processor.Stop(); err != nil && !errors.Is(err, ErrNotCapturing) {
			c.log.WithError(err).Warn("failed to stop capture after connection loss")
		}
		c.logActivity("Recording discarded: connection closed")
	}
	if live != nil {
		live.stop()
		c.logActivity("Connection closed")
	}
	c.emitStatus()
}

func (c *Controller) handleStateChange(state domain.ConnectionState) {
	c.mu.Lock()
	c.connection = state
	c.mu.Unlock()
	c.emitStatus()
}

func (c *Controller) finishProcessing() {
	c.mu.Lock()
	if c.recording == domain.RecordingProcessing {
		c.recording = domain.RecordingIdle
	}
	c.mu.Unlock()
	c.emitStatus()
}

func (c *Controller) appendTranscript(role domain.Role, kind domain.MessageKind, content string) {
	message := c.history.AddMessage(role, kind, content)
	c.events.TranscriptAppended(message)
}

func (c *Controller) setDetail(detail string) {
	c.mu.Lock()
	c.detail = detail
	c.mu.Unlock()
	c.emitStatus()
}

func (c *Controller) logActivity(message string) {
	entry := c.history.AddActivity(message)
	c.events.ActivityLogged(entry)
}

func (c *Controller) reportError(code domain.ErrorCode, detail string) {
	c.mu.Lock()
	c.lastError = detail
	c.mu.Unlock()
	c.events.SessionError(code, detail)
	c.emitStatus()
}

func (c *Controller) emitStatus() {
	c.events.StatusChanged(c.Status())
}

func captureErrorCode(err error) domain.ErrorCode {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return domain.ErrorCodePermissionDenied
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return domain.ErrorCodeDeviceUnavailable
	default:
		return domain.ErrorCodeAudioStream
	}
}

func sendErrorCode(err error) domain.ErrorCode {
	if errors.Is(err, connection.ErrNotConnected) {
		return domain.ErrorCodeConnection
	}
	return domain.ErrorCodeProtocol
}
