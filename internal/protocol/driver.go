package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tpodvoice/internal/domain"
	"tpodvoice/internal/logging"
	"tpodvoice/internal/metrics"
)

var (
	ErrSessionEnded    = errors.New("protocol session has ended")
	ErrEmptyUtterance  = errors.New("utterance is empty")
	ErrHandshakeFailed = errors.New("session handshake did not complete")
)

const DefaultSystemPrompt = "You are a friendly training partner. The user and you will engage in a spoken dialog " +
	"exchanging the transcripts of a natural real-time conversation. Keep your responses short, " +
	"generally two or three sentences for chatty scenarios."

// Sender writes JSON control events to the backend.
type Sender interface {
	Send(v any) error
}

// Playback receives base64 audio payloads for ordered playback.
type Playback interface {
	Enqueue(payload string)
}

// Listener receives the inbound events of one session.
type Listener interface {
	TextOutput(role domain.Role, content string)
	AudioOutput()
	Status(message string)
	ApplicationError(message string)
}

// Config holds generation parameters and audio formats announced to the backend.
type Config struct {
	MaxTokens   int
	TopP        float64
	Temperature float64

	InputSampleRate  int
	OutputSampleRate int
	Channels         int
	VoiceID          string

	SystemPrompt string
	StageDelay   time.Duration
}

func (c Config) normalized() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.TopP <= 0 {
		c.TopP = 0.9
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = 16000
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = 24000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if strings.TrimSpace(c.VoiceID) == "" {
		c.VoiceID = "matthew"
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.StageDelay <= 0 {
		c.StageDelay = 500 * time.Millisecond
	}
	return c
}

// Session is one handshake plus the bundles that follow it on a single connection.
type Session struct {
	ID         string
	PromptName string

	listener Listener

	mu      sync.Mutex
	waiters map[string]chan struct{}
	ended   bool

	ready        chan struct{}
	readyOnce    sync.Once
	handshakeErr error
}

func (s *Session) expect(name string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.waiters[name] = ch
	return ch
}

func (s *Session) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, name)
}

func (s *Session) acknowledge(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.waiters[name]
	if !ok {
		return false
	}
	close(ch)
	delete(s.waiters, name)
	return true
}

func (s *Session) finishHandshake(err error) {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		s.handshakeErr = err
		s.mu.Unlock()
		close(s.ready)
	})
}

func (s *Session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Driver speaks the bidirectional event protocol on top of a connection.
type Driver struct {
	conn     Sender
	playback Playback
	cfg      Config
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	bundleMu sync.Mutex
}

func NewDriver(conn Sender, playback Playback, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Driver {
	if m == nil {
		m = metrics.Nop()
	}
	return &Driver{
		conn:     conn,
		playback: playback,
		cfg:      cfg.normalized(),
		log:      logging.Component(log, "protocol"),
		metrics:  m,
	}
}

// Begin creates a session with a stable prompt name. Inbound events for it go to listener.
func (d *Driver) Begin(sessionID string, listener Listener) *Session {
	if listener == nil {
		listener = nopListener{}
	}
	return &Session{
		ID:         sessionID,
		PromptName: uuid.NewString(),
		listener:   listener,
		waiters:    make(map[string]chan struct{}),
		ready:      make(chan struct{}),
	}
}

// Handshake sends sessionStart, promptStart and the system prompt bundle in order.
// Each stage waits for a same-named ack from the backend or for StageDelay, whichever comes first.
func (d *Driver) Handshake(ctx context.Context, s *Session) (err error) {
	defer func() { s.finishHandshake(err) }()

	log := d.log.WithField("session_id", s.ID)
	log.Info("starting session handshake")

	err = d.stage(ctx, s, EventSessionStart, SessionStart{
		InferenceConfiguration: InferenceConfiguration{
			MaxTokens:   d.cfg.MaxTokens,
			TopP:        d.cfg.TopP,
			Temperature: d.cfg.Temperature,
		},
	})
	if err != nil {
		return err
	}

	err = d.stage(ctx, s, EventPromptStart, PromptStart{
		PromptName:              s.PromptName,
		TextOutputConfiguration: MediaConfiguration{MediaType: "text/plain"},
		AudioOutputConfiguration: AudioConfiguration{
			MediaType:       "audio/lpcm",
			SampleRateHertz: d.cfg.OutputSampleRate,
			SampleSizeBits:  16,
			ChannelCount:    d.cfg.Channels,
			VoiceID:         d.cfg.VoiceID,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	})
	if err != nil {
		return err
	}

	if err = d.sendTextBundle(s, roleSystem, false, d.cfg.SystemPrompt); err != nil {
		return err
	}
	log.Info("session handshake complete")
	return nil
}

// SendUserAudio sends one recorded utterance as a contentStart/audioInput/contentEnd triplet.
func (d *Driver) SendUserAudio(ctx context.Context, s *Session, pcm []byte) error {
	if len(pcm) == 0 {
		return ErrEmptyUtterance
	}
	if err := d.awaitReady(ctx, s); err != nil {
		return err
	}

	d.bundleMu.Lock()
	defer d.bundleMu.Unlock()

	contentName := uuid.NewString()
	return d.sendSequence(
		event{EventContentStart, ContentStart{
			PromptName:  s.PromptName,
			ContentName: contentName,
			Type:        contentTypeAudio,
			Interactive: true,
			Role:        roleUser,
			AudioInputConfiguration: &AudioConfiguration{
				MediaType:       "audio/lpcm",
				SampleRateHertz: d.cfg.InputSampleRate,
				SampleSizeBits:  16,
				ChannelCount:    d.cfg.Channels,
				AudioType:       "SPEECH",
				Encoding:        "base64",
			},
		}},
		event{EventAudioInput, ContentInput{
			PromptName:  s.PromptName,
			ContentName: contentName,
			Content:     base64.StdEncoding.EncodeToString(pcm),
		}},
		event{EventContentEnd, ContentEnd{PromptName: s.PromptName, ContentName: contentName}},
	)
}

// SendUserText sends a typed user turn as a text bundle.
func (d *Driver) SendUserText(ctx context.Context, s *Session, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyUtterance
	}
	if err := d.awaitReady(ctx, s); err != nil {
		return err
	}
	return d.sendTextBundle(s, roleUser, true, text)
}

// End closes the prompt and session. It is best effort and idempotent.
func (d *Driver) End(s *Session) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	s.mu.Unlock()
	s.finishHandshake(ErrSessionEnded)

	d.bundleMu.Lock()
	defer d.bundleMu.Unlock()
	return errors.Join(
		d.send(EventPromptEnd, PromptEnd{PromptName: s.PromptName}),
		d.send(EventSessionEnd, SessionEnd{}),
	)
}

// HandleMessage routes one inbound JSON event.
func (d *Driver) HandleMessage(s *Session, raw json.RawMessage) {
	name, body, err := ParseEvent(raw)
	if err != nil {
		d.metrics.ProtocolErrors.Inc()
		d.log.WithError(err).Warn("dropping inbound event")
		return
	}
	d.metrics.InboundEvents.WithLabelValues(name).Inc()

	if s.acknowledge(name) {
		d.log.WithField("event", name).Debug("stage acknowledged")
	}

	switch name {
	case EventTextOutput:
		var out TextOutput
		if err := json.Unmarshal(body, &out); err != nil {
			d.protocolError(name, err)
			return
		}
		if strings.TrimSpace(out.Content) == "" {
			d.log.Debug("ignoring empty textOutput")
			return
		}
		s.listener.TextOutput(domain.ParseRole(out.Role), out.Content)
	case EventAudioOutput:
		var out AudioOutput
		if err := json.Unmarshal(body, &out); err != nil {
			d.protocolError(name, err)
			return
		}
		if strings.TrimSpace(out.Content) == "" {
			d.protocolError(name, errors.New("audioOutput without content"))
			return
		}
		d.playback.Enqueue(out.Content)
		s.listener.AudioOutput()
	case EventStatus:
		var status StatusEvent
		if err := decodeBody(body, &status, func(text string) { status.Message = text }); err != nil {
			d.protocolError(name, err)
			return
		}
		s.listener.Status(status.Text())
	case EventError:
		var appErr ErrorEvent
		if err := decodeBody(body, &appErr, func(text string) { appErr.Message = text }); err != nil {
			d.protocolError(name, err)
			return
		}
		s.listener.ApplicationError(appErr.Text())
	default:
		d.log.WithField("event", name).Debug("ignoring inbound event")
	}
}

func (d *Driver) stage(ctx context.Context, s *Session, name string, body any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ack := s.expect(name)
	defer s.forget(name)

	if err := d.send(name, body); err != nil {
		return err
	}

	timer := time.NewTimer(d.cfg.StageDelay)
	defer timer.Stop()

	select {
	case <-ack:
	case <-timer.C:
		d.log.WithField("event", name).Debug("no stage ack, continuing after delay")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (d *Driver) sendTextBundle(s *Session, role string, interactive bool, text string) error {
	d.bundleMu.Lock()
	defer d.bundleMu.Unlock()

	contentName := uuid.NewString()
	return d.sendSequence(
		event{EventContentStart, ContentStart{
			PromptName:             s.PromptName,
			ContentName:            contentName,
			Type:                   contentTypeText,
			Interactive:            interactive,
			Role:                   role,
			TextInputConfiguration: &MediaConfiguration{MediaType: "text/plain"},
		}},
		event{EventTextInput, ContentInput{PromptName: s.PromptName, ContentName: contentName, Content: text}},
		event{EventContentEnd, ContentEnd{PromptName: s.PromptName, ContentName: contentName}},
	)
}

func (d *Driver) awaitReady(ctx context.Context, s *Session) error {
	if s.isEnded() {
		return ErrSessionEnded
	}
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	err := s.handshakeErr
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return ErrSessionEnded
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return nil
}

type event struct {
	name string
	body any
}

func (d *Driver) sendSequence(events ...event) error {
	for _, e := range events {
		if err := d.send(e.name, e.body); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) send(name string, body any) error {
	if err := d.conn.Send(newFrame(name, body)); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	d.metrics.ControlEventsSent.WithLabelValues(name).Inc()
	return nil
}

func (d *Driver) protocolError(name string, err error) {
	d.metrics.ProtocolErrors.Inc()
	d.log.WithError(err).WithField("event", name).Warn("dropping malformed inbound event")
}

type nopListener struct{}

func (nopListener) TextOutput(domain.Role, string) {}
func (nopListener) AudioOutput()                   {}
func (nopListener) Status(string)                  {}
func (nopListener) ApplicationError(string)        {}
