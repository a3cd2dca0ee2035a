package usecase

import (
	"context"
	"encoding/json"

	"tpodvoice/internal/domain"
	"tpodvoice/internal/protocol"
)

// FrameProcessor turns microphone capture into encoded frames.
type FrameProcessor interface {
	Start(ctx context.Context, sink func(frame []byte), onError func(err error)) error
	Stop() error
}

// SessionDriver speaks the control-event protocol for one connection.
type SessionDriver interface {
	Begin(sessionID string, listener protocol.Listener) *protocol.Session
	Handshake(ctx context.Context, s *protocol.Session) error
	SendUserAudio(ctx context.Context, s *protocol.Session, pcm []byte) error
	SendUserText(ctx context.Context, s *protocol.Session, text string) error
	End(s *protocol.Session) error
	HandleMessage(s *protocol.Session, raw json.RawMessage)
}

// PlaybackControl is the part of the playback queue the controller drives directly.
type PlaybackControl interface {
	Clear()
}

// liveSession is the protocol session bound to the currently open socket.
type liveSession struct {
	session *protocol.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *liveSession) stop() {
	s.cancel()
}

// sessionListener routes protocol events back into the controller.
type sessionListener struct {
	c *Controller
}

func (l sessionListener) TextOutput(role domain.Role, content string) {
	l.c.appendTranscript(role, domain.MessageKindText, content)
}

func (l sessionListener) AudioOutput() {
	l.c.appendTranscript(domain.RoleAssistant, domain.MessageKindAudio, audioResponseContent)
}

func (l sessionListener) Status(message string) {
	l.c.setDetail(message)
}

func (l sessionListener) ApplicationError(message string) {
	l.c.logActivity("Error: " + message)
	l.c.reportError(domain.ErrorCodeApplication, message)
}
