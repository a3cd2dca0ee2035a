package ports

import (
	"context"
	"encoding/json"
	"errors"

	"tpodvoice/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate       int
	Channels         int
	BlockSize        int
	InputFormat      string
	InputDevice      string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureSession is a live microphone capture.
type CaptureSession interface {
	// ReadBlock blocks until the next block of normalized samples is available.
	// It returns io.EOF once the session is stopped.
	ReadBlock() ([]float32, error)
	Stop() error
}

// CaptureSource opens microphone capture sessions.
type CaptureSource interface {
	Start(ctx context.Context, cfg AudioConfig) (CaptureSession, error)
}

// MessageType distinguishes text from binary socket frames.
type MessageType int

const (
	TextMessage MessageType = iota + 1
	BinaryMessage
)

// Message is one inbound socket frame.
type Message struct {
	Type MessageType
	Data []byte
}

// ErrClosedNormally is returned by Conn.ReadMessage when the peer closed the socket in an orderly way.
var ErrClosedNormally = errors.New("socket closed normally")

// ErrMalformedFrame is returned by Conn.ReadMessage for an undecodable frame.
// The socket is still usable and the caller may keep reading.
var ErrMalformedFrame = errors.New("malformed inbound frame")

// Conn is an open bidirectional socket.
type Conn interface {
	ReadMessage() (Message, error)
	WriteText(data []byte) error
	WriteBinary(data []byte) error
	SupportsBinary() bool
	Close() error
}

// Transport dials socket connections to the voice backend.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// ConnectionHandlers is the event surface of a Connection.
// Nil handlers are skipped.
type ConnectionHandlers struct {
	OnOpen          func()
	OnMessage       func(event json.RawMessage)
	OnBinaryMessage func(data []byte)
	OnTextMessage   func(text string)
	OnError         func(err error)
	OnClose         func()
	OnStateChange   func(state domain.ConnectionState)
}

// Connection is a supervised socket to the voice backend.
type Connection interface {
	Connect(ctx context.Context, url string) error
	Close() error
	State() domain.ConnectionState
	Send(v any) error
	SendText(text string) error
	SendBinary(frame []byte) error
	SupportsBinary() bool
	SetHandlers(h ConnectionHandlers)
}

// AudioDecoder turns an inbound audio payload into PCM samples.
type AudioDecoder interface {
	Decode(ctx context.Context, payload string) ([]float32, error)
}

// AudioOutput plays decoded samples. Play blocks until playback completes.
type AudioOutput interface {
	Play(ctx context.Context, samples []float32) error
}

// EventSink emits backend state/events to the UI.
type EventSink interface {
	StatusChanged(status domain.Status)
	TranscriptAppended(message domain.TranscriptMessage)
	ActivityLogged(entry domain.LogEntry)
	SessionError(code domain.ErrorCode, detail string)
}
