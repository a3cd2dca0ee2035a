package domain

import (
	"strings"
	"time"
)

// ConnectionState models the voice backend connection lifecycle.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// RecordingState models the push-to-talk lifecycle.
type RecordingState string

const (
	RecordingIdle       RecordingState = "idle"
	RecordingActive     RecordingState = "recording"
	RecordingProcessing RecordingState = "processing"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole normalises backend role names. Unknown roles are attributed to the assistant.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user":
		return RoleUser
	case "system":
		return RoleSystem
	default:
		return RoleAssistant
	}
}

// MessageKind identifies whether a transcript entry carried text or audio.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindAudio MessageKind = "audio"
)

// TranscriptMessage is one immutable transcript entry.
type TranscriptMessage struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
}

// LogEntry is one activity log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ErrorCode identifies user-visible error categories.
type ErrorCode string

const (
	ErrorCodeStartup           ErrorCode = "startup"
	ErrorCodePermissionDenied  ErrorCode = "permission_denied"
	ErrorCodeDeviceUnavailable ErrorCode = "device_unavailable"
	ErrorCodeConnection        ErrorCode = "connection"
	ErrorCodeProtocol          ErrorCode = "protocol"
	ErrorCodeApplication       ErrorCode = "application"
	ErrorCodeAudioStream       ErrorCode = "audio_stream"
)

// Status labels shown to the user.
const (
	StatusLabelDisconnected    = "Disconnected"
	StatusLabelConnecting      = "Connecting..."
	StatusLabelConnected       = "Connected"
	StatusLabelRecording       = "Recording"
	StatusLabelProcessing      = "Processing..."
	StatusLabelConnectionError = "Connection Error"
)

// Status summarizes the current runtime status.
type Status struct {
	Label      string          `json:"label"`
	Connection ConnectionState `json:"connection"`
	Recording  RecordingState  `json:"recording"`
	Connected  bool            `json:"connected"`
	Active     bool            `json:"active"`
	SessionID  string          `json:"sessionId,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// StatusLabel derives the single display string for a connection/recording pair.
// Connection problems take precedence over the recording state.
func StatusLabel(conn ConnectionState, rec RecordingState) string {
	switch conn {
	case ConnectionConnecting:
		return StatusLabelConnecting
	case ConnectionError:
		return StatusLabelConnectionError
	case ConnectionConnected:
	default:
		return StatusLabelDisconnected
	}
	switch rec {
	case RecordingActive:
		return StatusLabelRecording
	case RecordingProcessing:
		return StatusLabelProcessing
	default:
		return StatusLabelConnected
	}
}
