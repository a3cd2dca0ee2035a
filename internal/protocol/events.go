package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Outbound control event names.
const (
	EventSessionStart = "sessionStart"
	EventPromptStart  = "promptStart"
	EventContentStart = "contentStart"
	EventTextInput    = "textInput"
	EventAudioInput   = "audioInput"
	EventContentEnd   = "contentEnd"
	EventPromptEnd    = "promptEnd"
	EventSessionEnd   = "sessionEnd"
)

// Inbound event names.
const (
	EventTextOutput  = "textOutput"
	EventAudioOutput = "audioOutput"
	EventStatus      = "status"
	EventError       = "error"
)

const (
	contentTypeText  = "TEXT"
	contentTypeAudio = "AUDIO"

	roleSystem = "SYSTEM"
	roleUser   = "USER"
)

var ErrMalformedEvent = errors.New("malformed event frame")

// Frame is the wire envelope shared by every control and inbound event.
type Frame struct {
	Event map[string]any `json:"event"`
}

func newFrame(name string, body any) Frame {
	return Frame{Event: map[string]any{name: body}}
}

type InferenceConfiguration struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type SessionStart struct {
	InferenceConfiguration InferenceConfiguration `json:"inferenceConfiguration"`
}

type MediaConfiguration struct {
	MediaType string `json:"mediaType"`
}

type AudioConfiguration struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type PromptStart struct {
	PromptName               string             `json:"promptName"`
	TextOutputConfiguration  MediaConfiguration `json:"textOutputConfiguration"`
	AudioOutputConfiguration AudioConfiguration `json:"audioOutputConfiguration"`
}

type ContentStart struct {
	PromptName              string              `json:"promptName"`
	ContentName             string              `json:"contentName"`
	Type                    string              `json:"type"`
	Interactive             bool                `json:"interactive"`
	Role                    string              `json:"role"`
	TextInputConfiguration  *MediaConfiguration `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *AudioConfiguration `json:"audioInputConfiguration,omitempty"`
}

// ContentInput is the body of textInput and audioInput.
type ContentInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type ContentEnd struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type PromptEnd struct {
	PromptName string `json:"promptName"`
}

type SessionEnd struct{}

type TextOutput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AudioOutput struct {
	Content string `json:"content"`
}

// StatusEvent accepts either {"message": "..."} or {"status": "..."}.
type StatusEvent struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (s StatusEvent) Text() string {
	return firstNonEmpty(s.Message, s.Status)
}

// ErrorEvent accepts either {"message": "..."} or {"error": "..."}.
type ErrorEvent struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

func (e ErrorEvent) Text() string {
	return firstNonEmpty(e.Message, e.Error, "backend reported an error")
}

// ParseEvent splits an inbound frame into its event name and body.
func ParseEvent(raw json.RawMessage) (string, json.RawMessage, error) {
	var envelope struct {
		Event map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if len(envelope.Event) != 1 {
		return "", nil, fmt.Errorf("%w: expected exactly one event, got %d", ErrMalformedEvent, len(envelope.Event))
	}
	for name, body := range envelope.Event {
		return name, body, nil
	}
	return "", nil, ErrMalformedEvent
}

// decodeBody also accepts a bare JSON string body and hands it to assign.
func decodeBody(body json.RawMessage, out any, assign func(string)) error {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(body, &text); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		assign(text)
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if v := strings.TrimSpace(value); v != "" {
			return v
		}
	}
	return ""
}
