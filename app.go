package main

import (
	"context"
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"tpodvoice/internal/bootstrap"
	"tpodvoice/internal/config"
	"tpodvoice/internal/domain"
	"tpodvoice/internal/usecase"
)

const (
	eventStatus     = "tpodvoice:status"
	eventTranscript = "tpodvoice:transcript"
	eventLog        = "tpodvoice:log"
	eventError      = "tpodvoice:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	services   bootstrap.Services
	controller *usecase.Controller
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.services = services
	a.cfg = services.Config
	a.controller = services.Controller
	a.StatusChanged(a.controller.Status())
}

func (a *App) shutdown(_ context.Context) {
	if a.controller != nil {
		_ = a.controller.Disconnect()
	}
	if err := a.services.Close(); err != nil && a.services.Logger != nil {
		a.services.Logger.WithError(err).Warn("shutdown was not clean")
	}
}

// Connect opens the voice backend connection.
func (a *App) Connect() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.Connect(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// Disconnect closes the connection, discarding any recording in progress.
func (a *App) Disconnect() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	err := a.controller.Disconnect()
	return a.controller.Status(), err
}

// StartRecording starts push-to-talk capture.
func (a *App) StartRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.StartRecording(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// StopRecording stops capture and sends the utterance.
func (a *App) StopRecording() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.controller.StopRecording(a.ctx); err != nil {
		return a.controller.Status(), err
	}
	return a.controller.Status(), nil
}

// SendText sends a typed message as a user turn.
func (a *App) SendText(text string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.SendText(a.ctx, text)
}

func (a *App) SendPing() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.SendPing()
}

func (a *App) ClearLog() {
	if a.controller != nil {
		a.controller.ClearLog()
	}
}

func (a *App) DismissError() {
	if a.controller != nil {
		a.controller.DismissError()
	}
}

// GetStatus returns the current status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		status := domain.Status{
			Label:      domain.StatusLabelDisconnected,
			Connection: domain.ConnectionDisconnected,
			Recording:  domain.RecordingIdle,
		}
		if a.bootErr != nil {
			status.Error = a.bootErr.Error()
		}
		return status
	}
	return a.controller.Status()
}

func (a *App) GetTranscript() []domain.TranscriptMessage {
	if a.controller == nil {
		return nil
	}
	return a.controller.Transcript()
}

func (a *App) GetActivityLog() []domain.LogEntry {
	if a.controller == nil {
		return nil
	}
	return a.controller.ActivityLog()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"url":            a.cfg.Backend.URL,
		"transport":      a.cfg.Backend.Transport,
		"captureBackend": a.cfg.Audio.CaptureBackend,
		"audioInput":     a.cfg.Audio.InputDevice,
		"sampleRate":     fmt.Sprintf("%d", a.cfg.Audio.SampleRate),
		"voice":          a.cfg.Session.VoiceID,
		"metrics":        a.services.MetricsAddr(),
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// StatusChanged emits the status to the frontend.
func (a *App) StatusChanged(status domain.Status) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventStatus, status)
}

// TranscriptAppended emits a new transcript message.
func (a *App) TranscriptAppended(message domain.TranscriptMessage) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventTranscript, message)
}

// ActivityLogged emits a new activity log line.
func (a *App) ActivityLogged(entry domain.LogEntry) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventLog, entry)
}

// SessionError emits errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermissionDenied:
		return "Microphone permission denied"
	case domain.ErrorCodeDeviceUnavailable:
		return "Microphone unavailable"
	case domain.ErrorCodeConnection:
		return "Connection error"
	case domain.ErrorCodeProtocol:
		return "Protocol error"
	case domain.ErrorCodeApplication:
		return "Backend error"
	case domain.ErrorCodeAudioStream:
		return "Audio streaming issue"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
