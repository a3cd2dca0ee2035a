package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"tpodvoice/internal/audio"
	"tpodvoice/internal/config"
	"tpodvoice/internal/connection"
	"tpodvoice/internal/logging"
	"tpodvoice/internal/metrics"
	"tpodvoice/internal/playback"
	"tpodvoice/internal/ports"
	"tpodvoice/internal/protocol"
	"tpodvoice/internal/providers/rawws"
	"tpodvoice/internal/providers/sockjs"
	"tpodvoice/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller *usecase.Controller
	Config     config.Config
	Logger     *logrus.Logger
	Registry   *prometheus.Registry

	connection    *connection.Manager
	playback      *playback.Queue
	metricsServer *http.Server
	metricsAddr   string
}

// MetricsAddr returns the bound metrics address, or "" when the endpoint is disabled.
func (s Services) MetricsAddr() string {
	return s.metricsAddr
}

// Close releases the connection, playback worker and metrics endpoint.
func (s Services) Close() error {
	var errs []error
	if s.connection != nil {
		errs = append(errs, s.connection.Close())
	}
	if s.playback != nil {
		errs = append(errs, s.playback.Close())
	}
	if s.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errs = append(errs, s.metricsServer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Build wires all backend dependencies for the current runtime.
func Build(eventSink ports.EventSink) (Services, error) {
	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}

	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	manager := connection.NewManager(newTransport(cfg), connection.Config{
		ReconnectDelay: cfg.Backend.ReconnectDelay,
		ConnectTimeout: cfg.Backend.ConnectTimeout,
	}, logger, m)

	processor := usecase.NewAudioProcessor(newCaptureSource(cfg, logger), usecase.ProcessorConfig{
		Audio: ports.AudioConfig{
			SampleRate:       cfg.Audio.SampleRate,
			Channels:         cfg.Audio.Channels,
			BlockSize:        cfg.Audio.BlockSize,
			InputFormat:      cfg.Audio.InputFormat,
			InputDevice:      cfg.Audio.InputDevice,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
	}, logger)

	var output ports.AudioOutput = audio.DiscardOutput{}
	if cfg.Audio.PlaybackEnabled {
		output = audio.NewPortAudioOutput(cfg.Audio.PlaybackSampleRate, cfg.Audio.Channels)
	}
	queue := playback.NewQueue(audio.Base64PCMDecoder{}, output, playback.Config{
		Capacity: cfg.Session.PlaybackCapacity,
	}, logger, m)

	driver := protocol.NewDriver(manager, queue, protocol.Config{
		InputSampleRate:  cfg.Audio.SampleRate,
		OutputSampleRate: cfg.Audio.PlaybackSampleRate,
		Channels:         cfg.Audio.Channels,
		VoiceID:          cfg.Session.VoiceID,
		SystemPrompt:     cfg.Session.SystemPrompt,
		StageDelay:       cfg.Session.StageDelay,
	}, logger, m)

	controller := usecase.NewController(manager, processor, driver, queue, eventSink, usecase.Config{
		URL:      cfg.Backend.URL,
		LogLimit: cfg.Session.LogLimit,
	}, logger)

	services := Services{
		Controller: controller,
		Config:     cfg,
		Logger:     logger,
		Registry:   registry,
		connection: manager,
		playback:   queue,
	}

	if cfg.Metrics.Addr != "" {
		server, addr, err := serveMetrics(cfg.Metrics.Addr, registry, logger)
		if err != nil {
			_ = services.Close()
			return Services{}, err
		}
		services.metricsServer = server
		services.metricsAddr = addr
	}

	logger.WithFields(logrus.Fields{
		"transport": cfg.Backend.Transport,
		"capture":   cfg.Audio.CaptureBackend,
		"url":       cfg.Backend.URL,
	}).Info("voice client ready")
	return services, nil
}

func newTransport(cfg config.Config) ports.Transport {
	if cfg.Backend.Transport == config.TransportSockJS {
		return sockjs.NewTransport(sockjs.Config{HandshakeTimeout: cfg.Backend.ConnectTimeout})
	}
	return rawws.NewTransport(rawws.Config{HandshakeTimeout: cfg.Backend.ConnectTimeout})
}

func newCaptureSource(cfg config.Config, log logrus.FieldLogger) ports.CaptureSource {
	if cfg.Audio.CaptureBackend == config.CaptureBackendFFMPEG {
		return audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand)
	}
	return audio.NewPortAudioCapture(log)
}

func serveMetrics(addr string, registry *prometheus.Registry, log logrus.FieldLogger) (*http.Server, string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics endpoint stopped")
		}
	}()
	return server, listener.Addr().String(), nil
}
