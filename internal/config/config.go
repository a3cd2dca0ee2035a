package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "websocket"
	TransportSockJS    = "sockjs"

	CaptureBackendPortAudio = "portaudio"
	CaptureBackendFFMPEG    = "ffmpeg"
)

// Config stores runtime configuration for the voice client.
type Config struct {
	Backend BackendConfig
	Audio   AudioConfig
	Session SessionConfig
	Log     LogConfig
	Metrics MetricsConfig
}

type BackendConfig struct {
	URL            string
	Transport      string
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
}

type AudioConfig struct {
	CaptureBackend     string
	RecorderCommand    string
	InputFormat        string
	InputDevice        string
	SampleRate         int
	PlaybackSampleRate int
	Channels           int
	BlockSize          int
	PlaybackEnabled    bool
}

type SessionConfig struct {
	VoiceID          string
	SystemPrompt     string
	StageDelay       time.Duration
	PlaybackCapacity int
	LogLimit         int
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Addr string
}

// fileConfig is the optional YAML overlay. Zero values leave defaults untouched.
type fileConfig struct {
	URL              string `yaml:"url"`
	Transport        string `yaml:"transport"`
	ReconnectDelayMS int    `yaml:"reconnect_delay_ms"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`

	Audio struct {
		CaptureBackend     string `yaml:"capture_backend"`
		FFMPEGCommand      string `yaml:"ffmpeg_command"`
		InputFormat        string `yaml:"input_format"`
		InputDevice        string `yaml:"input_device"`
		SampleRate         int    `yaml:"sample_rate"`
		PlaybackSampleRate int    `yaml:"playback_sample_rate"`
		Channels           int    `yaml:"channels"`
		BlockSize          int    `yaml:"block_size"`
		PlaybackEnabled    *bool  `yaml:"playback_enabled"`
	} `yaml:"audio"`

	Session struct {
		VoiceID          string `yaml:"voice_id"`
		SystemPrompt     string `yaml:"system_prompt"`
		StageDelayMS     int    `yaml:"stage_delay_ms"`
		PlaybackCapacity int    `yaml:"playback_capacity"`
		LogLimit         int    `yaml:"log_limit"`
	} `yaml:"session"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

func defaults() Config {
	return Config{
		Backend: BackendConfig{
			URL:            "ws://localhost:8080/voice",
			Transport:      TransportWebSocket,
			ReconnectDelay: 3 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Audio: AudioConfig{
			CaptureBackend:     CaptureBackendPortAudio,
			RecorderCommand:    "ffmpeg",
			InputFormat:        "pulse",
			InputDevice:        "default",
			SampleRate:         16000,
			PlaybackSampleRate: 24000,
			Channels:           1,
			BlockSize:          4096,
			PlaybackEnabled:    true,
		},
		Session: SessionConfig{
			VoiceID:          "matthew",
			StageDelay:       500 * time.Millisecond,
			PlaybackCapacity: 64,
			LogLimit:         10,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load resolves configuration from defaults, an optional YAML file, a .env file and
// environment variables, in increasing order of precedence.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	dotenvPath := strings.TrimSpace(os.Getenv("TPODVOICE_ENV_FILE"))
	if dotenvPath == "" {
		dotenvPath = ".env"
	}
	e, err := newEnv(dotenvPath)
	if err != nil {
		return Config{}, err
	}

	cfg := defaults()

	filePath := e.get("TPODVOICE_CONFIG_FILE")
	if filePath == "" {
		filePath = firstExisting(filepath.Join(home, ".config", "tpodvoice", "config.yaml"))
	}
	if filePath != "" {
		if err := applyFile(&cfg, filePath); err != nil {
			return Config{}, err
		}
	}

	cfg.Backend.URL = e.orDefault("TPODVOICE_URL", cfg.Backend.URL)
	cfg.Backend.Transport = strings.ToLower(e.orDefault("TPODVOICE_TRANSPORT", cfg.Backend.Transport))
	cfg.Backend.ReconnectDelay = e.millisOrDefault("TPODVOICE_RECONNECT_DELAY_MS", cfg.Backend.ReconnectDelay)
	cfg.Backend.ConnectTimeout = e.millisOrDefault("TPODVOICE_CONNECT_TIMEOUT_MS", cfg.Backend.ConnectTimeout)

	cfg.Audio.CaptureBackend = strings.ToLower(e.orDefault("TPODVOICE_CAPTURE_BACKEND", cfg.Audio.CaptureBackend))
	cfg.Audio.RecorderCommand = e.orDefault("TPODVOICE_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = e.orDefault("TPODVOICE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(e.get("TPODVOICE_AUDIO_INPUT_DEVICE"), e.get("PULSE_SOURCE"), cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = e.intOrDefault("TPODVOICE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.PlaybackSampleRate = e.intOrDefault("TPODVOICE_PLAYBACK_SAMPLE_RATE", cfg.Audio.PlaybackSampleRate)
	cfg.Audio.Channels = e.intOrDefault("TPODVOICE_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.BlockSize = e.intOrDefault("TPODVOICE_BLOCK_SIZE", cfg.Audio.BlockSize)
	cfg.Audio.PlaybackEnabled = e.boolOrDefault("TPODVOICE_PLAYBACK_ENABLED", cfg.Audio.PlaybackEnabled)

	cfg.Session.VoiceID = e.orDefault("TPODVOICE_VOICE_ID", cfg.Session.VoiceID)
	cfg.Session.SystemPrompt = e.orDefault("TPODVOICE_SYSTEM_PROMPT", cfg.Session.SystemPrompt)
	cfg.Session.StageDelay = e.millisOrDefault("TPODVOICE_STAGE_DELAY_MS", cfg.Session.StageDelay)
	cfg.Session.PlaybackCapacity = e.intOrDefault("TPODVOICE_PLAYBACK_CAPACITY", cfg.Session.PlaybackCapacity)
	cfg.Session.LogLimit = e.intOrDefault("TPODVOICE_LOG_LIMIT", cfg.Session.LogLimit)

	cfg.Log.Level = e.orDefault("TPODVOICE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = e.orDefault("TPODVOICE_LOG_FORMAT", cfg.Log.Format)
	cfg.Metrics.Addr = e.orDefault("TPODVOICE_METRICS_ADDR", cfg.Metrics.Addr)

	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg.Backend.URL = firstNonEmpty(file.URL, cfg.Backend.URL)
	cfg.Backend.Transport = firstNonEmpty(file.Transport, cfg.Backend.Transport)
	if file.ReconnectDelayMS > 0 {
		cfg.Backend.ReconnectDelay = time.Duration(file.ReconnectDelayMS) * time.Millisecond
	}
	if file.ConnectTimeoutMS > 0 {
		cfg.Backend.ConnectTimeout = time.Duration(file.ConnectTimeoutMS) * time.Millisecond
	}

	cfg.Audio.CaptureBackend = firstNonEmpty(file.Audio.CaptureBackend, cfg.Audio.CaptureBackend)
	cfg.Audio.RecorderCommand = firstNonEmpty(file.Audio.FFMPEGCommand, cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = firstNonEmpty(file.Audio.InputFormat, cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(file.Audio.InputDevice, cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = firstPositive(file.Audio.SampleRate, cfg.Audio.SampleRate)
	cfg.Audio.PlaybackSampleRate = firstPositive(file.Audio.PlaybackSampleRate, cfg.Audio.PlaybackSampleRate)
	cfg.Audio.Channels = firstPositive(file.Audio.Channels, cfg.Audio.Channels)
	cfg.Audio.BlockSize = firstPositive(file.Audio.BlockSize, cfg.Audio.BlockSize)
	if file.Audio.PlaybackEnabled != nil {
		cfg.Audio.PlaybackEnabled = *file.Audio.PlaybackEnabled
	}

	cfg.Session.VoiceID = firstNonEmpty(file.Session.VoiceID, cfg.Session.VoiceID)
	cfg.Session.SystemPrompt = firstNonEmpty(file.Session.SystemPrompt, cfg.Session.SystemPrompt)
	if file.Session.StageDelayMS > 0 {
		cfg.Session.StageDelay = time.Duration(file.Session.StageDelayMS) * time.Millisecond
	}
	cfg.Session.PlaybackCapacity = firstPositive(file.Session.PlaybackCapacity, cfg.Session.PlaybackCapacity)
	cfg.Session.LogLimit = firstPositive(file.Session.LogLimit, cfg.Session.LogLimit)

	cfg.Log.Level = firstNonEmpty(file.Log.Level, cfg.Log.Level)
	cfg.Log.Format = firstNonEmpty(file.Log.Format, cfg.Log.Format)
	cfg.Metrics.Addr = firstNonEmpty(file.Metrics.Addr, cfg.Metrics.Addr)
	return nil
}

func normalize(cfg *Config) {
	d := defaults()
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = d.Audio.SampleRate
	}
	if cfg.Audio.PlaybackSampleRate <= 0 {
		cfg.Audio.PlaybackSampleRate = d.Audio.PlaybackSampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = d.Audio.Channels
	}
	if cfg.Audio.BlockSize < 256 {
		cfg.Audio.BlockSize = d.Audio.BlockSize
	}
	if cfg.Backend.ReconnectDelay <= 0 {
		cfg.Backend.ReconnectDelay = d.Backend.ReconnectDelay
	}
	if cfg.Backend.ConnectTimeout <= 0 {
		cfg.Backend.ConnectTimeout = d.Backend.ConnectTimeout
	}
	if cfg.Session.StageDelay <= 0 {
		cfg.Session.StageDelay = d.Session.StageDelay
	}
	if cfg.Session.PlaybackCapacity <= 0 {
		cfg.Session.PlaybackCapacity = d.Session.PlaybackCapacity
	}
	if cfg.Session.LogLimit <= 0 {
		cfg.Session.LogLimit = d.Session.LogLimit
	}
}

func validate(cfg Config) error {
	switch cfg.Backend.Transport {
	case TransportWebSocket, TransportSockJS:
	default:
		return fmt.Errorf("unsupported transport %q (want %s or %s)", cfg.Backend.Transport, TransportWebSocket, TransportSockJS)
	}
	switch cfg.Audio.CaptureBackend {
	case CaptureBackendPortAudio, CaptureBackendFFMPEG:
	default:
		return fmt.Errorf("unsupported capture backend %q (want %s or %s)", cfg.Audio.CaptureBackend, CaptureBackendPortAudio, CaptureBackendFFMPEG)
	}
	if strings.TrimSpace(cfg.Backend.URL) == "" {
		return errors.New("voice backend url is not configured")
	}
	return nil
}

// env reads process variables first and falls back to values from a .env file.
type env struct {
	dotenv map[string]string
}

func newEnv(dotenvPath string) (env, error) {
	if _, err := os.Stat(dotenvPath); err != nil {
		return env{}, nil
	}
	values, err := godotenv.Read(dotenvPath)
	if err != nil {
		return env{}, fmt.Errorf("read %s: %w", dotenvPath, err)
	}
	return env{dotenv: values}, nil
}

func (e env) get(key string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(e.dotenv[key])
}

func (e env) orDefault(key string, fallback string) string {
	value := e.get(key)
	if value == "" {
		return fallback
	}
	return value
}

func (e env) intOrDefault(key string, fallback int) int {
	value := e.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (e env) boolOrDefault(key string, fallback bool) bool {
	switch strings.ToLower(e.get(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (e env) millisOrDefault(key string, fallback time.Duration) time.Duration {
	value := e.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}
