package audio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"

	"tpodvoice/internal/logging"
	"tpodvoice/internal/ports"
)

const captureBacklog = 32

// PortAudioCapture opens the default input device through PortAudio.
// Only one session may hold the device at a time.
type PortAudioCapture struct {
	busy atomic.Bool
	log  logrus.FieldLogger
}

func NewPortAudioCapture(log logrus.FieldLogger) *PortAudioCapture {
	return &PortAudioCapture{log: logging.Component(log, "portaudio_capture")}
}

func (c *PortAudioCapture) Start(ctx context.Context, cfg ports.AudioConfig) (ports.CaptureSession, error) {
	cfg = normalizeAudioConfig(cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil, ErrDeviceBusy
	}

	if err := portaudio.Initialize(); err != nil {
		c.busy.Store(false)
		return nil, classifyDeviceError(fmt.Errorf("failed to initialize portaudio: %w", err), "")
	}

	session := &portAudioSession{
		blocks:  make(chan []float32, captureBacklog),
		release: func() { c.busy.Store(false) },
		log:     c.log,
	}

	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.BlockSize, session.onInput)
	if err != nil {
		_ = portaudio.Terminate()
		c.busy.Store(false)
		return nil, classifyDeviceError(fmt.Errorf("failed to open input stream: %w", err), "")
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		c.busy.Store(false)
		return nil, classifyDeviceError(fmt.Errorf("failed to start input stream: %w", err), "")
	}

	session.stream = stream
	return session, nil
}

type portAudioSession struct {
	stream  *portaudio.Stream
	blocks  chan []float32
	release func()
	log     logrus.FieldLogger

	// dropped counts blocks lost because the reader fell behind the device.
	dropped  atomic.Int64
	stopOnce sync.Once
	stopErr  error
}

func (s *portAudioSession) onInput(in []float32) {
	block := append([]float32(nil), in...)
	select {
	case s.blocks <- block:
	default:
		s.dropped.Add(1)
	}
}

func (s *portAudioSession) ReadBlock() ([]float32, error) {
	block, ok := <-s.blocks
	if !ok {
		return nil, io.EOF
	}
	return block, nil
}

func (s *portAudioSession) Stop() error {
	s.stopOnce.Do(func() {
		defer s.release()
		if s.stream != nil {
			s.stopErr = s.stream.Stop()
			if err := s.stream.Close(); err != nil && s.stopErr == nil {
				s.stopErr = err
			}
			if err := portaudio.Terminate(); err != nil && s.stopErr == nil {
				s.stopErr = err
			}
		}
		close(s.blocks)
		if n := s.dropped.Load(); n > 0 && s.log != nil {
			s.log.WithField("dropped_blocks", n).Warn("capture backlog overflowed, blocks were dropped")
		}
	})
	return s.stopErr
}
