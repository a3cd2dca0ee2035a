package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"tpodvoice/internal/audio"
	"tpodvoice/internal/logging"
	"tpodvoice/internal/ports"
)

var (
	ErrAlreadyCapturing = errors.New("audio capture is already running")
	ErrNotCapturing     = errors.New("audio capture is not running")
)

// Encoder turns one block of normalized samples into a wire frame.
type Encoder func(samples []float32) []byte

// ProcessorConfig configures an AudioProcessor.
type ProcessorConfig struct {
	Audio  ports.AudioConfig
	Encode Encoder
}

// AudioProcessor bridges capture blocks into encoded frames for a sink.
// Frames reach the sink in capture order, one at a time.
type AudioProcessor struct {
	source ports.CaptureSource
	cfg    ports.AudioConfig
	encode Encoder
	log    logrus.FieldLogger

	mu       sync.Mutex
	starting bool
	current  *captureRun
}

type captureRun struct {
	session ports.CaptureSession
	sink    func(frame []byte)
	onError func(err error)

	deliverMu sync.Mutex
	stopped   bool
}

func (r *captureRun) deliver(frame []byte) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if r.stopped {
		return
	}
	r.sink(frame)
}

func (r *captureRun) halt() {
	r.deliverMu.Lock()
	r.stopped = true
	r.deliverMu.Unlock()
}

func (r *captureRun) isStopped() bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	return r.stopped
}

func NewAudioProcessor(source ports.CaptureSource, cfg ProcessorConfig, log logrus.FieldLogger) *AudioProcessor {
	if cfg.Encode == nil {
		cfg.Encode = audio.EncodePCM16
	}
	return &AudioProcessor{
		source: source,
		cfg:    cfg.Audio,
		encode: cfg.Encode,
		log:    logging.Component(log, "audio_processor"),
	}
}

// Start opens the capture source and delivers every block to sink as an encoded frame.
// onError, if set, receives capture failures that end the run early.
func (p *AudioProcessor) Start(ctx context.Context, sink func(frame []byte), onError func(err error)) error {
	if sink == nil {
		return errors.New("audio processor requires a sink")
	}

	p.mu.Lock()
	if p.starting || p.current != nil {
		p.mu.Unlock()
		return ErrAlreadyCapturing
	}
	p.starting = true
	p.mu.Unlock()

	session, err := p.source.Start(ctx, p.cfg)

	p.mu.Lock()
	p.starting = false
	if err != nil {
		p.mu.Unlock()
		return err
	}
	run := &captureRun{session: session, sink: sink, onError: onError}
	p.current = run
	p.mu.Unlock()

	p.log.Debug("capture started")
	go p.pump(run)
	return nil
}

// Stop stops the capture source. No sink call happens after Stop returns.
// A frame whose encode is still in flight is dropped.
func (p *AudioProcessor) Stop() error {
	p.mu.Lock()
	run := p.current
	p.current = nil
	p.mu.Unlock()

	if run == nil {
		return ErrNotCapturing
	}

	run.halt()
	if err := run.session.Stop(); err != nil {
		return fmt.Errorf("failed to stop audio capture: %w", err)
	}
	p.log.Debug("capture stopped")
	return nil
}

func (p *AudioProcessor) pump(run *captureRun) {
	for {
		block, err := run.session.ReadBlock()
		if len(block) > 0 {
			run.deliver(p.encode(block))
		}
		if err == nil {
			continue
		}

		if run.isStopped() {
			return
		}
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("capture source closed unexpectedly: %w", err)
		}
		p.log.WithError(err).Warn("audio capture failed")

		p.mu.Lock()
		if p.current == run {
			p.current = nil
		}
		p.mu.Unlock()
		run.halt()
		_ = run.session.Stop()

		if run.onError != nil {
			run.onError(err)
		}
		return
	}
}
