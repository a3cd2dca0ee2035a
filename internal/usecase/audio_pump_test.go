package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tpodvoice/internal/audio"
	"tpodvoice/internal/logging"
)

func TestAudioProcessorDeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	session := newFakeCaptureSession()
	processor := NewAudioProcessor(&fakeCaptureSource{sessions: []*fakeCaptureSession{session}}, ProcessorConfig{}, logging.Discard())
	sink := &frameSink{}

	if err := processor.Start(context.Background(), sink.add, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	blocks := [][]float32{{0.1}, {-0.2, 0.3}, {1}, {-1}, {0}}
	for _, block := range blocks {
		session.blocks <- block
	}
	waitFor(t, func() bool { return sink.count() == len(blocks) })

	if err := processor.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	frames := sink.snapshot()
	for i, block := range blocks {
		if string(frames[i]) != string(audio.EncodePCM16(block)) {
			t.Fatalf("frame %d out of order or corrupted", i)
		}
	}
}

func TestAudioProcessorStopDropsFrameStillEncoding(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	slowEncode := func(samples []float32) []byte {
		close(entered)
		<-release
		return audio.EncodePCM16(samples)
	}

	session := newFakeCaptureSession()
	processor := NewAudioProcessor(
		&fakeCaptureSource{sessions: []*fakeCaptureSession{session}},
		ProcessorConfig{Encode: slowEncode},
		logging.Discard(),
	)
	sink := &frameSink{}
	if err := processor.Start(context.Background(), sink.add, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	session.blocks <- []float32{0.5}
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- processor.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("stop blocked on an in-flight encode")
	}

	close(release)
	time.Sleep(30 * time.Millisecond)

	if got := sink.count(); got != 0 {
		t.Fatalf("expected no frames after stop, got %d", got)
	}
	if got := session.stopCount(); got != 1 {
		t.Fatalf("expected capture to be stopped once, got %d", got)
	}
}

func TestAudioProcessorStartFailurePropagates(t *testing.T) {
	t.Parallel()

	source := &fakeCaptureSource{err: audio.ErrPermissionDenied}
	processor := NewAudioProcessor(source, ProcessorConfig{}, logging.Discard())
	sink := &frameSink{}

	if err := processor.Start(context.Background(), sink.add, nil); !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("sink must not be called when start fails")
	}

	source.setErr(nil)
	source.add(newFakeCaptureSession())
	if err := processor.Start(context.Background(), sink.add, nil); err != nil {
		t.Fatalf("start after failure should succeed, got %v", err)
	}
	_ = processor.Stop()
}

func TestAudioProcessorRejectsSecondStart(t *testing.T) {
	t.Parallel()

	processor := NewAudioProcessor(
		&fakeCaptureSource{sessions: []*fakeCaptureSession{newFakeCaptureSession(), newFakeCaptureSession()}},
		ProcessorConfig{},
		logging.Discard(),
	)
	sink := &frameSink{}

	if err := processor.Start(context.Background(), sink.add, nil); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := processor.Start(context.Background(), sink.add, nil); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("expected ErrAlreadyCapturing, got %v", err)
	}
	if err := processor.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := processor.Stop(); !errors.Is(err, ErrNotCapturing) {
		t.Fatalf("expected ErrNotCapturing, got %v", err)
	}
}

func TestAudioProcessorReportsCaptureFailure(t *testing.T) {
	t.Parallel()

	session := newFakeCaptureSession()
	session.readErr = errors.New("device unplugged")
	processor := NewAudioProcessor(
		&fakeCaptureSource{sessions: []*fakeCaptureSession{session, newFakeCaptureSession()}},
		ProcessorConfig{},
		logging.Discard(),
	)

	failures := make(chan error, 1)
	if err := processor.Start(context.Background(), (&frameSink{}).add, func(err error) { failures <- err }); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	close(session.blocks)

	select {
	case err := <-failures:
		if err == nil || err.Error() != "device unplugged" {
			t.Fatalf("unexpected failure: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("capture failure was not reported")
	}

	if err := processor.Start(context.Background(), (&frameSink{}).add, nil); err != nil {
		t.Fatalf("expected processor to accept a new run after failure, got %v", err)
	}
	_ = processor.Stop()
}

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) add(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *frameSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}
