package audio

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// PortAudioOutput plays PCM samples on the default output device.
type PortAudioOutput struct {
	sampleRate      int
	channels        int
	framesPerBuffer int
}

func NewPortAudioOutput(sampleRate int, channels int) *PortAudioOutput {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if channels <= 0 {
		channels = 1
	}
	return &PortAudioOutput{sampleRate: sampleRate, channels: channels, framesPerBuffer: 1024}
}

// Play writes samples to a fresh output stream and returns once they have been handed to the device.
func (o *PortAudioOutput) Play(ctx context.Context, samples []float32) error {
	if len(samples) == 0 {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	buf := make([]float32, o.framesPerBuffer*o.channels)
	stream, err := portaudio.OpenDefaultStream(0, o.channels, float64(o.sampleRate), o.framesPerBuffer, &buf)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}

	for offset := 0; offset < len(samples); offset += len(buf) {
		if err := ctx.Err(); err != nil {
			_ = stream.Abort()
			return err
		}
		n := copy(buf, samples[offset:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			_ = stream.Abort()
			return fmt.Errorf("failed to write output stream: %w", err)
		}
	}

	return stream.Stop()
}

// DiscardOutput drops samples. It is used when playback is disabled.
type DiscardOutput struct{}

func (DiscardOutput) Play(ctx context.Context, _ []float32) error {
	return ctx.Err()
}
