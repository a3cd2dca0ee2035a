package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrOddFrameLength is returned when a PCM16 buffer does not hold whole samples.
var ErrOddFrameLength = errors.New("pcm16 frame has odd byte length")

// EncodePCM16 converts normalized float samples into 16-bit little-endian PCM.
// Samples are clamped to [-1, 1]; NaN encodes as silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(sampleToInt16(s)))
	}
	return out
}

// DecodePCM16 converts 16-bit little-endian PCM back into normalized float samples.
func DecodePCM16(frame []byte) ([]float32, error) {
	if len(frame)%2 != 0 {
		return nil, ErrOddFrameLength
	}
	out := make([]float32, len(frame)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(frame[2*i:]))
		if v < 0 {
			out[i] = float32(v) / 32768
		} else {
			out[i] = float32(v) / 32767
		}
	}
	return out, nil
}

func sampleToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}
