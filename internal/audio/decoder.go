package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyPayload = errors.New("audio payload is empty")

// Base64PCMDecoder decodes base64-wrapped 16-bit little-endian PCM payloads.
type Base64PCMDecoder struct{}

func (Base64PCMDecoder) Decode(ctx context.Context, payload string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 audio payload: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}
	return DecodePCM16(raw)
}
