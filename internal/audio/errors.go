package audio

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	ErrDeviceBusy        = fmt.Errorf("%w: microphone already in use", ErrDeviceUnavailable)
)

// classifyDeviceError maps a platform failure onto the capture error taxonomy.
func classifyDeviceError(err error, detail string) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error() + " " + detail)
	for _, marker := range []string{"permission denied", "not permitted", "access denied", "unauthorized"} {
		if strings.Contains(text, marker) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
