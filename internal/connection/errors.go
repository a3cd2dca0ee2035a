package connection

import (
	"errors"
	"io"

	"tpodvoice/internal/ports"
)

// IsNormalClose reports whether a read error is an orderly close by the peer.
func IsNormalClose(err error) bool {
	return errors.Is(err, ports.ErrClosedNormally) || errors.Is(err, io.EOF)
}
