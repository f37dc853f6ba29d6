// Package accel abstracts optional hardware-accelerated buffer
// operations. Pipelines probe a backend with TryAccelerate and fall
// back to their own CPU path when the backend declines.
package accel

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrUnsupported indicates the backend cannot accelerate the requested
// operation and the caller should use its CPU path.
var ErrUnsupported = errors.New("operation not supported by acceleration backend")

// Op identifies an accelerable buffer operation
type Op string

const (
	OpColorConvert Op = "color_convert"
	OpScale        Op = "scale"
	OpCopy         Op = "copy"
)

// Backend is implemented by platform acceleration providers
type Backend interface {
	// Name identifies the backend in logs and status reports
	Name() string
	// TryAccelerate performs op over the given buffers, or returns
	// ErrUnsupported when the caller should fall back to CPU.
	TryAccelerate(op Op, buffers ...[]byte) error
}

// CPUBackend is the always-available software backend. It only handles
// plain copies; everything else is declined so callers run their own
// conversion code.
type CPUBackend struct {
	logger *logrus.Logger
}

// NewCPUBackend creates the software fallback backend
func NewCPUBackend(logger *logrus.Logger) *CPUBackend {
	return &CPUBackend{logger: logger}
}

func (b *CPUBackend) Name() string {
	return "cpu"
}

func (b *CPUBackend) TryAccelerate(op Op, buffers ...[]byte) error {
	switch op {
	case OpCopy:
		if len(buffers) != 2 {
			return fmt.Errorf("copy expects 2 buffers, got %d", len(buffers))
		}
		if len(buffers[1]) < len(buffers[0]) {
			return fmt.Errorf("destination buffer too small: %d < %d", len(buffers[1]), len(buffers[0]))
		}
		copy(buffers[1], buffers[0])
		return nil
	default:
		return ErrUnsupported
	}
}
