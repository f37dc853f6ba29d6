package accel

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend() *CPUBackend {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewCPUBackend(logger)
}

func TestCPUBackendCopy(t *testing.T) {
	b := newBackend()

	src := []byte{1, 2, 3, 4}
	dst := make([]byte, 8)
	require.NoError(t, b.TryAccelerate(OpCopy, src, dst))
	assert.Equal(t, src, dst[:4])
}

func TestCPUBackendCopyValidation(t *testing.T) {
	b := newBackend()

	err := b.TryAccelerate(OpCopy, []byte{1, 2, 3})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)

	err = b.TryAccelerate(OpCopy, []byte{1, 2, 3}, make([]byte, 2))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupported)
}

func TestCPUBackendDeclinesTransforms(t *testing.T) {
	b := newBackend()

	assert.ErrorIs(t, b.TryAccelerate(OpColorConvert, nil, nil), ErrUnsupported)
	assert.ErrorIs(t, b.TryAccelerate(OpScale, nil, nil), ErrUnsupported)
	assert.Equal(t, "cpu", b.Name())
}
