package transport

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/aoa-go/internal/errors"
)

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("endpoint stalled")
	err := NewError("bulk-in", CodePipe, cause)
	assert.Equal(t, "usb bulk-in: pipe: endpoint stalled", err.Error())
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, "usb open: not-found", NewError("open", CodeNotFound, nil).Error())
	assert.Equal(t, "code(99)", Code(99).String())
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	assert.Zero(t, CodeOf(nil))
	assert.Equal(t, CodeOther, CodeOf(stderrors.New("foreign")))

	wrapped := fmt.Errorf("reading frame: %w", NewError("bulk-in", CodeTimeout, nil))
	assert.Equal(t, CodeTimeout, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, CodeTimeout))
	assert.False(t, IsCode(wrapped, CodeNoDevice))
	assert.False(t, IsCode(nil, CodeTimeout))
}

func TestErrorCategory(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errors.CategoryTimeout, NewError("bulk-in", CodeTimeout, nil).ErrorCategory())
	assert.Equal(t, errors.CategoryTransport, NewError("control", CodePipe, nil).ErrorCategory())
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	name := "test-registry-backend"
	Register(name, func() (Opener, error) { return nil, stderrors.New("unavailable") })
	assert.Contains(t, Backends(), name)

	_, err := New(name)
	require.Error(t, err)

	_, err = New("does-not-exist")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotSupported))

	assert.Panics(t, func() { Register(name, func() (Opener, error) { return nil, nil }) })
}

func TestPacketStatusString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "completed", StatusCompleted.String())
	assert.Equal(t, "no-device", StatusNoDevice.String())
	assert.Equal(t, "status(42)", PacketStatus(42).String())
}
