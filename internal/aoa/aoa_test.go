package aoa

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeFromProductID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pid       uint16
		ok        bool
		audio     bool
		accessory bool
		adb       bool
		name      string
	}{
		{0x2d00, true, false, true, false, "accessory"},
		{0x2d01, true, false, true, true, "accessory_adb"},
		{0x2d02, true, true, false, false, "audio"},
		{0x2d03, true, true, false, true, "audio_adb"},
		{0x2d04, true, true, true, false, "accessory_audio"},
		{0x2d05, true, true, true, true, "accessory_adb_audio"},
		{0x2d06, false, false, false, false, ""},
		{0x4e42, false, false, false, false, ""},
	}

	for _, tt := range tests {
		mode, ok := ModeFromProductID(tt.pid)
		assert.Equal(t, tt.ok, ok, "pid 0x%04x", tt.pid)
		if !ok {
			continue
		}
		assert.Equal(t, tt.audio, mode.HasAudio(), "audio for %s", mode)
		assert.Equal(t, tt.accessory, mode.HasAccessory(), "accessory for %s", mode)
		assert.Equal(t, tt.adb, mode.HasADB(), "adb for %s", mode)
		assert.Equal(t, tt.name, mode.String())
	}

	assert.Equal(t, "mode(0x1234)", Mode(0x1234).String())
}

func TestIsAccessory(t *testing.T) {
	t.Parallel()

	assert.True(t, IsAccessory(GoogleVendorID, 0x2d05))
	assert.False(t, IsAccessory(0x04e8, 0x2d05))
	assert.False(t, IsAccessory(GoogleVendorID, 0x4ee7))
}

func TestProtocolVersion(t *testing.T) {
	t.Parallel()

	assert.False(t, ProtocolVersion(0).Valid())
	assert.True(t, ProtocolV1.Valid())
	assert.True(t, ProtocolV2.Valid())
	assert.False(t, ProtocolVersion(3).Valid())
	assert.False(t, ProtocolV1.SupportsAudio())
	assert.True(t, ProtocolV2.SupportsAudio())
}

func TestIdentityPayload(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("Freescale\x00"), identityPayload(IndexManufacturer, "Freescale", false))
	assert.Equal(t, []byte("Freescale"), identityPayload(IndexManufacturer, "Freescale", true))
	assert.Equal(t, []byte("iMX6Q\x00"), identityPayload(IndexModel, "iMX6Q", true))
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(99).String())
}
