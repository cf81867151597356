package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/aoa-go/internal/aoa"
	"github.com/tphakala/aoa-go/internal/buildinfo"
	"github.com/tphakala/aoa-go/internal/conf"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/observability"
	"github.com/tphakala/aoa-go/internal/transport"
	"github.com/tphakala/aoa-go/internal/transport/mock"
)

const testBackend = "app-test"

func init() {
	transport.Register(testBackend, func() (transport.Opener, error) {
		return mock.NewOpener(mock.NewDevice(aoa.GoogleVendorID, uint16(aoa.ModeAccessory))), nil
	})
}

func hostSettings() *conf.Settings {
	return &conf.Settings{
		Device: conf.DeviceSettings{
			Backend:   testBackend,
			VendorID:  aoa.GoogleVendorID,
			ProductID: uint16(aoa.ModeAccessory),
		},
		Audio: conf.AudioSettings{Output: "none", BufferSize: 4096},
		HTTP:  conf.HTTPSettings{Enabled: true, Listen: "127.0.0.1:0"},
	}
}

func TestOpenTransportUnknownBackend(t *testing.T) {
	settings := hostSettings()
	settings.Device.Backend = "floppy"

	_, err := OpenTransport(settings)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestRunUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	err := Run(ctx, hostSettings(), buildinfo.NewContext("test", ""))
	require.NoError(t, err)
}

func TestRunRejectsUnknownOutput(t *testing.T) {
	settings := hostSettings()
	settings.Audio.Output = "speaker"

	err := Run(t.Context(), settings, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestStartMQTTRejectsInvalidBroker(t *testing.T) {
	settings := hostSettings()
	settings.MQTT = conf.MQTTSettings{Enabled: true, Broker: "", Topic: "aoa", QueueSize: 4}

	m, err := observability.NewMetrics()
	require.NoError(t, err)
	_, _, err = startMQTT(t.Context(), settings, m)
	require.Error(t, err)
}

func TestSetupLoggingDebug(t *testing.T) {
	previous := logger.Global()
	t.Cleanup(func() { logger.SetGlobal(previous) })

	settings := &conf.Settings{
		Debug: true,
		Logging: logger.LoggingConfig{
			DefaultLevel: "info",
			Console:      &logger.ConsoleOutput{Enabled: true, Level: "info"},
		},
	}
	central, err := SetupLogging(settings)
	require.NoError(t, err)
	require.NotNil(t, central)
	assert.Same(t, central, logger.Global())
	// the caller's config is left untouched
	assert.Equal(t, "info", settings.Logging.Console.Level)
}
