// Package app wires configuration into a running accessory host: transport
// backend, audio sink, event sinks, status server and the session itself.
package app

import (
	"context"
	"time"

	"github.com/tphakala/aoa-go/internal/buildinfo"
	"github.com/tphakala/aoa-go/internal/conf"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/events"
	"github.com/tphakala/aoa-go/internal/httpserver"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/mqtt"
	"github.com/tphakala/aoa-go/internal/observability"
	"github.com/tphakala/aoa-go/internal/observability/metrics"
	"github.com/tphakala/aoa-go/internal/playback"
	"github.com/tphakala/aoa-go/internal/privacy"
	"github.com/tphakala/aoa-go/internal/session"
	"github.com/tphakala/aoa-go/internal/transport"

	// registered transport backends
	_ "github.com/tphakala/aoa-go/internal/transport/libusb"
	_ "github.com/tphakala/aoa-go/internal/transport/usbfs"
)

const eventBusShutdownTimeout = 2 * time.Second

// GetLogger returns the module logger for application wiring.
func GetLogger() logger.Logger {
	return logger.Global().Module("app")
}

// SetupLogging installs the global logger from settings. Debug raises the
// default level.
func SetupLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = string(logger.LogLevelDebug)
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = string(logger.LogLevelDebug)
			cfg.Console = &console
		}
	}
	central, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("operation", "setup_logging").
			Build()
	}
	logger.SetGlobal(central)
	return central, nil
}

// OpenTransport creates the configured USB backend.
func OpenTransport(settings *conf.Settings) (transport.Opener, error) {
	opener, err := transport.New(settings.Device.Backend)
	if err != nil {
		return nil, errors.New(err).
			Category(errors.CategoryConfiguration).
			Context("backend", settings.Device.Backend).
			Context("available", transport.Backends()).
			Build()
	}
	return opener, nil
}

// Run starts every configured component and runs one session until ctx is
// done or the session ends.
func Run(ctx context.Context, settings *conf.Settings, build *buildinfo.Context) error {
	log := GetLogger()
	log.Info("starting accessory host",
		logger.String("version", build.GetVersion()),
		logger.String("backend", settings.Device.Backend),
		logger.String("output", settings.Audio.Output))

	m, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	opener, err := OpenTransport(settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := opener.Close(); err != nil {
			log.Debug("closing transport failed", logger.Error(err))
		}
	}()

	sink, err := playback.New(&settings.Audio)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			log.Warn("closing audio sink failed", logger.Error(err))
		}
	}()

	nowPlaying := events.NewNowPlaying()

	// The bus drains before the MQTT publisher closes so queued events
	// still reach the broker.
	bus := events.NewEventBus(events.DefaultBufferSize)
	var closeMQTT func()
	defer func() {
		if err := bus.Shutdown(eventBusShutdownTimeout); err != nil {
			log.Warn("event bus shutdown incomplete", logger.Error(err))
		}
		if closeMQTT != nil {
			closeMQTT()
		}
	}()

	if err := bus.RegisterConsumer("log", events.NewLogSink(nil)); err != nil {
		return err
	}
	if settings.MQTT.Enabled {
		publisher, closer, err := startMQTT(ctx, settings, m)
		if err != nil {
			return err
		}
		closeMQTT = closer
		if err := bus.RegisterConsumer("mqtt", publisher); err != nil {
			return err
		}
	}

	var server *httpserver.Server
	if settings.HTTP.Enabled {
		server = httpserver.New(&settings.HTTP, m, nowPlaying)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metrics.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn("status server shutdown failed", logger.Error(err))
			}
		}()
	}

	sess, err := session.New(settings, opener,
		session.WithMetrics(m),
		session.WithAudioSink(sink),
		session.WithEventSink(events.NewMulti(nowPlaying, bus)))
	if err != nil {
		return err
	}
	if server != nil {
		server.SetSession(sess)
	}

	ctx = logger.WithTraceID(ctx, sess.ID())
	log.WithContext(ctx).Info("session starting",
		logger.Hex16("vendor_id", settings.Device.VendorID),
		logger.Hex16("product_id", settings.Device.ProductID))
	return sess.Run(ctx)
}

// startMQTT connects the broker client and starts the event publisher. A
// broker that is down at startup is not fatal; events are dropped while the
// client is disconnected.
func startMQTT(ctx context.Context, settings *conf.Settings, m *observability.Metrics) (*events.MQTTPublisher, func(), error) {
	log := GetLogger()

	client, err := mqtt.NewClient(mqtt.ConfigFromSettings(&settings.MQTT), m.MQTT)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		log.Warn("MQTT broker not reachable, events will be dropped until it connects",
			logger.String("broker", privacy.RedactURL(settings.MQTT.Broker)),
			logger.Error(err))
	}

	publisher, err := events.NewMQTTPublisher(client, events.PublisherConfig{
		Topic:     settings.MQTT.Topic,
		DedupTTL:  settings.MQTT.DedupTTL,
		QueueSize: settings.MQTT.QueueSize,
	}, events.WithMetrics(m.MQTT))
	if err != nil {
		client.Disconnect()
		return nil, nil, err
	}

	return publisher, func() {
		publisher.Close()
		client.Disconnect()
	}, nil
}
