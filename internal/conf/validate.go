// conf/validate.go
package conf

import (
	"fmt"
	"slices"
	"strings"
)

var (
	supportedBackends = []string{"usbfs", "libusb"}
	supportedOutputs  = []string{"playback", "wav", "none"}
	supportedLevels   = []string{"trace", "debug", "info", "warn", "error"}
)

// MaxRingBufferSize bounds the ring buffer allocation.
const MaxRingBufferSize = 64 << 20

// Product ID range of a device that has switched to accessory mode.
const (
	accessoryPIDFirst = 0x2d00
	accessoryPIDLast  = 0x2d05
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) []string{
		validateDeviceSettings,
		validateIdentitySettings,
		validateHandshakeSettings,
		validateAudioSettings,
		validateCommandSettings,
		validateMQTTSettings,
		validateLoggingSettings,
	} {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if settings.HTTP.Enabled && settings.HTTP.Listen == "" {
		ve.Errors = append(ve.Errors, "http.listen is required when the status server is enabled")
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when telemetry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateDeviceSettings(s *Settings) []string {
	var errs []string
	d := &s.Device
	if !slices.Contains(supportedBackends, d.Backend) {
		errs = append(errs, fmt.Sprintf("device.backend %q must be one of %v", d.Backend, supportedBackends))
	}
	if d.VendorID == 0 {
		errs = append(errs, "device.vendorid must be set")
	}
	if d.ProductID == 0 {
		errs = append(errs, "device.productid must be set")
	}
	if d.AccessoryProductID < accessoryPIDFirst || d.AccessoryProductID > accessoryPIDLast {
		errs = append(errs, fmt.Sprintf("device.accessoryproductid 0x%04x is not an accessory product ID (0x%04x-0x%04x)",
			d.AccessoryProductID, accessoryPIDFirst, accessoryPIDLast))
	}
	return errs
}

func validateIdentitySettings(s *Settings) []string {
	var errs []string
	id := &s.Identity
	fields := []struct {
		name, value string
	}{
		{"manufacturer", id.Manufacturer},
		{"model", id.Model},
		{"description", id.Description},
		{"version", id.Version},
		{"uri", id.URI},
		{"serial", id.Serial},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Sprintf("identity.%s must not be empty", f.name))
		}
	}
	return errs
}

func validateHandshakeSettings(s *Settings) []string {
	var errs []string
	h := &s.Handshake
	if h.ControlTimeout < 0 || h.ProtocolDelay < 0 || h.IdentityDelay < 0 || h.ReconnectDelay < 0 || h.ClaimDelay < 0 {
		errs = append(errs, "handshake delays and timeouts must not be negative")
	}
	return errs
}

func validateAudioSettings(s *Settings) []string {
	var errs []string
	a := &s.Audio
	if !slices.Contains(supportedOutputs, a.Output) {
		errs = append(errs, fmt.Sprintf("audio.output %q must be one of %v", a.Output, supportedOutputs))
	}
	if a.Output == "wav" && a.WAVPath == "" {
		errs = append(errs, "audio.wavpath is required when audio.output is wav")
	}
	if a.SampleRate <= 0 || a.Channels <= 0 {
		errs = append(errs, "audio.samplerate and audio.channels must be positive")
	}
	if a.BitDepth != 16 {
		errs = append(errs, "audio.bitdepth must be 16")
	}
	if a.BufferSize <= 0 || a.BufferSize > MaxRingBufferSize {
		errs = append(errs, fmt.Sprintf("audio.buffersize must be between 1 and %d bytes", MaxRingBufferSize))
	}
	if a.WorkingBufferSize <= 0 || a.WorkingBufferSize > a.BufferSize {
		errs = append(errs, "audio.workingbuffersize must be positive and not exceed audio.buffersize")
	}
	if a.MinTransferSize <= 0 || a.MinTransferSize > a.WorkingBufferSize {
		errs = append(errs, "audio.mintransfersize must be positive and not exceed audio.workingbuffersize")
	}
	if a.PollInterval <= 0 || a.PreloadInterval <= 0 || a.RetryInterval <= 0 {
		errs = append(errs, "audio intervals must be positive")
	}
	if a.Endpoint&0x80 == 0 {
		errs = append(errs, fmt.Sprintf("audio.endpoint 0x%02x must be an IN endpoint", a.Endpoint))
	}
	if a.IsoPackets <= 0 {
		errs = append(errs, "audio.isopackets must be positive")
	}
	if a.PlaybackBufferSize < a.WorkingBufferSize {
		errs = append(errs, "audio.playbackbuffersize must be at least audio.workingbuffersize")
	}
	return errs
}

func validateCommandSettings(s *Settings) []string {
	var errs []string
	c := &s.Command
	if c.Endpoint&0x80 == 0 {
		errs = append(errs, fmt.Sprintf("command.endpoint 0x%02x must be an IN endpoint", c.Endpoint))
	}
	if c.FrameSize < 2 {
		errs = append(errs, "command.framesize must be at least 2 bytes")
	}
	if c.FieldLength <= 0 {
		errs = append(errs, "command.fieldlength must be positive")
	}
	if c.ReadTimeout <= 0 || c.Interval < 0 {
		errs = append(errs, "command.readtimeout must be positive and command.interval not negative")
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string
	if s.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when MQTT is enabled")
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic is required when MQTT is enabled")
	}
	if s.MQTT.QueueSize <= 0 {
		errs = append(errs, "mqtt.queuesize must be positive")
	}
	return errs
}

func validateLoggingSettings(s *Settings) []string {
	var errs []string
	check := func(key, level string) {
		if level != "" && !slices.Contains(supportedLevels, level) {
			errs = append(errs, fmt.Sprintf("%s %q must be one of %v", key, level, supportedLevels))
		}
	}
	check("logging.defaultlevel", s.Logging.DefaultLevel)
	if s.Logging.Console != nil {
		check("logging.console.level", s.Logging.Console.Level)
	}
	if s.Logging.FileOutput != nil {
		check("logging.fileoutput.level", s.Logging.FileOutput.Level)
	}
	for module, level := range s.Logging.ModuleLevels {
		check("logging.modulelevels."+module, level)
	}
	return errs
}
