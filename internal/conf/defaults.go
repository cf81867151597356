// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default USB and audio parameters of an Android accessory audio stream
// (16-bit stereo PCM at 44.1 kHz).
const (
	DefaultVendorID           = 0x18d1
	DefaultProductID          = 0x4e42
	DefaultAccessoryProductID = 0x2d05

	DefaultRingBufferSize    = 576000
	DefaultWorkingBufferSize = 70560 // 2205 frames of 32 bytes
	DefaultMinTransferSize   = 4410
	DefaultIsoPackets        = 400
	DefaultCommandFrameSize  = 500
	DefaultFieldLength       = 100
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("logging.defaultlevel", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.fileoutput.enabled", false)
	viper.SetDefault("logging.fileoutput.path", "logs/aoa.log")
	viper.SetDefault("logging.fileoutput.level", "debug")

	viper.SetDefault("device.backend", "usbfs")
	viper.SetDefault("device.vendorid", DefaultVendorID)
	viper.SetDefault("device.productid", DefaultProductID)
	viper.SetDefault("device.accessoryproductid", DefaultAccessoryProductID)

	viper.SetDefault("identity.manufacturer", "Freescale")
	viper.SetDefault("identity.model", "iMX6Q")
	viper.SetDefault("identity.description", "Description")
	viper.SetDefault("identity.version", "SabreLite")
	viper.SetDefault("identity.uri", "http://www.adeneo-embedded.com")
	viper.SetDefault("identity.serial", "2254711SerialNo.")

	viper.SetDefault("handshake.requestaudio", true)
	viper.SetDefault("handshake.legacymanufacturer", false)
	viper.SetDefault("handshake.controltimeout", time.Second)
	viper.SetDefault("handshake.protocoldelay", 10*time.Millisecond)
	viper.SetDefault("handshake.identitydelay", time.Millisecond)
	viper.SetDefault("handshake.reconnectdelay", time.Second)
	viper.SetDefault("handshake.claimdelay", time.Second)

	viper.SetDefault("audio.output", "playback")
	viper.SetDefault("audio.wavpath", "capture.wav")
	viper.SetDefault("audio.samplerate", 44100)
	viper.SetDefault("audio.channels", 2)
	viper.SetDefault("audio.bitdepth", 16)
	viper.SetDefault("audio.buffersize", DefaultRingBufferSize)
	viper.SetDefault("audio.workingbuffersize", DefaultWorkingBufferSize)
	viper.SetDefault("audio.mintransfersize", DefaultMinTransferSize)
	viper.SetDefault("audio.pollinterval", 10*time.Millisecond)
	viper.SetDefault("audio.preload", true)
	viper.SetDefault("audio.preloadinterval", 50*time.Millisecond)
	viper.SetDefault("audio.retryinterval", time.Millisecond)
	viper.SetDefault("audio.interface", 2)
	viper.SetDefault("audio.altsetting", 1)
	viper.SetDefault("audio.endpoint", 0x83)
	viper.SetDefault("audio.isopackets", DefaultIsoPackets)
	viper.SetDefault("audio.playbackbuffersize", 4*DefaultWorkingBufferSize)

	viper.SetDefault("command.enabled", true)
	viper.SetDefault("command.endpoint", 0x81)
	viper.SetDefault("command.framesize", DefaultCommandFrameSize)
	viper.SetDefault("command.fieldlength", DefaultFieldLength)
	viper.SetDefault("command.readtimeout", 500*time.Millisecond)
	viper.SetDefault("command.interval", 100*time.Microsecond)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.clientid", "aoa-go")
	viper.SetDefault("mqtt.topic", "aoa")
	viper.SetDefault("mqtt.retain", false)
	viper.SetDefault("mqtt.dedupttl", 2*time.Second)
	viper.SetDefault("mqtt.queuesize", 64)

	viper.SetDefault("http.enabled", false)
	viper.SetDefault("http.listen", "127.0.0.1:8089")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.environment", "production")
}
