// config.go: settings structure and loading for the accessory host
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/aoa-go/internal/logger"
)

// ConfigFileEnv names an explicit configuration file, bypassing the search path.
const ConfigFileEnv = "AOA_CONFIG_FILE"

// DeviceSettings selects the USB device and transport backend.
type DeviceSettings struct {
	Backend            string `yaml:"backend"`            // usbfs or libusb
	VendorID           uint16 `yaml:"vendorid"`           // vendor ID before the accessory switch
	ProductID          uint16 `yaml:"productid"`          // product ID before the accessory switch
	AccessoryProductID uint16 `yaml:"accessoryproductid"` // product ID to reopen after re-enumeration
}

// IdentitySettings are the six strings sent during the accessory handshake.
type IdentitySettings struct {
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
	Description  string `yaml:"description"`
	Version      string `yaml:"version"`
	URI          string `yaml:"uri"`
	Serial       string `yaml:"serial"`
}

// HandshakeSettings tune the accessory negotiation.
type HandshakeSettings struct {
	RequestAudio       bool          `yaml:"requestaudio"`       // ask for audio mode on protocol version 2
	LegacyManufacturer bool          `yaml:"legacymanufacturer"` // send manufacturer without NUL terminator
	ControlTimeout     time.Duration `yaml:"controltimeout"`     // timeout for each control transfer
	ProtocolDelay      time.Duration `yaml:"protocoldelay"`      // pause after the protocol query
	IdentityDelay      time.Duration `yaml:"identitydelay"`      // pause between identity transfers
	ReconnectDelay     time.Duration `yaml:"reconnectdelay"`     // wait for re-enumeration before reopening
	ClaimDelay         time.Duration `yaml:"claimdelay"`         // pause between reopening and claiming interfaces
}

// AudioSettings configure the isochronous stream, ring buffer and sink.
type AudioSettings struct {
	Output             string        `yaml:"output"`             // playback, wav or none
	WAVPath            string        `yaml:"wavpath"`            // output file when output is wav
	SampleRate         int           `yaml:"samplerate"`         // Hz
	Channels           int           `yaml:"channels"`           // interleaved channels
	BitDepth           int           `yaml:"bitdepth"`           // bits per sample
	BufferSize         int           `yaml:"buffersize"`         // ring buffer capacity in bytes
	WorkingBufferSize  int           `yaml:"workingbuffersize"`  // largest chunk handed to the sink
	MinTransferSize    int           `yaml:"mintransfersize"`    // smallest chunk handed to the sink
	PollInterval       time.Duration `yaml:"pollinterval"`       // consumer wait while below threshold
	Preload            bool          `yaml:"preload"`            // prime the sink with silence
	PreloadInterval    time.Duration `yaml:"preloadinterval"`    // pause between silence chunks
	RetryInterval      time.Duration `yaml:"retryinterval"`      // producer wait while the ring is full
	Interface          uint8         `yaml:"interface"`          // audio streaming interface
	AltSetting         uint8         `yaml:"altsetting"`         // alternate setting carrying the iso endpoint
	Endpoint           uint8         `yaml:"endpoint"`           // isochronous IN endpoint
	IsoPackets         int           `yaml:"isopackets"`         // packets per isochronous transfer
	PlaybackBufferSize int           `yaml:"playbackbuffersize"` // queue between Write and the device callback
}

// CommandSettings configure the bulk command channel.
type CommandSettings struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoint    uint8         `yaml:"endpoint"`    // bulk IN endpoint
	FrameSize   int           `yaml:"framesize"`   // frame buffer size including terminator
	FieldLength int           `yaml:"fieldlength"` // maximum bytes per metadata field
	ReadTimeout time.Duration `yaml:"readtimeout"` // bulk read timeout
	Interval    time.Duration `yaml:"interval"`    // pause between reads
}

// MQTTSettings configure event publishing.
type MQTTSettings struct {
	Enabled   bool          `yaml:"enabled"`
	Broker    string        `yaml:"broker"`
	ClientID  string        `yaml:"clientid"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	Topic     string        `yaml:"topic"`
	Retain    bool          `yaml:"retain"`
	DedupTTL  time.Duration `yaml:"dedupttl"`
	QueueSize int           `yaml:"queuesize"`
}

// HTTPSettings configure the status server.
type HTTPSettings struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SentrySettings configure optional error telemetry.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Settings is the root configuration structure.
type Settings struct {
	Debug     bool                 `yaml:"debug"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Device    DeviceSettings       `yaml:"device"`
	Identity  IdentitySettings     `yaml:"identity"`
	Handshake HandshakeSettings    `yaml:"handshake"`
	Audio     AudioSettings        `yaml:"audio"`
	Command   CommandSettings      `yaml:"command"`
	MQTT      MQTTSettings         `yaml:"mqtt"`
	HTTP      HTTPSettings         `yaml:"http"`
	Sentry    SentrySettings       `yaml:"sentry"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads defaults, the configuration file and environment variables into Settings.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper registers defaults and environment bindings, then reads the
// configuration file if one exists. A missing file is not an error.
func initViper() error {
	viper.SetConfigType("yaml")
	setDefaultConfig()

	if err := bindEnvVars(); err != nil {
		return err
	}

	if explicit := os.Getenv(ConfigFileEnv); explicit != "" {
		viper.SetConfigFile(explicit)
	} else {
		viper.SetConfigName("config")
		for _, path := range GetDefaultConfigPaths() {
			viper.AddConfigPath(path)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, in order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aoa-go"))
	}
	return append(paths, "/etc/aoa-go")
}

// ConfigFileUsed returns the configuration file that was read, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// Setting returns the most recently loaded settings, or nil before Load.
func Setting() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// YAML renders the settings as YAML with secrets masked.
func (s *Settings) YAML() ([]byte, error) {
	masked := *s
	if masked.MQTT.Password != "" {
		masked.MQTT.Password = "********"
	}
	if masked.Sentry.DSN != "" {
		masked.Sentry.DSN = "********"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}
