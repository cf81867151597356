// env.go - environment variable configuration and validation
package conf

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation
func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "AOA_DEBUG", validateEnvBool},

		// Device selection
		{"device.backend", "AOA_DEVICE_BACKEND", validateEnvBackend},
		{"device.vendorid", "AOA_DEVICE_VID", validateEnvUSBID},
		{"device.productid", "AOA_DEVICE_PID", validateEnvUSBID},
		{"device.accessoryproductid", "AOA_DEVICE_ACCESSORY_PID", validateEnvUSBID},

		// Handshake
		{"handshake.requestaudio", "AOA_HANDSHAKE_REQUESTAUDIO", validateEnvBool},
		{"handshake.legacymanufacturer", "AOA_HANDSHAKE_LEGACYMANUFACTURER", validateEnvBool},

		// Audio
		{"audio.output", "AOA_AUDIO_OUTPUT", validateEnvOutput},
		{"audio.wavpath", "AOA_AUDIO_WAVPATH", nil},

		// Integrations
		{"mqtt.enabled", "AOA_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "AOA_MQTT_BROKER", nil},
		{"mqtt.username", "AOA_MQTT_USERNAME", nil},
		{"mqtt.password", "AOA_MQTT_PASSWORD", nil},
		{"http.enabled", "AOA_HTTP_ENABLED", validateEnvBool},
		{"http.listen", "AOA_HTTP_LISTEN", nil},
		{"sentry.enabled", "AOA_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "AOA_SENTRY_DSN", nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate != nil {
			if envValue := os.Getenv(binding.EnvVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", binding.EnvVar, envValue, err))
				}
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

// validateEnvUSBID accepts decimal or 0x-prefixed hexadecimal 16-bit IDs.
func validateEnvUSBID(value string) error {
	if _, err := strconv.ParseUint(value, 0, 16); err != nil {
		return fmt.Errorf("must be a 16-bit integer such as 0x18d1")
	}
	return nil
}

func validateEnvBackend(value string) error {
	if !slices.Contains(supportedBackends, value) {
		return fmt.Errorf("must be one of %v", supportedBackends)
	}
	return nil
}

func validateEnvOutput(value string) error {
	if !slices.Contains(supportedOutputs, value) {
		return fmt.Errorf("must be one of %v", supportedOutputs)
	}
	return nil
}
