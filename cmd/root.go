package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/aoa-go/cmd/config"
	"github.com/tphakala/aoa-go/cmd/run"
	switchcmd "github.com/tphakala/aoa-go/cmd/switch"
	"github.com/tphakala/aoa-go/internal/app"
	"github.com/tphakala/aoa-go/internal/buildinfo"
	"github.com/tphakala/aoa-go/internal/conf"
	"github.com/tphakala/aoa-go/internal/telemetry"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "aoa",
		Short:        "Android Open Accessory audio host",
		Long:         "Switch an Android phone into accessory mode and play the audio and media commands it streams over USB.",
		Version:      build.String(),
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, settings); err != nil {
		// only reachable on a programming error in flag definitions
		panic(err)
	}

	configCmd := config.Command(settings)

	rootCmd.AddCommand(
		run.Command(settings, build),
		switchcmd.Command(settings),
		configCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// flags may have changed settings after Load validated them
		if err := conf.ValidateSettings(settings); err != nil {
			return err
		}

		if _, err := app.SetupLogging(settings); err != nil {
			return err
		}

		// Printing the configuration touches no device and reports nothing.
		if cmd.Name() == configCmd.Name() {
			return nil
		}
		return telemetry.InitSentry(settings, build.GetVersion())
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	flags.StringVar(&settings.Device.Backend, "backend", viper.GetString("device.backend"), "USB backend (usbfs or libusb)")
	flags.Uint16Var(&settings.Device.VendorID, "vid", settings.Device.VendorID, "USB vendor ID of the phone, e.g. 0x18d1")
	flags.Uint16Var(&settings.Device.ProductID, "pid", settings.Device.ProductID, "USB product ID of the phone before the accessory switch")
	flags.Uint16Var(&settings.Device.AccessoryProductID, "accessory-pid", settings.Device.AccessoryProductID, "USB product ID to reopen after the switch")
	flags.StringVarP(&settings.Audio.Output, "output", "o", viper.GetString("audio.output"), "Audio output (playback, wav or none)")
	flags.StringVar(&settings.Audio.WAVPath, "wavpath", viper.GetString("audio.wavpath"), "Output file when output is wav")
	flags.BoolVar(&settings.Command.Enabled, "commands", viper.GetBool("command.enabled"), "Read media commands from the accessory bulk endpoint")
	flags.BoolVar(&settings.HTTP.Enabled, "http", viper.GetBool("http.enabled"), "Serve metrics and status over HTTP")
	flags.StringVar(&settings.HTTP.Listen, "listen", viper.GetString("http.listen"), "Listen address of the status server")
	flags.BoolVar(&settings.MQTT.Enabled, "mqtt", viper.GetBool("mqtt.enabled"), "Publish media events to MQTT")
	flags.StringVar(&settings.MQTT.Broker, "broker", viper.GetString("mqtt.broker"), "MQTT broker URL")

	if err := viper.BindPFlags(flags); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
