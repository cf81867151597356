package switchcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/aoa-go/internal/aoa"
	"github.com/tphakala/aoa-go/internal/app"
	"github.com/tphakala/aoa-go/internal/conf"
	"github.com/tphakala/aoa-go/internal/errors"
	"github.com/tphakala/aoa-go/internal/logger"
	"github.com/tphakala/aoa-go/internal/session"
)

// Command creates the command that performs only the accessory handshake.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "switch",
		Short: "Switch the phone to accessory mode and exit",
		Long:  "Send the accessory identity to the configured phone and ask it to re-enumerate as an Android accessory.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return switchDevice(cmd, settings)
		},
	}
}

func switchDevice(cmd *cobra.Command, settings *conf.Settings) error {
	log := logger.Global().Module("cli")

	if aoa.IsAccessory(settings.Device.VendorID, settings.Device.ProductID) {
		return errors.Newf("device %04x:%04x is already in accessory mode",
			settings.Device.VendorID, settings.Device.ProductID).
			Category(errors.CategoryValidation).
			Build()
	}

	opener, err := app.OpenTransport(settings)
	if err != nil {
		return err
	}
	defer func() {
		if err := opener.Close(); err != nil {
			log.Debug("closing transport failed", logger.Error(err))
		}
	}()

	engine := aoa.NewEngine(opener, session.EngineOptions(settings))
	version, err := engine.SwitchToAccessory(cmd.Context(),
		settings.Device.VendorID, settings.Device.ProductID, session.IdentityFromSettings(settings))
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "accessory protocol version %d; device will re-enumerate as %04x:%04x\n",
		version, aoa.GoogleVendorID, settings.Device.AccessoryProductID)
	return nil
}
