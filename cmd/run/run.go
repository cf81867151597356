package run

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/aoa-go/internal/app"
	"github.com/tphakala/aoa-go/internal/buildinfo"
	"github.com/tphakala/aoa-go/internal/conf"
	"github.com/tphakala/aoa-go/internal/telemetry"
)

const flushTimeout = 2 * time.Second

// Command creates the command that runs a full accessory session.
func Command(settings *conf.Settings, build *buildinfo.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Switch the phone to accessory mode and stream",
		Long:  "Switch the configured phone to accessory mode, then play its audio and handle media commands until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			defer telemetry.Flush(flushTimeout)

			return app.Run(ctx, settings, build)
		},
	}
}
