package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/boardboard/internal/app"
	"github.com/nfrund/boardboard/internal/logging"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if serveAddr != "" {
			cfg.ServerAddr = serveAddr
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}
		logger := logging.New()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("starting boardboard", "version", version, "transport", cfg.RealtimeTransport)
		return app.New(cfg, logger).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address; overrides SERVER_ADDR")
	rootCmd.AddCommand(serveCmd)
}
