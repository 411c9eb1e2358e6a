package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gantry/internal/app"
)

var serveConfigPath string
var serveLogLevel string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Starts the gateway: connects the configured upstream MCP servers,
builds the tool catalog, and serves the aggregated MCP surface on the
configured transport until interrupted.

Configuration is read from config.yaml inside the config directory
(default ~/.config/gantry). A missing file runs with defaults; unknown
keys are rejected.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.NewApplication(app.Options{
		ConfigPath: serveConfigPath,
		LogLevel:   serveLogLevel,
		Version:    rootCmd.Version,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory (default ~/.config/gantry)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}
