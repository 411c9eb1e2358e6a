package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"gantry/internal/api"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeConfig indicates a configuration error.
	ExitCodeConfig = 1
	// ExitCodeStartup indicates a fatal startup error.
	ExitCodeStartup = 2
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "An intelligent MCP gateway",
	Long: `gantry aggregates upstream MCP servers behind one endpoint and gives
AI clients a small meta-tool surface: semantic tool discovery, DAG
workflow execution with approvals and replanning, and sandboxed jq
code execution.`,
	// Errors are reported once with the right exit code; usage spam on
	// handled failures helps nobody.
	SilenceUsage: true,
}

// SetVersion injects the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with the code matching the failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "gantry version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps an error to the CLI exit code contract: configuration
// errors are 1, everything else that aborts startup is 2.
func getExitCode(err error) int {
	if api.IsKind(err, api.ErrConfig) {
		return ExitCodeConfig
	}
	return ExitCodeStartup
}
