package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"gantry/internal/sandbox"
)

// sandboxWorkerCmd is the hidden entry point the sandbox runtime
// re-executes for each code execution. It speaks the worker protocol on
// stdio and must never print anything else.
var sandboxWorkerCmd = &cobra.Command{
	Use:    sandbox.WorkerCommand,
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sandbox.RunWorker(os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(sandboxWorkerCmd)
}
