// Package cli implements the taskctl command-line interface using Cobra.
// Commands operate directly on the configured store.
package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"task-lifecycle/internal/app"
	"task-lifecycle/internal/config"
	"task-lifecycle/internal/logger"
)

// NewRootCmd builds the taskctl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskctl",
		Short: "Inspect and drive task lifecycles",
		Long: `taskctl talks to the task store named by STORE_DRIVER (and CONFIG_FILE).
Transitions made here are validated, recorded and published exactly like
the ones made through the HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newCreateCmd(),
		newListCmd(),
		newExecuteAllCmd(),
		newHistoryCmd(),
		newTransitionCmd(),
	)
	return root
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	root := NewRootCmd()
	root.Version = version
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// openApp loads configuration and connects. Logs go to stderr so stdout
// stays readable.
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.SetupWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	return app.Open(cmd.Context(), cfg, log)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}
