// Package cli implements the sigscan command line tool.
package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/swarmguard/swarm/libs/go/core/logging"
)

// exitError carries a process exit status that is not a failure, such as "no match".
type exitError struct{ code int }

func (e exitError) Error() string {
	if e.code == 1 {
		return "no match"
	}
	return fmt.Sprintf("exit status %d", e.code)
}

// ExitCode maps an error returned by Execute to a process exit status.
// 0 = matched, 1 = nothing matched, 2 = error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 2
}

// Silent reports whether err only carries an exit status and should not be printed.
func Silent(err error) bool {
	var ee exitError
	return errors.As(err, &ee)
}

type loggerFunc func(*cobra.Command) *slog.Logger

// NewRootCmd builds the sigscan command tree.
func NewRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "sigscan",
		Short:         "Multi-pattern signature scanner",
		Long:          "Scan files or streams for many exact byte signatures at once and follow match events published by signature-engine.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	logger := func(cmd *cobra.Command) *slog.Logger {
		return logging.New(cmd.ErrOrStderr(), "sigscan", false, logging.ParseLevel(logLevel))
	}
	root.AddCommand(newScanCmd(logger))
	root.AddCommand(newTablesCmd(logger))
	root.AddCommand(newTailCmd(logger))
	return root
}

// Execute runs the root command with the process arguments.
func Execute() error {
	return NewRootCmd().Execute()
}
