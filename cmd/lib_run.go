package main

import (
	"context"
	"os"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
)

// Exit terminates the process. Tests replace it.
var Exit = func(code int) {
	os.Exit(code)
}

// ExitError logs err and exits with a failure code.
func ExitError(ctx context.Context, err error) {
	logger := log.MustLogger(ctx)
	logger.Error("Failed", "err", err)
	Exit(1)
}

// GetRunFn adapts fn to cobra's Run, exiting on error.
func GetRunFn(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		if err := fn(cmd, args); err != nil {
			ExitError(cmd.Context(), err)
		}
	}
}
