package main

import (
	"errors"
	"os"
	"os/signal"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
)

var HomeCmd = &cobra.Command{
	Use:   "home",
	Short: "Run the homing cycle.",
	Long:  "Runs the homing cycle supported by the Grbl version. Interrupting issues a soft reset.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		logger := log.MustLogger(ctx)

		session, err := OpenController(ctx)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, session.Close(ctx)) }()
		c := session.Controller

		logger.Info("Homing")
		if err := c.PerformHomingCycle(); err != nil {
			return err
		}

		interruptCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		if err := session.WaitIdle(interruptCtx); err != nil {
			if interruptCtx.Err() != nil && ctx.Err() == nil {
				logger.Warn("Interrupted, resetting")
				return errors.Join(err, c.IssueSoftReset())
			}
			return err
		}
		logger.Info("Homed")
		return nil
	}),
}

func init() {
	AddControllerFlags(HomeCmd)

	RootCmd.AddCommand(HomeCmd)
}
