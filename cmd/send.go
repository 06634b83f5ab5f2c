package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/gsender/controller"
)

var SendCmd = &cobra.Command{
	Use:   "send command...",
	Short: "Send commands to Grbl, one at a time, printing each response.",
	Args:  cobra.MinimumNArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		logger := log.MustLogger(ctx)

		session, err := OpenController(ctx)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, session.Close(ctx)) }()

		for _, text := range args {
			command, err := session.Controller.SendCommandImmediately(text)
			if err != nil {
				return err
			}
			logger.Debug("Sent", "command", command)
			if err := session.WaitFor(ctx, func(controller.Event) bool {
				return command.IsDone()
			}); err != nil {
				return err
			}
			response, _ := command.Response()
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", command.OriginalCommand(), response); err != nil {
				return err
			}
		}
		return nil
	}),
}

func init() {
	AddControllerFlags(SendCmd)

	RootCmd.AddCommand(SendCmd)
}
