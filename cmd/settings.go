package main

import (
	"errors"
	"fmt"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/gsender/controller"
	"github.com/fornellas/gsender/grbl"
)

var SettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read Grbl settings and output to stdout or save to file.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"output", outputValue.String(),
		)
		cmd.SetContext(ctx)

		w, err := outputValue.WriterCloser(cmd)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, w.Close()) }()

		session, err := OpenController(ctx)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, session.Close(ctx)) }()

		var writeErr error
		session.Controller.AddListener("settings", func(event controller.Event) {
			message, ok := event.(*controller.ConsoleMessageEvent)
			if !ok || grbl.ClassifyLine(message.Message) != grbl.LineTypeSetting {
				return
			}
			if _, err := fmt.Fprintln(w, message.Message); err != nil {
				writeErr = errors.Join(writeErr, err)
			}
		})

		logger.Info("Requesting settings")
		if err := session.Controller.RequestSettings(); err != nil {
			return err
		}
		if err := session.WaitIdle(ctx); err != nil {
			return err
		}
		return writeErr
	}),
}

func init() {
	AddControllerFlags(SettingsCmd)
	AddOutputFlags(SettingsCmd)

	RootCmd.AddCommand(SettingsCmd)
}
