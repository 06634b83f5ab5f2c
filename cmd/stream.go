package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/gsender/controller"
	"github.com/fornellas/gsender/worker"
)

var progressInterval time.Duration
var defaultProgressInterval = 5 * time.Second

var StreamCmd = &cobra.Command{
	Use:   "stream path",
	Short: "Stream a g-code file to Grbl.",
	Long:  "Streams every line of the file to Grbl, keeping its receive buffer full. Interrupting cancels the transfer: commands already sent are still executed.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		path := args[0]

		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"path", path,
		)
		cmd.SetContext(ctx)

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, f.Close()) }()

		session, err := OpenController(ctx)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, session.Close(ctx)) }()
		c := session.Controller

		if err := c.QueueStream(path, f); err != nil {
			return err
		}
		logger.Info("Streaming")
		if err := c.BeginStreaming(); err != nil {
			return err
		}

		interruptCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()

		workerManager := worker.NewWorkerManager(ctx)
		workerManager.StartWorker("Events", func(ctx context.Context) error {
			interrupted := interruptCtx.Done()
			for {
				select {
				case <-interrupted:
					interrupted = nil
					log.MustLogger(ctx).Warn("Interrupted, canceling")
					if err := c.CancelSend(); err != nil {
						return err
					}
				case event, ok := <-session.Events:
					if !ok {
						return errors.New("controller closed")
					}
					if err := session.LogEvent(ctx, event); err != nil {
						return err
					}
					if complete, ok := event.(*controller.FileStreamCompleteEvent); ok {
						if !complete.Success {
							return fmt.Errorf("streaming %s failed", complete.Filename)
						}
						return nil
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
		workerManager.StartWorker("Progress", func(ctx context.Context) error {
			ticker := time.NewTicker(progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					log.MustLogger(ctx).Info(
						"Progress",
						"sent", c.RowsSent(),
						"completed", c.RowsCompleted(),
						"remaining", c.RowsRemaining(),
						"rows", c.RowsInSend(),
						"duration", c.SendDuration().Round(time.Second),
					)
				case <-ctx.Done():
					return nil
				}
			}
		})
		if err := workerManager.Wait(); err != nil {
			return err
		}

		logger.Info(
			"Done",
			"rows", c.RowsInSend(),
			"duration", c.SendDuration().Round(time.Millisecond),
		)
		return nil
	}),
}

func init() {
	AddControllerFlags(StreamCmd)
	StreamCmd.PersistentFlags().DurationVar(&progressInterval, "progress-interval", defaultProgressInterval, "Interval between progress logs")

	RootCmd.AddCommand(StreamCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		progressInterval = defaultProgressInterval
	})
}
