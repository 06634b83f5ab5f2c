package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/gsender/broker"
	"github.com/fornellas/gsender/controller"
	"github.com/fornellas/gsender/grbl"
	"github.com/fornellas/gsender/preprocessor"
)

var bufferSize int
var defaultBufferSize = grbl.DefaultBufferSize

var singleStep bool
var defaultSingleStep = false

var statusPollInterval time.Duration
var defaultStatusPollInterval = grbl.DefaultStatusPollInterval

var bootTimeout time.Duration
var defaultBootTimeout = 5 * time.Second

var feedOverride float64
var defaultFeedOverride = 100.0

var truncateDecimals int
var defaultTruncateDecimals = -1

var removeWhitespace bool
var defaultRemoveWhitespace = false

var maxCommandLength int
var defaultMaxCommandLength = 0

var processorScript string
var defaultProcessorScript = ""

var eventBufferSize = 1024

func AddPipelineFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Float64Var(&feedOverride, "feed-override", defaultFeedOverride, "Scale every feed rate to this percentage")
	cmd.PersistentFlags().IntVar(&truncateDecimals, "truncate-decimals", defaultTruncateDecimals, "Round numbers to this many decimal places, negative disables")
	cmd.PersistentFlags().BoolVar(&removeWhitespace, "remove-whitespace", defaultRemoveWhitespace, "Remove all whitespace from commands")
	cmd.PersistentFlags().IntVar(&maxCommandLength, "max-command-length", defaultMaxCommandLength, "Fail on commands longer than this, zero disables")
	cmd.PersistentFlags().StringVar(&processorScript, "processor-script", defaultProcessorScript, "Go source file declaring package processor with func Process(string) (string, error), run on every command")
}

// AddControllerFlags adds the flags needed by OpenController.
func AddControllerFlags(cmd *cobra.Command) {
	AddPortFlags(cmd)
	AddPipelineFlags(cmd)
	cmd.PersistentFlags().IntVar(&bufferSize, "buffer-size", defaultBufferSize, "Grbl receive buffer size in bytes")
	cmd.PersistentFlags().BoolVar(&singleStep, "single-step", defaultSingleStep, "Wait for each command to be acknowledged before sending the next one")
	cmd.PersistentFlags().DurationVar(&statusPollInterval, "status-poll-interval", defaultStatusPollInterval, "Interval between status queries")
	cmd.PersistentFlags().DurationVar(&bootTimeout, "boot-timeout", defaultBootTimeout, "How long to wait for Grbl to announce itself")
}

// GetPipeline builds the preprocessor pipeline selected by flags.
func GetPipeline(ctx context.Context) (preprocessor.Pipeline, error) {
	pipeline := preprocessor.DefaultPipeline()
	if processorScript != "" {
		script, err := preprocessor.NewScript(ctx, processorScript)
		if err != nil {
			return nil, err
		}
		pipeline = append(pipeline, script)
	}
	if feedOverride != 100 {
		if feedOverride <= 0 {
			return nil, fmt.Errorf("invalid --feed-override: %v", feedOverride)
		}
		pipeline = append(pipeline, preprocessor.FeedOverride{Percent: feedOverride})
	}
	if truncateDecimals >= 0 {
		pipeline = append(pipeline, preprocessor.DecimalTruncator{Places: uint(truncateDecimals)})
	}
	if removeWhitespace {
		pipeline = append(pipeline, preprocessor.WhitespaceRemover{})
	}
	if maxCommandLength > 0 {
		pipeline = append(pipeline, preprocessor.MaxLength{Length: maxCommandLength})
	}
	return pipeline, nil
}

// Session is an open Grbl controller, with its events fanned out through a broker.
type Session struct {
	Controller *grbl.Controller
	Events     <-chan controller.Event
	broker     *broker.Broker[controller.Event]
}

// OpenController connects to Grbl as configured by flags and waits for it to boot.
func OpenController(ctx context.Context) (*Session, error) {
	logger := log.MustLogger(ctx)

	conn, name, err := GetConnection()
	if err != nil {
		return nil, err
	}
	pipeline, err := GetPipeline(ctx)
	if err != nil {
		return nil, err
	}

	c := grbl.NewController(conn, grbl.Options{
		Options: controller.Options{
			BufferSize:     bufferSize,
			SingleStepMode: singleStep,
			Processors:     pipeline,
		},
		StatusPollInterval: statusPollInterval,
	})
	b := broker.NewBroker[controller.Event]()
	s := &Session{
		Controller: c,
		Events:     b.Subscribe("cli", eventBufferSize),
		broker:     b,
	}
	c.AddListener("broker", func(event controller.Event) {
		if err := b.Publish(event); err != nil {
			logger.Debug("Event not published", "event", event, "err", err)
		}
	})

	if _, err := c.OpenCommPort(ctx, name, baudRate); err != nil {
		b.Close()
		return nil, err
	}

	bootCtx, cancel := context.WithTimeout(ctx, bootTimeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for c.Version().IsZero() {
		select {
		case event, ok := <-s.Events:
			if !ok {
				return nil, errors.Join(errors.New("controller closed"), s.Close(ctx))
			}
			if err := s.LogEvent(ctx, event); err != nil {
				return nil, errors.Join(err, s.Close(ctx))
			}
		case <-ticker.C:
		case <-bootCtx.Done():
			return nil, errors.Join(fmt.Errorf("waiting for Grbl to boot: %w", bootCtx.Err()), s.Close(ctx))
		}
	}
	if err := s.WaitIdle(bootCtx); err != nil {
		if bootCtx.Err() != nil || !c.IsCommOpen() {
			return nil, errors.Join(fmt.Errorf("querying Grbl on boot: %w", err), s.Close(ctx))
		}
		logger.Warn("Querying Grbl on boot failed", "err", err)
	}
	logger.Info("Connected", "version", c.Version(), "capabilities", c.Capabilities(), "parser_state", c.GcodeState().String())
	return s, nil
}

// LogEvent logs console messages and status reports. It fails once the connection is lost.
func (s *Session) LogEvent(ctx context.Context, event controller.Event) error {
	logger := log.MustLogger(ctx)
	switch e := event.(type) {
	case *controller.ConsoleMessageEvent:
		switch e.MessageType {
		case controller.MessageTypeError:
			logger.Error(e.Message)
		case controller.MessageTypeVerbose:
			logger.Debug(e.Message)
		default:
			logger.Info(e.Message)
		}
	case *controller.StatusStringEvent:
		logger.Debug("Status", "state", e.State, "machine", e.MachinePosition, "work", e.WorkPosition)
	case *controller.ControlStateChangedEvent:
		logger.Debug("State", "state", e.State)
		if e.State == controller.StateDisconnected {
			return errors.New("connection lost")
		}
	}
	return nil
}

// WaitFor logs events until done returns true, the context is done or the connection is lost.
func (s *Session) WaitFor(ctx context.Context, done func(controller.Event) bool) error {
	for {
		select {
		case event, ok := <-s.Events:
			if !ok {
				return errors.New("controller closed")
			}
			if err := s.LogEvent(ctx, event); err != nil {
				return err
			}
			if done(event) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitIdle waits until every command sent was acknowledged, failing if any was acknowledged
// with an error.
func (s *Session) WaitIdle(ctx context.Context) error {
	var errs error
	idle := func(event controller.Event) bool {
		if complete, ok := event.(*controller.CommandCompleteEvent); ok {
			response, _ := complete.Command.Response()
			if grbl.ClassifyLine(response) == grbl.LineTypeError {
				errs = errors.Join(errs, fmt.Errorf("%s: %s", complete.Command.Command(), grbl.Describe(response)))
			}
		}
		return s.Controller.ActiveCommands() == 0
	}
	// Events published before the commands finished are still being delivered.
	for len(s.Events) > 0 || s.broker.Pending("cli") > 0 {
		select {
		case event, ok := <-s.Events:
			if !ok {
				return errors.New("controller closed")
			}
			if err := s.LogEvent(ctx, event); err != nil {
				return err
			}
			idle(event)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.Controller.ActiveCommands() == 0 {
		return errs
	}
	if err := s.WaitFor(ctx, idle); err != nil {
		return err
	}
	return errs
}

func (s *Session) Close(ctx context.Context) error {
	err := s.Controller.CloseCommPort()
	if pending := s.broker.Pending("cli"); pending > 0 {
		log.MustLogger(ctx).Debug("Discarding events not logged", "count", pending)
	}
	s.broker.Close()
	return err
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		bufferSize = defaultBufferSize
		singleStep = defaultSingleStep
		statusPollInterval = defaultStatusPollInterval
		bootTimeout = defaultBootTimeout
		feedOverride = defaultFeedOverride
		truncateDecimals = defaultTruncateDecimals
		removeWhitespace = defaultRemoveWhitespace
		maxCommandLength = defaultMaxCommandLength
		processorScript = defaultProcessorScript
	})
}
