package grbl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/gsender/controller"
	"github.com/fornellas/gsender/gcode"
)

//lint:ignore ST1005 console message
var ErrNotBooted = errors.New("Grbl has not finished booting.")

// DefaultBufferSize is the Grbl serial receive buffer, minus room for realtime commands.
var DefaultBufferSize = 123

var LineTerminator = "\n"

// StateCheck is the machine state reported while in check mode.
var StateCheck = "Check"

type Options struct {
	controller.Options
	// StatusPollInterval is how often a status report is requested, once Grbl is known to
	// support it.
	StatusPollInterval time.Duration
}

// Controller streams G-code to Grbl. Behaviour depending on the Grbl version is enabled once
// Grbl announces itself after a reset.
type Controller struct {
	*controller.Controller
	poller *Poller

	mu           sync.Mutex
	ctx          context.Context
	version      Version
	capabilities Capabilities
	// workCoordinateOffset is the last WCO reported. Grbl v1.1 only sends it periodically.
	workCoordinateOffset *controller.Coordinates
	status               *Status
}

// firmware implements controller.Firmware for Controller.
type firmware struct {
	c *Controller
}

func NewController(conn controller.Connection, options Options) *Controller {
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	c := &Controller{}
	c.Controller = controller.New(&firmware{c: c}, conn, options.Options)
	c.poller = NewPoller(options.StatusPollInterval, c.queryStatus)
	c.AddListener("Grbl errors", c.describeErrors)
	return c
}

// Version is the Grbl version, zero until Grbl announces itself.
func (c *Controller) Version() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Controller) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capabilities
}

// Status is the last status report received, nil until one is.
func (c *Controller) Status() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) queryStatus() error {
	return c.SendByteImmediately(byte(RealTimeStatusQuery))
}

// describeErrors sends every error acknowledgement to the console, with its description.
func (c *Controller) describeErrors(event controller.Event) {
	completeEvent, ok := event.(*controller.CommandCompleteEvent)
	if !ok {
		return
	}
	response, ok := completeEvent.Command.Response()
	if !ok || ClassifyLine(response) != LineTypeError {
		return
	}
	c.MessageForConsole(
		controller.MessageTypeError,
		fmt.Sprintf("%s: %s", completeEvent.Command.Command(), Describe(response)),
	)
}

func (c *Controller) handleVersion(line string) {
	logger := c.Logger()
	c.MessageForConsole(controller.MessageTypeInfo, line)

	c.mu.Lock()
	if !c.version.IsZero() {
		c.workCoordinateOffset = nil
		c.mu.Unlock()
		logger.Warn("Grbl was reset", "welcome", line)
		c.FlushSendQueues()
		c.SetCheckMode(false)
		c.SetGcodeState(&gcode.DefaultModalGroup)
		return
	}
	version, err := ParseVersion(line)
	if err != nil {
		c.mu.Unlock()
		logger.Warn("Failed to parse version", "err", err)
		return
	}
	c.version = version
	c.capabilities = CapabilitiesFor(version)
	capabilities := c.capabilities
	ctx := c.ctx
	c.mu.Unlock()

	logger.Info("Grbl version", "version", version, "capabilities", capabilities)
	if capabilities.Has(CapabilityRealTime) && ctx != nil {
		c.poller.Start(ctx)
	}
	c.queryBootState(version)
}

// queryBootState asks Grbl for its settings and parser state, once it announces itself.
func (c *Controller) queryBootState(version Version) {
	commands := []string{CommandViewSettings}
	if command, err := ViewParserStateCommand(version); err == nil {
		commands = append(commands, command)
	}
	for _, command := range commands {
		if _, err := c.SendCommandImmediately(command); err != nil {
			c.Logger().Warn("Failed to query Grbl", "command", command, "err", err)
			return
		}
	}
}

func (c *Controller) handleParserState(line string) {
	c.MessageForConsole(controller.MessageTypeVerbose, line)
	state, err := ParseParserState(line, c.Capabilities())
	if err != nil {
		c.Logger().Warn("Ignoring parser state", "err", err)
		return
	}
	c.SetGcodeState(state)
}

func (c *Controller) handleStatus(line string) {
	c.poller.StatusReceived()
	c.MessageForConsole(controller.MessageTypeVerbose, line)

	status, err := ParseStatus(line)
	if err != nil {
		c.Logger().Warn("Ignoring status report", "err", err)
		return
	}

	c.mu.Lock()
	if status.WorkCoordinateOffset != nil {
		c.workCoordinateOffset = status.WorkCoordinateOffset
	}
	if status.WorkPosition == nil && status.MachinePosition != nil && c.workCoordinateOffset != nil {
		status.WorkPosition = status.MachinePosition.Sub(c.workCoordinateOffset)
	}
	c.status = status
	c.mu.Unlock()

	c.SetCheckMode(status.State == StateCheck)
	c.Dispatch(&controller.StatusStringEvent{
		State:           status.State,
		MachinePosition: status.MachinePosition,
		WorkPosition:    status.WorkPosition,
	})
}

// rawResponse handles every line that does not acknowledge a command.
func (c *Controller) rawResponse(line string) {
	switch ClassifyLine(line) {
	case LineTypeVersion:
		c.handleVersion(line)
	case LineTypeStatus:
		c.handleStatus(line)
	case LineTypeAlarm:
		c.Logger().Warn("Alarm", "alarm", line)
		c.MessageForConsole(controller.MessageTypeError, Describe(line))
	case LineTypeFeedback:
		if IsParserState(line, c.Capabilities()) {
			c.handleParserState(line)
			return
		}
		c.MessageForConsole(controller.MessageTypeInfo, line)
	default:
		c.MessageForConsole(controller.MessageTypeInfo, line)
	}
}

// SendRealTimeCommand sends rtc when Grbl supports it, and silently skips it otherwise.
func (c *Controller) SendRealTimeCommand(rtc RealTimeCommand) error {
	if _, err := NewRealTimeCommand(byte(rtc)); err != nil {
		return err
	}
	if !c.IsCommOpen() {
		return nil
	}
	if !c.Capabilities().Has(rtc.Requires()) {
		c.Logger().Info("Skipping unsupported real time command", "command", rtc, "version", c.Version())
		return nil
	}
	return c.SendByteImmediately(byte(rtc))
}

// IssueSoftReset resets Grbl, dropping everything in its buffer, when supported. Every
// command not acknowledged yet is abandoned.
func (c *Controller) IssueSoftReset() error {
	if !c.IsCommOpen() || !c.Capabilities().Has(CapabilitySoftReset) {
		return nil
	}
	if err := c.SendByteImmediately(byte(RealTimeSoftReset)); err != nil {
		return err
	}
	c.FlushSendQueues()
	c.SetCheckMode(false)
	return nil
}

// sendCommands sends the commands for the current version returned by fn.
func (c *Controller) sendCommands(fn func(Version) ([]string, error), options ...controller.CommandOption) error {
	commands, err := fn(c.Version())
	if err != nil {
		c.MessageForConsole(controller.MessageTypeError, err.Error())
		return err
	}
	for _, command := range commands {
		if _, err := c.SendCommandImmediately(command, options...); err != nil {
			return err
		}
	}
	return nil
}

func single(fn func(Version) (string, error)) func(Version) ([]string, error) {
	return func(version Version) ([]string, error) {
		command, err := fn(version)
		if err != nil {
			return nil, err
		}
		return []string{command}, nil
	}
}

// PerformHomingCycle sends the homing command of the current version.
func (c *Controller) PerformHomingCycle() error {
	return c.sendCommands(single(HomingCommand))
}

// ReturnToHome moves back to the work origin.
func (c *Controller) ReturnToHome() error {
	var workZ float64
	if status := c.Status(); status != nil && status.WorkPosition != nil {
		workZ = status.WorkPosition.Z
	}
	return c.sendCommands(func(version Version) ([]string, error) {
		return ReturnToHomeCommands(version, workZ)
	})
}

// ResetCoordinatesToZero makes the current position the work origin.
func (c *Controller) ResetCoordinatesToZero() error {
	return c.sendCommands(single(ResetCoordinatesToZeroCommand))
}

func (c *Controller) KillAlarmLock() error {
	return c.sendCommands(single(KillAlarmLockCommand))
}

// ToggleCheckMode enables or disables check mode. The CHECK state is only entered once Grbl
// reports it.
func (c *Controller) ToggleCheckMode() error {
	return c.sendCommands(single(ToggleCheckModeCommand))
}

func (c *Controller) ViewParserState() error {
	return c.sendCommands(single(ViewParserStateCommand))
}

// RequestSettings asks Grbl to print all its settings.
func (c *Controller) RequestSettings() error {
	return c.sendCommands(func(version Version) ([]string, error) {
		if version.IsZero() {
			return nil, ErrNotBooted
		}
		return []string{CommandViewSettings}, nil
	})
}

// Jog moves relative to the current position, without changing the parser state.
func (c *Controller) Jog(j Jog) error {
	return c.sendCommands(func(version Version) ([]string, error) {
		return JogCommands(version, j)
	}, controller.WithTemporaryParserModalChange())
}

// CancelJog stops any jog in progress.
func (c *Controller) CancelJog() error {
	return c.SendRealTimeCommand(RealTimeJogCancel)
}

func (f *firmware) LineTerminator() string {
	return LineTerminator
}

func (f *firmware) ProcessedCommand(response string) bool {
	return IsProcessedResponse(response)
}

func (f *firmware) IsErrorResponse(response string) bool {
	return ClassifyLine(response) == LineTypeError
}

func (f *firmware) RawResponse(response string) {
	f.c.rawResponse(strings.TrimSpace(response))
}

// OpenCommAfterEvent resets Grbl, so it announces its version.
func (f *firmware) OpenCommAfterEvent(ctx context.Context) error {
	f.c.mu.Lock()
	f.c.ctx = ctx
	capabilities := f.c.capabilities
	f.c.mu.Unlock()
	// Grbl may have announced itself already, when opening the port reset the board.
	if capabilities.Has(CapabilityRealTime) {
		f.c.poller.Start(ctx)
	}
	return f.c.SendByteImmediately(byte(RealTimeSoftReset))
}

func (f *firmware) CloseCommBeforeEvent() {
	f.c.poller.Stop()
}

func (f *firmware) CloseCommAfterEvent() {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	f.c.ctx = nil
	f.c.version = Version{}
	f.c.capabilities = 0
	f.c.workCoordinateOffset = nil
	f.c.status = nil
}

func (f *firmware) IsReadyToStreamEvent() error {
	if f.c.Version().IsZero() {
		return ErrNotBooted
	}
	return nil
}

func (f *firmware) PauseStreamingEvent() error {
	if f.c.Capabilities().Has(CapabilityRealTime) {
		return f.c.SendByteImmediately(byte(RealTimeFeedHold))
	}
	return nil
}

func (f *firmware) ResumeStreamingEvent() error {
	if f.c.Capabilities().Has(CapabilityRealTime) {
		return f.c.SendByteImmediately(byte(RealTimeCycleStart))
	}
	return nil
}

func (f *firmware) CancelSendBeforeEvent() error {
	return nil
}

func (f *firmware) CancelSendAfterEvent() error {
	return nil
}
