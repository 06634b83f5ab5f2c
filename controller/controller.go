package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fornellas/slogxt/log"

	"github.com/fornellas/gsender/communicator"
	"github.com/fornellas/gsender/gcode"
	"github.com/fornellas/gsender/preprocessor"
)

var (
	ErrPortAlreadyOpen  = errors.New("comm port is already open")
	ErrPortNotOpen      = errors.New("comm port is not open")
	ErrNoCommandsQueued = errors.New("there are no commands queued for streaming")
	ErrAlreadyStreaming = errors.New("already streaming")
	ErrActiveCommands   = errors.New("cannot stream while there are active commands")
	// ErrNoCommandQueued means the communicator sent a command the controller never queued.
	ErrNoCommandQueued = errors.New("no command queued")
	// ErrTransport wraps every failure of the underlying connection.
	ErrTransport = errors.New("transport error")
)

// DefaultStreamLookahead is how many streamed lines are read ahead of transmission.
var DefaultStreamLookahead = 64

// Connection is the byte transport to the firmware.
type Connection interface {
	communicator.Connection
	// Open opens the named port. Every received line is given to lineFn, without its
	// terminator. errFn is called once if reading fails.
	Open(ctx context.Context, name string, baudRate int, lineFn func(line string), errFn func(err error)) error
	Close() error
}

// Firmware holds the behaviour specific to a firmware dialect.
type Firmware interface {
	LineTerminator() string
	// ProcessedCommand reports whether response acknowledges the oldest active command.
	ProcessedCommand(response string) bool
	// IsErrorResponse reports whether an acknowledgement rejects the command.
	IsErrorResponse(response string) bool
	// RawResponse receives every line not acknowledging a command.
	RawResponse(response string)
	OpenCommAfterEvent(ctx context.Context) error
	CloseCommBeforeEvent()
	CloseCommAfterEvent()
	// IsReadyToStreamEvent returns an error when the firmware can't take a job yet.
	IsReadyToStreamEvent() error
	PauseStreamingEvent() error
	ResumeStreamingEvent() error
	CancelSendBeforeEvent() error
	CancelSendAfterEvent() error
}

type Options struct {
	// BufferSize is the firmware receive buffer capacity, in bytes.
	BufferSize int
	// SingleStepMode only allows a single command awaiting response at any time.
	SingleStepMode bool
	// Processors transform every command before it is sent. When nil,
	// preprocessor.DefaultPipeline() is used.
	Processors preprocessor.Pipeline
	// StreamLookahead is how many lines of a queued stream are read ahead of transmission.
	StreamLookahead int
	// Now is the clock used for job telemetry.
	Now func() time.Time
}

type job struct {
	name      string
	inSend    int
	sent      int
	completed int
	skipped   int
	canceled  int
	start     time.Time
	end       time.Time
}

type jobStream struct {
	name      string
	scanner   *bufio.Scanner
	exhausted bool
	// wake asks the stream worker to read ahead.
	wake chan struct{}
	// done is closed when the stream is no longer the job stream.
	done chan struct{}
}

func newJobStream(name string, r io.Reader) *jobStream {
	return &jobStream{
		name:    name,
		scanner: bufio.NewScanner(r),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Controller tracks the lifecycle of every command streamed to the firmware.
type Controller struct {
	firmware  Firmware
	conn      Connection
	comm      *communicator.Communicator
	options   Options
	logger    atomic.Pointer[slog.Logger]
	listeners listeners

	// streamMu serializes reads from the job stream. It is taken before mu.
	streamMu sync.Mutex

	mu         sync.Mutex
	nextNumber int
	commOpen   bool
	state      ControlState
	checkMode  bool
	streaming  bool
	paused     bool
	prep       []*Command
	prepStream *jobStream
	// unsent mirrors, in order, the commands handed to the communicator and not sent yet.
	unsent   []*Command
	awaiting []*Command
	stream   *jobStream
	job      job
	// gcodeState is the parser modal state, updated by every command acknowledged without
	// error.
	gcodeState *gcode.ModalGroup
}

// New creates a Controller for the given firmware, talking through conn.
func New(firmware Firmware, conn Connection, options Options) *Controller {
	if options.BufferSize <= 0 {
		options.BufferSize = communicator.DefaultBufferSize
	}
	if options.Processors == nil {
		options.Processors = preprocessor.DefaultPipeline()
	}
	if options.StreamLookahead <= 0 {
		options.StreamLookahead = DefaultStreamLookahead
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	c := &Controller{
		firmware:   firmware,
		conn:       conn,
		options:    options,
		state:      StateDisconnected,
		gcodeState: gcode.DefaultModalGroup.Copy(),
	}
	c.logger.Store(slog.New(slog.DiscardHandler))
	c.comm = communicator.New(c, communicator.Options{
		BufferSize:     options.BufferSize,
		LineTerminator: firmware.LineTerminator(),
	})
	c.comm.SetSingleStepMode(options.SingleStepMode)
	return c
}

// Logger is the logger of the current connection.
func (c *Controller) Logger() *slog.Logger {
	return c.logger.Load()
}

// AddListener registers listener under name, replacing any listener with the same name.
func (c *Controller) AddListener(name string, listener Listener) {
	c.listeners.add(name, listener)
}

// RemoveListener unregisters the listener with the given name and reports whether it existed.
func (c *Controller) RemoveListener(name string) bool {
	return c.listeners.remove(name)
}

// Dispatch sends event to all listeners.
func (c *Controller) Dispatch(events ...Event) {
	for _, event := range events {
		c.listeners.dispatch(event)
	}
}

// MessageForConsole dispatches a ConsoleMessageEvent.
func (c *Controller) MessageForConsole(messageType MessageType, message string) {
	c.Dispatch(&ConsoleMessageEvent{MessageType: messageType, Message: message})
}

func (c *Controller) consoleError(err error) error {
	c.MessageForConsole(MessageTypeError, err.Error())
	return err
}

func (c *Controller) computeStateLocked() ControlState {
	switch {
	case !c.commOpen:
		return StateDisconnected
	case c.streaming && c.paused:
		return StateSendingPaused
	case c.streaming:
		return StateSending
	case c.checkMode:
		return StateCheck
	default:
		return StateIdle
	}
}

func (c *Controller) updateStateLocked() []Event {
	state := c.computeStateLocked()
	if state == c.state {
		return nil
	}
	c.logger.Load().Debug("State changed", "from", c.state, "to", state)
	c.state = state
	return []Event{&ControlStateChangedEvent{State: state}}
}

func (c *Controller) ControlState() ControlState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) IsCommOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commOpen
}

func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// SetCheckMode records whether the firmware is in check mode.
func (c *Controller) SetCheckMode(enabled bool) {
	c.mu.Lock()
	c.checkMode = enabled
	events := c.updateStateLocked()
	c.mu.Unlock()
	c.Dispatch(events...)
}

// SetSingleStepMode only allows one command awaiting response at any time.
func (c *Controller) SetSingleStepMode(enabled bool) {
	c.comm.SetSingleStepMode(enabled)
}

// OpenCommPort opens the named port at baudRate. Traffic triggered by the firmware is logged
// with the logger from ctx.
func (c *Controller) OpenCommPort(ctx context.Context, name string, baudRate int) (bool, error) {
	ctx, logger := log.MustWithGroupAttrs(ctx, "Controller", "port", name, "baud_rate", baudRate)

	c.mu.Lock()
	if c.commOpen {
		c.mu.Unlock()
		return false, c.consoleError(fmt.Errorf("controller: cannot open %s: %w", name, ErrPortAlreadyOpen))
	}
	c.commOpen = true
	c.mu.Unlock()

	c.logger.Store(logger)
	logger.Info("Opening")

	c.comm.ResetBuffers()
	c.comm.SetConnection(ctx, c.conn)
	if err := c.conn.Open(ctx, name, baudRate, c.comm.ResponseMessage, c.TransportError); err != nil {
		c.mu.Lock()
		c.commOpen = false
		c.mu.Unlock()
		err = fmt.Errorf("%w: failed to open %s: %w", ErrTransport, name, err)
		logger.Error("Failed to open", "err", err)
		return false, c.consoleError(err)
	}

	c.mu.Lock()
	c.job = job{}
	c.gcodeState = gcode.DefaultModalGroup.Copy()
	events := c.updateStateLocked()
	c.mu.Unlock()
	c.Dispatch(events...)

	if err := c.firmware.OpenCommAfterEvent(ctx); err != nil {
		err = fmt.Errorf("controller: failed after opening %s: %w", name, err)
		logger.Error("Failed after opening", "err", err)
		return false, errors.Join(c.consoleError(err), c.CloseCommPort())
	}

	c.MessageForConsole(MessageTypeInfo, fmt.Sprintf("**** Connected to %s @ %d baud ****", name, baudRate))
	return true, nil
}

// CloseCommPort closes the port, abandoning every queued command and resetting the job.
// Closing a closed port does nothing.
func (c *Controller) CloseCommPort() error {
	c.mu.Lock()
	if !c.commOpen {
		c.mu.Unlock()
		return nil
	}
	c.commOpen = false
	c.mu.Unlock()

	logger := c.logger.Load()
	logger.Info("Closing")

	c.firmware.CloseCommBeforeEvent()

	c.mu.Lock()
	c.comm.CancelSend()
	var events []Event
	if c.streaming {
		events = append(events, &FileStreamCompleteEvent{Filename: c.job.name, Success: false})
	}
	events = append(events, c.abandonLocked()...)
	c.job = job{}
	c.streaming = false
	c.paused = false
	c.checkMode = false
	c.dropStreamLocked()
	c.prepStream = nil
	events = append(events, c.updateStateLocked()...)
	c.mu.Unlock()

	err := c.conn.Close()
	c.comm.ResetBuffers()

	c.Dispatch(events...)
	c.MessageForConsole(MessageTypeInfo, "**** Connection closed ****")

	c.firmware.CloseCommAfterEvent()

	if err != nil {
		err = fmt.Errorf("%w: failed to close: %w", ErrTransport, err)
		logger.Error("Failed to close", "err", err)
		return c.consoleError(err)
	}
	return nil
}

// dropStreamLocked stops reading the job stream.
func (c *Controller) dropStreamLocked() {
	if c.stream == nil {
		return
	}
	close(c.stream.done)
	c.stream = nil
}

// abandonLocked cancels every command which won't be acknowledged anymore.
func (c *Controller) abandonLocked() []Event {
	events := c.cancelCommandsLocked(c.prep, false)
	events = append(events, c.cancelCommandsLocked(c.unsent, true)...)
	events = append(events, c.cancelCommandsLocked(c.awaiting, true)...)
	c.prep = nil
	c.unsent = nil
	c.awaiting = nil
	return events
}

func (c *Controller) cancelCommandsLocked(commands []*Command, handedOff bool) []Event {
	events := make([]Event, 0, len(commands))
	for _, command := range commands {
		command.setCanceled()
		if handedOff && command.inJob {
			c.job.canceled++
		}
		events = append(events, &CommandSkippedEvent{Command: command})
	}
	return events
}

// TransportError handles a failure of the connection: the port is closed.
func (c *Controller) TransportError(err error) {
	logger := c.logger.Load()
	logger.Error("Connection failed", "err", err)
	c.MessageForConsole(MessageTypeError, fmt.Sprintf("Connection failed: %s", err))
	if closeErr := c.CloseCommPort(); closeErr != nil {
		logger.Error("Failed to close after connection failure", "err", closeErr)
	}
}

func (c *Controller) streamCommands() error {
	err := c.comm.StreamCommands()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoCommandQueued) {
		return err
	}
	err = fmt.Errorf("%w: %w", ErrTransport, err)
	c.TransportError(err)
	return err
}

func (c *Controller) process(text string) (string, string, error) {
	processed, err := c.options.Processors.Process(text)
	if err != nil {
		return "", "", fmt.Errorf("controller: failed to process %#v: %w", text, err)
	}
	return processed, preprocessor.ParseComment(text), nil
}

func (c *Controller) newCommandLocked(original, processed, comment string, options ...CommandOption) *Command {
	command := &Command{
		number:   c.nextNumber,
		original: original,
		command:  processed,
		comment:  comment,
	}
	c.nextNumber++
	for _, option := range options {
		option(command)
	}
	return command
}

// handOffLocked gives command to the communicator, or skips it when there's nothing to send.
func (c *Controller) handOffLocked(command *Command) []Event {
	if command.inJob {
		c.job.inSend++
	}
	if command.command == "" {
		command.setSkipped()
		if command.inJob {
			c.job.sent++
			c.job.completed++
			c.job.skipped++
		}
		c.logger.Load().Debug("Skipped", "command", command)
		return []Event{&CommandSkippedEvent{Command: command}}
	}
	c.unsent = append(c.unsent, command)
	if !c.comm.QueueStringForComm(command.command) {
		c.unsent = c.unsent[:len(c.unsent)-1]
		command.setCanceled()
		if command.inJob {
			c.job.canceled++
		}
		return []Event{&CommandSkippedEvent{Command: command}}
	}
	return nil
}

func (c *Controller) queue(immediate bool, text string, options ...CommandOption) (*Command, error) {
	processed, comment, err := c.process(text)
	if err != nil {
		return nil, c.consoleError(err)
	}

	c.mu.Lock()
	if !c.commOpen {
		c.mu.Unlock()
		return nil, c.consoleError(fmt.Errorf("controller: cannot queue command: %w", ErrPortNotOpen))
	}
	command := c.newCommandLocked(text, processed, comment, options...)
	events := []Event{&CommandQueuedEvent{Command: command}}
	kick := immediate || c.streaming
	if kick {
		command.inJob = c.streaming && !immediate
		events = append(events, c.handOffLocked(command)...)
		events = append(events, c.checkStreamCompleteLocked()...)
	} else {
		command.inJob = true
		c.prep = append(c.prep, command)
	}
	c.mu.Unlock()

	c.Dispatch(events...)
	if kick {
		if err := c.streamCommands(); err != nil {
			return command, err
		}
	}
	return command, nil
}

// QueueCommand queues a command for the next streaming job. While a job is streaming, the
// command is appended to it.
func (c *Controller) QueueCommand(text string, options ...CommandOption) (*Command, error) {
	return c.queue(false, text, options...)
}

// QueueCommands queues every command, stopping at the first error.
func (c *Controller) QueueCommands(texts []string) ([]*Command, error) {
	commands := make([]*Command, 0, len(texts))
	for _, text := range texts {
		command, err := c.QueueCommand(text)
		if err != nil {
			return commands, err
		}
		commands = append(commands, command)
	}
	return commands, nil
}

// QueueStream queues all lines of r for the next streaming job. Lines are read lazily while
// streaming. name identifies the stream on FileStreamCompleteEvent.
func (c *Controller) QueueStream(name string, r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.commOpen {
		return c.consoleError(fmt.Errorf("controller: cannot queue stream: %w", ErrPortNotOpen))
	}
	if c.prepStream != nil || c.stream != nil {
		return c.consoleError(fmt.Errorf("controller: cannot queue stream %s: %w", name, ErrAlreadyStreaming))
	}
	c.prepStream = newJobStream(name, r)
	return nil
}

// SendCommandImmediately sends a command right away, outside of any streaming job.
func (c *Controller) SendCommandImmediately(text string, options ...CommandOption) (*Command, error) {
	return c.queue(true, text, options...)
}

// SendByteImmediately writes a single byte bypassing every queue.
func (c *Controller) SendByteImmediately(b byte) error {
	if !c.IsCommOpen() {
		return ErrPortNotOpen
	}
	if err := c.comm.SendByteImmediately(b); err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		c.TransportError(err)
		return err
	}
	return nil
}

// IsReadyToStreamCommands returns an error explaining why BeginStreaming would fail.
func (c *Controller) IsReadyToStreamCommands() error {
	c.mu.Lock()
	if !c.commOpen {
		c.mu.Unlock()
		return ErrPortNotOpen
	}
	c.mu.Unlock()

	if err := c.firmware.IsReadyToStreamEvent(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isReadyToStreamLocked()
}

func (c *Controller) isReadyToStreamLocked() error {
	if c.streaming {
		return ErrAlreadyStreaming
	}
	if len(c.unsent) > 0 || len(c.awaiting) > 0 {
		return fmt.Errorf("%w (controller)", ErrActiveCommands)
	}
	if c.comm.AreActiveCommands() {
		return fmt.Errorf("%w (communicator)", ErrActiveCommands)
	}
	if len(c.prep) == 0 && c.prepStream == nil {
		return ErrNoCommandsQueued
	}
	return nil
}

// BeginStreaming starts sending every queued command and stream.
func (c *Controller) BeginStreaming() error {
	if err := c.IsReadyToStreamCommands(); err != nil {
		return c.consoleError(fmt.Errorf("controller: cannot begin streaming: %w", err))
	}

	c.mu.Lock()
	if err := c.isReadyToStreamLocked(); err != nil {
		c.mu.Unlock()
		return c.consoleError(fmt.Errorf("controller: cannot begin streaming: %w", err))
	}
	c.job = job{start: c.options.Now()}
	c.streaming = true
	if c.prepStream != nil {
		c.stream = c.prepStream
		c.job.name = c.prepStream.name
		c.prepStream = nil
	}
	events := c.updateStateLocked()
	for _, command := range c.prep {
		events = append(events, c.handOffLocked(command)...)
	}
	c.prep = nil
	events = append(events, c.checkStreamCompleteLocked()...)
	name := c.job.name
	stream := c.stream
	c.mu.Unlock()

	c.logger.Load().Info("Streaming", "name", name)
	c.Dispatch(events...)
	if stream != nil && c.refill(stream) {
		go c.streamWorker(stream)
	}
	return c.streamCommands()
}

// refill reads lines from stream until StreamLookahead commands wait to be sent. It returns
// false once stream is exhausted or no longer the job stream.
func (c *Controller) refill(stream *jobStream) bool {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()

	for {
		c.mu.Lock()
		if c.stream != stream || stream.exhausted || !c.streaming {
			c.mu.Unlock()
			return false
		}
		if len(c.unsent) >= c.options.StreamLookahead {
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()

		var text, processed, comment string
		var err error
		more := stream.scanner.Scan()
		if more {
			text = stream.scanner.Text()
			processed, comment, err = c.process(text)
		} else if scanErr := stream.scanner.Err(); scanErr != nil {
			err = fmt.Errorf("controller: failed to read %s: %w", stream.name, scanErr)
		}

		if err != nil {
			c.logger.Load().Error("Aborting stream", "err", err)
			c.MessageForConsole(MessageTypeError, err.Error())
			if cancelErr := c.CancelSend(); cancelErr != nil {
				c.logger.Load().Error("Failed to cancel", "err", cancelErr)
			}
			return false
		}

		c.mu.Lock()
		if c.stream != stream {
			c.mu.Unlock()
			return false
		}
		var events []Event
		if more {
			command := c.newCommandLocked(text, processed, comment)
			command.inJob = true
			events = append(events, &CommandQueuedEvent{Command: command})
			events = append(events, c.handOffLocked(command)...)
		} else {
			stream.exhausted = true
		}
		events = append(events, c.checkStreamCompleteLocked()...)
		c.mu.Unlock()
		c.Dispatch(events...)
	}
}

// streamWorker reads ahead from stream whenever commands are sent, so reading never happens
// while handling responses.
func (c *Controller) streamWorker(stream *jobStream) {
	logger := c.logger.Load().With("name", stream.name)
	logger.Debug("Reading stream")
	for {
		select {
		case <-stream.wake:
		case <-stream.done:
			logger.Debug("Stopped reading stream")
			return
		}
		more := c.refill(stream)
		if err := c.streamCommands(); err != nil {
			logger.Error("Failed to send", "err", err)
			return
		}
		if !more {
			logger.Debug("Finished reading stream")
			return
		}
	}
}

// checkStreamCompleteLocked finishes the job once nothing is left to send or acknowledge.
func (c *Controller) checkStreamCompleteLocked() []Event {
	if !c.streaming || len(c.unsent) > 0 || len(c.awaiting) > 0 {
		return nil
	}
	if c.stream != nil && !c.stream.exhausted {
		return nil
	}
	c.job.end = c.options.Now()
	c.streaming = false
	c.dropStreamLocked()
	success := c.job.canceled == 0 && c.job.completed == c.job.inSend
	duration := c.job.end.Sub(c.job.start)
	c.logger.Load().Info(
		"Finished streaming",
		"name", c.job.name, "success", success, "duration", duration, "rows", c.job.inSend,
	)
	events := c.updateStateLocked()
	events = append(events,
		&ConsoleMessageEvent{
			MessageType: MessageTypeInfo,
			Message:     fmt.Sprintf("**** Finished sending file in %s ****", duration.Round(time.Millisecond)),
		},
		&FileStreamCompleteEvent{Filename: c.job.name, Success: success},
	)
	return events
}

// PauseStreaming stops sending commands. Pausing twice is the same as pausing once.
func (c *Controller) PauseStreaming() error {
	c.mu.Lock()
	if !c.commOpen {
		c.mu.Unlock()
		return c.consoleError(fmt.Errorf("controller: cannot pause: %w", ErrPortNotOpen))
	}
	if c.paused {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.MessageForConsole(MessageTypeInfo, "**** Pausing file transfer. ****")
	if err := c.firmware.PauseStreamingEvent(); err != nil {
		return c.consoleError(fmt.Errorf("controller: failed to pause: %w", err))
	}
	c.comm.PauseSend()

	c.mu.Lock()
	c.paused = true
	events := c.updateStateLocked()
	c.mu.Unlock()
	c.Dispatch(events...)
	return nil
}

// ResumeStreaming resumes sending commands after PauseStreaming.
func (c *Controller) ResumeStreaming() error {
	c.mu.Lock()
	if !c.commOpen {
		c.mu.Unlock()
		return c.consoleError(fmt.Errorf("controller: cannot resume: %w", ErrPortNotOpen))
	}
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.MessageForConsole(MessageTypeInfo, "**** Resuming file transfer. ****")
	if err := c.firmware.ResumeStreamingEvent(); err != nil {
		return c.consoleError(fmt.Errorf("controller: failed to resume: %w", err))
	}

	c.mu.Lock()
	c.paused = false
	events := c.updateStateLocked()
	c.mu.Unlock()
	c.Dispatch(events...)

	if err := c.comm.ResumeSend(); err != nil {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
		c.TransportError(err)
		return err
	}
	return nil
}

// CancelSend discards every command of the current job not sent yet. Commands already sent
// are still acknowledged by the firmware; the job finishes once they are. Commands and streams
// queued for the next job are kept.
func (c *Controller) CancelSend() error {
	if !c.IsCommOpen() {
		return nil
	}

	c.MessageForConsole(MessageTypeInfo, "**** Canceling file transfer. ****")
	if err := c.firmware.CancelSendBeforeEvent(); err != nil {
		return c.consoleError(fmt.Errorf("controller: failed to cancel: %w", err))
	}

	c.mu.Lock()
	discarded := min(c.comm.CancelSend(), len(c.unsent))
	events := c.cancelCommandsLocked(c.unsent[len(c.unsent)-discarded:], true)
	c.unsent = c.unsent[:len(c.unsent)-discarded]
	c.dropStreamLocked()
	if c.streaming {
		events = append(events, c.checkStreamCompleteLocked()...)
	}
	c.mu.Unlock()

	c.logger.Load().Info("Canceled", "discarded", discarded)
	c.Dispatch(events...)

	if err := c.firmware.CancelSendAfterEvent(); err != nil {
		return c.consoleError(fmt.Errorf("controller: failed to cancel: %w", err))
	}
	return nil
}

// FlushSendQueues forgets every queued and in flight command, after the firmware discarded
// its buffer, finishing any job unsuccessfully.
func (c *Controller) FlushSendQueues() {
	c.mu.Lock()
	c.comm.CancelSend()
	c.comm.ResetBuffers()
	events := c.abandonLocked()
	c.dropStreamLocked()
	c.paused = false
	events = append(events, c.checkStreamCompleteLocked()...)
	events = append(events, c.updateStateLocked()...)
	c.mu.Unlock()
	c.Dispatch(events...)
}

// CommandSent marks the oldest unsent command as sent. It is called by the communicator,
// right before writing command.
func (c *Controller) CommandSent(text string) error {
	c.mu.Lock()
	if len(c.unsent) == 0 {
		c.mu.Unlock()
		err := fmt.Errorf("controller: %#v sent: %w", text, ErrNoCommandQueued)
		c.logger.Load().Error("Command sent without matching queued command", "command", text)
		return c.consoleError(err)
	}
	command := c.unsent[0]
	c.unsent = c.unsent[1:]
	if command.command+c.firmware.LineTerminator() != text {
		c.logger.Load().Warn("Sent command differs from queued command", "sent", text, "queued", command)
	}
	command.setSent()
	c.awaiting = append(c.awaiting, command)
	if command.inJob {
		c.job.sent++
	}
	events := []Event{&CommandSentEvent{Command: command}}
	if command.HasComment() {
		events = append(events, &CommandCommentEvent{Comment: command.comment})
	}
	stream := c.stream
	c.mu.Unlock()

	c.Dispatch(events...)
	if stream != nil {
		select {
		case stream.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// ProcessedCommand reports whether response acknowledges a command.
func (c *Controller) ProcessedCommand(response string) bool {
	return c.firmware.ProcessedCommand(response)
}

// CommandComplete records response for the oldest command awaiting one. A response with no
// command awaiting is logged and ignored.
func (c *Controller) CommandComplete(response string) {
	c.mu.Lock()
	if len(c.awaiting) == 0 {
		c.mu.Unlock()
		c.logger.Load().Warn("Response without command awaiting, skipping", "response", response)
		c.MessageForConsole(MessageTypeVerbose, fmt.Sprintf("Unexpected response: %s", response))
		return
	}
	command := c.awaiting[0]
	c.awaiting = c.awaiting[1:]
	command.setDone(response, c.firmware.IsErrorResponse(response))
	c.updateGcodeStateLocked(command)
	if command.inJob {
		c.job.completed++
	}
	events := []Event{&CommandCompleteEvent{Command: command}}
	events = append(events, c.checkStreamCompleteLocked()...)
	c.mu.Unlock()

	c.logger.Load().Debug("Complete", "command", command, "response", response)
	c.Dispatch(events...)
}

// updateGcodeStateLocked applies command to the parser modal state, unless it was rejected or
// only changes it temporarily.
func (c *Controller) updateGcodeStateLocked(command *Command) {
	if command.IsError() || command.IsTemporaryParserModalChange() {
		return
	}
	block, err := gcode.ParseBlock(command.command)
	if err == nil {
		state := c.gcodeState.Copy()
		if err = state.UpdateFromBlock(block); err == nil {
			c.gcodeState = state
			return
		}
	}
	c.logger.Load().Debug("Parser state not updated", "command", command, "err", err)
}

// GcodeState is a copy of the parser modal state.
func (c *Controller) GcodeState() *gcode.ModalGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gcodeState.Copy()
}

// SetGcodeState replaces the parser modal state, as reported by the firmware.
func (c *Controller) SetGcodeState(state *gcode.ModalGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gcodeState = state.Copy()
}

// RawResponse gives response to the firmware.
func (c *Controller) RawResponse(response string) {
	c.firmware.RawResponse(response)
}

// SendDuration is the time spent on the current job, frozen once it finishes. It is zero
// before any job starts.
func (c *Controller) SendDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.start.IsZero() {
		return 0
	}
	if !c.job.end.IsZero() {
		return c.job.end.Sub(c.job.start)
	}
	return c.options.Now().Sub(c.job.start)
}

// RowsInSend is the number of commands in the current job, so far.
func (c *Controller) RowsInSend() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.inSend
}

// RowsSent counts job commands sent, including those skipped for having nothing to send.
func (c *Controller) RowsSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.sent
}

// RowsRemaining counts job commands not sent. Canceled commands are never sent, so they stay
// counted until the next job.
func (c *Controller) RowsRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.inSend - c.job.sent
}

func (c *Controller) RowsCompleted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.completed
}

func (c *Controller) RowsCanceled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.canceled
}

// RowsInQueue counts commands queued for the next job.
func (c *Controller) RowsInQueue() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prep)
}

// ActiveCommands counts commands handed to the communicator and not acknowledged yet.
func (c *Controller) ActiveCommands() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsent) + len(c.awaiting)
}
