package communicator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fornellas/slogxt/log"
)

// DefaultBufferSize is the Grbl serial receive buffer minus a few bytes reserved for
// realtime commands.
var DefaultBufferSize = 123

// DefaultLineTerminator is appended to every queued string.
var DefaultLineTerminator = "\n"

var ErrNoConnection = errors.New("communicator: no connection set")

// Connection is the byte transport the communicator writes to.
type Connection interface {
	SendStringToComm(command string) error
	SendByteImmediately(b byte) error
}

// Listener receives communicator events. Calls happen synchronously on whichever goroutine
// triggered them, and never while a communicator lock is held.
type Listener interface {
	// CommandSent is called when command is about to be written to the connection, after it
	// was moved to the active queue. An error aborts the transmission.
	CommandSent(command string) error
	// ProcessedCommand reports whether response acknowledges the oldest active command.
	ProcessedCommand(response string) bool
	// CommandComplete is called for every response that acknowledged an active command.
	CommandComplete(response string)
	// RawResponse receives every response which did not acknowledge a command.
	RawResponse(response string)
	// TransportError is called when a write fails while refilling after a response.
	TransportError(err error)
}

type Options struct {
	// BufferSize is the firmware receive buffer capacity in bytes.
	BufferSize int
	// LineTerminator appended to every queued string.
	LineTerminator string
}

// Communicator streams commands with character counting: a command is only written when its
// whole length fits the bytes still free in the firmware receive buffer.
type Communicator struct {
	listener Listener
	options  Options
	logger   atomic.Pointer[slog.Logger]

	connMu sync.Mutex
	conn   Connection

	// Lock order: pendingMu, then activeMu.
	pendingMu sync.Mutex
	pending   []string
	stream    *bufio.Scanner
	canceled  bool

	activeMu    sync.Mutex
	active      []string
	activeBytes int

	pumpMu        sync.Mutex
	pumpRequested atomic.Bool

	paused     atomic.Bool
	singleStep atomic.Bool
}

// New creates a Communicator delivering events to listener. Zero option values are replaced
// by defaults.
func New(listener Listener, options Options) *Communicator {
	if options.BufferSize <= 0 {
		options.BufferSize = DefaultBufferSize
	}
	if options.LineTerminator == "" {
		options.LineTerminator = DefaultLineTerminator
	}
	c := &Communicator{
		listener: listener,
		options:  options,
	}
	c.logger.Store(slog.New(slog.DiscardHandler))
	return c
}

// SetConnection binds the transport. It must be called before any send; ctx provides the
// logger used for traffic triggered by the connection.
func (c *Communicator) SetConnection(ctx context.Context, conn Connection) {
	_, logger := log.MustWithGroup(ctx, "Communicator")
	c.logger.Store(logger)

	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

func (c *Communicator) connection() (Connection, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil, ErrNoConnection
	}
	return c.conn, nil
}

func (c *Communicator) BufferSize() int {
	return c.options.BufferSize
}

// SetSingleStepMode restricts the pump to one active command at a time.
func (c *Communicator) SetSingleStepMode(enabled bool) {
	c.singleStep.Store(enabled)
}

func (c *Communicator) SingleStepMode() bool {
	return c.singleStep.Load()
}

// QueueStringForComm appends the line terminator to command and pushes it to the pending
// queue. Nothing is written until StreamCommands. It returns false, without error, while a
// cancellation is in effect.
func (c *Communicator) QueueStringForComm(command string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.canceled {
		c.logger.Load().Debug("Dropping command queued during cancellation", "command", command)
		return false
	}
	c.pending = append(c.pending, command+c.options.LineTerminator)
	return true
}

// QueueStreamForComm queues every line from r after the already pending strings. Lines are
// read lazily, as room for them becomes available. A previous unfinished stream is replaced.
func (c *Communicator) QueueStreamForComm(r io.Reader) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.canceled {
		return false
	}
	c.stream = bufio.NewScanner(r)
	return true
}

// peekLocked returns the next string to be transmitted, pulling a line from the stream when
// the pending queue is empty.
func (c *Communicator) peekLocked() (string, bool) {
	if len(c.pending) > 0 {
		return c.pending[0], true
	}
	for c.stream != nil {
		if !c.stream.Scan() {
			if err := c.stream.Err(); err != nil {
				c.logger.Load().Error("Failed to read stream", "err", err)
			}
			c.stream = nil
			break
		}
		line := c.stream.Text()
		if line == "" {
			continue
		}
		c.pending = append(c.pending, line+c.options.LineTerminator)
		return c.pending[0], true
	}
	return "", false
}

// admit moves the head of the pending queue to the active queue when it fits.
func (c *Communicator) admit() (string, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	command, ok := c.peekLocked()
	if !ok {
		return "", false
	}

	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if c.singleStep.Load() && len(c.active) > 0 {
		return "", false
	}
	if c.activeBytes+len(command) > c.options.BufferSize {
		if len(command) > c.options.BufferSize {
			c.logger.Load().Error(
				"Command larger than buffer, it will never be sent",
				"command", command, "buffer_size", c.options.BufferSize,
			)
		}
		return "", false
	}
	c.pending = c.pending[1:]
	c.active = append(c.active, command)
	c.activeBytes += len(command)
	return command, true
}

// unadmit drops the most recent active entry equal to command, after a failed transmission.
func (c *Communicator) unadmit(command string) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	for i := len(c.active) - 1; i >= 0; i-- {
		if c.active[i] == command {
			c.active = append(c.active[:i], c.active[i+1:]...)
			c.activeBytes -= len(command)
			return
		}
	}
}

func (c *Communicator) pump() error {
	for !c.paused.Load() {
		command, ok := c.admit()
		if !ok {
			return nil
		}

		conn, err := c.connection()
		if err != nil {
			c.unadmit(command)
			return err
		}

		if err := c.listener.CommandSent(command); err != nil {
			c.unadmit(command)
			return err
		}

		c.logger.Load().Debug("Sending", "command", command)
		if err := conn.SendStringToComm(command); err != nil {
			c.unadmit(command)
			return fmt.Errorf("communicator: failed to send %#v: %w", command, err)
		}
	}
	return nil
}

// StreamCommands writes as many pending commands as fit in the remaining buffer. It is
// level triggered and safe to call from any goroutine at any time: if another goroutine is
// already pumping, it is asked to run another round and this call returns immediately.
func (c *Communicator) StreamCommands() error {
	c.pumpRequested.Store(true)
	var errs error
	for c.pumpRequested.Load() {
		if !c.pumpMu.TryLock() {
			return errs
		}
		for c.pumpRequested.Swap(false) {
			if err := c.pump(); err != nil {
				errs = errors.Join(errs, err)
				break
			}
		}
		c.pumpMu.Unlock()
		if errs != nil {
			return errs
		}
	}
	return errs
}

// ResponseMessage handles a line received from the connection.
func (c *Communicator) ResponseMessage(response string) {
	logger := c.logger.Load()

	if !c.listener.ProcessedCommand(response) {
		c.listener.RawResponse(response)
		return
	}

	c.activeMu.Lock()
	var command string
	if len(c.active) > 0 {
		command = c.active[0]
		c.active = c.active[1:]
		c.activeBytes -= len(command)
		if c.activeBytes < 0 {
			panic(fmt.Errorf("bug: negative active bytes: %d", c.activeBytes))
		}
	}
	drained := len(c.active) == 0
	c.activeMu.Unlock()

	if command == "" {
		logger.Warn("Acknowledgement without active command", "response", response)
	} else {
		logger.Debug("Processed", "command", command, "response", response)
	}

	if drained {
		c.pendingMu.Lock()
		c.canceled = false
		c.pendingMu.Unlock()
	}

	c.listener.CommandComplete(response)

	if c.paused.Load() {
		return
	}
	if err := c.StreamCommands(); err != nil {
		logger.Error("Failed to stream commands", "err", err)
		c.listener.TransportError(err)
	}
}

// PauseSend stops transmissions without discarding queued commands.
func (c *Communicator) PauseSend() {
	c.paused.Store(true)
}

// ResumeSend restarts transmissions where PauseSend left them.
func (c *Communicator) ResumeSend() error {
	c.paused.Store(false)
	return c.StreamCommands()
}

func (c *Communicator) IsPaused() bool {
	return c.paused.Load()
}

// CancelSend discards every pending command and the queued stream. Active commands are kept
// as the firmware will still acknowledge them. Until the active queue drains, further queued
// strings are dropped. It returns the number of discarded pending strings, not counting
// unread stream lines.
func (c *Communicator) CancelSend() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	n := len(c.pending)
	c.pending = nil
	c.stream = nil
	if c.AreActiveCommands() {
		c.canceled = true
	}
	return n
}

// ResetBuffers forgets every pending and active command and clears any pause, after the
// firmware was reset or the connection changed.
func (c *Communicator) ResetBuffers() {
	c.paused.Store(false)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending = nil
	c.stream = nil
	c.canceled = false

	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	c.active = nil
	c.activeBytes = 0
}

// SendByteImmediately writes b bypassing every queue.
func (c *Communicator) SendByteImmediately(b byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	c.logger.Load().Debug("Sending realtime", "byte", fmt.Sprintf("0x%02x", b))
	if err := conn.SendByteImmediately(b); err != nil {
		return fmt.Errorf("communicator: failed to send byte 0x%02x: %w", b, err)
	}
	return nil
}

// AreActiveCommands reports whether commands were sent and are awaiting acknowledgement.
func (c *Communicator) AreActiveCommands() bool {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return len(c.active) > 0
}

func (c *Communicator) ActiveCommandsCount() int {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return len(c.active)
}

// ActiveBytes is the sum of lengths of all active commands.
func (c *Communicator) ActiveBytes() int {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return c.activeBytes
}

func (c *Communicator) PendingCommandsCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}
