package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"
)

var ErrNotOpen = errors.New("connection: not open")

// ReadTimeout bounds every blocking read, so the read loop notices cancellation.
var ReadTimeout = 100 * time.Millisecond

// OpenPortFn opens the port identified by name with the given mode.
type OpenPortFn func(ctx context.Context, name string, mode *serial.Mode) (serial.Port, error)

// OpenSerialPort opens a local serial device.
func OpenSerialPort(ctx context.Context, name string, mode *serial.Mode) (serial.Port, error) {
	log.MustLogger(ctx).Info("Opening serial port")
	return serial.Open(name, mode)
}

// ListPorts lists the serial devices available.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("connection: failed to list ports: %w", err)
	}
	return ports, nil
}

// Connection talks to the firmware over a serial.Port, delivering every received line from
// its own goroutine.
type Connection struct {
	openPortFn OpenPortFn

	mu     sync.Mutex
	port   serial.Port
	cancel context.CancelFunc
}

func New(openPortFn OpenPortFn) *Connection {
	return &Connection{openPortFn: openPortFn}
}

// Open opens name at baudRate, 8N1, and starts reading lines from it.
func (c *Connection) Open(
	ctx context.Context, name string, baudRate int, lineFn func(line string), errFn func(err error),
) error {
	ctx, logger := log.MustWithGroupAttrs(ctx, "Connection", "name", name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return fmt.Errorf("connection: %s already open", name)
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := c.openPortFn(ctx, name, mode)
	if err != nil {
		return fmt.Errorf("connection: open error: %w", err)
	}

	if err := port.SetReadTimeout(ReadTimeout); err != nil {
		closeErr := port.Close()
		if closeErr != nil {
			closeErr = fmt.Errorf("connection: close error: %w", closeErr)
		}
		return errors.Join(fmt.Errorf("connection: error setting read timeout: %w", err), closeErr)
	}

	readCtx, cancel := context.WithCancel(ctx)
	c.port = port
	c.cancel = cancel
	logger.Info("Open", "baud_rate", baudRate)
	go c.readWorker(readCtx, port, lineFn, errFn)
	return nil
}

// readWorker delivers lines, without terminator, until the context is done or reading fails.
func (c *Connection) readWorker(ctx context.Context, port serial.Port, lineFn func(string), errFn func(error)) {
	logger := log.MustLogger(ctx)
	logger.Debug("Reading")
	buf := make([]byte, 256)
	var line []byte
	for {
		if ctx.Err() != nil {
			logger.Debug("Stopped reading")
			return
		}
		n, err := port.Read(buf)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			if ctx.Err() != nil {
				logger.Debug("Stopped reading")
				return
			}
			logger.Error("Read failed", "err", err)
			errFn(fmt.Errorf("connection: read error: %w", err))
			return
		}
		for _, b := range buf[:n] {
			if b != '\n' {
				line = append(line, b)
				continue
			}
			text := strings.TrimSuffix(string(line), "\r")
			line = line[:0]
			if ctx.Err() != nil {
				return
			}
			if text == "" {
				continue
			}
			logger.Debug("Received", "line", text)
			lineFn(text)
		}
	}
}

// Close stops reading and closes the port. It does not wait for the read loop, so it may
// be called from lineFn or errFn.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	c.cancel()
	err := c.port.Close()
	c.port = nil
	c.cancel = nil
	if err != nil {
		return fmt.Errorf("connection: close error: %w", err)
	}
	return nil
}

func (c *Connection) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return ErrNotOpen
	}
	n, err := c.port.Write(data)
	if err != nil {
		return fmt.Errorf("connection: write error: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("connection: write error: wrote %d bytes, expected %d", n, len(data))
	}
	return nil
}

func (c *Connection) SendStringToComm(command string) error {
	return c.write([]byte(command))
}

func (c *Connection) SendByteImmediately(b byte) error {
	return c.write([]byte{b})
}
