package connection

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

type fakePort struct {
	mu          sync.Mutex
	reads       chan []byte
	readErr     chan error
	done        chan struct{}
	written     []byte
	readTimeout time.Duration
	shortWrite  bool
	timeoutErr  error
	closed      bool
}

func newFakePort() *fakePort {
	return &fakePort{
		reads:   make(chan []byte, 10),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (p *fakePort) SetMode(mode *serial.Mode) error { return nil }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	p.mu.Unlock()
	select {
	case data := <-p.reads:
		return copy(b, data), nil
	case err := <-p.readErr:
		return 0, err
	case <-p.done:
		return 0, errors.New("port closed")
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shortWrite {
		return len(b) - 1, nil
	}
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.written)
}

func (p *fakePort) Drain() error { return nil }
func (p *fakePort) ResetInputBuffer() error { return nil }
func (p *fakePort) ResetOutputBuffer() error { return nil }
func (p *fakePort) SetDTR(dtr bool) error { return nil }
func (p *fakePort) SetRTS(rts bool) error { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }
func (p *fakePort) Break(time.Duration) error { return nil }

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return p.timeoutErr
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		close(p.done)
		p.closed = true
	}
	return nil
}

type lineRecorder struct {
	mu    sync.Mutex
	lines []string
	errs  []error
}

func (r *lineRecorder) line(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
}

func (r *lineRecorder) err(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *lineRecorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.lines...)
}

func (r *lineRecorder) Errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error{}, r.errs...)
}

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))
}

func openFake(t *testing.T, port *fakePort) (*Connection, *lineRecorder) {
	t.Helper()
	c := New(func(ctx context.Context, name string, mode *serial.Mode) (serial.Port, error) {
		return port, nil
	})
	recorder := &lineRecorder{}
	require.NoError(t, c.Open(testContext(t), "/dev/ttyUSB0", 115200, recorder.line, recorder.err))
	t.Cleanup(func() { require.NoError(t, c.Close()) })
	return c, recorder
}

func TestOpen(t *testing.T) {
	t.Run("mode", func(t *testing.T) {
		var openedName string
		var openedMode *serial.Mode
		port := newFakePort()
		c := New(func(ctx context.Context, name string, mode *serial.Mode) (serial.Port, error) {
			openedName = name
			openedMode = mode
			return port, nil
		})
		recorder := &lineRecorder{}
		require.NoError(t, c.Open(testContext(t), "/dev/ttyACM0", 9600, recorder.line, recorder.err))
		require.Equal(t, "/dev/ttyACM0", openedName)
		require.Equal(t, &serial.Mode{
			BaudRate: 9600,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}, openedMode)
		require.Equal(t, ReadTimeout, port.readTimeout)

		require.Error(t, c.Open(testContext(t), "/dev/ttyACM0", 9600, recorder.line, recorder.err))
		require.NoError(t, c.Close())
		require.NoError(t, c.Close())
	})

	t.Run("open error", func(t *testing.T) {
		c := New(func(ctx context.Context, name string, mode *serial.Mode) (serial.Port, error) {
			return nil, errors.New("no such file")
		})
		err := c.Open(testContext(t), "/dev/nope", 115200, func(string) {}, func(error) {})
		require.ErrorContains(t, err, "no such file")
		require.ErrorIs(t, c.SendStringToComm("G0\n"), ErrNotOpen)
	})

	t.Run("read timeout error", func(t *testing.T) {
		port := newFakePort()
		port.timeoutErr = errors.New("unsupported")
		c := New(func(ctx context.Context, name string, mode *serial.Mode) (serial.Port, error) {
			return port, nil
		})
		err := c.Open(testContext(t), "/dev/ttyUSB0", 115200, func(string) {}, func(error) {})
		require.ErrorContains(t, err, "unsupported")
		require.True(t, port.closed)
	})
}

func TestReadLines(t *testing.T) {
	port := newFakePort()
	_, recorder := openFake(t, port)

	port.reads <- []byte("ok\r\nGrbl 1.1f")
	port.reads <- []byte(" ['$' for help]\r\n\r\n<Idle|MPos:0.000,0.000,0.000")
	port.reads <- []byte("|FS:0,0>\n")

	expected := []string{"ok", "Grbl 1.1f ['$' for help]", "<Idle|MPos:0.000,0.000,0.000|FS:0,0>"}
	require.Eventually(t, func() bool {
		return len(recorder.Lines()) == len(expected)
	}, time.Second, time.Millisecond)
	require.Equal(t, expected, recorder.Lines())
	require.Empty(t, recorder.Errs())
}

func TestReadError(t *testing.T) {
	port := newFakePort()
	_, recorder := openFake(t, port)

	port.readErr <- errors.New("device unplugged")
	require.Eventually(t, func() bool {
		return len(recorder.Errs()) == 1
	}, time.Second, time.Millisecond)
	require.ErrorContains(t, recorder.Errs()[0], "device unplugged")
}

func TestClose(t *testing.T) {
	port := newFakePort()
	c := New(func(ctx context.Context, name string, mode *serial.Mode) (serial.Port, error) {
		return port, nil
	})
	recorder := &lineRecorder{}
	require.NoError(t, c.Open(testContext(t), "/dev/ttyUSB0", 115200, recorder.line, recorder.err))
	require.NoError(t, c.Close())
	require.True(t, port.closed)

	time.Sleep(2 * ReadTimeout)
	require.Empty(t, recorder.Errs())
	require.ErrorIs(t, c.SendStringToComm("G0\n"), ErrNotOpen)
	require.ErrorIs(t, c.SendByteImmediately('?'), ErrNotOpen)
}

func TestWrite(t *testing.T) {
	port := newFakePort()
	c, _ := openFake(t, port)

	require.NoError(t, c.SendStringToComm("G0 X1\n"))
	require.NoError(t, c.SendByteImmediately('?'))
	require.Equal(t, "G0 X1\n?", port.Written())

	port.mu.Lock()
	port.shortWrite = true
	port.mu.Unlock()
	require.ErrorContains(t, c.SendStringToComm("G0 X2\n"), "wrote 5 bytes, expected 6")
}

func TestTCP(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	received := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if _, err := conn.Write([]byte("Grbl 1.1f ['$' for help]\r\n")); err != nil {
			return
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		received <- line
	}()

	c := New(DialTCP(time.Second))
	recorder := &lineRecorder{}
	require.NoError(t, c.Open(testContext(t), listener.Addr().String(), 115200, recorder.line, recorder.err))
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	require.Eventually(t, func() bool {
		return len(recorder.Lines()) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, "Grbl 1.1f ['$' for help]", recorder.Lines()[0])

	require.NoError(t, c.SendStringToComm("$$\n"))
	select {
	case line := <-received:
		require.Equal(t, "$$\n", line)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for line")
	}

	require.Eventually(t, func() bool {
		return len(recorder.Errs()) == 1
	}, time.Second, time.Millisecond)
}

func TestTCPPortUnsupported(t *testing.T) {
	p := &TCPPort{}
	require.NoError(t, p.SetMode(&serial.Mode{}))
	require.ErrorIs(t, p.SetDTR(true), ErrNotSupported)
	require.ErrorIs(t, p.Break(time.Second), ErrNotSupported)
	_, err := p.GetModemStatusBits()
	require.ErrorIs(t, err, ErrNotSupported)
}
