package connection

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"
)

var ErrNotSupported = errors.New("not supported over TCP")

// DefaultDialTimeout is used by DialTCP when no timeout is given.
var DefaultDialTimeout = 5 * time.Second

// TCPPort implements serial.Port over a TCP connection to a serial bridge, such as
// "gsender serve". Line settings are owned by the bridge, so the mode is ignored.
type TCPPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

// DialTCP returns an OpenPortFn where the name is the host:port of a serial bridge.
func DialTCP(timeout time.Duration) OpenPortFn {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return func(ctx context.Context, address string, mode *serial.Mode) (serial.Port, error) {
		log.MustLogger(ctx).Info("Dialing TCP port", "timeout", timeout)
		dialer := &net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetNoDelay(true); err != nil {
				return nil, errors.Join(err, conn.Close())
			}
		}
		return &TCPPort{conn: conn, readTimeout: serial.NoTimeout}, nil
	}
}

func (p *TCPPort) SetMode(mode *serial.Mode) error {
	return nil
}

func (p *TCPPort) Read(b []byte) (int, error) {
	deadline := time.Time{}
	if p.readTimeout != serial.NoTimeout {
		deadline = time.Now().Add(p.readTimeout)
	}
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	return p.conn.Read(b)
}

func (p *TCPPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *TCPPort) Drain() error {
	return nil
}

func (p *TCPPort) ResetInputBuffer() error {
	return ErrNotSupported
}

func (p *TCPPort) ResetOutputBuffer() error {
	return ErrNotSupported
}

func (p *TCPPort) SetDTR(dtr bool) error {
	return ErrNotSupported
}

func (p *TCPPort) SetRTS(rts bool) error {
	return ErrNotSupported
}

func (p *TCPPort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return nil, ErrNotSupported
}

func (p *TCPPort) SetReadTimeout(t time.Duration) error {
	p.readTimeout = t
	return nil
}

func (p *TCPPort) Close() error {
	return p.conn.Close()
}

func (p *TCPPort) Break(time.Duration) error {
	return ErrNotSupported
}
