package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"github.com/fornellas/gsender/connection"
)

var listenAddress string
var defaultListenAddress = "127.0.0.1:9999"

// isClosedErr reports errors caused by closing either side of the bridge.
func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var portErr *serial.PortError
	return errors.As(err, &portErr) && portErr.Code() == serial.PortClosed
}

func handleServeConnection(ctx context.Context, conn net.Conn, port string) error {
	logger := log.MustLogger(ctx)

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return errors.Join(fmt.Errorf("failed to set TCP no delay: %w", err), conn.Close())
		}
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	serialPort, err := connection.OpenSerialPort(ctx, port, mode)
	if err != nil {
		return errors.Join(fmt.Errorf("failed to open: %s: %w", port, err), conn.Close())
	}

	var closeOnce sync.Once
	var closeErr error
	closeAll := func() {
		closeOnce.Do(func() {
			logger.Info("Closing connection and port")
			closeErr = errors.Join(conn.Close(), serialPort.Close())
		})
	}

	logger.Info("Copying I/O")
	var group errgroup.Group
	group.Go(func() error {
		defer closeAll()
		_, err := io.Copy(conn, serialPort)
		if isClosedErr(err) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		defer closeAll()
		_, err := io.Copy(serialPort, conn)
		if isClosedErr(err) {
			return nil
		}
		return err
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			closeAll()
		case <-done:
		}
	}()

	err = group.Wait()
	close(done)
	return errors.Join(err, closeErr)
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a TCP server connected to a serial port.",
	Long:  "Opens serial port and a TCP server, and pipes communication between both. There's NO security implemented, this can only be used in secure networks at your own risk.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"port-name", portName,
			"listen-address", listenAddress,
		)
		ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
		defer stop()
		cmd.SetContext(ctx)

		logger.Info("Listening")
		var listenConfig net.ListenConfig
		listener, err := listenConfig.Listen(ctx, "tcp", listenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen: %s: %w", listenAddress, err)
		}
		go func() {
			<-ctx.Done()
			if err := listener.Close(); err != nil {
				logger.Error("Failed to close listener", "err", err)
			}
		}()

		for {
			logger.Info("Accepting connection")
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					logger.Info("Stopped")
					return nil
				}
				logger.Error("Failed to accept connection", "error", err)
				continue
			}
			connCtx, connLogger := log.MustWithGroupAttrs(
				ctx,
				"Connection",
				"LocalAddr", conn.LocalAddr(),
				"RemoteAddr", conn.RemoteAddr(),
			)
			connLogger.Info("Accepted")

			if err := handleServeConnection(connCtx, conn, portName); err != nil {
				connLogger.Error("Failed to handle connection", "error", err)
			}
		}
	}),
}

func init() {
	ServeCmd.PersistentFlags().StringVarP(&portName, "port-name", "p", defaultPortName, "Serial port name to open")
	if err := ServeCmd.MarkPersistentFlagRequired("port-name"); err != nil {
		panic(err)
	}
	ServeCmd.PersistentFlags().IntVar(&baudRate, "baud-rate", defaultBaudRate, "Serial port baud rate")
	ServeCmd.PersistentFlags().StringVar(&listenAddress, "listen-address", defaultListenAddress, "TCP address to listen on (host:port)")

	RootCmd.AddCommand(ServeCmd)

	resetFlagsFns = append(resetFlagsFns, func() {
		listenAddress = defaultListenAddress
	})
}
