package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/fornellas/gsender/connection"
)

var portName string
var defaultPortName = ""

var address string
var defaultAddress = ""

var baudRate int
var defaultBaudRate = 115200

var dialTimeout time.Duration
var defaultDialTimeout = connection.DefaultDialTimeout

func AddPortFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&portName, "port-name", "p", defaultPortName, "Serial port name to open")
	cmd.PersistentFlags().StringVarP(&address, "address", "a", defaultAddress, "TCP address of a serial bridge to connect to")
	cmd.PersistentFlags().IntVar(&baudRate, "baud-rate", defaultBaudRate, "Serial port baud rate")
	cmd.PersistentFlags().DurationVar(&dialTimeout, "dial-timeout", defaultDialTimeout, "Timeout connecting to --address")
}

// GetConnection returns the connection selected by flags, and the name to open it with.
func GetConnection() (*connection.Connection, string, error) {
	if portName != "" && address != "" {
		return nil, "", errors.New("flags --port-name and --address can't be set simultaneously")
	}

	if portName != "" {
		return connection.New(connection.OpenSerialPort), portName, nil
	}

	if address != "" {
		return connection.New(connection.DialTCP(dialTimeout)), address, nil
	}

	return nil, "", errors.New("either --port-name or --address must be set")
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		portName = defaultPortName
		address = defaultAddress
		baudRate = defaultBaudRate
		dialTimeout = defaultDialTimeout
	})
}
