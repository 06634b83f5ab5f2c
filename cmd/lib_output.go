package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

type OutputValue struct {
	path string
}

func NewOutputValue() *OutputValue {
	return &OutputValue{}
}

func (o *OutputValue) String() string {
	if len(o.path) > 0 {
		return o.path
	}
	return "(STDOUT)"
}

func (o *OutputValue) Set(value string) error {
	o.path = value
	return nil
}

func (o *OutputValue) Reset() {
	o.path = ""
}

func (o *OutputValue) Type() string {
	return "[path]"
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}

// WriterCloser opens the output path, or returns the command output when unset, which
// is not closed.
func (o *OutputValue) WriterCloser(cmd *cobra.Command) (io.WriteCloser, error) {
	if len(o.path) > 0 {
		return os.OpenFile(o.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(0644))
	}
	return nopWriteCloser{Writer: cmd.OutOrStdout()}, nil
}

var outputValue = NewOutputValue()

func AddOutputFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VarP(outputValue, "output", "o", "Path to output to, default is to stdout")
}

func init() {
	resetFlagsFns = append(resetFlagsFns, func() {
		outputValue.Reset()
	})
}
