package main

import (
	"fmt"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"

	"github.com/fornellas/gsender/connection"
)

var PortsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports.",
	Args:  cobra.NoArgs,
	Run: GetRunFn(func(cmd *cobra.Command, args []string) error {
		ports, err := connection.ListPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			log.MustLogger(cmd.Context()).Warn("No serial ports found")
		}
		for _, port := range ports {
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), port); err != nil {
				return err
			}
		}
		return nil
	}),
}

func init() {
	RootCmd.AddCommand(PortsCmd)
}
