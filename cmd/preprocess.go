package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
)

var PreprocessCmd = &cobra.Command{
	Use:   "preprocess path",
	Short: "Run g-code through the command preprocessors, without sending it.",
	Long:  "Applies the same preprocessing done while streaming to every line of the file. Lines left empty are dropped.",
	Args:  cobra.ExactArgs(1),
	Run: GetRunFn(func(cmd *cobra.Command, args []string) (err error) {
		path := args[0]

		ctx, logger := log.MustWithAttrs(
			cmd.Context(),
			"path", path,
		)
		cmd.SetContext(ctx)

		pipeline, err := GetPipeline(ctx)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, f.Close()) }()

		w, err := outputValue.WriterCloser(cmd)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, w.Close()) }()

		logger.Info("Running")
		scanner := bufio.NewScanner(f)
		var lineNumber, written int
		for scanner.Scan() {
			lineNumber++
			command, err := pipeline.Process(scanner.Text())
			if err != nil {
				return fmt.Errorf("%s:%d: %w", path, lineNumber, err)
			}
			if command == "" {
				continue
			}
			if _, err := fmt.Fprintln(w, command); err != nil {
				return err
			}
			written++
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		logger.Info("Done", "lines", lineNumber, "written", written)
		return nil
	}),
}

func init() {
	AddPipelineFlags(PreprocessCmd)
	AddOutputFlags(PreprocessCmd)

	RootCmd.AddCommand(PreprocessCmd)
}
