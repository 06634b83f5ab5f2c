package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fornellas/slogxt/log"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/fornellas/gsender/preprocessor"
)

func TestGetPipeline(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))
	t.Cleanup(ResetFlags)

	ResetFlags()
	pipeline, err := GetPipeline(ctx)
	require.NoError(t, err)
	require.Equal(t, preprocessor.DefaultPipeline(), pipeline)

	feedOverride = 50
	truncateDecimals = 1
	removeWhitespace = true
	maxCommandLength = 10
	pipeline, err = GetPipeline(ctx)
	require.NoError(t, err)
	command, err := pipeline.Process("G1 X1.26 F100 (cut)")
	require.NoError(t, err)
	require.Equal(t, "G1X1.3F50", command)
	_, err = pipeline.Process("G1 X1 Y2 Z3 F100")
	require.ErrorIs(t, err, preprocessor.ErrCommandTooLong)

	feedOverride = -1
	_, err = GetPipeline(ctx)
	require.Error(t, err)
}

func TestGetConnection(t *testing.T) {
	t.Cleanup(ResetFlags)

	ResetFlags()
	_, _, err := GetConnection()
	require.Error(t, err)

	portName = "/dev/ttyUSB0"
	_, name, err := GetConnection()
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", name)

	address = "127.0.0.1:9999"
	_, _, err = GetConnection()
	require.Error(t, err)

	portName = ""
	_, name, err = GetConnection()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", name)
}

func TestLoadFlags(t *testing.T) {
	t.Cleanup(ResetFlags)
	ResetFlags()

	configPath = filepath.Join(t.TempDir(), "gsender.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("buffer-size: 64\nsingle-step: true\nport-name: /dev/ttyACM0\n"), 0644))
	t.Setenv("GSENDER_BUFFER_SIZE", "100")

	cmd := &cobra.Command{Use: "test"}
	AddControllerFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{"--port-name", "/dev/ttyUSB1"}))
	require.NoError(t, loadFlags(cmd))

	require.Equal(t, 100, bufferSize)
	require.True(t, singleStep)
	require.Equal(t, "/dev/ttyUSB1", portName)
}
