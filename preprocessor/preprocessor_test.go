package preprocessor

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
)

func TestCommentRemover(t *testing.T) {
	for _, tc := range []struct {
		command  string
		expected string
	}{
		{"G0 X1", "G0 X1"},
		{"  G0 X1  ", "G0 X1"},
		{"G0 X1 (rapid)", "G0 X1"},
		{"(header)", ""},
		{"G0 (a) X1 (b)", "G0  X1"},
		{"G1 X2 ; move", "G1 X2"},
		{"; only a comment", ""},
		{"", ""},
	} {
		t.Run(tc.command, func(t *testing.T) {
			processed, err := CommentRemover{}.Process(tc.command)
			require.NoError(t, err)
			require.Equal(t, tc.expected, processed)
		})
	}
}

func TestParseComment(t *testing.T) {
	for _, tc := range []struct {
		command  string
		expected string
	}{
		{"G0 X1", ""},
		{"G0 X1 (rapid)", "rapid"},
		{"(header) G0", "header"},
		{"G1 X2 ;move", "move"},
		{"G1 X2 (first) ;second", "first"},
	} {
		t.Run(tc.command, func(t *testing.T) {
			require.Equal(t, tc.expected, ParseComment(tc.command))
		})
	}
}

func TestWhitespaceRemover(t *testing.T) {
	processed, err := WhitespaceRemover{}.Process(" G0  X1\tY2 ")
	require.NoError(t, err)
	require.Equal(t, "G0X1Y2", processed)
}

func TestFeedOverride(t *testing.T) {
	for _, tc := range []struct {
		command  string
		percent  float64
		expected string
	}{
		{"G1 X1 F100", 50, "G1 X1 F50"},
		{"G1 X1 f200.5", 200, "G1 X1 F401"},
		{"G1 X1 F100", 33, "G1 X1 F33"},
		{"G0 X1", 50, "G0 X1"},
	} {
		t.Run(tc.command, func(t *testing.T) {
			processed, err := FeedOverride{Percent: tc.percent}.Process(tc.command)
			require.NoError(t, err)
			require.Equal(t, tc.expected, processed)
		})
	}
}

func TestDecimalTruncator(t *testing.T) {
	for _, tc := range []struct {
		command  string
		places   uint
		expected string
	}{
		{"G1 X1.123456 Y-2.5", 4, "G1 X1.1235 Y-2.5"},
		{"G1 X1.10001", 2, "G1 X1.1"},
		{"G1 X1.6", 0, "G1 X2"},
		{"G1 X10", 2, "G1 X10"},
	} {
		t.Run(tc.command, func(t *testing.T) {
			processed, err := DecimalTruncator{Places: tc.places}.Process(tc.command)
			require.NoError(t, err)
			require.Equal(t, tc.expected, processed)
		})
	}
}

func TestMaxLength(t *testing.T) {
	processed, err := MaxLength{Length: 5}.Process("G0 X1")
	require.NoError(t, err)
	require.Equal(t, "G0 X1", processed)

	_, err = MaxLength{Length: 5}.Process("G0 X10")
	require.ErrorIs(t, err, ErrCommandTooLong)
}

func TestPipeline(t *testing.T) {
	pipeline := Pipeline{
		CommentRemover{},
		WhitespaceRemover{},
		FeedOverride{Percent: 50},
		MaxLength{Length: 10},
	}

	processed, err := pipeline.Process("G1 X1 F100 (cut)")
	require.NoError(t, err)
	require.Equal(t, "G1X1F50", processed)

	processed, err = pipeline.Process("(just a comment)")
	require.NoError(t, err)
	require.Empty(t, processed)

	_, err = pipeline.Process("G1 X1.12345 Y2.12345")
	require.ErrorIs(t, err, ErrCommandTooLong)

	failing := Pipeline{ProcessorFunc(func(string) (string, error) {
		return "", errors.New("boom")
	})}
	_, err = failing.Process("G0")
	require.Error(t, err)

	processed, err = Pipeline{}.Process(" G0 ")
	require.NoError(t, err)
	require.Equal(t, " G0 ", processed)
}

func TestScript(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "upper.go")
		require.NoError(t, os.WriteFile(path, []byte(`package processor

import (
	"errors"
	"strings"
)

func Process(command string) (string, error) {
	if strings.HasPrefix(command, "M6") {
		return "", errors.New("tool changes are not supported")
	}
	return strings.ToUpper(command), nil
}
`), 0644))

		script, err := NewScript(ctx, path)
		require.NoError(t, err)

		processed, err := script.Process("g0 x1")
		require.NoError(t, err)
		require.Equal(t, "G0 X1", processed)

		_, err = script.Process("M6 T1")
		require.ErrorContains(t, err, "tool changes are not supported")
	})

	t.Run("wrong signature", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "wrong.go")
		require.NoError(t, os.WriteFile(path, []byte(`package processor

func Process(command string) string {
	return command
}
`), 0644))
		_, err := NewScript(ctx, path)
		require.Error(t, err)
		require.True(t, strings.Contains(err.Error(), "expected func(string) (string, error)"))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewScript(ctx, filepath.Join(t.TempDir(), "missing.go"))
		require.Error(t, err)
	})
}
