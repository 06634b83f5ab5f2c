package grbl

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"

	"github.com/fornellas/gsender/controller"
)

type fakeConnection struct {
	mu     sync.Mutex
	open   bool
	lineFn func(string)
	sent   []string
	bytes  []byte
}

func (f *fakeConnection) Open(ctx context.Context, name string, baudRate int, lineFn func(string), errFn func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.lineFn = lineFn
	return nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeConnection) SendStringToComm(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, command)
	return nil
}

func (f *fakeConnection) SendByteImmediately(b byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bytes = append(f.bytes, b)
	return nil
}

func (f *fakeConnection) receive(lines ...string) {
	f.mu.Lock()
	lineFn := f.lineFn
	f.mu.Unlock()
	for _, line := range lines {
		lineFn(line)
	}
}

func (f *fakeConnection) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.sent...)
}

func (f *fakeConnection) clearSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *fakeConnection) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte{}, f.bytes...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []controller.Event
}

func (r *eventRecorder) listener(event controller.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) statuses() []*controller.StatusStringEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var statuses []*controller.StatusStringEvent
	for _, event := range r.events {
		if status, ok := event.(*controller.StatusStringEvent); ok {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

func (r *eventRecorder) consoleMessages(messageType controller.MessageType) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var messages []string
	for _, event := range r.events {
		if message, ok := event.(*controller.ConsoleMessageEvent); ok && message.MessageType == messageType {
			messages = append(messages, message.Message)
		}
	}
	return messages
}

func (r *eventRecorder) streamComplete() []*controller.FileStreamCompleteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []*controller.FileStreamCompleteEvent
	for _, event := range r.events {
		if complete, ok := event.(*controller.FileStreamCompleteEvent); ok {
			events = append(events, complete)
		}
	}
	return events
}

func openController(t *testing.T, welcome string) (*Controller, *fakeConnection, *eventRecorder) {
	t.Helper()
	ctx := log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))
	conn := &fakeConnection{}
	c := NewController(conn, Options{StatusPollInterval: time.Hour})
	recorder := &eventRecorder{}
	c.AddListener("test", recorder.listener)
	ok, err := c.OpenCommPort(ctx, "P", 9600)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{byte(RealTimeSoftReset)}, conn.Bytes())
	if welcome != "" {
		conn.receive(welcome)
		// Acknowledge the settings and parser state queries sent on boot.
		if _, err := ParseVersion(welcome); err == nil {
			require.NotEmpty(t, conn.Sent())
			for range conn.Sent() {
				conn.receive("ok")
			}
			require.Zero(t, c.ActiveCommands())
			conn.clearSent()
		}
	}
	t.Cleanup(func() { require.NoError(t, c.CloseCommPort()) })
	return c, conn, recorder
}

func TestControllerNotBooted(t *testing.T) {
	c, conn, _ := openController(t, "")

	require.True(t, c.Version().IsZero())
	require.ErrorIs(t, c.IsReadyToStreamCommands(), ErrNotBooted)

	_, err := c.QueueCommand("G0 X1")
	require.NoError(t, err)
	require.ErrorIs(t, c.BeginStreaming(), ErrNotBooted)

	err = c.PerformHomingCycle()
	require.ErrorIs(t, err, ErrNoHomingMethod)
	require.Empty(t, conn.Sent())

	require.NoError(t, c.IssueSoftReset())
	require.Equal(t, []byte{byte(RealTimeSoftReset)}, conn.Bytes())

	require.NoError(t, c.SendRealTimeCommand(RealTimeFeedHold))
	require.Equal(t, []byte{byte(RealTimeSoftReset)}, conn.Bytes())
}

func TestControllerHoming(t *testing.T) {
	for _, tc := range []struct {
		welcome  string
		expected string
	}{
		{"Grbl 0.8a ['$' for help]", "G28 X0 Y0 Z0\n"},
		{"Grbl 0.8c ['$' for help]", "$H\n"},
		{"Grbl 1.1f ['$' for help]", "$H\n"},
	} {
		t.Run(tc.welcome, func(t *testing.T) {
			c, conn, _ := openController(t, tc.welcome)
			require.NoError(t, c.PerformHomingCycle())
			require.Equal(t, []string{tc.expected}, conn.Sent())
			conn.receive("ok")
			require.Zero(t, c.ActiveCommands())
		})
	}

	t.Run("Grbl 0.7d", func(t *testing.T) {
		c, conn, recorder := openController(t, "Grbl 0.7d ['$' for help]")
		err := c.PerformHomingCycle()
		require.ErrorIs(t, err, ErrNoHomingMethod)
		require.ErrorContains(t, err, "0.7d")
		require.Empty(t, conn.Sent())
		require.Contains(t, recorder.consoleMessages(controller.MessageTypeError), err.Error())
	})
}

func TestControllerSoftReset(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		c, conn, _ := openController(t, "Grbl 0.8a ['$' for help]")
		_, err := c.SendCommandImmediately("G0 X1")
		require.NoError(t, err)
		require.Equal(t, 1, c.ActiveCommands())

		require.NoError(t, c.IssueSoftReset())
		require.Equal(t, []byte{byte(RealTimeSoftReset), byte(RealTimeSoftReset)}, conn.Bytes())
		require.Zero(t, c.ActiveCommands())
	})

	t.Run("unsupported", func(t *testing.T) {
		c, conn, _ := openController(t, "Grbl 0.7d ['$' for help]")
		require.NoError(t, c.IssueSoftReset())
		require.Equal(t, []byte{byte(RealTimeSoftReset)}, conn.Bytes())
	})

	t.Run("closed", func(t *testing.T) {
		conn := &fakeConnection{}
		c := NewController(conn, Options{})
		require.NoError(t, c.IssueSoftReset())
		require.Empty(t, conn.Bytes())
	})
}

func TestControllerPauseResume(t *testing.T) {
	t.Run("real time", func(t *testing.T) {
		c, conn, _ := openController(t, "Grbl 0.9j ['$' for help]")
		require.NoError(t, c.PauseStreaming())
		require.NoError(t, c.PauseStreaming())
		require.NoError(t, c.ResumeStreaming())
		require.Equal(t, []byte{
			byte(RealTimeSoftReset), byte(RealTimeFeedHold), byte(RealTimeCycleStart),
		}, conn.Bytes())
	})

	t.Run("legacy", func(t *testing.T) {
		c, conn, _ := openController(t, "Grbl 0.8a ['$' for help]")
		require.NoError(t, c.PauseStreaming())
		require.True(t, c.IsPaused())
		require.NoError(t, c.ResumeStreaming())
		require.False(t, c.IsPaused())
		require.Equal(t, []byte{byte(RealTimeSoftReset)}, conn.Bytes())
	})
}

func TestControllerStatus(t *testing.T) {
	c, _, recorder := openController(t, "Grbl 1.1f ['$' for help]")

	c.RawResponse("<Idle|MPos:5.000,6.000,7.000|FS:0,0|WCO:1.000,1.000,1.000>")
	c.RawResponse("<Run|MPos:6.000,6.000,7.000|FS:100,0>")
	c.RawResponse("<Idle|MPos:garbage>")

	statuses := recorder.statuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "Idle", statuses[0].State)
	require.Equal(t, &controller.Coordinates{X: 4, Y: 5, Z: 6}, statuses[0].WorkPosition)
	require.Equal(t, "Run", statuses[1].State)
	require.Equal(t, &controller.Coordinates{X: 5, Y: 5, Z: 6}, statuses[1].WorkPosition)
	require.Equal(t, "Run", c.Status().State)

	c.RawResponse("<Check|MPos:6.000,6.000,7.000>")
	require.Equal(t, controller.StateCheck, c.ControlState())
	c.RawResponse("<Idle|MPos:6.000,6.000,7.000>")
	require.Equal(t, controller.StateIdle, c.ControlState())
}

func TestControllerReturnToHome(t *testing.T) {
	c, conn, _ := openController(t, "Grbl 0.9j ['$' for help]")
	conn.receive("<Idle,MPos:0.000,0.000,-1.000,WPos:0.000,0.000,-1.000>")
	require.NoError(t, c.ReturnToHome())
	conn.receive("ok", "ok", "ok")
	require.Equal(t, []string{"G90 G0 Z0\n", "G90 G0 X0 Y0\n", "G90 G0 Z0\n"}, conn.Sent())
}

func TestControllerJog(t *testing.T) {
	c, conn, _ := openController(t, "Grbl 1.1f ['$' for help]")
	require.NoError(t, c.Jog(Jog{X: 1, Feed: 100}))
	require.Equal(t, []string{"$J=G91 G21 X1 F100\n"}, conn.Sent())
	require.NoError(t, c.CancelJog())
	require.Equal(t, byte(RealTimeJogCancel), conn.Bytes()[len(conn.Bytes())-1])
}

func TestControllerBootQueries(t *testing.T) {
	for _, tc := range []struct {
		welcome  string
		expected []string
	}{
		{"Grbl 0.8a ['$' for help]", []string{"$$\n"}},
		{"Grbl 0.8c ['$' for help]", []string{"$$\n", "$G\n"}},
		{"Grbl 1.1f ['$' for help]", []string{"$$\n", "$G\n"}},
	} {
		t.Run(tc.welcome, func(t *testing.T) {
			c, conn, _ := openController(t, "")
			conn.receive(tc.welcome)
			require.Equal(t, tc.expected, conn.Sent())
			require.Equal(t, len(tc.expected), c.ActiveCommands())
			for range tc.expected {
				conn.receive("ok")
			}
			require.Zero(t, c.ActiveCommands())

			conn.receive(tc.welcome)
			require.Equal(t, tc.expected, conn.Sent())
		})
	}
}

func TestControllerParserState(t *testing.T) {
	t.Run("v1", func(t *testing.T) {
		c, conn, recorder := openController(t, "Grbl 1.1f ['$' for help]")
		require.Equal(t, "G0 G54 G17 G21 G90 G94 M5 M9", c.GcodeState().String())

		require.NoError(t, c.ViewParserState())
		require.Equal(t, []string{"$G\n"}, conn.Sent())
		report := "[GC:G1 G55 G17 G20 G91 G94 M3 M8 T0 F100 S1000]"
		conn.receive(report, "ok")
		require.Equal(t, "G1 G55 G17 G20 G91 G94 M3 M8", c.GcodeState().String())
		require.Contains(t, recorder.consoleMessages(controller.MessageTypeVerbose), report)

		conn.receive("[MSG:Pgm End]")
		require.Contains(t, recorder.consoleMessages(controller.MessageTypeInfo), "[MSG:Pgm End]")
		require.Equal(t, "G1 G55 G17 G20 G91 G94 M3 M8", c.GcodeState().String())

		conn.receive("Grbl 1.1f ['$' for help]")
		require.Equal(t, "G0 G54 G17 G21 G90 G94 M5 M9", c.GcodeState().String())
	})

	t.Run("legacy", func(t *testing.T) {
		c, conn, _ := openController(t, "Grbl 0.9j ['$' for help]")
		conn.receive("[G0 G54 G17 G20 G91 G94 M0 M5 M9 T0 F2540. S0.]")
		state := c.GcodeState()
		require.Equal(t, "G20", state.Units.String())
		require.Equal(t, "G91", state.DistanceMode.String())
		require.Equal(t, "M0", state.Stopping.String())

		conn.receive("['$H'|'$X' to unlock]")
		require.Equal(t, "G91", c.GcodeState().DistanceMode.String())
	})
}

func TestParseParserState(t *testing.T) {
	v1 := CapabilitiesFor(Version{Number: 1.1, Letter: "f"})
	legacy := CapabilitiesFor(Version{Number: 0.9, Letter: "j"})

	require.True(t, IsParserState("[GC:G0 G54 G17 G21 G90 G94 M5 M9 T0 F0 S0]", v1))
	require.False(t, IsParserState("[MSG:Caution: Unlocked]", v1))
	require.False(t, IsParserState("[G0 G54 G17 G21 G90 G94 M5 M9 T0 F0. S0.]", v1))
	require.True(t, IsParserState("[G0 G54 G17 G21 G90 G94 M5 M9 T0 F0. S0.]", legacy))
	require.False(t, IsParserState("[Caution: Unlocked]", legacy))
	require.False(t, IsParserState("ok", legacy))

	state, err := ParseParserState("[GC:G2 G56 G18 G21 G90 G93 M4 M7 T1 F10 S20]", v1)
	require.NoError(t, err)
	require.Equal(t, "G2 G56 G18 G21 G90 G93 M4 M7", state.String())

	_, err = ParseParserState("[MSG:Pgm End]", v1)
	require.ErrorIs(t, err, ErrNotParserState)

	_, err = ParseParserState("[GC:G1 X]", v1)
	require.Error(t, err)
}

func TestControllerJogKeepsParserState(t *testing.T) {
	c, conn, _ := openController(t, "Grbl 0.9j ['$' for help]")
	require.NoError(t, c.Jog(Jog{X: 1, Inches: true}))
	require.Equal(t, []string{"G20 G91 G0 X1\n", "G90\n"}, conn.Sent())
	conn.receive("ok", "ok")
	require.Zero(t, c.ActiveCommands())
	require.Equal(t, "G0 G54 G17 G21 G90 G94 M5 M9", c.GcodeState().String())

	_, err := c.SendCommandImmediately("G20 G91")
	require.NoError(t, err)
	conn.receive("ok")
	state := c.GcodeState()
	require.Equal(t, "G20", state.Units.String())
	require.Equal(t, "G91", state.DistanceMode.String())
}

func TestControllerStreaming(t *testing.T) {
	c, conn, recorder := openController(t, "Grbl 1.1f ['$' for help]")

	_, err := c.QueueCommands([]string{"G0 X1", "G0 Y1 (move)", "(comment only)"})
	require.NoError(t, err)
	require.NoError(t, c.BeginStreaming())
	require.Equal(t, controller.StateSending, c.ControlState())
	require.Equal(t, []string{"G0 X1\n", "G0 Y1\n"}, conn.Sent())
	require.Equal(t, 3, c.RowsInSend())

	conn.receive("ok")
	conn.receive("[MSG:Pgm End]")
	conn.receive("error:20")

	require.Equal(t, controller.StateIdle, c.ControlState())
	require.Zero(t, c.RowsRemaining())
	complete := recorder.streamComplete()
	require.Len(t, complete, 1)
	require.True(t, complete[0].Success)

	errors := recorder.consoleMessages(controller.MessageTypeError)
	require.Len(t, errors, 1)
	require.True(t, strings.HasPrefix(errors[0], "G0 Y1: error:20: Unsupported"), errors[0])
	require.Contains(t, recorder.consoleMessages(controller.MessageTypeInfo), "[MSG:Pgm End]")
}

func TestControllerAlarm(t *testing.T) {
	c, _, recorder := openController(t, "Grbl 1.1f ['$' for help]")
	c.RawResponse("ALARM:1")
	require.Contains(
		t, recorder.consoleMessages(controller.MessageTypeError),
		"ALARM:1: Hard limit triggered. Machine position is likely lost due to sudden and immediate halt. Re-homing is highly recommended.",
	)
}

func TestControllerVersionIsImmutable(t *testing.T) {
	c, conn, recorder := openController(t, "Grbl 0.9j ['$' for help]")
	require.Equal(t, Version{Number: 0.9, Letter: "j"}, c.Version())

	_, err := c.QueueCommands([]string{"G0 X1", "G0 X2"})
	require.NoError(t, err)
	require.NoError(t, c.BeginStreaming())
	require.Equal(t, 2, c.ActiveCommands())

	conn.receive("Grbl 1.1f ['$' for help]")
	require.Equal(t, Version{Number: 0.9, Letter: "j"}, c.Version())
	require.Zero(t, c.ActiveCommands())
	require.False(t, c.IsStreaming())
	complete := recorder.streamComplete()
	require.Len(t, complete, 1)
	require.False(t, complete[0].Success)
}

func TestControllerClose(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))
	conn := &fakeConnection{}
	c := NewController(conn, Options{StatusPollInterval: time.Hour})
	_, err := c.OpenCommPort(ctx, "P", 115200)
	require.NoError(t, err)
	conn.receive("Grbl 1.1f ['$' for help]")
	require.True(t, c.poller.IsRunning())

	require.NoError(t, c.CloseCommPort())
	require.NoError(t, c.CloseCommPort())
	require.True(t, c.Version().IsZero())
	require.False(t, c.poller.IsRunning())
	require.Equal(t, controller.StateDisconnected, c.ControlState())
}

func TestControllerStatusPolling(t *testing.T) {
	ctx := log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))
	conn := &fakeConnection{}
	c := NewController(conn, Options{StatusPollInterval: 5 * time.Millisecond})
	_, err := c.OpenCommPort(ctx, "P", 115200)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.CloseCommPort()) })

	conn.receive("Grbl 0.7d ['$' for help]")
	require.False(t, c.poller.IsRunning())
	require.NoError(t, c.CloseCommPort())

	_, err = c.OpenCommPort(ctx, "P", 115200)
	require.NoError(t, err)
	conn.receive("Grbl 1.1f ['$' for help]")
	require.Eventually(t, func() bool {
		for _, b := range conn.Bytes() {
			if b == byte(RealTimeStatusQuery) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}
