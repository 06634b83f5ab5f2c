package grbl

import (
	"errors"
	"fmt"
	"strings"

	ifmt "github.com/fornellas/gsender/internal/fmt"
)

var (
	ErrNoHomingMethod = errors.New("no supported homing method")
	ErrUnsupported    = errors.New("not supported")
)

var (
	CommandHomingCycle       = "$H"
	CommandLegacyHomingCycle = "G28 X0 Y0 Z0"
	CommandKillAlarmLock     = "$X"
	CommandToggleCheckMode   = "$C"
	CommandViewParserState   = "$G"
	CommandViewSettings      = "$$"
	CommandResetZero         = "G10 P0 L20 X0 Y0 Z0"
	CommandLegacyResetZero   = "G92 X0 Y0 Z0"
)

// HomingCommand returns the homing cycle command for version.
func HomingCommand(version Version) (string, error) {
	switch {
	case version.AtLeast(0.8, "c"):
		return CommandHomingCycle, nil
	case version.AtLeast(0.8, ""):
		return CommandLegacyHomingCycle, nil
	}
	return "", fmt.Errorf("%w for %s", ErrNoHomingMethod, version)
}

// ReturnToHomeCommands moves to the work origin. The Z axis is first raised to zero when it is
// below it, so the tool clears the work piece.
func ReturnToHomeCommands(version Version, workZ float64) ([]string, error) {
	if !version.AtLeast(0.8, "") {
		return nil, fmt.Errorf("%w for %s", ErrNoHomingMethod, version)
	}
	var commands []string
	if workZ < 0 {
		commands = append(commands, "G90 G0 Z0")
	}
	return append(commands, "G90 G0 X0 Y0", "G90 G0 Z0"), nil
}

// ResetCoordinatesToZeroCommand sets the current position as the work origin.
func ResetCoordinatesToZeroCommand(version Version) (string, error) {
	switch {
	case version.AtLeast(0.9, ""):
		return CommandResetZero, nil
	case version.AtLeast(0.8, ""):
		return CommandLegacyResetZero, nil
	}
	return "", fmt.Errorf("resetting coordinates to zero is %w by %s", ErrUnsupported, version)
}

// realTimeSystemCommand returns command when version has realtime support.
func realTimeSystemCommand(version Version, command, description string) (string, error) {
	if !CapabilitiesFor(version).Has(CapabilityRealTime) {
		return "", fmt.Errorf("%s is %w by %s", description, ErrUnsupported, version)
	}
	return command, nil
}

func KillAlarmLockCommand(version Version) (string, error) {
	return realTimeSystemCommand(version, CommandKillAlarmLock, "kill alarm lock")
}

func ToggleCheckModeCommand(version Version) (string, error) {
	return realTimeSystemCommand(version, CommandToggleCheckMode, "toggle check mode")
}

func ViewParserStateCommand(version Version) (string, error) {
	return realTimeSystemCommand(version, CommandViewParserState, "view parser state")
}

// Jog is a relative move.
type Jog struct {
	X, Y, Z float64
	// Feed in units per minute. Ignored for firmware without jogging support, which uses
	// rapid moves.
	Feed float64
	// Inches instead of millimeters.
	Inches bool
}

func (j Jog) axes() string {
	var words []string
	for _, axis := range []struct {
		letter string
		value  float64
	}{{"X", j.X}, {"Y", j.Y}, {"Z", j.Z}} {
		if axis.value != 0 {
			words = append(words, axis.letter+ifmt.SprintFloat(axis.value, 4))
		}
	}
	return strings.Join(words, " ")
}

// JogCommands returns the commands to perform j.
func JogCommands(version Version, j Jog) ([]string, error) {
	axes := j.axes()
	if axes == "" {
		return nil, errors.New("jog: no axis to move")
	}
	units := "G21"
	if j.Inches {
		units = "G20"
	}
	if CapabilitiesFor(version).Has(CapabilityJogging) {
		if j.Feed <= 0 {
			return nil, fmt.Errorf("jog: invalid feed %v", j.Feed)
		}
		return []string{fmt.Sprintf("$J=G91 %s %s F%s", units, axes, ifmt.SprintFloat(j.Feed, 4))}, nil
	}
	return []string{fmt.Sprintf("%s G91 G0 %s", units, axes), "G90"}, nil
}
