package grbl

import (
	"errors"
	"fmt"
)

var ErrNotRealTimeCommand = errors.New("not a real time command")

// RealTimeCommand is a single byte command, which Grbl executes as soon as it is received,
// regardless of what is in its buffer.
type RealTimeCommand byte

const (
	RealTimeSoftReset   RealTimeCommand = 0x18
	RealTimeStatusQuery RealTimeCommand = '?'
	RealTimeCycleStart  RealTimeCommand = '~'
	RealTimeFeedHold    RealTimeCommand = '!'
	RealTimeSafetyDoor  RealTimeCommand = 0x84
	RealTimeJogCancel   RealTimeCommand = 0x85

	RealTimeFeedOverrideReset         RealTimeCommand = 0x90
	RealTimeFeedOverrideIncrease10    RealTimeCommand = 0x91
	RealTimeFeedOverrideDecrease10    RealTimeCommand = 0x92
	RealTimeFeedOverrideIncrease1     RealTimeCommand = 0x93
	RealTimeFeedOverrideDecrease1     RealTimeCommand = 0x94
	RealTimeRapidOverrideReset        RealTimeCommand = 0x95
	RealTimeRapidOverride50           RealTimeCommand = 0x96
	RealTimeRapidOverride25           RealTimeCommand = 0x97
	RealTimeSpindleOverrideReset      RealTimeCommand = 0x99
	RealTimeSpindleOverrideIncrease10 RealTimeCommand = 0x9A
	RealTimeSpindleOverrideDecrease10 RealTimeCommand = 0x9B
	RealTimeSpindleOverrideIncrease1  RealTimeCommand = 0x9C
	RealTimeSpindleOverrideDecrease1  RealTimeCommand = 0x9D
	RealTimeToggleSpindleStop         RealTimeCommand = 0x9E
	RealTimeToggleFloodCoolant        RealTimeCommand = 0xA0
	RealTimeToggleMistCoolant         RealTimeCommand = 0xA1
)

type realTimeCommandInfo struct {
	name string
	// requires is the capability needed for Grbl to understand the command.
	requires Capability
}

var realTimeCommands = map[RealTimeCommand]realTimeCommandInfo{
	RealTimeSoftReset:                 {"Soft-Reset", CapabilitySoftReset},
	RealTimeStatusQuery:               {"Status Report Query", CapabilityRealTime},
	RealTimeCycleStart:                {"Cycle Start / Resume", CapabilityRealTime},
	RealTimeFeedHold:                  {"Feed Hold", CapabilityRealTime},
	RealTimeSafetyDoor:                {"Safety Door", CapabilityOverrides},
	RealTimeJogCancel:                 {"Jog Cancel", CapabilityJogging},
	RealTimeFeedOverrideReset:         {"Feed Override: Set 100% of programmed rate", CapabilityOverrides},
	RealTimeFeedOverrideIncrease10:    {"Feed Override: Increase 10%", CapabilityOverrides},
	RealTimeFeedOverrideDecrease10:    {"Feed Override: Decrease 10%", CapabilityOverrides},
	RealTimeFeedOverrideIncrease1:     {"Feed Override: Increase 1%", CapabilityOverrides},
	RealTimeFeedOverrideDecrease1:     {"Feed Override: Decrease 1%", CapabilityOverrides},
	RealTimeRapidOverrideReset:        {"Rapid Override: Set to 100% full rapid rate", CapabilityOverrides},
	RealTimeRapidOverride50:           {"Rapid Override: Set to 50% of rapid rate", CapabilityOverrides},
	RealTimeRapidOverride25:           {"Rapid Override: Set to 25% of rapid rate", CapabilityOverrides},
	RealTimeSpindleOverrideReset:      {"Spindle Speed Override: Set 100% of programmed spindle speed", CapabilityOverrides},
	RealTimeSpindleOverrideIncrease10: {"Spindle Speed Override: Increase 10%", CapabilityOverrides},
	RealTimeSpindleOverrideDecrease10: {"Spindle Speed Override: Decrease 10%", CapabilityOverrides},
	RealTimeSpindleOverrideIncrease1:  {"Spindle Speed Override: Increase 1%", CapabilityOverrides},
	RealTimeSpindleOverrideDecrease1:  {"Spindle Speed Override: Decrease 1%", CapabilityOverrides},
	RealTimeToggleSpindleStop:         {"Toggle Spindle Stop", CapabilityOverrides},
	RealTimeToggleFloodCoolant:        {"Toggle Flood Coolant", CapabilityOverrides},
	RealTimeToggleMistCoolant:         {"Toggle Mist Coolant", CapabilityOverrides},
}

func NewRealTimeCommand(b byte) (RealTimeCommand, error) {
	rtc := RealTimeCommand(b)
	if _, ok := realTimeCommands[rtc]; ok {
		return rtc, nil
	}
	return 0, fmt.Errorf("0x%02x: %w", b, ErrNotRealTimeCommand)
}

// Requires is the capability Grbl needs to understand c.
func (c RealTimeCommand) Requires() Capability {
	return realTimeCommands[c].requires
}

func (c RealTimeCommand) String() string {
	if info, ok := realTimeCommands[c]; ok {
		return info.name
	}
	return fmt.Sprintf("Unknown (0x%02x)", byte(c))
}
