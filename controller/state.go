package controller

// ControlState is the controller level state machine.
type ControlState int

const (
	StateDisconnected ControlState = iota
	StateIdle
	StateSending
	StateSendingPaused
	// StateCheck is reported while the firmware is in G-code check mode.
	StateCheck
)

var controlStateStrings = map[ControlState]string{
	StateDisconnected:  "DISCONNECTED",
	StateIdle:          "IDLE",
	StateSending:       "SENDING",
	StateSendingPaused: "SENDING_PAUSED",
	StateCheck:         "CHECK",
}

func (s ControlState) String() string {
	if str, ok := controlStateStrings[s]; ok {
		return str
	}
	return "UNKNOWN"
}
