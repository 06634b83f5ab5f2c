package grbl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fornellas/gsender/controller"
)

var ErrMalformedStatus = errors.New("malformed status report")

// BufferState is reported with Grbl v1.1 "Bf:" field.
type BufferState struct {
	// Number of available blocks in the planner buffer
	AvailableBlocks int
	// Number of available bytes in the serial RX buffer
	AvailableBytes int
}

type Overrides struct {
	Feed    float64
	Rapids  float64
	Spindle float64
}

// Status is a parsed status report, eg:
//
//	<Idle,MPos:5.529,0.560,7.000,WPos:1.529,-5.440,-0.000>
//	<Idle|MPos:5.529,0.560,7.000|FS:0,0|WCO:4.000,6.000,7.000>
type Status struct {
	// Machine state, eg Idle, Run, Hold, Jog, Alarm, Door, Check, Home or Sleep.
	State string
	// SubState such as the 0 in Hold:0, when present.
	SubState *int

	MachinePosition *controller.Coordinates
	WorkPosition    *controller.Coordinates
	// WorkCoordinateOffset is only sent periodically by v1.1; it's remembered between reports
	// by the controller to derive WorkPosition.
	WorkCoordinateOffset *controller.Coordinates

	BufferState  *BufferState
	LineNumber   *int
	Feed         *float64
	SpindleSpeed *float64
	Overrides    *Overrides
	// Pins triggered, eg "XYZP".
	Pins string
	// Accessories enabled, eg "SFM".
	Accessories string
}

// IsStatusString reports whether line is a status report.
func IsStatusString(line string) bool {
	return ClassifyLine(line) == LineTypeStatus
}

func parseFloats(name string, values []string, least, most int) ([]float64, error) {
	if len(values) < least || len(values) > most {
		return nil, fmt.Errorf("%w: %s has %d values", ErrMalformedStatus, name, len(values))
	}
	floats := make([]float64, len(values))
	for i, value := range values {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: invalid value %#v", ErrMalformedStatus, name, value)
		}
		floats[i] = f
	}
	return floats, nil
}

func parseCoordinates(name string, values []string) (*controller.Coordinates, error) {
	if len(values) < 3 || len(values) > 4 {
		return nil, fmt.Errorf("%w: %s has %d values", ErrMalformedStatus, name, len(values))
	}
	coordinates, err := controller.NewCoordinatesFromStrValues(values)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedStatus, name, err)
	}
	return coordinates, nil
}

func parseInt(name string, values []string) (int, error) {
	if len(values) != 1 {
		return 0, fmt.Errorf("%w: %s has %d values", ErrMalformedStatus, name, len(values))
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, fmt.Errorf("%w: %s: invalid value %#v", ErrMalformedStatus, name, values[0])
	}
	return n, nil
}

type statusField struct {
	name   string
	values []string
}

// splitFields returns the state and every "Name:v1,v2" field of report. Legacy reports are
// comma separated all the way through, so values are collected until the next named token.
func splitFields(report string) (string, []statusField, error) {
	var fields []statusField
	if strings.Contains(report, "|") {
		tokens := strings.Split(report, "|")
		for _, token := range tokens[1:] {
			name, values, ok := strings.Cut(token, ":")
			if !ok {
				return "", nil, fmt.Errorf("%w: field %#v", ErrMalformedStatus, token)
			}
			fields = append(fields, statusField{name: name, values: strings.Split(values, ",")})
		}
		return tokens[0], fields, nil
	}
	tokens := strings.Split(report, ",")
	for _, token := range tokens[1:] {
		if name, value, ok := strings.Cut(token, ":"); ok {
			fields = append(fields, statusField{name: name, values: []string{value}})
			continue
		}
		if len(fields) == 0 {
			return "", nil, fmt.Errorf("%w: value %#v without field", ErrMalformedStatus, token)
		}
		fields[len(fields)-1].values = append(fields[len(fields)-1].values, token)
	}
	return tokens[0], fields, nil
}

// ParseStatus parses either format of status report.
//
//gocyclo:ignore
func ParseStatus(line string) (*Status, error) {
	if !IsStatusString(line) {
		return nil, fmt.Errorf("%w: %#v", ErrMalformedStatus, line)
	}
	stateField, fields, err := splitFields(line[1 : len(line)-1])
	if err != nil {
		return nil, fmt.Errorf("%#v: %w", line, err)
	}
	if stateField == "" {
		return nil, fmt.Errorf("%w: %#v: missing state", ErrMalformedStatus, line)
	}

	status := &Status{}
	state, subState, hasSubState := strings.Cut(stateField, ":")
	status.State = state
	if hasSubState {
		n, err := strconv.Atoi(subState)
		if err != nil {
			return nil, fmt.Errorf("%w: %#v: invalid sub state", ErrMalformedStatus, line)
		}
		status.SubState = &n
	}

	for _, field := range fields {
		name, values := field.name, field.values
		switch name {
		case "MPos":
			status.MachinePosition, err = parseCoordinates(name, values)
		case "WPos":
			status.WorkPosition, err = parseCoordinates(name, values)
		case "WCO":
			status.WorkCoordinateOffset, err = parseCoordinates(name, values)
		case "Bf":
			var n []float64
			if n, err = parseFloats(name, values, 2, 2); err == nil {
				status.BufferState = &BufferState{AvailableBlocks: int(n[0]), AvailableBytes: int(n[1])}
			}
		case "Ln":
			var n int
			if n, err = parseInt(name, values); err == nil {
				status.LineNumber = &n
			}
		case "F":
			var n []float64
			if n, err = parseFloats(name, values, 1, 1); err == nil {
				status.Feed = &n[0]
			}
		case "FS":
			var n []float64
			if n, err = parseFloats(name, values, 2, 2); err == nil {
				status.Feed = &n[0]
				status.SpindleSpeed = &n[1]
			}
		case "Ov":
			var n []float64
			if n, err = parseFloats(name, values, 3, 3); err == nil {
				status.Overrides = &Overrides{Feed: n[0], Rapids: n[1], Spindle: n[2]}
			}
		case "Pn":
			status.Pins = strings.Join(values, "")
		case "A":
			status.Accessories = strings.Join(values, "")
		}
		if err != nil {
			return nil, fmt.Errorf("%#v: %w", line, err)
		}
	}
	return status, nil
}
