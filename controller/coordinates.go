package controller

import (
	"fmt"
	"strconv"
	"strings"

	ifmt "github.com/fornellas/gsender/internal/fmt"
)

// Coordinates of the machine axes. A is only set for machines reporting a fourth axis.
type Coordinates struct {
	X float64
	Y float64
	Z float64
	A *float64
}

// NewCoordinatesFromStrValues parses X, Y, Z and an optional A.
func NewCoordinatesFromStrValues(values []string) (*Coordinates, error) {
	if len(values) < 3 || len(values) > 4 {
		return nil, fmt.Errorf("coordinates malformed: %#v", values)
	}

	var axes [4]float64
	for i, value := range values {
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("coordinate %c invalid: %#v", "XYZA"[i], value)
		}
		axes[i] = f
	}

	coordinates := &Coordinates{X: axes[0], Y: axes[1], Z: axes[2]}
	if len(values) == 4 {
		a := axes[3]
		coordinates.A = &a
	}
	return coordinates, nil
}

// NewCoordinatesFromCSV parses "X,Y,Z" or "X,Y,Z,A".
func NewCoordinatesFromCSV(s string) (*Coordinates, error) {
	return NewCoordinatesFromStrValues(strings.Split(s, ","))
}

// Sub returns c - o, per axis.
func (c *Coordinates) Sub(o *Coordinates) *Coordinates {
	r := &Coordinates{X: c.X - o.X, Y: c.Y - o.Y, Z: c.Z - o.Z}
	if c.A != nil && o.A != nil {
		a := *c.A - *o.A
		r.A = &a
	}
	return r
}

func (c *Coordinates) String() string {
	if c == nil {
		return "-"
	}
	s := fmt.Sprintf(
		"X%s Y%s Z%s",
		ifmt.SprintFloat(c.X, 3), ifmt.SprintFloat(c.Y, 3), ifmt.SprintFloat(c.Z, 3),
	)
	if c.A != nil {
		s += " A" + ifmt.SprintFloat(*c.A, 3)
	}
	return s
}
