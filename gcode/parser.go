package gcode

import (
	"errors"
	"fmt"
	"strings"
)

// ParseBlock parses a single line of G-code. Comments are dropped. Lines with only spaces or
// comments give an empty Block.
func ParseBlock(line string) (*Block, error) {
	lexer := NewLexer(line)
	var words []*Word
	var letter *rune
	var system string
	for {
		token, err := lexer.Next()
		if err != nil {
			return nil, err
		}
		if token == nil {
			break
		}
		switch token.Type {
		case TokenTypeSpace, TokenTypeComment:
		case TokenTypeSystem:
			if len(words) > 0 || letter != nil {
				return nil, fmt.Errorf("%q: system command cannot follow command words", line)
			}
			system = token.Value
		case TokenTypeWordLetter:
			if letter != nil {
				return nil, fmt.Errorf("%q: unexpected word letter %q after letter %q", line, token.Value, string(*letter))
			}
			l := rune(token.Value[0])
			letter = &l
		case TokenTypeWordNumber:
			if letter == nil {
				return nil, fmt.Errorf("%q: number %q without preceding letter", line, token.Value)
			}
			word, err := NewWordParse(*letter, token.Value)
			if err != nil {
				return nil, fmt.Errorf("%q: bad number %q: %w", line, token.Value, err)
			}
			words = append(words, word)
			letter = nil
		default:
			panic(fmt.Sprintf("bug: unknown token type: %#v", token))
		}
	}
	if letter != nil {
		return nil, fmt.Errorf("%q: word letter %q without number", line, string(*letter))
	}
	if system != "" {
		return NewBlockSystem(system), nil
	}
	return NewBlockCommand(words...), nil
}

// ModalGroup holds the state of each modal group.
// See https://www.linuxcnc.org/docs/2.4/html/gcode_overview.html#sec:Modal-Groups and
// https://github.com/gnea/grbl/wiki/Grbl-v1.1-Commands
type ModalGroup struct {
	// Motion (Group 1)
	Motion *Word

	// Plane selection (Group 2)
	PlaneSelection *Word

	// Distance Mode (Group 3)
	DistanceMode *Word

	// Arc IJK Distance Mode (Group 4)
	ArcIjkDistanceMode *Word

	// Feed Rate Mode (Group 5)
	FeedRateMode *Word

	// Units (Group 6)
	Units *Word

	// Cutter Diameter Compensation (Group 7)
	CutterDiameterCompensation *Word

	// Tool Length Offset (Group 8)
	ToolLengthOffset *Block

	// Coordinate System Select (Group 12)
	CoordinateSystemSelect *Word

	// Control Mode (Group 13)
	ControlMode *Word

	// Stopping (Group 4)
	Stopping *Word

	// Spindle (Group 7)
	Spindle *Word

	// Coolant (Group 8)
	Coolant []*Word
}

// DefaultModalGroup holds Grbl default modal group states, as set after a reset.
// See: https://github.com/gnea/grbl/wiki/Grbl-v1.1-Commands.
var DefaultModalGroup = ModalGroup{
	Motion:                     NewWord('G', 0),
	PlaneSelection:             NewWord('G', 17),
	DistanceMode:               NewWord('G', 90),
	ArcIjkDistanceMode:         NewWord('G', 91.1),
	FeedRateMode:               NewWord('G', 94),
	Units:                      NewWord('G', 21),
	CutterDiameterCompensation: NewWord('G', 40),
	ToolLengthOffset:           NewBlockCommand(NewWord('G', 49)),
	CoordinateSystemSelect:     NewWord('G', 54),
	ControlMode:                NewWord('G', 61),
	Spindle:                    NewWord('M', 5),
	Coolant:                    []*Word{NewWord('M', 9)},
}

// Copy returns a copy which can be updated without affecting m. Words are immutable, so
// they are shared.
func (m *ModalGroup) Copy() *ModalGroup {
	nm := *m
	nm.Coolant = append([]*Word{}, m.Coolant...)
	return &nm
}

//gocyclo:ignore
func (m *ModalGroup) UpdateFromWord(word *Word) error {
	switch word.NormalizedString() {
	case "G0", "G1", "G2", "G3", "G38.2", "G38.3", "G38.4", "G38.5", "G80":
		m.Motion = word
	case "G17", "G18", "G19":
		m.PlaneSelection = word
	case "G90", "G91":
		m.DistanceMode = word
	case "G91.1":
		m.ArcIjkDistanceMode = word
	case "G93", "G94":
		m.FeedRateMode = word
	case "G20", "G21":
		m.Units = word
	case "G40":
		m.CutterDiameterCompensation = word
	case "G43.1":
		return errors.New("can't update from word G43.1: it must be from a block with Z axis")
	case "G49":
		m.ToolLengthOffset = NewBlockCommand(word)
	case "G54", "G55", "G56", "G57", "G58", "G59":
		m.CoordinateSystemSelect = word
	case "G61":
		m.ControlMode = word
	case "M0", "M1", "M2", "M30":
		m.Stopping = word
	case "M3", "M4", "M5":
		m.Spindle = word
	case "M7", "M8":
		coolant := []*Word{}
		for _, w := range m.Coolant {
			if w.NormalizedString() == word.NormalizedString() {
				return nil
			}
			if w.NormalizedString() != "M9" {
				coolant = append(coolant, w)
			}
		}
		m.Coolant = append(coolant, word)
	case "M9":
		m.Coolant = []*Word{word}
	}
	return nil
}

// UpdateFromBlock applies every command of block. System blocks change nothing.
func (m *ModalGroup) UpdateFromBlock(block *Block) error {
	for _, word := range block.Commands() {
		if word.NormalizedString() != "G43.1" {
			if err := m.UpdateFromWord(word); err != nil {
				return err
			}
			continue
		}
		z, ok, err := block.Argument('Z')
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("G43.1 requires Z argument")
		}
		m.ToolLengthOffset = NewBlockCommand(NewWord('G', 43.1), NewWord('Z', z))
	}
	return nil
}

// String gives the state in the order Grbl reports it.
func (m *ModalGroup) String() string {
	var words []string
	for _, w := range []*Word{
		m.Motion, m.CoordinateSystemSelect, m.PlaneSelection, m.Units, m.DistanceMode,
		m.FeedRateMode, m.Stopping, m.Spindle,
	} {
		if w != nil {
			words = append(words, w.NormalizedString())
		}
	}
	for _, w := range m.Coolant {
		words = append(words, w.NormalizedString())
	}
	return strings.Join(words, " ")
}
