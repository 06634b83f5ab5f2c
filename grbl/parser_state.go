package grbl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fornellas/gsender/gcode"
)

var ErrNotParserState = errors.New("not a parser state report")

var parserStateV1Prefix = "[GC:"

// parserStateWords returns the words of a parser state report: "[GC:G0 G54 ... T0 F0 S0]" with
// CapabilityV1Format, "[G0 G54 ... T0 F0. S0.]" before it.
func parserStateWords(line string, capabilities Capabilities) (string, bool) {
	if !strings.HasSuffix(line, "]") {
		return "", false
	}
	if capabilities.Has(CapabilityV1Format) {
		words, ok := strings.CutPrefix(line, parserStateV1Prefix)
		return strings.TrimSuffix(words, "]"), ok
	}
	if !strings.HasPrefix(line, "[G") || strings.Contains(line, ":") {
		return "", false
	}
	return line[1 : len(line)-1], true
}

// IsParserState reports whether line is the answer to CommandViewParserState.
func IsParserState(line string, capabilities Capabilities) bool {
	_, ok := parserStateWords(line, capabilities)
	return ok
}

// ParseParserState returns the modal state reported by Grbl. Groups Grbl does not report keep
// their default.
func ParseParserState(line string, capabilities Capabilities) (*gcode.ModalGroup, error) {
	words, ok := parserStateWords(line, capabilities)
	if !ok {
		return nil, fmt.Errorf("%#v: %w", line, ErrNotParserState)
	}
	block, err := gcode.ParseBlock(words)
	if err != nil {
		return nil, fmt.Errorf("%#v: %w", line, err)
	}
	state := gcode.DefaultModalGroup.Copy()
	if err := state.UpdateFromBlock(block); err != nil {
		return nil, fmt.Errorf("%#v: %w", line, err)
	}
	return state, nil
}
