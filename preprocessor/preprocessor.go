// Package preprocessor transforms G-code commands before they are sent.
package preprocessor

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	ifmt "github.com/fornellas/gsender/internal/fmt"
)

var ErrCommandTooLong = errors.New("command too long")

// Processor transforms a single command. Returning an empty string means there's nothing to
// send.
type Processor interface {
	Process(command string) (string, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(command string) (string, error)

func (f ProcessorFunc) Process(command string) (string, error) {
	return f(command)
}

// Pipeline runs each processor on the output of the previous one.
type Pipeline []Processor

func (p Pipeline) Process(command string) (string, error) {
	var err error
	for _, processor := range p {
		command, err = processor.Process(command)
		if err != nil {
			return "", err
		}
		if command == "" {
			return "", nil
		}
	}
	return command, nil
}

// DefaultPipeline removes comments and surrounding whitespace.
func DefaultPipeline() Pipeline {
	return Pipeline{CommentRemover{}}
}

var parenthesisCommentRegexp = regexp.MustCompile(`\([^\(]*\)`)
var semicolonCommentRegexp = regexp.MustCompile(`;.*`)
var commentRegexp = regexp.MustCompile(`\(([^\(\)]*)|;(.*)`)

// CommentRemover removes comments within parentheses or following a semicolon, and trims
// the result.
type CommentRemover struct{}

func (CommentRemover) Process(command string) (string, error) {
	command = parenthesisCommentRegexp.ReplaceAllString(command, "")
	command = semicolonCommentRegexp.ReplaceAllString(command, "")
	return strings.TrimSpace(command), nil
}

// ParseComment returns the text of the first comment in command, if any.
func ParseComment(command string) string {
	match := commentRegexp.FindStringSubmatch(command)
	if match == nil {
		return ""
	}
	if match[1] != "" {
		return match[1]
	}
	return match[2]
}

// WhitespaceRemover removes all whitespace.
type WhitespaceRemover struct{}

func (WhitespaceRemover) Process(command string) (string, error) {
	return strings.Join(strings.Fields(command), ""), nil
}

var feedRegexp = regexp.MustCompile(`(?i)F([0-9.]+)`)

// FeedOverride scales every feed rate word by Percent.
type FeedOverride struct {
	Percent float64
}

func (f FeedOverride) Process(command string) (string, error) {
	var err error
	command = feedRegexp.ReplaceAllStringFunc(command, func(word string) string {
		feed, parseErr := strconv.ParseFloat(word[1:], 64)
		if parseErr != nil {
			err = fmt.Errorf("preprocessor: invalid feed rate %#v: %w", word, parseErr)
			return word
		}
		return "F" + ifmt.SprintFloat(feed*f.Percent/100.0, 4)
	})
	if err != nil {
		return "", err
	}
	return command, nil
}

// DecimalTruncator rounds every number with more than Places decimal places.
type DecimalTruncator struct {
	Places uint
}

func (d DecimalTruncator) Process(command string) (string, error) {
	re, err := regexp.Compile(fmt.Sprintf(`\d+\.\d{%d,}`, d.Places+1))
	if err != nil {
		return "", err
	}
	command = re.ReplaceAllStringFunc(command, func(number string) string {
		value, parseErr := strconv.ParseFloat(number, 64)
		if parseErr != nil {
			err = fmt.Errorf("preprocessor: invalid number %#v: %w", number, parseErr)
			return number
		}
		return ifmt.SprintFloat(value, d.Places)
	})
	if err != nil {
		return "", err
	}
	return command, nil
}

// MaxLength rejects commands longer than Length.
type MaxLength struct {
	Length int
}

func (m MaxLength) Process(command string) (string, error) {
	if len(command) > m.Length {
		return "", fmt.Errorf("preprocessor: %#v is %d long, maximum is %d: %w", command, len(command), m.Length, ErrCommandTooLong)
	}
	return command, nil
}
