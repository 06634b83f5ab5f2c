package controller

import (
	"fmt"
	"sync"
)

// SkippedResponse is the response recorded for commands which were never transmitted because
// preprocessing left nothing to send.
var SkippedResponse = "<skipped by application>"

// CanceledResponse is the response recorded for commands discarded by a cancel.
var CanceledResponse = "<canceled>"

// Command is one line of G-code moving through the pipeline.
type Command struct {
	number   int
	original string
	command  string
	comment  string

	temporaryParserModalChange bool
	// inJob is set for commands accounted in the streaming job telemetry.
	inJob bool

	mu       sync.Mutex
	sent     bool
	done     bool
	skipped  bool
	canceled bool
	isError  bool
	response *string
}

// CommandOption customizes a command at creation.
type CommandOption func(*Command)

// WithTemporaryParserModalChange flags a one off command, such as jogging, which must not
// permanently alter the parser state.
func WithTemporaryParserModalChange() CommandOption {
	return func(c *Command) {
		c.temporaryParserModalChange = true
	}
}

// Number is the command sequence number, unique and increasing per controller.
func (c *Command) Number() int {
	return c.number
}

// OriginalCommand is the text as queued by the caller.
func (c *Command) OriginalCommand() string {
	return c.original
}

// Command is the text after preprocessing, which is what gets transmitted.
func (c *Command) Command() string {
	return c.command
}

func (c *Command) Comment() string {
	return c.comment
}

func (c *Command) HasComment() bool {
	return c.comment != ""
}

func (c *Command) IsTemporaryParserModalChange() bool {
	return c.temporaryParserModalChange
}

func (c *Command) IsSent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func (c *Command) IsDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Command) IsSkipped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipped
}

func (c *Command) IsCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// IsError reports whether the firmware rejected the command.
func (c *Command) IsError() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isError
}

// Response returns the response line and whether there is one yet.
func (c *Command) Response() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.response == nil {
		return "", false
	}
	return *c.response, true
}

func (c *Command) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := fmt.Sprintf("#%d %#v", c.number, c.command)
	switch {
	case c.canceled:
		s += " (canceled)"
	case c.skipped:
		s += " (skipped)"
	case c.done:
		s += " (done)"
	case c.sent:
		s += " (sent)"
	}
	return s
}

func (c *Command) setSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = true
	c.canceled = false
}

func (c *Command) setDone(response string, isError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sent {
		panic(fmt.Errorf("bug: completing unsent command #%d", c.number))
	}
	c.done = true
	c.isError = isError
	c.response = &response
}

func (c *Command) setSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = true
	c.done = true
	c.skipped = true
	response := SkippedResponse
	c.response = &response
}

// setCanceled abandons the command. Sent commands become done, as no response is expected
// anymore.
func (c *Command) setCanceled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.canceled = true
	c.done = c.sent
	response := CanceledResponse
	c.response = &response
}
