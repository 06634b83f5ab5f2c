package controller

import (
	"fmt"
	"slices"
	"sync"
)

type EventType int

const (
	EventTypeControlStateChanged EventType = iota
	EventTypeFileStreamComplete
	EventTypeCommandQueued
	EventTypeCommandSent
	EventTypeCommandSkipped
	EventTypeCommandComplete
	EventTypeCommandComment
	EventTypeConsoleMessage
	EventTypeStatusString
)

// Event is dispatched by the controller to its listeners.
type Event interface {
	Type() EventType
	String() string
}

type ControlStateChangedEvent struct {
	State ControlState
}

func (e *ControlStateChangedEvent) Type() EventType {
	return EventTypeControlStateChanged
}

func (e *ControlStateChangedEvent) String() string {
	return fmt.Sprintf("state: %s", e.State)
}

// FileStreamCompleteEvent fires once a streaming job has no more work outstanding. Success
// is false when any row was abandoned.
type FileStreamCompleteEvent struct {
	Filename string
	Success  bool
}

func (e *FileStreamCompleteEvent) Type() EventType {
	return EventTypeFileStreamComplete
}

func (e *FileStreamCompleteEvent) String() string {
	return fmt.Sprintf("stream complete: %#v success=%v", e.Filename, e.Success)
}

type CommandQueuedEvent struct {
	Command *Command
}

func (e *CommandQueuedEvent) Type() EventType {
	return EventTypeCommandQueued
}

func (e *CommandQueuedEvent) String() string {
	return fmt.Sprintf("queued: %s", e.Command)
}

type CommandSentEvent struct {
	Command *Command
}

func (e *CommandSentEvent) Type() EventType {
	return EventTypeCommandSent
}

func (e *CommandSentEvent) String() string {
	return fmt.Sprintf("sent: %s", e.Command)
}

// CommandSkippedEvent fires for commands which were not transmitted: either left empty by
// preprocessing or discarded by a cancel.
type CommandSkippedEvent struct {
	Command *Command
}

func (e *CommandSkippedEvent) Type() EventType {
	return EventTypeCommandSkipped
}

func (e *CommandSkippedEvent) String() string {
	return fmt.Sprintf("skipped: %s", e.Command)
}

type CommandCompleteEvent struct {
	Command *Command
}

func (e *CommandCompleteEvent) Type() EventType {
	return EventTypeCommandComplete
}

func (e *CommandCompleteEvent) String() string {
	return fmt.Sprintf("complete: %s", e.Command)
}

type CommandCommentEvent struct {
	Comment string
}

func (e *CommandCommentEvent) Type() EventType {
	return EventTypeCommandComment
}

func (e *CommandCommentEvent) String() string {
	return fmt.Sprintf("comment: %s", e.Comment)
}

type MessageType int

const (
	MessageTypeInfo MessageType = iota
	MessageTypeVerbose
	MessageTypeError
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeInfo:
		return "info"
	case MessageTypeVerbose:
		return "verbose"
	case MessageTypeError:
		return "error"
	}
	return "unknown"
}

type ConsoleMessageEvent struct {
	MessageType MessageType
	Message     string
}

func (e *ConsoleMessageEvent) Type() EventType {
	return EventTypeConsoleMessage
}

func (e *ConsoleMessageEvent) String() string {
	return fmt.Sprintf("%s: %s", e.MessageType, e.Message)
}

// StatusStringEvent carries a firmware status report.
type StatusStringEvent struct {
	State           string
	MachinePosition *Coordinates
	WorkPosition    *Coordinates
}

func (e *StatusStringEvent) Type() EventType {
	return EventTypeStatusString
}

func (e *StatusStringEvent) String() string {
	return fmt.Sprintf("status: %s machine=%s work=%s", e.State, e.MachinePosition, e.WorkPosition)
}

// Listener is called synchronously, from whichever goroutine detected the event.
type Listener func(Event)

type listenerEntry struct {
	name     string
	listener Listener
}

// listeners is an ordered registry of named listeners.
type listeners struct {
	mu      sync.Mutex
	entries []listenerEntry
}

func (l *listeners) add(name string, listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, entry := range l.entries {
		if entry.name == name {
			entries := slices.Clone(l.entries)
			entries[i].listener = listener
			l.entries = entries
			return
		}
	}
	l.entries = append(l.entries, listenerEntry{name: name, listener: listener})
}

func (l *listeners) remove(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, entry := range l.entries {
		if entry.name == name {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *listeners) dispatch(event Event) {
	l.mu.Lock()
	entries := l.entries
	l.mu.Unlock()
	for _, entry := range entries {
		entry.listener(event)
	}
}
