package preprocessor

import (
	"context"
	"fmt"
	"sync"

	"github.com/fornellas/slogxt/log"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ScriptSymbol is the function a script must declare.
var ScriptSymbol = "processor.Process"

// Script is a Processor written in Go, interpreted at runtime. The script source must be
// declared as package processor, with a function:
//
//	func Process(command string) (string, error)
type Script struct {
	path    string
	mu      sync.Mutex
	process func(string) (string, error)
}

// NewScript loads the script at path.
func NewScript(ctx context.Context, path string) (*Script, error) {
	ctx, logger := log.MustWithAttrs(ctx, "script", path)
	logger.Info("Loading processor script")

	interpreter := interp.New(interp.Options{})
	if err := interpreter.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("preprocessor: %s: failed to load symbols: %w", path, err)
	}
	if _, err := interpreter.EvalPathWithContext(ctx, path); err != nil {
		return nil, fmt.Errorf("preprocessor: %s: %w", path, err)
	}
	value, err := interpreter.EvalWithContext(ctx, ScriptSymbol)
	if err != nil {
		return nil, fmt.Errorf("preprocessor: %s: %w", path, err)
	}
	process, ok := value.Interface().(func(string) (string, error))
	if !ok {
		return nil, fmt.Errorf("preprocessor: %s: %s has type %s, expected func(string) (string, error)", path, ScriptSymbol, value.Type())
	}
	return &Script{path: path, process: process}, nil
}

func (s *Script) Process(command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	processed, err := s.process(command)
	if err != nil {
		return "", fmt.Errorf("preprocessor: %s: %w", s.path, err)
	}
	return processed, nil
}
