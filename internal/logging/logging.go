// Package logging defines the leveled event sink shared by the pipeline and
// the isolated executor. Events are keyed by their source ("pipeline" or
// "lens") and, when one is in play, the lens identifier, so a single sink can
// separate orchestration diagnostics from output captured inside an isolate.
//
// The sink is injected into the orchestrator and executor at construction
// time; a process-wide default exists for convenience and is a no-op until
// SetDefault is called.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Level is the severity of one log event.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Source identifies where an event originated.
type Source string

const (
	// SourcePipeline tags events emitted by the orchestrator itself.
	SourcePipeline Source = "pipeline"
	// SourceLens tags diagnostic output forwarded out of an isolate.
	SourceLens Source = "lens"
)

// Sink receives leveled log events. Implementations must be safe for
// concurrent use; isolates write to the sink from their own goroutines.
type Sink interface {
	Log(level Level, source Source, lens string, msg string)
}

type zapSink struct {
	l *zap.Logger
}

// NewZapSink adapts a zap logger into a Sink.
func NewZapSink(l *zap.Logger) Sink {
	return &zapSink{l: l}
}

func (s *zapSink) Log(level Level, source Source, lens string, msg string) {
	fields := []zap.Field{zap.String("source", string(source))}
	if lens != "" {
		fields = append(fields, zap.String("lens", lens))
	}
	switch level {
	case LevelDebug:
		s.l.Debug(msg, fields...)
	case LevelInfo:
		s.l.Info(msg, fields...)
	case LevelWarn:
		s.l.Warn(msg, fields...)
	default:
		s.l.Error(msg, fields...)
	}
}

// NewNop returns a sink that discards every event.
func NewNop() Sink {
	return &zapSink{l: zap.NewNop()}
}

var (
	defaultMu   sync.RWMutex
	defaultSink Sink = NewNop()
)

// Default returns the process-wide sink.
func Default() Sink {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSink
}

// SetDefault replaces the process-wide sink. A nil sink restores the no-op.
func SetDefault(s Sink) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if s == nil {
		s = NewNop()
	}
	defaultSink = s
}

// Event is one recorded log event.
type Event struct {
	Level   Level
	Source  Source
	Lens    string
	Message string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s/%s: %s", e.Level, e.Source, e.Lens, e.Message)
}

// Capture is a Sink that records events in memory, for tests.
type Capture struct {
	mu     sync.Mutex
	events []Event
}

func (c *Capture) Log(level Level, source Source, lens string, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{Level: level, Source: source, Lens: lens, Message: msg})
}

// Events returns a copy of everything logged so far.
func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
