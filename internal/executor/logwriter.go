package executor

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Gravitate-Health/Lens-Execution-Environment/internal/logging"
)

// logWriter forwards isolate stdout/stderr lines to the sink as leveled
// events tagged with the lens identifier. Output arriving after the
// invocation has settled is dropped.
type logWriter struct {
	sink  logging.Sink
	level logging.Level
	lens  string
	done  *atomic.Bool

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLogWriter(sink logging.Sink, level logging.Level, lens string, done *atomic.Bool) *logWriter {
	return &logWriter{sink: sink, level: level, lens: lens, done: done}
}

func (w *logWriter) Write(p []byte) (int, error) {
	if w.done.Load() {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		line := strings.TrimSpace(string(w.buf.Next(i + 1)))
		if line != "" {
			w.sink.Log(w.level, logging.SourceLens, w.lens, line)
		}
	}
}
