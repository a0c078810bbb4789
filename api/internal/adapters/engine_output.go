package adapters

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// maxLineBytes caps a buffered partial line from the engine.
const maxLineBytes = 64 * 1024

// lineLogger is an io.Writer that forwards engine output to the logger one
// line at a time and remembers the last non-empty line.
type lineLogger struct {
	logger  *slog.Logger
	stream  string
	onReady func()

	mu   sync.Mutex
	buf  []byte
	tail string
}

func newLineLogger(logger *slog.Logger, stream string, onReady func()) *lineLogger {
	return &lineLogger{logger: logger, stream: stream, onReady: onReady}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxLineBytes {
		l.emit(string(l.buf))
		l.buf = l.buf[:0]
	}
	return len(p), nil
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r ")
	if line == "" {
		return
	}
	l.tail = line
	l.logger.Debug(line, "stream", l.stream)
	// xray announces "Xray <version> started" once its inbounds listen.
	if l.onReady != nil && strings.Contains(line, " started") {
		l.onReady()
	}
}

// Tail returns the last complete line written.
func (l *lineLogger) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}
