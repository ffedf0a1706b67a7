package worker

import (
	"bytes"
	"strings"
	"sync"
)

// maxLineBytes caps a single emitted line. The rest of an oversized line is
// discarded up to the next line break.
const maxLineBytes = 64 << 10

const truncatedSuffix = " [truncated]"

// lineWriter splits a byte stream into lines and hands each non-empty line
// to emit. Carriage returns from progress meters also end a line.
type lineWriter struct {
	mu     sync.Mutex
	prefix string
	buf    bytes.Buffer
	emit   func(string)
	skip   bool
}

func newLineWriter(prefix string, emit func(string)) *lineWriter {
	return &lineWriter{prefix: prefix, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' || b == '\r' {
			if w.skip {
				w.skip = false
				continue
			}
			w.flushLocked()
			continue
		}
		if w.skip {
			continue
		}
		w.buf.WriteByte(b)
		if w.buf.Len() >= maxLineBytes {
			w.buf.WriteString(truncatedSuffix)
			w.flushLocked()
			w.skip = true
		}
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
	w.skip = false
}

func (w *lineWriter) flushLocked() {
	line := strings.TrimRight(strings.ToValidUTF8(w.buf.String(), ""), " \t")
	w.buf.Reset()
	if strings.TrimSpace(line) == "" {
		return
	}
	w.emit(w.prefix + line)
}
