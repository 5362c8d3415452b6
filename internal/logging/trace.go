package logging

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// TraceWriter is an io.Writer that forwards IMAP protocol traffic to a
// zerolog logger at debug level, one event per line.
type TraceWriter struct {
	log zerolog.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewTraceWriter returns a writer logging through log.
func NewTraceWriter(log zerolog.Logger) *TraceWriter {
	return &TraceWriter{log: log}
}

func (w *TraceWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(w.buf.Next(i + 1))
		w.log.Debug().Str("imap", RedactIMAPLine(line)).Msg("wire")
	}
	return len(p), nil
}
