package build

import (
	"context"
	"strings"
	"sync"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/store"
)

// defaultFlushLines is how many buffered lines trigger a chunk write.
const defaultFlushLines = 32

// LogWriter buffers status lines for one step log and flushes them to the
// store as monotonically appended chunks. After Finish, further appends are
// rejected.
type LogWriter struct {
	store      store.Store
	logID      int64
	flushLines int

	mu       sync.Mutex
	buf      []string
	nextLine int
	finished bool
}

// NewLogWriter creates a writer for an open log. flushLines <= 0 uses the
// default chunk size.
func NewLogWriter(s store.Store, logID int64, flushLines int) *LogWriter {
	if flushLines <= 0 {
		flushLines = defaultFlushLines
	}
	return &LogWriter{store: s, logID: logID, flushLines: flushLines}
}

// AddLine buffers one line, flushing a chunk when the buffer is full.
func (w *LogWriter) AddLine(ctx context.Context, line string) error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return ferrors.ValidationError("append to finished log").
			WithContext("log_id", w.logID).Build()
	}
	w.buf = append(w.buf, line)
	full := len(w.buf) >= w.flushLines
	w.mu.Unlock()

	if full {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes buffered lines as one chunk.
func (w *LogWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return nil
	}
	lines := w.buf
	first := w.nextLine
	w.buf = nil
	w.nextLine += len(lines)
	w.mu.Unlock()

	return w.store.AppendLogChunk(ctx, w.logID,
		strings.Join(lines, "\n"), first, first+len(lines)-1)
}

// Finish flushes the remainder and marks the log complete. Finishing twice
// is a no-op.
func (w *LogWriter) Finish(ctx context.Context) error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	w.finished = true
	w.mu.Unlock()

	if err := w.Flush(ctx); err != nil {
		return err
	}
	return w.store.FinishLog(ctx, w.logID)
}
