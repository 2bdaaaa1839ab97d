package compathttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one Server-Sent Event frame. The event name and id
// are optional; payload is written as the data field. The frame is flushed
// after writing.
func writeSSEEvent(wf *lockedWriteFlusher, eventName, eventID string, payload []byte) error {
	if eventName != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", eventName); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// trackingResponseWriter records whether any part of the response has been
// committed, so panic recovery can decide between emitting an error envelope
// and absorbing the failure.
type trackingResponseWriter struct {
	http.ResponseWriter
	flusher http.Flusher
	wrote   bool
	status  int
}

func (t *trackingResponseWriter) WriteHeader(status int) {
	t.wrote = true
	t.status = status
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackingResponseWriter) Write(p []byte) (int, error) {
	t.wrote = true
	if t.status == 0 {
		t.status = http.StatusOK
	}
	return t.ResponseWriter.Write(p)
}

// outcome is the metrics label for the response the transport produced.
func (t *trackingResponseWriter) outcome() string {
	switch {
	case t.status >= http.StatusInternalServerError:
		return "internal_error"
	case t.status >= http.StatusBadRequest:
		return "rejected"
	default:
		return "ok"
	}
}

func (t *trackingResponseWriter) Flush() {
	if t.flusher != nil {
		t.flusher.Flush()
	}
}
