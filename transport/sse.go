package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// SSEEvent names used on the wire.
const (
	SSEEventMessage   = "message"
	SSEEventError     = "error"
	SSEEventKeepalive = "keepalive"
	SSEEventClose     = "close"
)

// SSEEventForFrame maps a frame type to its wire event name.
func SSEEventForFrame(t FrameType) string {
	switch t {
	case FrameError:
		return SSEEventError
	case FrameKeepalive:
		return SSEEventKeepalive
	case FrameClose:
		return SSEEventClose
	default:
		return SSEEventMessage
	}
}

// LockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type LockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

// NewLockedWriteFlusher wraps w for safe concurrent SSE writing.
func NewLockedWriteFlusher(ctx context.Context, w io.Writer, f http.Flusher) *LockedWriteFlusher {
	return &LockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
}

func (l *LockedWriteFlusher) Write(p []byte) (int, error) {
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

func (l *LockedWriteFlusher) Flush() {
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

// WriteSSEEvent writes one Server-Sent Event: optional id and retry fields,
// an event name, the JSON payload split across data: lines, and a blank-line
// terminator. It flushes after writing.
func WriteSSEEvent(wf *LockedWriteFlusher, id, event string, retryMillis int, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if id != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", id); err != nil {
			return fmt.Errorf("write sse id: %w", err)
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("write sse event: %w", err)
		}
	}
	if retryMillis > 0 {
		if _, err := fmt.Fprintf(wf, "retry: %d\n", retryMillis); err != nil {
			return fmt.Errorf("write sse retry: %w", err)
		}
	}
	for _, line := range strings.Split(string(b), "\n") {
		if _, err := fmt.Fprintf(wf, "data: %s\n", line); err != nil {
			return fmt.Errorf("write sse data: %w", err)
		}
	}
	if _, err := wf.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write sse terminator: %w", err)
	}
	wf.Flush()
	return nil
}
