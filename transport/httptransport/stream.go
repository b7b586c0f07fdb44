package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/searchwire/searchwire/internal/metrics"
	"github.com/searchwire/searchwire/internal/rpc"
	"github.com/searchwire/searchwire/transport"
)

// stream is the queue between a background handler invocation and the pull
// channel draining it. The producer never learns whether a consumer exists:
// frames queued after teardown are silently discarded.
type stream struct {
	id     string
	frames chan transport.Frame
	done   chan struct{}
	once   sync.Once
}

func newStream(id string) *stream {
	return &stream{id: id, frames: make(chan transport.Frame, 32), done: make(chan struct{})}
}

// push enqueues a frame, dropping it if the stream was torn down or the
// queue is saturated with no consumer progress.
func (s *stream) push(f transport.Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *stream) close() {
	s.once.Do(func() { close(s.done) })
}

// handleStreamSubmit accepts a call, answers immediately with a stream id,
// and schedules the handler as a background task feeding the stream queue.
func (t *Transport) handleStreamSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	call := t.readCall(w, r)
	if call == nil {
		return
	}

	st := newStream(uuid.NewString())
	t.streamsMu.Lock()
	t.streams[st.id] = st
	t.streamsMu.Unlock()

	// The handler outlives this request and is not cancelled on stream
	// teardown; an unobserved result is discarded, never raised.
	go t.processStream(t.rootCtx, st, call)

	t.log.InfoContext(ctx, "http.stream.submit", slog.String("stream_id", st.id), slog.String("method", call.Method))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"stream_id":  st.id,
		"stream_url": "/mcp/stream/" + st.id,
		"status":     "processing",
	})
}

func (t *Transport) processStream(ctx context.Context, st *stream, call *rpc.Call) {
	res := transport.Dispatch(ctx, t.reg, t.log, t.Name(), call)
	if res.Error != nil {
		st.push(transport.Frame{Type: transport.FrameError, Message: res.Error.Message, Data: res.Error})
		return
	}
	st.push(transport.Frame{Type: transport.FrameResponse, Data: res.Result})
}

// SendToConnection pushes an update frame onto one open stream. Unknown ids
// are benign: the stream may have just completed.
func (t *Transport) SendToConnection(ctx context.Context, streamID string, payload any) error {
	t.streamsMu.Lock()
	st, ok := t.streams[streamID]
	t.streamsMu.Unlock()
	if !ok {
		return nil
	}
	st.push(transport.Frame{Type: transport.FrameUpdate, Data: payload})
	metrics.FramesSent.WithLabelValues(t.Name(), string(transport.FrameUpdate)).Inc()
	return nil
}

// handleStreamPull drains queued frames as SSE until a terminal frame closes
// the stream, emitting keepalives when nothing is queued within the
// keepalive interval. Queue and stream registration are discarded once the
// terminal frame is consumed.
func (t *Transport) handleStreamPull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	streamID := r.PathValue("id")

	t.streamsMu.Lock()
	st, ok := t.streams[streamID]
	t.streamsMu.Unlock()
	if !ok {
		t.log.InfoContext(ctx, "http.stream.miss", slog.String("stream_id", streamID))
		writeError(w, http.StatusNotFound, rpc.CodeNotFound, "stream not found")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		t.log.ErrorContext(ctx, "http.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := transport.NewLockedWriteFlusher(ctx, w, f)
	wf.Flush()

	defer func() {
		st.close()
		t.streamsMu.Lock()
		delete(t.streams, streamID)
		t.streamsMu.Unlock()
		t.log.InfoContext(ctx, "http.stream.end", slog.String("stream_id", streamID))
	}()

	keepalive := time.NewTimer(t.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-st.frames:
			if err := transport.WriteSSEEvent(wf, uuid.NewString(), transport.SSEEventForFrame(frame.Type), 0, frame); err != nil {
				t.log.WarnContext(ctx, "http.stream.write.fail", slog.String("err", err.Error()))
				return
			}
			metrics.FramesSent.WithLabelValues(t.Name(), string(frame.Type)).Inc()
			if frame.Terminal() {
				return
			}
			resetTimer(keepalive, t.cfg.KeepaliveInterval)
		case <-keepalive.C:
			if err := transport.WriteSSEEvent(wf, uuid.NewString(), transport.SSEEventKeepalive, 0, transport.KeepaliveFrame()); err != nil {
				t.log.WarnContext(ctx, "http.stream.write.fail", slog.String("err", err.Error()))
				return
			}
			metrics.FramesSent.WithLabelValues(t.Name(), string(transport.FrameKeepalive)).Inc()
			keepalive.Reset(t.cfg.KeepaliveInterval)
		}
	}
}

func resetTimer(tm *time.Timer, d time.Duration) {
	if !tm.Stop() {
		select {
		case <-tm.C:
		default:
		}
	}
	tm.Reset(d)
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Pusher    = (*Transport)(nil)
)
