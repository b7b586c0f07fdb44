package ssetransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/searchwire/searchwire/internal/metrics"
	"github.com/searchwire/searchwire/internal/rpc"
	"github.com/searchwire/searchwire/sessions"
	"github.com/searchwire/searchwire/transport"
)

// handleEvents opens a push channel and drains its queue until a terminal
// frame, the client disconnect, or shutdown. The channel is removed from the
// registry the moment this loop exits; the session sweep plays no part in it.
func (t *Transport) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	f, ok := w.(http.Flusher)
	if !ok {
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var (
		connID = uuid.NewString()
		bound  bool
	)
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" && t.binder != nil {
		conn, err := t.binder.AddConnectionToSession(ctx, sessionID, sessions.TransportSSE, r.RemoteAddr, r.UserAgent())
		if err != nil {
			t.log.WarnContext(ctx, "sse.bind.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
			writeError(w, http.StatusNotFound, rpc.CodeNotFound, "session not found")
			return
		}
		connID = conn.ID()
		bound = true
	}

	ch := newChannel(connID, bound, r.RemoteAddr, r.UserAgent())
	t.chanMu.Lock()
	t.channels[connID] = ch
	t.chanMu.Unlock()

	defer func() {
		ch.close()
		t.chanMu.Lock()
		delete(t.channels, connID)
		t.chanMu.Unlock()
		if bound {
			t.connHandler.HandleConnectionClosed(connID)
			if _, err := t.binder.RemoveConnection(context.WithoutCancel(ctx), connID); err != nil {
				t.log.WarnContext(ctx, "sse.unbind.fail", slog.String("conn_id", connID), slog.String("err", err.Error()))
			}
		}
		t.log.InfoContext(ctx, "sse.channel.end", slog.String("conn_id", connID))
	}()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := transport.NewLockedWriteFlusher(ctx, w, f)

	if err := transport.WriteSSEEvent(wf, uuid.NewString(), transport.SSEEventMessage, t.cfg.RetryMillis, transport.ConnectedFrame(connID)); err != nil {
		t.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		return
	}
	metrics.FramesSent.WithLabelValues(t.Name(), string(transport.FrameConnected)).Inc()
	if bound {
		t.connHandler.HandleConnectionEstablished(connID)
	}
	t.log.InfoContext(ctx, "sse.channel.open", slog.String("conn_id", connID), slog.Bool("bound", bound))

	keepalive := time.NewTimer(t.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch.done:
			return
		case frame := <-ch.queue:
			if err := transport.WriteSSEEvent(wf, uuid.NewString(), transport.SSEEventForFrame(frame.Type), 0, frame); err != nil {
				t.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				if bound {
					t.connHandler.HandleConnectionError(connID, err.Error())
				}
				return
			}
			metrics.FramesSent.WithLabelValues(t.Name(), string(frame.Type)).Inc()
			if frame.Terminal() {
				return
			}
			resetTimer(keepalive, t.cfg.KeepaliveInterval)
		case <-keepalive.C:
			if err := transport.WriteSSEEvent(wf, uuid.NewString(), transport.SSEEventKeepalive, 0, transport.KeepaliveFrame()); err != nil {
				t.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
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

// BroadcastMessage queues an update frame on every open channel. Channels
// torn down mid-broadcast just miss the frame.
func (t *Transport) BroadcastMessage(ctx context.Context, payload any) error {
	t.chanMu.Lock()
	open := make([]*channel, 0, len(t.channels))
	for _, ch := range t.channels {
		open = append(open, ch)
	}
	t.chanMu.Unlock()

	delivered := 0
	for _, ch := range open {
		if ch.send(transport.Frame{Type: transport.FrameUpdate, Data: payload}) {
			delivered++
		}
	}
	t.log.DebugContext(ctx, "sse.broadcast", slog.Int("delivered", delivered), slog.Int("channels", len(open)))
	return nil
}

// SendToConnection queues an update frame on one channel. Unknown ids are
// benign: the channel may have just closed.
func (t *Transport) SendToConnection(ctx context.Context, connID string, payload any) error {
	t.chanMu.Lock()
	ch, ok := t.channels[connID]
	t.chanMu.Unlock()
	if !ok {
		return nil
	}
	ch.send(transport.Frame{Type: transport.FrameUpdate, Data: payload})
	return nil
}

type sendRequest struct {
	Message     json.RawMessage `json:"message"`
	Connections []string        `json:"connections,omitempty"`
}

// handleSend delivers an out-of-band message to the named channels, or to all
// open channels when none are named.
func (t *Transport) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body := t.readBody(w, r)
	if body == nil {
		return
	}
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil || len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, rpc.CodeMalformedRequest, "send requires a message")
		return
	}

	var payload any
	if err := json.Unmarshal(req.Message, &payload); err != nil {
		writeError(w, http.StatusBadRequest, rpc.CodeMalformedRequest, "message must be valid JSON")
		return
	}

	if len(req.Connections) == 0 {
		_ = t.BroadcastMessage(ctx, payload)
		writeJSON(w, http.StatusOK, map[string]any{"status": "broadcast", "connections": t.ConnectionCount()})
		return
	}

	delivered := 0
	t.chanMu.Lock()
	targets := make([]*channel, 0, len(req.Connections))
	for _, id := range req.Connections {
		if ch, ok := t.channels[id]; ok {
			targets = append(targets, ch)
		}
	}
	t.chanMu.Unlock()
	for _, ch := range targets {
		if ch.send(transport.Frame{Type: transport.FrameUpdate, Data: payload}) {
			delivered++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "delivered": delivered, "requested": len(req.Connections)})
}

// handleCall dispatches an inbound call and pushes the response to every open
// channel in addition to answering the request itself.
func (t *Transport) handleCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body := t.readBody(w, r)
	if body == nil {
		return
	}
	call, err := rpc.ParseCall(body)
	if err != nil {
		t.log.WarnContext(ctx, "sse.call.malformed", slog.String("err", err.Error()))
		writeError(w, http.StatusBadRequest, rpc.CodeMalformedRequest, fmt.Errorf("%w: %v", transport.ErrMalformedRequest, err).Error())
		return
	}

	res := transport.Dispatch(ctx, t.reg, t.log, t.Name(), call)
	_ = t.BroadcastMessage(ctx, res)

	status := http.StatusOK
	if res.Error != nil {
		switch res.Error.Code {
		case rpc.CodeNotFound:
			status = http.StatusNotFound
		case rpc.CodePayloadTooLarge:
			status = http.StatusRequestEntityTooLarge
		case rpc.CodeMalformedRequest:
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, res)
}

// channelInfo is the listing shape for one open channel. Bound channels pull
// authoritative state from the shared pool.
type channelInfo struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id,omitempty"`
	State        string `json:"state"`
	RemoteAddr   string `json:"remote_addr,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
}

func (t *Transport) handleListConnections(w http.ResponseWriter, r *http.Request) {
	t.chanMu.Lock()
	open := make([]*channel, 0, len(t.channels))
	for _, ch := range t.channels {
		open = append(open, ch)
	}
	t.chanMu.Unlock()

	infos := make([]channelInfo, 0, len(open))
	for _, ch := range open {
		info := channelInfo{
			ConnectionID: ch.connID,
			State:        string(sessions.ConnectionConnected),
			RemoteAddr:   ch.remoteAddr,
			UserAgent:    ch.userAgent,
			CreatedAt:    ch.createdAt.Format(time.RFC3339),
			LastActivity: ch.idleSince().UTC().Format(time.RFC3339),
		}
		if ch.bound && t.connHandler != nil {
			if pooled, ok := t.connHandler.ConnectionInfo(ch.connID); ok {
				info.SessionID = pooled.SessionID
				info.State = string(pooled.State)
			}
		}
		infos = append(infos, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": infos, "total": len(infos)})
}

var (
	_ transport.Transport   = (*Transport)(nil)
	_ transport.Broadcaster = (*Transport)(nil)
	_ transport.Pusher      = (*Transport)(nil)
)
