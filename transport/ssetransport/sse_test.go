package ssetransport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/searchwire/searchwire/sessions"
	"github.com/searchwire/searchwire/transport"
)

func newTestServer(t *testing.T, opts ...Option) (*Transport, *httptest.Server) {
	t.Helper()
	tr := New(Config{KeepaliveInterval: time.Minute, ConnectionTimeout: time.Minute, RetryMillis: 3000}, opts...)
	if err := tr.RegisterHandler("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var v any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	srv := httptest.NewServer(tr.withRequestData(tr.mux))
	t.Cleanup(srv.Close)
	return tr, srv
}

type sseEvent struct {
	event string
	data  string
}

func readSSEEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var evt sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if evt.event != "" || evt.data != "" {
				return evt
			}
		case strings.HasPrefix(line, "event: "):
			evt.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if evt.data != "" {
				evt.data += "\n"
			}
			evt.data += strings.TrimPrefix(line, "data: ")
		}
	}
}

type frame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Data         any    `json:"data"`
}

// openChannel connects to /events and consumes the greeting frame.
func openChannel(t *testing.T, srv *httptest.Server, query string) (*bufio.Reader, string, func()) {
	t.Helper()
	res, err := http.Get(srv.URL + "/events" + query)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	reader := bufio.NewReader(res.Body)

	evt := readSSEEvent(t, reader)
	var f frame
	if err := json.Unmarshal([]byte(evt.data), &f); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if f.Type != "connected" || f.ConnectionID == "" {
		t.Fatalf("expected connected greeting with id, got %+v", f)
	}
	return reader, f.ConnectionID, func() { res.Body.Close() }
}

func waitForCount(t *testing.T, tr *Transport, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for tr.ConnectionCount() != want {
		select {
		case <-deadline:
			t.Fatalf("channel count never reached %d (have %d)", want, tr.ConnectionCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBroadcastReachesEveryChannel(t *testing.T) {
	tr, srv := newTestServer(t)

	r1, _, close1 := openChannel(t, srv, "")
	defer close1()
	r2, _, close2 := openChannel(t, srv, "")
	defer close2()
	waitForCount(t, tr, 2)

	if err := tr.BroadcastMessage(context.Background(), map[string]string{"note": "hi"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, r := range []*bufio.Reader{r1, r2} {
		evt := readSSEEvent(t, r)
		var f frame
		if err := json.Unmarshal([]byte(evt.data), &f); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if f.Type != "update" {
			t.Fatalf("expected update frame, got %+v", f)
		}
		data, ok := f.Data.(map[string]any)
		if !ok || data["note"] != "hi" {
			t.Fatalf("payload lost in broadcast: %+v", f.Data)
		}
	}
}

func TestChannelRemovedImmediatelyOnDisconnect(t *testing.T) {
	tr, srv := newTestServer(t)

	_, _, closeCh := openChannel(t, srv, "")
	waitForCount(t, tr, 1)

	closeCh()
	waitForCount(t, tr, 0)
}

func TestTargetedSend(t *testing.T) {
	tr, srv := newTestServer(t)

	r1, id1, close1 := openChannel(t, srv, "")
	defer close1()
	_, _, close2 := openChannel(t, srv, "")
	defer close2()
	waitForCount(t, tr, 2)

	body, _ := json.Marshal(map[string]any{
		"message":     map[string]string{"to": "first"},
		"connections": []string{id1},
	})
	res, err := http.Post(srv.URL+"/send", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	var ack struct {
		Status    string `json:"status"`
		Delivered int    `json:"delivered"`
	}
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != "sent" || ack.Delivered != 1 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	evt := readSSEEvent(t, r1)
	var f frame
	if err := json.Unmarshal([]byte(evt.data), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != "update" {
		t.Fatalf("expected update frame, got %+v", f)
	}
}

func TestCallBroadcastsResponse(t *testing.T) {
	_, srv := newTestServer(t)

	r, _, closeCh := openChannel(t, srv, "")
	defer closeCh()

	res, err := http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(`{"method":"echo","params":{"q":1},"id":"9"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}

	evt := readSSEEvent(t, r)
	var f frame
	if err := json.Unmarshal([]byte(evt.data), &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != "update" {
		t.Fatalf("expected the response pushed as an update frame, got %+v", f)
	}
}

func TestListConnections(t *testing.T) {
	tr, srv := newTestServer(t)

	_, id, closeCh := openChannel(t, srv, "")
	defer closeCh()
	waitForCount(t, tr, 1)

	res, err := http.Get(srv.URL + "/connections")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer res.Body.Close()
	var body struct {
		Connections []channelInfo `json:"connections"`
		Total       int           `json:"total"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || body.Connections[0].ConnectionID != id {
		t.Fatalf("unexpected listing: %+v", body)
	}
}

// fakeBinder records binding calls without a real session manager.
type fakeBinder struct {
	pool    *sessions.ConnectionPool
	missing bool
}

func (b *fakeBinder) AddConnectionToSession(ctx context.Context, sessionID string, tr sessions.TransportType, remoteAddr, userAgent string) (*sessions.Connection, error) {
	if b.missing {
		return nil, sessions.ErrSessionNotFound
	}
	conn := sessions.NewConnection("conn-"+sessionID, sessionID, tr, remoteAddr, userAgent)
	if err := b.pool.Add(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (b *fakeBinder) RemoveConnection(ctx context.Context, connID string) (*sessions.Connection, error) {
	return b.pool.Remove(connID), nil
}

func TestSessionBoundChannelLifecycle(t *testing.T) {
	pool := sessions.NewConnectionPool()
	binder := &fakeBinder{pool: pool}
	handler := sessions.NewConnectionHandler(pool, nil)
	tr, srv := newTestServer(t, WithSessionBinding(binder, handler))

	_, id, closeCh := openChannel(t, srv, "?session_id=s1")
	if id != "conn-s1" {
		t.Fatalf("channel should carry the pooled connection id, got %q", id)
	}
	waitForCount(t, tr, 1)

	conn, ok := pool.Get(id)
	if !ok {
		t.Fatal("bound channel must be registered in the shared pool")
	}
	if conn.State() != sessions.ConnectionConnected {
		t.Fatalf("bound channel should be marked connected, got %s", conn.State())
	}

	closeCh()
	waitForCount(t, tr, 0)
	deadline := time.After(2 * time.Second)
	for pool.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("pooled connection should be removed when the channel closes")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestErroredChannelKeepsErrorStateOnTeardown(t *testing.T) {
	pool := sessions.NewConnectionPool()
	binder := &fakeBinder{pool: pool}
	handler := sessions.NewConnectionHandler(pool, nil)
	tr, srv := newTestServer(t, WithSessionBinding(binder, handler))

	_, id, closeCh := openChannel(t, srv, "?session_id=s1")
	waitForCount(t, tr, 1)
	conn, ok := pool.Get(id)
	if !ok {
		t.Fatal("bound channel must be registered in the shared pool")
	}

	if !handler.HandleConnectionError(id, "stream write failed") {
		t.Fatal("marking a live connection errored should succeed")
	}

	closeCh()
	waitForCount(t, tr, 0)
	deadline := time.After(2 * time.Second)
	for pool.Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("pooled connection should be removed when the channel closes")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if conn.State() != sessions.ConnectionError {
		t.Fatalf("teardown must not overwrite the error state, got %s", conn.State())
	}
	if conn.ErrMessage() != "stream write failed" {
		t.Fatalf("expected error message preserved, got %q", conn.ErrMessage())
	}
}

func TestStopBeforeStartReportsNotRunning(t *testing.T) {
	tr, _ := newTestServer(t)

	if err := tr.Stop(context.Background()); !errors.Is(err, transport.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestSessionBindingFailureRejectsChannel(t *testing.T) {
	pool := sessions.NewConnectionPool()
	binder := &fakeBinder{pool: pool, missing: true}
	handler := sessions.NewConnectionHandler(pool, nil)
	_, srv := newTestServer(t, WithSessionBinding(binder, handler))

	res, err := http.Get(srv.URL + "/events?session_id=nope")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", res.StatusCode)
	}
}
