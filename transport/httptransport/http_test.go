package httptransport

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

	"github.com/searchwire/searchwire/internal/rpc"
	"github.com/searchwire/searchwire/transport"
)

func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr := New(cfg)
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
	return tr
}

func postJSON(tr *Transport, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	tr.mux.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) *rpc.Response {
	t.Helper()
	var res rpc.Response
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &res
}

func TestCallRoundTrip(t *testing.T) {
	tr := newTestTransport(t, Config{})

	rec := postJSON(tr, "/mcp", `{"method":"echo","params":{"q":"hello"},"id":"42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	res := decodeResponse(t, rec)
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if res.ID != "42" {
		t.Fatalf("response must echo the call id, got %q", res.ID)
	}
	m, ok := res.Result.(map[string]any)
	if !ok || m["q"] != "hello" {
		t.Fatalf("unexpected result: %#v", res.Result)
	}
}

func TestUnknownMethodDoesNotPoisonLaterCalls(t *testing.T) {
	tr := newTestTransport(t, Config{})

	rec := postJSON(tr, "/mcp", `{"method":"no_such_method"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	res := decodeResponse(t, rec)
	if res.Error == nil || res.Error.Code != rpc.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", res)
	}

	rec = postJSON(tr, "/mcp", `{"method":"echo","params":"still works"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("later call should succeed, got %d", rec.Code)
	}
}

func TestPayloadTooLargeRejectedBeforeDispatch(t *testing.T) {
	tr := newTestTransport(t, Config{MaxBodyBytes: 64})

	big := `{"method":"echo","params":"` + strings.Repeat("x", 128) + `"}`
	rec := postJSON(tr, "/mcp", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	res := decodeResponse(t, rec)
	if res.Error == nil || res.Error.Code != rpc.CodePayloadTooLarge {
		t.Fatalf("expected payload_too_large, got %+v", res)
	}
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	tr := newTestTransport(t, Config{})

	for _, body := range []string{`{not json`, `{"params":{}}`} {
		rec := postJSON(tr, "/mcp", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, rec.Code)
		}
		res := decodeResponse(t, rec)
		if res.Error == nil || res.Error.Code != rpc.CodeMalformedRequest {
			t.Fatalf("expected malformed_request, got %+v", res)
		}
		if !strings.HasPrefix(res.Error.Message, transport.ErrMalformedRequest.Error()) {
			t.Fatalf("expected message built from ErrMalformedRequest, got %q", res.Error.Message)
		}
	}
}

func TestStopWithoutStartReportsNotRunning(t *testing.T) {
	tr := newTestTransport(t, Config{})

	if err := tr.Stop(context.Background()); !errors.Is(err, transport.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	tr := newTestTransport(t, Config{})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"method":"echo"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	tr.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestCapabilitiesListsMethods(t *testing.T) {
	tr := newTestTransport(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/mcp/capabilities", nil)
	rec := httptest.NewRecorder()
	tr.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Methods []transport.MethodInfo `json:"methods"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Methods) != 1 || body.Methods[0].Name != "echo" {
		t.Fatalf("unexpected methods: %+v", body.Methods)
	}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	event string
	data  string
}

// readSSEEvent reads one event off the stream, skipping comments.
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

func TestStreamSubmitAndPull(t *testing.T) {
	tr := newTestTransport(t, Config{KeepaliveInterval: time.Minute})
	srv := httptest.NewServer(tr.withRequestData(tr.mux))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/mcp/stream", "application/json", strings.NewReader(`{"method":"echo","params":{"n":7},"id":"s1"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", res.StatusCode)
	}
	var ack struct {
		StreamID  string `json:"stream_id"`
		StreamURL string `json:"stream_url"`
		Status    string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.StreamID == "" || ack.Status != "processing" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	pull, err := http.Get(srv.URL + ack.StreamURL)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	defer pull.Body.Close()
	if got := pull.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", got)
	}

	reader := bufio.NewReader(pull.Body)
	evt := readSSEEvent(t, reader)
	if evt.event != "message" {
		t.Fatalf("expected message event, got %q", evt.event)
	}
	var frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(evt.data), &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "response" || frame.Data["n"] != float64(7) {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	// The terminal frame tears the stream down and forgets the id.
	deadline := time.After(2 * time.Second)
	for tr.ActiveStreamCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("stream registration should be discarded after the terminal frame")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if res, err := http.Get(srv.URL + ack.StreamURL); err == nil {
		defer res.Body.Close()
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("re-pull of a finished stream should 404, got %d", res.StatusCode)
		}
	}
}

func TestStreamPullUnknownID(t *testing.T) {
	tr := newTestTransport(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/mcp/stream/nope", nil)
	rec := httptest.NewRecorder()
	tr.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSendToConnectionDeliversUpdateFrame(t *testing.T) {
	tr := newTestTransport(t, Config{KeepaliveInterval: time.Minute})
	if err := tr.RegisterHandler("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return "done", nil
	}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(tr.withRequestData(tr.mux))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/mcp/stream", "application/json", strings.NewReader(`{"method":"slow"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	var ack struct {
		StreamID  string `json:"stream_id"`
		StreamURL string `json:"stream_url"`
	}
	if err := json.NewDecoder(res.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	res.Body.Close()

	if err := tr.SendToConnection(context.Background(), ack.StreamID, map[string]string{"progress": "half"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Unknown stream ids are benign.
	if err := tr.SendToConnection(context.Background(), "gone", nil); err != nil {
		t.Fatalf("send to unknown id should be nil, got %v", err)
	}

	pull, err := http.Get(srv.URL + ack.StreamURL)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	defer pull.Body.Close()
	reader := bufio.NewReader(pull.Body)

	first := readSSEEvent(t, reader)
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(first.data), &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "update" {
		t.Fatalf("expected the queued update first, got %q", frame.Type)
	}

	second := readSSEEvent(t, reader)
	if err := json.Unmarshal([]byte(second.data), &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "response" {
		t.Fatalf("expected terminal response, got %q", frame.Type)
	}
}
