package logctx

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerEnrichesFromContext(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Transport: "http", Path: "/mcp"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1", UserID: "u1", State: "active"})
	ctx = WithCallData(ctx, &CallData{Method: "web_search", ID: "c1"})

	log.InfoContext(ctx, "call.handler.ok")

	out := buf.String()
	for _, want := range []string{`"req"`, `"r1"`, `"sess"`, `"u1"`, `"call"`, `"web_search"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestHandlerPassesThroughWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	log.Info("plain.event")

	out := buf.String()
	if strings.Contains(out, `"req"`) || strings.Contains(out, `"sess"`) || strings.Contains(out, `"call"`) {
		t.Fatalf("unexpected enrichment without context data: %s", out)
	}
	if !strings.Contains(out, "plain.event") {
		t.Fatalf("record lost: %s", out)
	}
}
