package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/searchwire/searchwire/internal/rpc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func echoHandler(ctx context.Context, params json.RawMessage) (any, error) {
	var v any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewHandlerRegistry()

	if err := reg.Register("echo", echoHandler); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register("echo", echoHandler)
	if !errors.Is(err, ErrHandlerExists) {
		t.Fatalf("expected ErrHandlerExists, got %v", err)
	}
}

func TestRegistryValidation(t *testing.T) {
	reg := NewHandlerRegistry()

	if err := reg.Register("", echoHandler); err == nil {
		t.Fatal("empty method name must be rejected")
	}
	if err := reg.Register("m", nil); err == nil {
		t.Fatal("nil handler must be rejected")
	}
}

func TestRegistryMethodsSortedWithSchema(t *testing.T) {
	type params struct {
		Query string `json:"query"`
	}
	reg := NewHandlerRegistry()
	if err := reg.Register("zeta", echoHandler); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("alpha", echoHandler, WithInputType(params{})); err != nil {
		t.Fatal(err)
	}

	methods := reg.Methods()
	if len(methods) != 2 || methods[0].Name != "alpha" || methods[1].Name != "zeta" {
		t.Fatalf("expected sorted methods, got %+v", methods)
	}
	if methods[0].Schema == nil {
		t.Fatal("expected reflected schema on alpha")
	}
	if methods[1].Schema != nil {
		t.Fatal("expected no schema on zeta")
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	res := Dispatch(context.Background(), NewHandlerRegistry(), discardLogger(), "test", &rpc.Call{Method: "nope", ID: "1"})
	if res.Error == nil || res.Error.Code != rpc.CodeNotFound {
		t.Fatalf("expected not_found, got %+v", res)
	}
	if !strings.HasPrefix(res.Error.Message, ErrMethodNotFound.Error()) {
		t.Fatalf("expected message built from ErrMethodNotFound, got %q", res.Error.Message)
	}
	if res.ID != "1" {
		t.Fatalf("response must echo the call id, got %q", res.ID)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	reg := NewHandlerRegistry()
	if err := reg.Register("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("backend down")
	}); err != nil {
		t.Fatal(err)
	}

	res := Dispatch(context.Background(), reg, discardLogger(), "test", &rpc.Call{Method: "boom"})
	if res.Error == nil || res.Error.Code != rpc.CodeHandlerError {
		t.Fatalf("expected handler_error, got %+v", res)
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	reg := NewHandlerRegistry()
	if err := reg.Register("panic", func(ctx context.Context, params json.RawMessage) (any, error) {
		panic("handler bug")
	}); err != nil {
		t.Fatal(err)
	}

	res := Dispatch(context.Background(), reg, discardLogger(), "test", &rpc.Call{Method: "panic"})
	if res.Error == nil || res.Error.Code != rpc.CodeHandlerError {
		t.Fatalf("panic must surface as handler_error, got %+v", res)
	}
}

func TestDispatchSuccess(t *testing.T) {
	reg := NewHandlerRegistry()
	if err := reg.Register("echo", echoHandler); err != nil {
		t.Fatal(err)
	}

	res := Dispatch(context.Background(), reg, discardLogger(), "test", &rpc.Call{Method: "echo", Params: json.RawMessage(`{"a":1}`), ID: "7"})
	if res.Error != nil {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
	if res.ID != "7" {
		t.Fatalf("response must echo the call id, got %q", res.ID)
	}
	m, ok := res.Result.(map[string]any)
	if !ok || m["a"] != float64(1) {
		t.Fatalf("unexpected result: %#v", res.Result)
	}
}

func TestFrameTerminal(t *testing.T) {
	for _, tc := range []struct {
		ft       FrameType
		terminal bool
	}{
		{FrameConnected, false},
		{FrameUpdate, false},
		{FrameKeepalive, false},
		{FrameResponse, true},
		{FrameError, true},
		{FrameClose, true},
	} {
		if got := (Frame{Type: tc.ft}).Terminal(); got != tc.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tc.ft, got, tc.terminal)
		}
	}
}
