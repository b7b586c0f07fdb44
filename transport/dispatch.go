package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/searchwire/searchwire/internal/logctx"
	"github.com/searchwire/searchwire/internal/metrics"
	"github.com/searchwire/searchwire/internal/rpc"
)

// Dispatch resolves and invokes the handler for an already-parsed call,
// converting every failure mode into a structured response. Handler panics
// are recovered here so one bad handler cannot take down an accept loop.
func Dispatch(ctx context.Context, reg *HandlerRegistry, log *slog.Logger, transportName string, call *rpc.Call) *rpc.Response {
	ctx = logctx.WithCallData(ctx, &logctx.CallData{Method: call.Method, ID: call.ID})
	metrics.RequestsHandled.WithLabelValues(transportName, call.Method).Inc()

	h, ok := reg.Lookup(call.Method)
	if !ok {
		log.InfoContext(ctx, "call.method.miss")
		return rpc.NewErrorResponse(call.ID, rpc.CodeNotFound, fmt.Errorf("%w: %s", ErrMethodNotFound, call.Method).Error())
	}

	result, err := invoke(ctx, h, call)
	if err != nil {
		herr := &HandlerError{Method: call.Method, Err: err}
		metrics.HandlerErrors.WithLabelValues(transportName, call.Method).Inc()
		log.ErrorContext(ctx, "call.handler.fail", slog.String("err", herr.Error()))
		return rpc.NewErrorResponse(call.ID, rpc.CodeHandlerError, herr.Error())
	}

	log.InfoContext(ctx, "call.handler.ok")
	return rpc.NewResultResponse(call.ID, result)
}

func invoke(ctx context.Context, h Handler, call *rpc.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, call.Params)
}
