// Package router maps inbound method names to capability handlers and
// normalizes every outcome into a uniform response envelope.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tabbridge/tabbridge/internal/wire"
)

// HandlerFunc executes one method's platform-level work. The returned
// value must be JSON-serializable.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Router holds the static dispatch table. It carries no connection
// state; any state a handler needs lives in that handler's component.
type Router struct {
	handlers map[string]HandlerFunc
	order    []string
	logger   *slog.Logger
}

// New returns an empty router.
func New() *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   slog.Default().With("component", "router"),
	}
}

// Register adds a handler for a method name. Registering the same name
// twice is a programming error and panics at startup.
func (r *Router) Register(method string, fn HandlerFunc) {
	if _, ok := r.handlers[method]; ok {
		panic(fmt.Sprintf("router: method %q registered twice", method))
	}
	r.handlers[method] = fn
	r.order = append(r.order, method)
}

// Capabilities returns the advertised method catalog in registration
// order. Every name here dispatches; nothing dispatches without being
// listed.
func (r *Router) Capabilities() []string {
	caps := make([]string, len(r.order))
	copy(caps, r.order)
	return caps
}

// Dispatch executes one request and always produces a response envelope.
// Handler failures and panics are contained here; one request's failure
// never affects another in flight.
func (r *Router) Dispatch(ctx context.Context, req *wire.Request) wire.Response {
	fn, ok := r.handlers[req.Method]
	if !ok {
		return wire.Response{ID: req.ID, OK: false, Error: fmt.Sprintf("Unknown method: %s", req.Method)}
	}

	result, err := r.invoke(ctx, fn, req)
	if err != nil {
		r.logger.Warn("handler failed", "method", req.Method, "id", req.ID, "error", err)
		return wire.ErrResponse(req.ID, err)
	}
	return wire.OKResponse(req.ID, result)
}

func (r *Router) invoke(ctx context.Context, fn HandlerFunc, req *wire.Request) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return fn(ctx, req.Params)
}
