// Package rpc implements the node's external interface: submit_transaction,
// get_block, get_transaction, get_account, get_latest_block, get_mempool,
// get_merkle_proof, get_state_proof, a tip-changed subscription feed, and a
// Prometheus metrics endpoint, over HTTP and a websocket upgrade.
package rpc

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/dimfeld/httptreemux/v5"
	"github.com/google/uuid"
)

// Ctx is a convenience alias so handler packages need not import
// "context" solely to spell out Handler's first parameter type.
type Ctx = context.Context

// Handler is the signature every route handler and middleware wraps,
// mirroring the teacher's foundation/web package: handlers return an
// error instead of writing failure responses directly, so a single
// Errors middleware can translate every failure into a response body.
type Handler func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

// Middleware wraps a Handler to produce another Handler.
type Middleware func(Handler) Handler

// Values carries per-request bookkeeping through the context, threaded in
// by the App's root handler before any middleware runs.
type Values struct {
	TraceID    string
	Now        time.Time
	StatusCode int
}

type ctxKey int

const valuesKey ctxKey = 1

// GetValues retrieves the Values populated for the in-flight request.
func GetValues(ctx context.Context) (*Values, error) {
	v, ok := ctx.Value(valuesKey).(*Values)
	if !ok {
		return nil, errShutdown("web value missing from context")
	}
	return v, nil
}

type errShutdown string

func (e errShutdown) Error() string { return string(e) }

// App wraps an httptreemux router with a middleware chain applied to
// every registered route, plus the shutdown channel routes can request an
// integrity-threatening failure trigger.
type App struct {
	mux      *httptreemux.ContextMux
	mw       []Middleware
	Shutdown chan os.Signal
}

// NewApp constructs an App. mw is applied to every handler registered via
// Handle, outermost first, matching the teacher's web.NewApp ordering.
func NewApp(shutdown chan os.Signal, mw ...Middleware) *App {
	return &App{
		mux:      httptreemux.NewContextMux(),
		mw:       mw,
		Shutdown: shutdown,
	}
}

// Handle registers a route. Route-specific middleware runs innermost,
// closest to h, ahead of the App's own chain.
func (a *App) Handle(method, group, path string, h Handler, mw ...Middleware) {
	h = wrapMiddleware(mw, h)
	h = wrapMiddleware(a.mw, h)

	full := path
	if group != "" {
		full = "/" + group + path
	}

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		v := Values{TraceID: uuid.NewString(), Now: time.Now()}
		ctx = context.WithValue(ctx, valuesKey, &v)

		if err := h(ctx, w, r); err != nil {
			// Errors middleware is expected ahead of every handler; a
			// failure reaching here means the chain itself is broken.
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}

	a.mux.Handle(method, full, handler)
}

func wrapMiddleware(mw []Middleware, handler Handler) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] != nil {
			handler = mw[i](handler)
		}
	}
	return handler
}

// ServeHTTP satisfies http.Handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// Param extracts a named path parameter, the httptreemux equivalent of
// the teacher's web.Param helper.
func Param(r *http.Request, name string) string {
	return httptreemux.ContextParams(r.Context())[name]
}
