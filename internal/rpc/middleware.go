package rpc

import (
	"context"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/postchain/postchain/internal/blockchain/metrics"
)

// Logger logs the start and completion of every request, grounded on the
// teacher's mid.Logger convention of logging against the request's
// TraceID rather than a bare message.
func Logger(log *zap.SugaredLogger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			v, err := GetValues(ctx)
			if err != nil {
				return err
			}

			log.Infow("request started", "traceid", v.TraceID, "method", r.Method, "path", r.URL.Path, "remoteaddr", r.RemoteAddr)

			err = next(ctx, w, r)

			log.Infow("request completed", "traceid", v.TraceID, "method", r.Method, "path", r.URL.Path, "statuscode", v.StatusCode)

			return err
		}
	}
}

// Errors translates a handler's returned error into a JSON response body
// and status code, matching the teacher's mid.Errors convention of
// keeping handler bodies free of direct error-response writing.
func Errors(log *zap.SugaredLogger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			if err := next(ctx, w, r); err != nil {
				v, verr := GetValues(ctx)
				traceID := "unknown"
				if verr == nil {
					traceID = v.TraceID
				}
				log.Errorw("request error", "traceid", traceID, "ERROR", err)

				status, body := statusAndBody(err)
				if verr == nil {
					v.StatusCode = status
				}
				return Respond(ctx, w, body, status)
			}
			return nil
		}
	}
}

// Panics recovers any panic escaping a handler, converting it into an
// error the Errors middleware (ahead of this one in the chain) can
// respond to, instead of crashing the process on a single bad request.
func Panics() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request) (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = &panicError{value: rec, stack: debug.Stack()}
				}
			}()
			return next(ctx, w, r)
		}
	}
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return "rpc: panic recovered"
}

// Cors sets the response headers needed for cross-origin requests from a
// browser-based client, identical in shape to the teacher's
// business/web/mid.Cors middleware.
func Cors(origin string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Origin, Accept, Content-Type, Content-Length, Accept-Encoding")
			return next(ctx, w, r)
		}
	}
}

// Metrics records one request per call against m, nil-safe so it can be
// wired before a Metrics instance is configured.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			err := next(ctx, w, r)
			m.RecordRPCRequest(r.URL.Path)
			return err
		}
	}
}
