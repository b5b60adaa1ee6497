package rpc

import (
	"errors"
	"net/http"

	"github.com/postchain/postchain/internal/blockchain/errs"
)

// ErrMalformedBody is returned by Decode when the request body is not
// valid JSON.
var ErrMalformedBody = errors.New("rpc: malformed request body")

// ValidationError reports the go-playground/validator field failures for
// a decoded request, translated to English messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return "rpc: request validation failed"
}

// NotFoundError marks a lookup (by height, hash, or public key) that
// found nothing, distinct from a malformed request.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return "rpc: " + e.Resource + " not found"
}

// Response is the JSON shape every failed request receives.
type Response struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// statusAndBody maps any error a handler returns to the HTTP status code
// and response body the Errors middleware writes back to the client.
// errs.Kind values surface the categorical reasons spec.md defines for
// submit_transaction and the other RPC operations; everything else is an
// unexpected internal failure.
func statusAndBody(err error) (int, Response) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, Response{Error: "validation failed", Fields: verr.Fields}
	}

	var nferr *NotFoundError
	if errors.As(err, &nferr) {
		return http.StatusNotFound, Response{Error: nferr.Error()}
	}

	if errors.Is(err, ErrMalformedBody) {
		return http.StatusBadRequest, Response{Error: err.Error()}
	}

	if kind, ok := errs.As(err); ok {
		return statusForKind(kind), Response{Error: string(kind), Fields: map[string]string{"detail": err.Error()}}
	}

	return http.StatusInternalServerError, Response{Error: "internal error"}
}

// statusForKind maps each categorical validation failure to an HTTP
// status, per spec.md §7's error kinds: client-caused kinds are 400,
// protocol-internal kinds (consensus/reorg/peer bookkeeping) are 500,
// since an RPC client submitting a transaction can never trigger them.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.MalformedEncoding,
		errs.InvalidSignature,
		errs.NonceStale,
		errs.NonceFutureGap,
		errs.InsufficientBalance,
		errs.FeeBelowMinimum,
		errs.ReferenceNotFound,
		errs.ReferenceWrongKind,
		errs.LimitExceeded:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
