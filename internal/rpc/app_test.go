package rpc_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/postchain/postchain/internal/rpc"
)

const (
	success = "✓"
	failed  = "✗"
)

func Test_AppRoutesToTheRegisteredHandler(t *testing.T) {
	t.Log("Given an App with a single registered route.")
	{
		app := rpc.NewApp(nil)
		app.Handle(http.MethodGet, "v1", "/ping", func(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
			return rpc.Respond(ctx, w, map[string]string{"status": "ok"}, http.StatusOK)
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("\t%s\tShould respond 200 : got %d", failed, rec.Code)
		}
		t.Logf("\t%s\tShould respond 200.", success)

		if !strings.Contains(rec.Body.String(), `"ok"`) {
			t.Fatalf("\t%s\tShould carry the handler's body : got %q", failed, rec.Body.String())
		}
		t.Logf("\t%s\tShould carry the handler's body.", success)
	}
}

func Test_AppMiddlewareRunsOutermostFirst(t *testing.T) {
	t.Log("Given an App with two app-level middleware and one route-level middleware.")
	{
		var order []string
		record := func(name string) rpc.Middleware {
			return func(next rpc.Handler) rpc.Handler {
				return func(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
					order = append(order, name)
					return next(ctx, w, r)
				}
			}
		}

		app := rpc.NewApp(nil, record("app1"), record("app2"))
		app.Handle(http.MethodGet, "", "/order", func(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
			order = append(order, "handler")
			return rpc.Respond(ctx, w, nil, http.StatusNoContent)
		}, record("route"))

		req := httptest.NewRequest(http.MethodGet, "/order", nil)
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, req)

		got := strings.Join(order, ",")
		want := "app1,app2,route,handler"
		if got != want {
			t.Fatalf("\t%s\tShould run app middleware outermost, then route middleware, then the handler : got %q want %q", failed, got, want)
		}
		t.Logf("\t%s\tShould run app middleware outermost, then route middleware, then the handler.", success)
	}
}

func Test_ParamExtractsPathParameters(t *testing.T) {
	t.Log("Given a route with a named path parameter.")
	{
		app := rpc.NewApp(nil)
		var got string
		app.Handle(http.MethodGet, "v1", "/blocks/:id", func(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
			got = rpc.Param(r, "id")
			return rpc.Respond(ctx, w, nil, http.StatusNoContent)
		})

		req := httptest.NewRequest(http.MethodGet, "/v1/blocks/42", nil)
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, req)

		if got != "42" {
			t.Fatalf("\t%s\tShould extract the :id parameter : got %q", failed, got)
		}
		t.Logf("\t%s\tShould extract the :id parameter.", success)
	}
}

func Test_ErrorsMiddlewareTranslatesValidationError(t *testing.T) {
	t.Log("Given an App with the Errors middleware and a handler that returns a ValidationError.")
	{
		log := zap.NewNop().Sugar()
		app := rpc.NewApp(nil, rpc.Errors(log))
		app.Handle(http.MethodGet, "", "/fail", func(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
			return &rpc.ValidationError{Fields: map[string]string{"body": "required"}}
		})

		req := httptest.NewRequest(http.MethodGet, "/fail", nil)
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("\t%s\tShould respond 400 for a ValidationError : got %d", failed, rec.Code)
		}
		t.Logf("\t%s\tShould respond 400 for a ValidationError.", success)

		if !strings.Contains(rec.Body.String(), "body") {
			t.Fatalf("\t%s\tShould carry the field error in the response body : got %q", failed, rec.Body.String())
		}
		t.Logf("\t%s\tShould carry the field error in the response body.", success)
	}
}

func Test_ErrorsMiddlewareTranslatesNotFoundError(t *testing.T) {
	t.Log("Given an App with the Errors middleware and a handler that returns a NotFoundError.")
	{
		log := zap.NewNop().Sugar()
		app := rpc.NewApp(nil, rpc.Errors(log))
		app.Handle(http.MethodGet, "", "/missing", func(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
			return &rpc.NotFoundError{Resource: "block"}
		})

		req := httptest.NewRequest(http.MethodGet, "/missing", nil)
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("\t%s\tShould respond 404 for a NotFoundError : got %d", failed, rec.Code)
		}
		t.Logf("\t%s\tShould respond 404 for a NotFoundError.", success)
	}
}

func Test_PanicsMiddlewareRecoversAndErrorsRespond(t *testing.T) {
	t.Log("Given an App chaining Errors ahead of Panics and a handler that panics.")
	{
		log := zap.NewNop().Sugar()
		app := rpc.NewApp(nil, rpc.Errors(log), rpc.Panics())
		app.Handle(http.MethodGet, "", "/boom", func(ctx rpc.Ctx, w http.ResponseWriter, r *http.Request) error {
			panic("kaboom")
		})

		req := httptest.NewRequest(http.MethodGet, "/boom", nil)
		rec := httptest.NewRecorder()

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("\t%s\tShould not let a handler panic escape ServeHTTP : %v", failed, r)
				}
			}()
			app.ServeHTTP(rec, req)
		}()

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("\t%s\tShould respond 500 for a recovered panic : got %d", failed, rec.Code)
		}
		t.Logf("\t%s\tShould respond 500 for a recovered panic.", success)
	}
}

func Test_DecodeValidatesRequiredFields(t *testing.T) {
	t.Log("Given a request body missing a required field.")
	{
		type req struct {
			Kind string `json:"kind" validate:"required"`
		}

		r := httptest.NewRequest(http.MethodPost, "/v1/transactions", strings.NewReader(`{}`))
		var v req
		err := rpc.Decode(r, &v)
		if err == nil {
			t.Fatalf("\t%s\tShould reject a body missing a required field", failed)
		}
		t.Logf("\t%s\tShould reject a body missing a required field.", success)

		var verr *rpc.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("\t%s\tShould return a *ValidationError : got %T", failed, err)
		}
		t.Logf("\t%s\tShould return a *ValidationError.", success)
	}
}

func Test_DecodeRejectsMalformedJSON(t *testing.T) {
	t.Log("Given a request body that is not valid JSON.")
	{
		r := httptest.NewRequest(http.MethodPost, "/v1/transactions", strings.NewReader(`{not json`))
		var v map[string]any
		err := rpc.Decode(r, &v)
		if err == nil {
			t.Fatalf("\t%s\tShould reject malformed JSON", failed)
		}
		t.Logf("\t%s\tShould reject malformed JSON.", success)
	}
}
