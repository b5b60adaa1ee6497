package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate
	trans    ut.Translator
)

func init() {
	validate = validator.New()

	english := en.New()
	uni := ut.New(english, english)
	trans, _ = uni.GetTranslator("en")
}

// Decode reads the request body into v as JSON and runs struct-tag
// validation (go-playground/validator) against it, translating every
// failing field's rule into a user-facing message keyed by field name.
func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedBody, err)
	}

	if err := validate.Struct(v); err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Translate(trans)
		}
		return &ValidationError{Fields: fields}
	}

	return nil
}

// Respond writes v as a JSON response with the given status code, and
// records the status on the request's Values for the Logger middleware.
func Respond(ctx context.Context, w http.ResponseWriter, v any, statusCode int) error {
	if vals, err := GetValues(ctx); err == nil {
		vals.StatusCode = statusCode
	}

	if statusCode == http.StatusNoContent {
		w.WriteHeader(statusCode)
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		return err
	}
	return nil
}
