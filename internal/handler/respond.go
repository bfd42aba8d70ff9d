// Package handler holds the HTTP endpoints outside the campaign resource and
// the response helpers shared by every endpoint.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/unclebandit/outreach-orchestrator/internal/errors"
)

const maxBodyBytes = 1 << 20

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to its kind's status code and the error envelope.
func WriteError(w http.ResponseWriter, err error) {
	kind := appErrors.KindOf(err)
	msg := err.Error()
	if kind == appErrors.KindInternal {
		msg = "internal error"
	}
	WriteJSON(w, appErrors.HTTPStatus(kind), ErrorBody{Error: ErrorDetail{Code: string(kind), Message: msg}})
}

// DecodeJSON reads a bounded JSON body into dst and validates it.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return appErrors.Errorf(appErrors.KindInvalidInput, "decode", "request body is empty")
		}
		return appErrors.Errorf(appErrors.KindInvalidInput, "decode", "invalid JSON: %v", err)
	}
	if v == nil {
		return nil
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, validationMessage(fe))
			}
			return appErrors.Errorf(appErrors.KindInvalidInput, "validate", "%s", strings.Join(msgs, "; "))
		}
		return appErrors.E(appErrors.KindInvalidInput, "validate", err)
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s", field, fe.Tag())
}
