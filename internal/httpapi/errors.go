package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/audit"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/blood"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/store/pg"
)

// handleEngineError maps engine sentinels to status codes.
func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, blood.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, blood.ErrPermission):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, blood.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, blood.ErrInsufficientStock):
		payload := errorPayload(r, err.Error())
		payload["shortfall_ml"] = blood.Shortfall(err)
		writeJSON(w, http.StatusConflict, payload)
	case errors.Is(err, blood.ErrInvalidState), errors.Is(err, blood.ErrReservationExpired):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, pg.ErrConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, blood.ErrInvariantViolation):
		obs.Logger().Error().Err(err).Str("path", r.URL.Path).Msg("invariant violation")
		writeError(w, r, http.StatusInternalServerError, "ledger integrity failure")
	default:
		obs.Logger().Error().Err(err).Str("path", r.URL.Path).Msg("unhandled engine error")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func errorPayload(r *http.Request, msg string) map[string]any {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	return payload
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorPayload(r, msg))
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bind decodes and validates the body, writing a 400 on failure.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if !errors.As(err, &ve) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return false
		}
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, fieldError(fe))
		}
		writeError(w, r, http.StatusBadRequest, strings.Join(msgs, "; "))
		return false
	}
	return true
}

func fieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email"
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation (%s)", field, fe.Tag())
	}
}
