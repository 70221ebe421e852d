package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/mkarlsen/skadi/internal/domain"
	"github.com/mkarlsen/skadi/internal/middleware"
	"github.com/mkarlsen/skadi/internal/telemetry"
)

// validate is the shared request validator. Struct tags on request types
// and domain.Address drive it.
var validate = validator.New(validator.WithRequiredStructEnabled())

// RespondJSON writes v as a JSON response with the given status.
func RespondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// DecodeJSON decodes the request body into dst and runs struct validation.
// Unknown fields are rejected so client typos surface as 400s instead of
// silently dropped input.
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.Invalid("handler.DecodeJSON", "Request body is not valid JSON: "+err.Error())
	}
	if err := validate.Struct(dst); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			return domain.Invalid("handler.DecodeJSON", "Invalid field: "+fields[0].Namespace())
		}
		return domain.Invalid("handler.DecodeJSON", "Request validation failed")
	}
	return nil
}

// ErrorResponse writes a structured JSON error. Validation failures carry
// their issue list so clients can correct the cart and re-run calculate.
func ErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		RespondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": map[string]string{
				"code":    domain.EINVALID,
				"message": "Cart validation failed",
			},
			"issues": vErr.Result.Issues,
		})
		return
	}

	code := domain.ErrorCode(err)
	message := domain.ErrorMessage(err)
	status := errorCodeToHTTPStatus(code)

	logger := middleware.GetLogger(r.Context())
	attrs := []any{
		"error", err.Error(),
		"code", code,
		"status", status,
	}
	if status >= 500 {
		logger.Error("request failed", attrs...)
		telemetry.CaptureError(r.Context(), err)
	} else {
		logger.Info("request rejected", attrs...)
	}

	RespondJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// errorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func errorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest // 400
	case domain.EPAYMENT:
		return http.StatusPaymentRequired // 402
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	case domain.ECONFLICT:
		return http.StatusConflict // 409
	case domain.EINTERNAL:
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// loggerOr returns the request-scoped logger, falling back to the handler's
// own when the middleware did not run (tests hit handlers directly).
func loggerOr(r *http.Request, fallback *slog.Logger) *slog.Logger {
	return middleware.GetLogger(r.Context(), fallback)
}
