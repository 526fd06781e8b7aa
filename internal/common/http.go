package common

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

const maxRequestBody = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeJSON reads and validates a JSON request body into dst. Validation
// runs the struct tags understood by go-playground/validator; failures are
// returned as a VALIDATION AppError carrying the offending fields.
func DecodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return NewAppError(CodeValidation, "unable to read request body", http.StatusBadRequest, err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return NewAppError(CodeValidation, "request body is required", http.StatusBadRequest, nil)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return NewAppError(CodeValidation, "malformed JSON body", http.StatusBadRequest, err)
	}
	if err := validate.Struct(dst); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			return NewAppError(CodeValidation, "invalid request payload", http.StatusBadRequest, err)
		}
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return &AppError{
			Code:       CodeValidation,
			Message:    "invalid request payload",
			HTTPStatus: http.StatusBadRequest,
			Err:        err,
			Details:    fields,
		}
	}
	return nil
}

// ClientIP attempts to determine the real client IP address from the request.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		parts := strings.Split(ip, ",")
		if len(parts) > 0 {
			candidate := strings.TrimSpace(parts[0])
			if candidate != "" {
				return candidate
			}
		}
		return strings.TrimSpace(ip)
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
