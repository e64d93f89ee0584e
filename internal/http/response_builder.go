package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"squirrel/internal/core"
	"squirrel/internal/log"
	"squirrel/internal/services"
	"squirrel/internal/store"
)

// ResponseBuilder assembles a JSON response.
type ResponseBuilder struct {
	statusCode int
	headers    map[string]string
	payload    any
}

func NewResponse() *ResponseBuilder {
	return &ResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

func (b *ResponseBuilder) Status(code int) *ResponseBuilder {
	b.statusCode = code
	return b
}

func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.headers[name] = value
	return b
}

// JSON sets the value encoded as the body.
func (b *ResponseBuilder) JSON(v any) *ResponseBuilder {
	b.payload = v
	return b
}

// Write sends the response. A nil payload writes no body.
func (b *ResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.payload == nil {
		w.WriteHeader(b.statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.payload)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

// ErrorResponse builds an error response with a stable machine code.
func ErrorResponse(statusCode int, code, message string) *ResponseBuilder {
	return NewResponse().Status(statusCode).JSON(ErrorBody{Error: message, Code: code})
}

// ErrorFor maps a service error to its response. Infrastructure details
// stay in the logs; the client gets the category and what to do next.
func ErrorFor(err error) *ResponseBuilder {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		return NewResponse().Status(http.StatusUnprocessableEntity).
			JSON(ErrorBody{Error: verr.Error(), Code: "invalid_entry", Field: verr.Field})
	case errors.Is(err, services.ErrNoIdentity):
		return ErrorResponse(http.StatusUnauthorized, "no_identity", "sign in first")
	case errors.Is(err, store.ErrConflict):
		return ErrorResponse(http.StatusConflict, "conflict", "the balance kept changing, try again")
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, store.ErrSubscriptionLost), errors.Is(err, services.ErrAggregatorClosed):
		return ErrorResponse(http.StatusServiceUnavailable, "unavailable", "the ledger is unavailable, nothing was applied").
			Header("Retry-After", "5")
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorResponse(http.StatusGatewayTimeout, "timeout", "the ledger did not answer in time")
	default:
		return ErrorResponse(http.StatusInternalServerError, "internal", "internal error")
	}
}

func BadRequestError(message string) *ResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, "bad_request", message)
}

func UnauthorizedError() *ResponseBuilder {
	return ErrorResponse(http.StatusUnauthorized, "no_identity", "missing "+HeaderUserID+" header")
}

func TooManyRequestsError() *ResponseBuilder {
	return ErrorResponse(http.StatusTooManyRequests, "rate_limited", "too many entries, slow down")
}

func errorType(err error) string {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		return log.ErrorTypeValidation
	case errors.Is(err, store.ErrConflict):
		return log.ErrorTypeConflict
	case errors.Is(err, store.ErrSubscriptionLost):
		return log.ErrorTypeSubscription
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return log.ErrorTypeUnavailable
	default:
		return log.ErrorTypeInternal
	}
}
