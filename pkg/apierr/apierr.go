// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not handled here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// Kind is the gateway-level error taxonomy (spec.md §7).
type Kind string

const (
	KindInvalidCredentials  Kind = "invalid_credentials"
	KindAccessDenied        Kind = "access_denied"
	KindNotFound            Kind = "not_found"
	KindRateLimited         Kind = "rate_limited"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindValidationError     Kind = "validation_error"
	KindProviderError       Kind = "provider_error"
	KindNoHealthyDeployment Kind = "no_healthy_deployment"
	KindInternalError       Kind = "internal_error"
)

var kindStatus = map[Kind]int{
	KindInvalidCredentials:  fasthttp.StatusUnauthorized,
	KindAccessDenied:        fasthttp.StatusForbidden,
	KindNotFound:            fasthttp.StatusNotFound,
	KindRateLimited:         fasthttp.StatusTooManyRequests,
	KindBudgetExceeded:      fasthttp.StatusTooManyRequests,
	KindValidationError:     fasthttp.StatusBadRequest,
	KindProviderError:       fasthttp.StatusBadGateway,
	KindNoHealthyDeployment: fasthttp.StatusServiceUnavailable,
	KindInternalError:       fasthttp.StatusInternalServerError,
}

// HTTPStatus returns the wire status for a Kind, per spec.md §7's table.
func (k Kind) HTTPStatus() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

// GatewayError is a Kind-tagged error carrying optional structured details
// (e.g. retry_after for rate_limited) rendered into the response envelope.
type GatewayError struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *GatewayError) Error() string { return e.Message }

// HTTPStatus implements the StatusCoder-style contract used throughout the
// provider layer so generic handling code never type-switches on concrete
// error types.
func (e *GatewayError) HTTPStatus() int { return e.Kind.HTTPStatus() }

// New constructs a GatewayError.
func New(kind Kind, message string, details map[string]any) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Details: details}
}

// WriteGatewayError renders a GatewayError to the fasthttp response using the
// uniform {error:{message,type,code,...details}} envelope spec.md §7 requires.
func WriteGatewayError(ctx *fasthttp.RequestCtx, err *GatewayError) {
	ctx.SetStatusCode(err.Kind.HTTPStatus())
	ctx.SetContentType("application/json")

	body := map[string]any{
		"message": err.Message,
		"type":    string(err.Kind),
		"code":    string(err.Kind),
	}
	for k, v := range err.Details {
		body[k] = v
	}
	if retryAfter, ok := err.Details["retry_after"]; ok {
		if secs, ok := retryAfter.(int); ok {
			ctx.Response.Header.Set("Retry-After", strconv.Itoa(secs))
		}
	}
	out, _ := json.Marshal(map[string]any{"error": body})
	ctx.SetBody(out)
}
