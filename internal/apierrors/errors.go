// Package apierrors provides the proxy's error taxonomy: a small set of typed
// errors carrying a stable code, a retryability flag, and an HTTP status
// mapping, plus the JSON error envelope returned to clients.
package apierrors

import (
	"encoding/json"
	"fmt"
)

// ErrorType is the discriminator surfaced to clients via the response body's
// errorType field, "User visibility".
type ErrorType string

const (
	TypeRateLimit                 ErrorType = "rate_limit"
	TypeTimeout                   ErrorType = "timeout"
	TypeServerError               ErrorType = "server_error"
	TypeSocketHangup              ErrorType = "socket_hangup"
	TypeNoKeysAvailable           ErrorType = "no_keys_available"
	TypeContextOverflowGenuine    ErrorType = "context_overflow_genuine"
	TypeContextOverflowTransient  ErrorType = "context_overflow_transient"
	TypeRequestTooLarge           ErrorType = "request_too_large"
	TypeUnroutable                ErrorType = "unroutable"
	TypeAuth                      ErrorType = "authentication_error"
	TypeInvalidRequest            ErrorType = "invalid_request_error"
	TypeBackpressure              ErrorType = "backpressure"
	TypeInternal                  ErrorType = "internal_error"
)

// ProxyError is the single error type of the taxonomy; Type tells the
// failure modes apart and the constructors below build each one.
type ProxyError struct {
	Message    string                 `json:"message"`
	Type       ErrorType              `json:"errorType"`
	Retryable  bool                   `json:"retryable"`
	RetryAfter int64                  `json:"-"` // milliseconds; 0 means unset
	RequestID  string                 `json:"requestId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (e *ProxyError) Error() string { return e.Message }

// New constructs a ProxyError.
func New(message string, typ ErrorType, retryable bool) *ProxyError {
	return &ProxyError{Message: message, Type: typ, Retryable: retryable, Metadata: map[string]interface{}{}}
}

// WithRetryAfter attaches a retry-after duration (milliseconds) and returns e.
func (e *ProxyError) WithRetryAfter(ms int64) *ProxyError {
	e.RetryAfter = ms
	return e
}

// WithRequestID attaches the originating request id and returns e.
func (e *ProxyError) WithRequestID(id string) *ProxyError {
	e.RequestID = id
	return e
}

// Envelope is the JSON body shape sent for any non-2xx response.
type Envelope struct {
	Error      string                 `json:"error"`
	ErrorType  ErrorType              `json:"errorType"`
	Retryable  bool                   `json:"retryable"`
	RequestID  string                 `json:"requestId"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToEnvelope renders e as the wire error envelope.
func (e *ProxyError) ToEnvelope() Envelope {
	return Envelope{
		Error:     e.Message,
		ErrorType: e.Type,
		Retryable: e.Retryable,
		RequestID: e.RequestID,
		Metadata:  e.Metadata,
	}
}

// MarshalJSON implements json.Marshaler so a *ProxyError can be written
// directly as a response body.
func (e *ProxyError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToEnvelope())
}

// HTTPStatus maps an ErrorType to the HTTP status code the executor should
// use when no upstream status is available to mirror.
func HTTPStatus(typ ErrorType) int {
	switch typ {
	case TypeRateLimit:
		return 429
	case TypeTimeout, TypeSocketHangup, TypeServerError:
		return 502
	case TypeNoKeysAvailable:
		return 502
	case TypeBackpressure:
		return 503
	case TypeRequestTooLarge, TypeInvalidRequest, TypeContextOverflowGenuine, TypeUnroutable:
		return 400
	case TypeAuth:
		return 401
	case TypeContextOverflowTransient:
		return 503
	default:
		return 500
	}
}

// Convenience constructors for the error taxonomy.

func RequestTooLarge(limit int64) *ProxyError {
	return New(fmt.Sprintf("request body exceeds maximum size of %d bytes", limit), TypeRequestTooLarge, false)
}

func Unroutable(reason string) *ProxyError {
	return New("no route: "+reason, TypeUnroutable, false)
}

func ContextOverflowGenuine(estimated int) *ProxyError {
	return New(fmt.Sprintf("request (~%d tokens) exceeds every candidate model's context window", estimated), TypeContextOverflowGenuine, false)
}

func ContextOverflowTransient(estimated int) *ProxyError {
	return New(fmt.Sprintf("request (~%d tokens) fits models that are temporarily unavailable", estimated), TypeContextOverflowTransient, true).WithRetryAfter(1000)
}

func NoKeysAvailable() *ProxyError {
	return New("no eligible key available", TypeNoKeysAvailable, true)
}

func Backpressure() *ProxyError {
	return New("pool at capacity", TypeBackpressure, true)
}

func RetriesExhausted(attempts int) *ProxyError {
	return New(fmt.Sprintf("exhausted %d attempts against upstream", attempts), TypeServerError, true)
}

func UpstreamTimeout() *ProxyError {
	return New("attempt timed out", TypeTimeout, true)
}

func SocketHangup() *ProxyError {
	return New("upstream connection hung up", TypeSocketHangup, true)
}

func UpstreamServerError(status int, body string) *ProxyError {
	return New(fmt.Sprintf("upstream returned %d: %.200s", status, body), TypeServerError, true)
}

func QuotaExceeded(body string) *ProxyError {
	return New("quota exhausted: "+truncate(body, 200), TypeRateLimit, false)
}

func RateLimited(body string) *ProxyError {
	return New("rate limited: "+truncate(body, 200), TypeRateLimit, true)
}

func ClientFault(status int, body string) *ProxyError {
	return New(fmt.Sprintf("upstream rejected request (%d): %.200s", status, body), TypeInvalidRequest, false)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
