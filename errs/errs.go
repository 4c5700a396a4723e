// Package errs provides the structured error envelope shared across the gateway.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Kind classifies failures by behaviour, not by type. The HTTP filter and the
// WS error emitters key off the kind when a code carries no explicit status.
type Kind string

const (
	// KindAuth covers missing or rejected credentials.
	KindAuth Kind = "auth"
	// KindPolicy covers rate limits, entitlements and abuse blocks.
	KindPolicy Kind = "policy"
	// KindValidation covers malformed caller input.
	KindValidation Kind = "validation"
	// KindUpstream covers broker session, network and status failures.
	KindUpstream Kind = "upstream"
	// KindState covers operations rejected by current process state.
	KindState Kind = "state"
	// KindInternal covers everything the gateway cannot attribute elsewhere.
	KindInternal Kind = "internal"
)

// Code is a stable machine-readable identifier from the closed protocol set.
type Code string

const (
	CodeMissingAPIKey          Code = "missing_api_key"
	CodeInvalidAPIKey          Code = "invalid_api_key"
	CodeKeyBlockedForAbuse     Code = "key_blocked_for_abuse"
	CodeLimitExceeded          Code = "limit_exceeded"
	CodeInvalidPayload         Code = "invalid_payload"
	CodeInvalidMode            Code = "invalid_mode"
	CodeStreamInactive         Code = "stream_inactive"
	CodeRateLimited            Code = "rate_limited"
	CodeExchangeUnresolved     Code = "exchange_unresolved"
	CodeForbiddenExchange      Code = "forbidden_exchange"
	CodeSubscribeFailed        Code = "subscribe_failed"
	CodeUnsubscribeFailed      Code = "unsubscribe_failed"
	CodeSetModeFailed          Code = "set_mode_failed"
	CodeQuoteFailed            Code = "quote_failed"
	CodeHistoricalFailed       Code = "historical_failed"
	CodeStatusFailed           Code = "status_failed"
	CodeListFailed             Code = "list_failed"
	CodeUnsubscribeAllFailed   Code = "unsubscribe_all_failed"
	CodeWhoamiFailed           Code = "whoami_failed"
	CodeNotConnected           Code = "not_connected"
	CodeUnknownEvent           Code = "unknown_event"
	CodeConfigMissing          Code = "config_missing"
	CodeInvalidAuthState       Code = "invalid_auth_state"
	CodeUpstreamSessionFailed  Code = "upstream_session_failed"
	CodeNoAccessToken          Code = "no_access_token"
	CodeExpiredToken           Code = "expired_token"
	CodeAuthRequired           Code = "auth_required"
	CodePersistenceUnavailable Code = "persistence_unavailable"
	CodeJobAlreadyRunning      Code = "job_already_running"
	CodeNotFound               Code = "not_found"
	CodeInternal               Code = "internal_error"
)

// E carries structured error information across layer boundaries.
type E struct {
	Kind    Kind
	Code    Code
	HTTP    int
	Message string
	Details map[string]any

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given kind and code.
func New(kind Kind, code Code, opts ...Option) *E {
	e := &E{Kind: kind, Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithHTTP pins an explicit HTTP status, overriding the kind default.
func WithHTTP(status int) Option {
	return func(e *E) { e.HTTP = status }
}

// WithCause records the underlying error.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithDetail appends one structured detail field.
func WithDetail(key string, value any) Option {
	trimmed := strings.TrimSpace(key)
	return func(e *E) {
		if trimmed == "" {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]any, 1)
		}
		e.Details[trimmed] = value
	}
}

// WithDetails merges the provided detail fields.
func WithDetails(details map[string]any) Option {
	return func(e *E) {
		if len(details) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]any, len(details))
		}
		for k, v := range details {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Details[key] = v
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := []string{"kind=" + orUnknown(string(e.Kind)), "code=" + orUnknown(string(e.Code))}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func orUnknown(s string) string {
	if trimmed := strings.TrimSpace(s); trimmed != "" {
		return trimmed
	}
	return "unknown"
}

func (e *E) Unwrap() error { return e.cause }

// HTTPStatus resolves the response status: explicit value first, then the
// kind default.
func (e *E) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.HTTP > 0 {
		return e.HTTP
	}
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindPolicy:
		if e.Code == CodeRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindState:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As extracts a structured envelope from an error chain.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the stable code for an error, defaulting to internal_error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether any error in the chain carries the given code,
// including causes buried under higher-level wrapping.
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*E); ok && e.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Auth builds an auth-kind error with a message.
func Auth(code Code, msg string) *E { return New(KindAuth, code, WithMessage(msg)) }

// Policy builds a policy-kind error with a message.
func Policy(code Code, msg string) *E { return New(KindPolicy, code, WithMessage(msg)) }

// Validation builds a validation-kind error with a message.
func Validation(code Code, msg string) *E { return New(KindValidation, code, WithMessage(msg)) }

// Upstream builds an upstream-kind error wrapping a cause.
func Upstream(code Code, msg string, cause error) *E {
	return New(KindUpstream, code, WithMessage(msg), WithCause(cause))
}

// State builds a state-kind error with a message.
func State(code Code, msg string) *E { return New(KindState, code, WithMessage(msg)) }

// Internal wraps an unexpected failure.
func Internal(cause error) *E {
	return New(KindInternal, CodeInternal, WithMessage("internal error"), WithCause(cause))
}
