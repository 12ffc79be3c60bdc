// Package errors defines the agent's error taxonomy: a single tagged-union
// error type carrying a Kind (which decides retryability), provider/model/
// status detail and the wrapped cause, used
// everywhere instead of ad hoc error strings or provider-specific types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for retry/propagation decisions.
type Kind string

const (
	KindConfigInvalid      Kind = "ConfigInvalid"
	KindProviderNotFound   Kind = "ProviderNotFound"
	KindModelNotFound      Kind = "ModelNotFound"
	KindProviderInitFailed Kind = "ProviderInitFailed"
	KindRateLimited        Kind = "RateLimited"
	KindServerRetryable    Kind = "ServerRetryable"
	KindNetworkError       Kind = "NetworkError"
	KindTimeout            Kind = "Timeout"
	KindClientFatal        Kind = "ClientFatal"
	KindStreamParseError   Kind = "StreamParseError"
	KindProviderZeroTokens Kind = "ProviderZeroTokens"
	KindToolTimeout        Kind = "ToolTimeout"
	KindToolFailure        Kind = "ToolFailure"
	KindCancelled          Kind = "Cancelled"
	KindInstallFailed      Kind = "InstallFailed"
)

// retryable mirrors the retry-classification table.
var retryable = map[Kind]bool{
	KindModelNotFound:   true, // one catalog refresh only; caller enforces the cap
	KindRateLimited:     true,
	KindServerRetryable: true,
	KindNetworkError:    true,
	KindTimeout:         true,
}

// Error is the agent's single structured error type.
type Error struct {
	Kind      Kind
	Message   string
	Provider  string
	Model     string
	Status    int
	Code      string
	RequestID string
	Hint      []string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Provider != "" {
		fmt.Fprintf(&b, " %s", e.Provider)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %s", e.Message)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, " %s", e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this error's kind is retryable in principle.
// Callers still enforce their own retry caps (C5's budget, C4's single
// catalog-refresh-and-retry rule).
func (e *Error) Retryable() bool {
	return retryable[e.Kind]
}

// New builds an Error of the given kind wrapping cause.
func New(kind Kind, cause error) *Error {
	e := &Error{Kind: kind, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithHint attaches the "available alternatives" list used by ModelNotFound.
func (e *Error) WithHint(hint ...string) *Error {
	e.Hint = hint
	return e
}

// WithProvider/WithModel/WithStatus/WithCode/WithRequestID are builder
// helpers mirroring a common ProviderError pattern.
func (e *Error) WithProvider(p string) *Error { e.Provider = p; return e }
func (e *Error) WithModel(m string) *Error    { e.Model = m; return e }
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	if e.Kind == "" || e.Kind == KindNetworkError {
		e.Kind = ClassifyStatus(status)
	}
	return e
}

func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// As reports whether err is (or wraps) an *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsRetryable classifies a raw error, falling back to substring
// classification when it isn't already a tagged *Error.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable()
	}
	return Classify(err).Retryable()
}

// ClassifyStatus maps an HTTP status code to a Kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status >= 500:
		return KindServerRetryable
	case status >= 400:
		return KindClientFatal
	default:
		return ""
	}
}

// Classify inspects a raw (non-tagged) error's text and infers a Kind,
// mirroring the pack's substring-based ClassifyError heuristic.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(s, "429") || strings.Contains(s, "rate limit") || strings.Contains(s, "too many requests"):
		return KindRateLimited
	case strings.Contains(s, "connection reset") || strings.Contains(s, "no such host") ||
		strings.Contains(s, "connection refused") || strings.Contains(s, "eof"):
		return KindNetworkError
	case strings.Contains(s, "500") || strings.Contains(s, "502") || strings.Contains(s, "503") || strings.Contains(s, "504"):
		return KindServerRetryable
	case strings.Contains(s, "408") || strings.Contains(s, "409"):
		return KindServerRetryable
	default:
		return KindClientFatal
	}
}

func (k Kind) Retryable() bool { return retryable[k] }
