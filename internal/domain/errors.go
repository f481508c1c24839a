package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Category sentinels.
var (
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
)

// Sentinel errors for the domain layer.
var (
	ErrToolNotFound         = fmt.Errorf("tool not found")
	ErrToolValidation       = fmt.Errorf("tool arguments failed validation")
	ErrToolDuplicateIgnored = fmt.Errorf("duplicate ignored")
	ErrToolFailure          = fmt.Errorf("tool execution failed")
	ErrMemoryUnavailable    = fmt.Errorf("memory store unavailable")
	ErrMemoryStore          = fmt.Errorf("memory store failed")
	ErrEmbeddingFailed      = fmt.Errorf("embedding generation failed")
	ErrBackendUnavailable   = fmt.Errorf("model backend unavailable")
	ErrBackendNotFound      = fmt.Errorf("model backend not found")
	ErrEmptyResponse        = fmt.Errorf("model returned an empty response")
	ErrConfigLoad           = fmt.Errorf("failed to load configuration")
	ErrMetricsWrite         = fmt.Errorf("metrics write failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "ToolExecutor.Execute")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// BackendError is the classified error raised by a model backend. StatusCode
// follows HTTP semantics; transport failures without a response are reported
// as 503 and deadline expiry as 504.
type BackendError struct {
	Backend    string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: status %d: %v", e.Backend, e.StatusCode, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError creates a BackendError.
func NewBackendError(backend string, status int, err error) *BackendError {
	return &BackendError{Backend: backend, StatusCode: status, Err: err}
}

// statusCoder is implemented by SDK errors that carry an HTTP status
// (smithy response errors, for instance).
type statusCoder interface {
	HTTPStatusCode() int
}

// apiErrorPattern matches "API error <status_code>:" produced by the HTTP backends.
var apiErrorPattern = regexp.MustCompile(`API error (\d{3}):`)

// StatusCodeOf extracts the HTTP-like status code carried by err, or 0 when
// none can be determined.
func StatusCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var be *BackendError
	if errors.As(err, &be) && be.StatusCode != 0 {
		return be.StatusCode
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatusCode()
	}
	if m := apiErrorPattern.FindStringSubmatch(err.Error()); len(m) == 2 {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}
