package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrDisabled      = fmt.Errorf("disabled")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound  = fmt.Errorf("llm provider not found")
	ErrToolNotFound      = fmt.Errorf("tool not found")
	ErrMemoryUnavailable = fmt.Errorf("memory provider unavailable")
	ErrMaxIterations     = fmt.Errorf("agent reached max iterations")
	ErrSessionNotFound   = fmt.Errorf("session not found")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrEncryption        = fmt.Errorf("encryption operation failed")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrMemoryStore       = fmt.Errorf("memory store failed")
	ErrMemoryDelete      = fmt.Errorf("memory delete failed")

	// Resilience errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrToolFailure     = fmt.Errorf("tool execution failed")

	// Search errors.
	ErrSearchBackend     = fmt.Errorf("search backend request failed")
	ErrSearchUnavailable = fmt.Errorf("search backend unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Tool.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "search", "session"); used for ErrorCode dispatch
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

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeProviderNotFound  ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure       ErrorCode = "TOOL_FAILURE"
	CodeMemoryUnavailable ErrorCode = "MEMORY_UNAVAILABLE"
	CodeMemoryStore       ErrorCode = "MEMORY_STORE"
	CodeMemoryDelete      ErrorCode = "MEMORY_DELETE"
	CodeMaxIterations     ErrorCode = "MAX_ITERATIONS"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeContextOverflow   ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeSearchBackend     ErrorCode = "SEARCH_BACKEND"
	CodeSearchUnavailable ErrorCode = "SEARCH_UNAVAILABLE"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeSearchTimeout     ErrorCode = "SEARCH_TIMEOUT"
	CodeSearchRateLimited ErrorCode = "SEARCH_RATE_LIMITED"
	CodeSessionLimitHit   ErrorCode = "SESSION_LIMIT_HIT"

	// Category error codes — fallback codes when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeDisabled      ErrorCode = "DISABLED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrDisabled:      CodeDisabled,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	// Active sentinels.
	ErrProviderNotFound:  CodeProviderNotFound,
	ErrToolNotFound:      CodeToolNotFound,
	ErrToolFailure:       CodeToolFailure,
	ErrMemoryUnavailable: CodeMemoryUnavailable,
	ErrMemoryStore:       CodeMemoryStore,
	ErrMemoryDelete:      CodeMemoryDelete,
	ErrMaxIterations:     CodeMaxIterations,
	ErrSessionNotFound:   CodeSessionNotFound,
	ErrConfigLoad:        CodeConfigLoad,
	ErrEncryption:        CodeEncryption,
	ErrDecryption:        CodeDecryption,
	ErrContextOverflow:   CodeContextOverflow,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrSearchBackend:     CodeSearchBackend,
	ErrSearchUnavailable: CodeSearchUnavailable,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"search": CodeSearchTimeout,
	},
	ErrRateLimit: {
		"search": CodeSearchRateLimited,
	},
	ErrLimitReached: {
		"session": CodeSessionLimitHit,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel and subsystem.
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
