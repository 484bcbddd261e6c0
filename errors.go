package opcuad

import "fmt"

// Status codes for Failure.Code, modeled on the OPC UA status-code kinds
// relevant to this core.
const (
	CodeInvalidArgument = "invalid-argument"
	CodeOutOfMemory     = "out-of-memory"
	CodeNotFound        = "not-found"
	CodeInternalError   = "internal-error"
	CodeAsyncInProgress = "async-in-progress"
	CodeFatalInit       = "fatal-init"
)

// Failure captures a single status-code-shaped condition: async-in-progress,
// not-found, and similar conditions callers may want to branch on rather
// than string-match a wrapped error.
type Failure struct {
	Code       string
	Detail     string
	RetryAfter int64 // seconds; 0 means no specific retry hint
	HTTPStatus int    // optional hint for embedding adapters
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

func errInvalidArgument(detail string) error {
	return Failure{Code: CodeInvalidArgument, Detail: detail}
}

func errFatalInit(detail string) error {
	return Failure{Code: CodeFatalInit, Detail: detail}
}

func errInternal(detail string) error {
	return Failure{Code: CodeInternalError, Detail: detail}
}
