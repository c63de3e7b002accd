package errors

import (
	stderr "errors"
	"fmt"
)

// ProviderError is a transient failure of one module's provider. It fails
// only the current work item; the remaining work items still run.
type ProviderError struct {
	Module  string
	Message string
	cause   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Module, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.cause }

func NewProviderError(module string, cause error) *ProviderError {
	return &ProviderError{Module: module, Message: cause.Error(), cause: cause}
}

// AbortError signals a user or operator requested cancellation. It is not a
// failure: it unwinds the execution unit to its abort cleanup path.
type AbortError struct {
	TaskID string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("export task %s aborted", e.TaskID)
}

func IsAbort(err error) bool {
	var target *AbortError
	return stderr.As(err, &target)
}

// IOError wraps sink and blob store failures after best effort cleanup.
type IOError struct {
	Op    string
	cause error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io: %s: %v", e.Op, e.cause)
}

func (e *IOError) Unwrap() error { return e.cause }

func NewIOError(op string, cause error) *IOError {
	return &IOError{Op: op, cause: cause}
}

// LoggedError marks an unrecoverable fault that was already written to the
// log, so callers up the stack do not log it again as it propagates.
type LoggedError struct {
	cause error
}

func (e *LoggedError) Error() string { return e.cause.Error() }

func (e *LoggedError) Unwrap() error { return e.cause }

// MarkLogged wraps err unless it is already marked.
func MarkLogged(err error) error {
	if err == nil || IsLogged(err) {
		return err
	}
	return &LoggedError{cause: err}
}

func IsLogged(err error) bool {
	var target *LoggedError
	return stderr.As(err, &target)
}
