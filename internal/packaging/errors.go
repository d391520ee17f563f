package packaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ValidationError means the worker rejected the request itself. Resending
// the same request cannot succeed.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("packager rejected request: %s", e.Message)
}

// ExecutionError means the packaging command ran and exited non-zero.
type ExecutionError struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExecutionError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if len(stderr) > 512 {
		stderr = stderr[len(stderr)-512:]
	}
	if stderr == "" {
		return fmt.Sprintf("packaging command exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("packaging command exited with code %d: %s", e.ExitCode, stderr)
}

// CommandTimeoutError means the worker killed the command after its own
// execution timeout.
type CommandTimeoutError struct {
	Stderr string
}

func (e *CommandTimeoutError) Error() string {
	return "packaging command timed out"
}

// TransportError wraps network failures and client-side timeouts.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("packager unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ResponseError covers any other non-success reply, including 409 busy.
type ResponseError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *ResponseError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("packager responded %d", e.StatusCode)
	}
	return fmt.Sprintf("packager responded %d: %s", e.StatusCode, body)
}

// Retryable reports whether another attempt may succeed. Validation errors
// and caller cancellation are final; everything else is retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	var (
		validation *ValidationError
		execution  *ExecutionError
		timeout    *CommandTimeoutError
		transport  *TransportError
		response   *ResponseError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &execution):
		return "execution"
	case errors.As(err, &timeout):
		return "command_timeout"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &response):
		return "response"
	default:
		return "other"
	}
}
