package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrMissingData         = sterrors.New("flowrpc: missing data")
	ErrInvalidTimeout      = sterrors.New("flowrpc: invalid timeout value")
	ErrResourceMissing     = sterrors.New("flowrpc: resource does not exist")
	ErrChannelNotReady     = sterrors.New("flowrpc: topic is not created")
	ErrRequestTimeout      = sterrors.New("flowrpc: message timeout")
	ErrNoHandlerRegistered = sterrors.New("flowrpc: no message handler registered for pattern")
	ErrHandlerFailure      = sterrors.New("flowrpc: handler failed")
	ErrPublishFailure      = sterrors.New("flowrpc: publish failed")
	ErrMalformedMessage    = sterrors.New("flowrpc: malformed message")
	ErrClosed              = sterrors.New("flowrpc: engine is closed")
	ErrConfigRequired      = sterrors.New("flowrpc: config is required")
	ErrLoggerRequired      = sterrors.New("flowrpc: logger is required")
	ErrHandlerRequired     = sterrors.New("flowrpc: handler function is required")
	ErrPatternRequired     = sterrors.New("flowrpc: pattern is required")
	ErrDuplicateHandler    = sterrors.New("flowrpc: handler already registered for pattern")
	ErrBrokerRequired      = sterrors.New("flowrpc: broker is required")
)

// Wire codes carried in the error field of a reply.
const (
	CodeRequestTimeout = "request_timeout"
	CodeNoHandler      = "no_handler"
	CodeHandlerFailure = "handler_failure"
	CodeMalformed      = "malformed_request"
)

// RemoteError is an error reported by the serving side in a reply.
type RemoteError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "flowrpc: remote error: " + e.Message
	}
	return fmt.Sprintf("flowrpc: remote error (%s): %s", e.Code, e.Message)
}

// Is matches the sentinel that corresponds to the wire code.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeRequestTimeout:
		return target == ErrRequestTimeout
	case CodeNoHandler:
		return target == ErrNoHandlerRegistered
	case CodeHandlerFailure:
		return target == ErrHandlerFailure
	case CodeMalformed:
		return target == ErrMalformedMessage
	}
	return false
}

// ToRemote converts a handler-side error into its wire form. Errors that are
// already remote keep their code.
func ToRemote(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var remote *RemoteError
	if sterrors.As(err, &remote) {
		return remote
	}
	switch {
	case sterrors.Is(err, ErrRequestTimeout):
		return &RemoteError{Code: CodeRequestTimeout, Message: err.Error()}
	case sterrors.Is(err, ErrNoHandlerRegistered):
		return &RemoteError{Code: CodeNoHandler, Message: err.Error()}
	case sterrors.Is(err, ErrMalformedMessage):
		return &RemoteError{Code: CodeMalformed, Message: err.Error()}
	}
	return &RemoteError{Code: CodeHandlerFailure, Message: err.Error()}
}

// PublishError wraps a transport failure for a single publish.
type PublishError struct {
	Topic       string
	OrderingKey string
	Err         error
}

func (e *PublishError) Error() string {
	if e.OrderingKey != "" {
		return fmt.Sprintf("flowrpc: publish to %q (ordering key %q) failed: %v", e.Topic, e.OrderingKey, e.Err)
	}
	return fmt.Sprintf("flowrpc: publish to %q failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() []error { return []error{ErrPublishFailure, e.Err} }

// ConfigValidationError marks an error produced while validating configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "flowrpc: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
