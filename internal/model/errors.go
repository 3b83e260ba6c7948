package model

import (
	"errors"
	"fmt"
)

// ErrorKind identifies the stage at which an orchestration failed
type ErrorKind string

const (
	ErrorKindPublish  ErrorKind = "publish"
	ErrorKindPoll     ErrorKind = "poll"
	ErrorKindDelivery ErrorKind = "delivery"
	ErrorKindTimeout  ErrorKind = "timeout"
)

// Sentinels for errors.Is matching on the kind of an OrchestrationError
var (
	ErrPublish  = errors.New("publish error")
	ErrPoll     = errors.New("poll error")
	ErrDelivery = errors.New("delivery error")
	ErrTimeout  = errors.New("timeout error")
)

var kindSentinels = map[ErrorKind]error{
	ErrorKindPublish:  ErrPublish,
	ErrorKindPoll:     ErrPoll,
	ErrorKindDelivery: ErrDelivery,
	ErrorKindTimeout:  ErrTimeout,
}

// OrchestrationError is the single error type routed to failure recovery.
// Message is what the client sees; Err keeps the underlying cause.
type OrchestrationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *OrchestrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

func (e *OrchestrationError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// PublishError reports a rejected or unreadable publish submission
func PublishError(message string, cause error) *OrchestrationError {
	return &OrchestrationError{Kind: ErrorKindPublish, Message: message, Err: cause}
}

// PollError reports a rejected or unreadable status fetch
func PollError(message string, cause error) *OrchestrationError {
	return &OrchestrationError{Kind: ErrorKindPoll, Message: message, Err: cause}
}

// DeliveryError reports a failed email or file delivery
func DeliveryError(message string, cause error) *OrchestrationError {
	return &OrchestrationError{Kind: ErrorKindDelivery, Message: message, Err: cause}
}

// TimeoutError reports that the job did not finish within the deadline
func TimeoutError(message string) *OrchestrationError {
	return &OrchestrationError{Kind: ErrorKindTimeout, Message: message}
}

// AsOrchestrationError extracts the orchestration error from err. Errors of
// any other type are reported under fallback with their own text.
func AsOrchestrationError(err error, fallback ErrorKind) *OrchestrationError {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe
	}
	return &OrchestrationError{Kind: fallback, Message: err.Error(), Err: err}
}
