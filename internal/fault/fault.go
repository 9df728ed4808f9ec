// Package fault defines the error taxonomy shared by every component.
// Foreign errors (model clients, storage, transport) are normalized into
// this taxonomy at the integration edge via Wrap, so the rest of the code
// branches on Kind instead of provider-specific error types.
package fault

import (
	"errors"
	"fmt"
	"log/slog"
)

type Kind string

const (
	KindAgentInitialization   Kind = "agent_initialization"
	KindAgentNotFound         Kind = "agent_not_found"
	KindAgentFailure          Kind = "agent_failure"
	KindContextNotFound       Kind = "context_not_found"
	KindContextCorruption     Kind = "context_corruption"
	KindCommunication         Kind = "communication"
	KindMessageDelivery       Kind = "message_delivery"
	KindTimeoutExceeded       Kind = "timeout_exceeded"
	KindResourceExhausted     Kind = "resource_exhausted"
	KindValidation            Kind = "validation"
	KindInvalidPipelineConfig Kind = "invalid_pipeline_config"
	KindPipelineExecution     Kind = "pipeline_execution"
	KindCircuitBreakerOpen    Kind = "circuit_breaker_open"
)

// Error carries a Kind so callers can classify without string matching.
type Error struct {
	Kind          Kind
	Msg           string
	CorrelationID string
	RetryCount    int
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap normalizes err into the taxonomy under the given kind. If err is
// already a taxonomy error its original kind wins, so classification
// survives multiple component boundaries.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		kind = fe.Kind
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WrapAs forces kind onto err even when err already carries a taxonomy
// kind. Used where a classification deliberately changes, e.g. a retryable
// failure becoming a permanent agent failure once attempts are exhausted.
func WrapAs(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the taxonomy kind of err, or an empty Kind for foreign
// errors that never crossed an integration edge.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the smallest enclosing scope (the agent step)
// may retry after err. Circuit-breaker rejections are deliberately excluded:
// retrying an open breaker only burns the cool-down.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeoutExceeded, KindCommunication, KindMessageDelivery,
		KindResourceExhausted, KindContextCorruption:
		return true
	}
	return false
}

// IsCritical reports whether err must fail the step immediately with no
// retry and propagate to the orchestrator.
func IsCritical(err error) bool {
	switch KindOf(err) {
	case KindAgentInitialization, KindAgentNotFound,
		KindValidation, KindInvalidPipelineConfig:
		return true
	}
	return false
}

// LogError records kind, correlation id, and retry count for a surfaced error.
func LogError(err error, correlationID string, retryCount int) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	if kind == "" {
		kind = "unclassified"
	}
	slog.Error("pipeline error",
		"kind", string(kind),
		"correlation_id", correlationID,
		"retry_count", retryCount,
		"error", err)
}
