package verr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind is the coarse error family.
type Kind string

const (
	KindParse      Kind = "parse"
	KindType       Kind = "type"
	KindRuntime    Kind = "runtime"
	KindModality   Kind = "modality"
	KindFederation Kind = "federation"
)

// Code is the machine-readable error code within a kind.
type Code string

const (
	// Runtime codes
	CodeStoreUnavailable  Code = "store_unavailable"
	CodeQueryTimeout      Code = "query_timeout"
	CodeDriftDetected     Code = "drift_detected"
	CodePermissionDenied  Code = "permission_denied"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeInvalidID         Code = "invalid_id"
	CodeNetworkError      Code = "network_error"
	CodeInternal          Code = "internal"

	// Federation codes
	CodeUnreachable        Code = "unreachable"
	CodePartialResults     Code = "partial_results"
	CodeConsensusTimeout   Code = "consensus_timeout"
	CodeByzantineSuspected Code = "byzantine_suspected"
	CodeNotLeader          Code = "not_leader"

	// Modality codes
	CodeConflict Code = "conflict"
	CodeNotFound Code = "not_found"

	// Parse / type codes
	CodeSyntax           Code = "syntax"
	CodeUnknownToken     Code = "unknown_token"
	CodeShape            Code = "shape"
	CodeMissingModality  Code = "missing_modality"
	CodeProofComposition Code = "proof_composition"
	CodeProofFailed      Code = "proof_failed"
)

// Span locates an error inside a query string (byte offsets, half-open).
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Error is the single error type crossing package boundaries. It carries a
// machine-readable code, a location (span inside a query, or an entity id),
// a one-line hint and a recoverable flag driving the retry policy.
type Error struct {
	Kind        Kind   `json:"kind"`
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Hint        string `json:"hint,omitempty"`
	Span        *Span  `json:"span,omitempty"`
	ID          string `json:"id,omitempty"`
	Recoverable bool   `json:"recoverable"`
	cause       error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s/%s: %s (%s)", e.Kind, e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithHint returns a copy of the error carrying the given hint.
func (e *Error) WithHint(hint string) *Error {
	c := *e
	c.Hint = hint
	return &c
}

// WithSpan returns a copy of the error located at [start, end).
func (e *Error) WithSpan(start, end int) *Error {
	c := *e
	c.Span = &Span{Start: start, End: end}
	return &c
}

// WithID returns a copy of the error tagged with an entity id.
func (e *Error) WithID(id string) *Error {
	c := *e
	c.ID = id
	return &c
}

// Wrap returns a copy of the error with cause attached.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.cause = cause
	return &c
}

// Parse creates a parse error.
func Parse(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindParse, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Type creates a type error.
func Type(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindType, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Runtime creates a runtime error. Recoverability follows the code.
func Runtime(code Code, format string, args ...any) *Error {
	return &Error{
		Kind:        KindRuntime,
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: code == CodeStoreUnavailable || code == CodeNetworkError || code == CodeQueryTimeout,
	}
}

// Modality creates a store-local invariant violation error.
func Modality(code Code, format string, args ...any) *Error {
	return &Error{Kind: KindModality, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Federation creates a federation error. Recoverability follows the code.
func Federation(code Code, format string, args ...any) *Error {
	return &Error{
		Kind:        KindFederation,
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: code == CodeUnreachable || code == CodeConsensusTimeout,
	}
}

// IsRecoverable reports whether err (or any wrapped error) is a recoverable
// *Error. Non-*Error values are not recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// KindOf returns the kind of err, or KindRuntime for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRuntime
}

// Exit codes per the external interface contract.
const (
	ExitOK         = 0
	ExitInput      = 1
	ExitConstraint = 2
	ExitStore      = 3
	ExitInternal   = 4
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return ExitInternal
	}
	switch e.Kind {
	case KindParse:
		return ExitInput
	case KindType:
		return ExitConstraint
	case KindRuntime:
		switch e.Code {
		case CodeStoreUnavailable, CodeNetworkError:
			return ExitStore
		case CodeInvalidID:
			return ExitInput
		default:
			return ExitInternal
		}
	case KindModality:
		return ExitStore
	case KindFederation:
		return ExitStore
	}
	return ExitInternal
}

// Retry policy constants.
const (
	retryBase    = 100 * time.Millisecond
	retryCap     = 10 * time.Second
	retryJitter  = 0.25
	retryMaxTries = 3
)

// Retry runs op with the standard backoff policy (exponential from 100ms,
// capped at 10s, 25% jitter, 3 attempts), retrying only recoverable errors.
// The first non-recoverable error or context cancellation stops the loop.
func Retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryBase
	policy.MaxInterval = retryCap
	policy.RandomizationFactor = retryJitter

	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) || attempts >= retryMaxTries {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(policy, ctx))
}
