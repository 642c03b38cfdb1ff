package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Taxonomy shared by the registry, the oracle, the ledger adapters and the
// coordinator. Callers match with errors.Is; engines wrap these with context.
var (
	ErrInvalidInput      = stderrors.New("invalid input")
	ErrUnauthorized      = stderrors.New("unauthorized")
	ErrInvalidState      = stderrors.New("invalid state")
	ErrNotFound          = stderrors.New("not found")
	ErrNotYetEligible    = stderrors.New("not yet eligible")
	ErrInsufficientFunds = stderrors.New("insufficient funds")
	ErrTransientFailure  = stderrors.New("transient failure")
)

// Wire codes carried by ledger receipts and HTTP error bodies.
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInvalidState      = "INVALID_STATE"
	CodeNotFound          = "NOT_FOUND"
	CodeNotYetEligible    = "NOT_YET_ELIGIBLE"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeTransientFailure  = "TRANSIENT_FAILURE"
	CodeInternal          = "INTERNAL"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeInvalidInput, ErrInvalidInput},
	{CodeUnauthorized, ErrUnauthorized},
	{CodeInvalidState, ErrInvalidState},
	{CodeNotFound, ErrNotFound},
	{CodeNotYetEligible, ErrNotYetEligible},
	{CodeInsufficientFunds, ErrInsufficientFunds},
	{CodeTransientFailure, ErrTransientFailure},
}

// NotYetEligibleError reports a refund attempted before the deadline along
// with the time left until it becomes eligible.
type NotYetEligibleError struct {
	Remaining time.Duration
}

func (e *NotYetEligibleError) Error() string {
	return fmt.Sprintf("not yet eligible: %s remaining", e.Remaining)
}

// Unwrap lets errors.Is(err, ErrNotYetEligible) match.
func (e *NotYetEligibleError) Unwrap() error { return ErrNotYetEligible }

// NotYetEligible builds a NotYetEligibleError for the supplied number of
// seconds.
func NotYetEligible(remainingSeconds int64) error {
	if remainingSeconds < 0 {
		remainingSeconds = 0
	}
	return &NotYetEligibleError{Remaining: time.Duration(remainingSeconds) * time.Second}
}

// Remaining extracts the remaining wait from a NotYetEligibleError anywhere in
// the chain.
func Remaining(err error) (time.Duration, bool) {
	var target *NotYetEligibleError
	if stderrors.As(err, &target) {
		return target.Remaining, true
	}
	return 0, false
}

// Code maps an error onto its wire code. Unknown errors map to CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if stderrors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode reverses Code, wrapping the sentinel with the remote message.
func FromCode(code, message string) error {
	if code == "" {
		return nil
	}
	for _, c := range codes {
		if c.code == code {
			if message == "" || message == c.err.Error() {
				return c.err
			}
			return fmt.Errorf("%s: %w", message, c.err)
		}
	}
	if message == "" {
		message = "internal error"
	}
	return stderrors.New(message)
}

// Retryable reports whether the error is worth retrying. Only transient
// failures qualify; everything else is a definitive answer from the ledger.
func Retryable(err error) bool {
	return stderrors.Is(err, ErrTransientFailure)
}

// Transient wraps err as a TransientFailure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, ErrTransientFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransientFailure, err)
}
