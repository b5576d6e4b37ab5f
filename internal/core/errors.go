// internal/core/errors.go
package core

import (
	"context"
	"errors"
	"fmt"
)

// Error represents a structured error with code and optional cause.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WrapError creates a new error with the same code but with a cause.
func WrapError(base *Error, cause error) *Error {
	return &Error{
		Code:    base.Code,
		Message: base.Message,
		Cause:   cause,
	}
}

// Errorf wraps base with a formatted cause.
func Errorf(base *Error, format string, args ...any) *Error {
	return WrapError(base, fmt.Errorf(format, args...))
}

// Predefined errors
var (
	// Transient network errors, retried inside the exchange client
	ErrTransient            = &Error{Code: "TRANSIENT", Message: "transient exchange failure"}
	ErrTimestampOutOfWindow = &Error{Code: "TIMESTAMP_OUT_OF_WINDOW", Message: "request timestamp outside recvWindow"}

	// Client misuse, never retried
	ErrClientMisuse        = &Error{Code: "CLIENT_MISUSE", Message: "request rejected by exchange"}
	ErrInsufficientBalance = &Error{Code: "INSUFFICIENT_BALANCE", Message: "insufficient balance"}
	ErrUnknownSymbol       = &Error{Code: "UNKNOWN_SYMBOL", Message: "unknown symbol"}
	ErrBelowMinNotional    = &Error{Code: "BELOW_MIN_NOTIONAL", Message: "order below minimum notional"}
	ErrOrderNotFound       = &Error{Code: "ORDER_NOT_FOUND", Message: "order not found"}

	// Strategy guard violations
	ErrInvalidParams      = &Error{Code: "INVALID_PARAMS", Message: "invalid strategy parameters"}
	ErrInsufficientWarmup = &Error{Code: "INSUFFICIENT_WARMUP", Message: "not enough candles for indicator warm-up"}
	ErrSnapshotMismatch   = &Error{Code: "SNAPSHOT_MISMATCH", Message: "strategy snapshot does not match bound parameters"}
	ErrGuardViolation     = &Error{Code: "GUARD_VIOLATION", Message: "strategy guard violated"}

	// Persistence errors
	ErrPersistence         = &Error{Code: "PERSISTENCE", Message: "state persistence failed"}
	ErrUnknownStateVersion = &Error{Code: "UNKNOWN_STATE_VERSION", Message: "unknown state blob version"}
	ErrCorruptState        = &Error{Code: "CORRUPT_STATE", Message: "state blob is corrupt"}

	// Orchestration errors
	ErrBreakerOpen    = &Error{Code: "BREAKER_OPEN", Message: "order placement inhibited by circuit breaker"}
	ErrTickInProgress = &Error{Code: "TICK_IN_PROGRESS", Message: "previous tick still running"}
	ErrDuplicateOrder = &Error{Code: "DUPLICATE_ORDER", Message: "order with this client id already exists"}
	ErrNoData         = &Error{Code: "NO_DATA", Message: "no data available"}

	// Config errors
	ErrConfigInvalid = &Error{Code: "CONFIG_INVALID", Message: "configuration invalid"}
	ErrConfigMissing = &Error{Code: "CONFIG_MISSING", Message: "required configuration missing"}
)

// ErrorKind classifies an error for the circuit breaker and retry policy.
type ErrorKind string

const (
	KindTransient    ErrorKind = "transient"
	KindClientMisuse ErrorKind = "client_misuse"
	KindGuard        ErrorKind = "guard"
	KindPersistence  ErrorKind = "persistence"
	KindProgrammer   ErrorKind = "programmer"
)

// Critical reports whether the kind requires operator intervention.
func (k ErrorKind) Critical() bool {
	return k == KindGuard || k == KindPersistence
}

var kindByCode = map[string]ErrorKind{
	ErrTransient.Code:            KindTransient,
	ErrTimestampOutOfWindow.Code: KindTransient,
	ErrNoData.Code:               KindTransient,
	ErrClientMisuse.Code:         KindClientMisuse,
	ErrInsufficientBalance.Code:  KindClientMisuse,
	ErrUnknownSymbol.Code:        KindClientMisuse,
	ErrBelowMinNotional.Code:     KindClientMisuse,
	ErrOrderNotFound.Code:        KindClientMisuse,
	ErrDuplicateOrder.Code:       KindClientMisuse,
	ErrInvalidParams.Code:        KindGuard,
	ErrInsufficientWarmup.Code:   KindGuard,
	ErrSnapshotMismatch.Code:     KindGuard,
	ErrGuardViolation.Code:       KindGuard,
	ErrPersistence.Code:          KindPersistence,
	ErrUnknownStateVersion.Code:  KindPersistence,
	ErrCorruptState.Code:         KindPersistence,
}

// KindOf walks the error chain and returns the first classified kind.
// Context deadlines count as transient; anything unclassified is a
// programmer error.
func KindOf(err error) ErrorKind {
	for e := err; e != nil; e = errors.Unwrap(e) {
		var ce *Error
		if errors.As(e, &ce) {
			if k, ok := kindByCode[ce.Code]; ok {
				return k
			}
			e = ce
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindProgrammer
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
