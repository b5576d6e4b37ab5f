// internal/core/errors_test.go
package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	err := &Error{Code: "TEST_ERROR", Message: "test message"}
	if err.Error() != "[TEST_ERROR] test message" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{Code: "WRAP", Message: "wrapped", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should return cause")
	}
}

func TestError_Is(t *testing.T) {
	wrapped := WrapError(ErrSnapshotMismatch, errors.New("run abc"))
	assert.True(t, errors.Is(wrapped, ErrSnapshotMismatch))
	assert.False(t, errors.Is(wrapped, ErrPersistence))
}

func TestWrapError(t *testing.T) {
	cause := errors.New("original")
	wrapped := WrapError(ErrTransient, cause)
	if wrapped.Cause != cause {
		t.Error("cause not set")
	}
	if wrapped.Code != ErrTransient.Code {
		t.Error("code not preserved")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"transient", WrapError(ErrTransient, errors.New("502")), KindTransient},
		{"timestamp", ErrTimestampOutOfWindow, KindTransient},
		{"misuse wrapped by fmt", fmt.Errorf("placing order: %w", ErrInsufficientBalance), KindClientMisuse},
		{"guard", Errorf(ErrInvalidParams, "ema1 %d >= ema2 %d", 9, 5), KindGuard},
		{"persistence", WrapError(ErrPersistence, errors.New("disk full")), KindPersistence},
		{"deadline", fmt.Errorf("klines: %w", context.DeadlineExceeded), KindTransient},
		{"unclassified", errors.New("nil map"), KindProgrammer},
		{"unknown code wrapping known", WrapError(&Error{Code: "OTHER"}, ErrUnknownSymbol), KindClientMisuse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorKind_Critical(t *testing.T) {
	assert.True(t, KindGuard.Critical())
	assert.True(t, KindPersistence.Critical())
	assert.False(t, KindTransient.Critical())
	assert.False(t, KindClientMisuse.Critical())
	assert.False(t, KindProgrammer.Critical())
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrTransient))
	assert.False(t, IsTransient(ErrClientMisuse))
}
