package bwthrottle

import (
	"fmt"
)

// ErrCode classifies a *Error for errors.Is-style matching without string
// comparison.
type ErrCode string

const (
	// ErrCodeBufferOverflow means a Write would push a throttle's pending
	// buffer past MaxBufferSize.
	ErrCodeBufferOverflow ErrCode = "buffer_overflow"
	// ErrCodeInvalidConfig means a Config or ConfigUpdate value failed
	// validation.
	ErrCodeInvalidConfig ErrCode = "invalid_config"
	// ErrCodeUseAfterDestroy means an operation was attempted on a
	// Throttle or Group after it was destroyed.
	ErrCodeUseAfterDestroy ErrCode = "use_after_destroy"
	// ErrCodeDownstreamDetached means a Throttle's Read side stopped
	// consuming and the producer-facing heartbeat contract lapsed.
	ErrCodeDownstreamDetached ErrCode = "downstream_detached"
)

// Error is the error type returned by every bwthrottle operation that can
// fail for a domain reason. Wrap/unwrap with errors.Is and errors.As;
// compare by code with errors.Is(err, bwthrottle.ErrBufferOverflow) or by
// inspecting Code directly.
type Error struct {
	Code ErrCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bwthrottle: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("bwthrottle: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel for this error's code, so that
// errors.Is(err, ErrBufferOverflow) works without unwrapping to a specific
// instance.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*sentinelError)
	return ok && sentinel.code == e.Code
}

func newError(op string, code ErrCode, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// sentinelError lets ErrBufferOverflow et al. participate in errors.Is
// comparisons against *Error values that carry the same code but different
// wrapped causes.
type sentinelError struct {
	code ErrCode
}

func (s *sentinelError) Error() string { return string(s.code) }

var (
	// ErrBufferOverflow matches any *Error with ErrCodeBufferOverflow.
	ErrBufferOverflow error = &sentinelError{code: ErrCodeBufferOverflow}
	// ErrInvalidConfig matches any *Error with ErrCodeInvalidConfig.
	ErrInvalidConfig error = &sentinelError{code: ErrCodeInvalidConfig}
	// ErrUseAfterDestroy matches any *Error with ErrCodeUseAfterDestroy.
	ErrUseAfterDestroy error = &sentinelError{code: ErrCodeUseAfterDestroy}
	// ErrDownstreamDetached matches any *Error with ErrCodeDownstreamDetached.
	ErrDownstreamDetached error = &sentinelError{code: ErrCodeDownstreamDetached}
)
