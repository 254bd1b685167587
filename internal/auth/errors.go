package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrInvalidState    = errors.New("auth: invalid state")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthorized    = errors.New("auth: unauthorized")
	ErrPolicyViolation = errors.New("auth: policy violation")
	ErrLocked          = errors.New("auth: account locked")
)

// RateLimitedError carries enough structured detail for the caller to
// act, and nothing about the implementation underneath.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("auth: rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrPolicyViolation }
