package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidChoice is returned for a choice token other than A or B.
	ErrInvalidChoice = errors.New("invalid choice")
	// ErrTopicUnavailable matches both a missing and a closed topic.
	ErrTopicUnavailable = errors.New("topic unavailable")
	// ErrTopicNotFound is returned when the topic does not exist.
	ErrTopicNotFound = fmt.Errorf("%w: not found", ErrTopicUnavailable)
	// ErrTopicClosed is returned when the topic exists but does not accept votes.
	ErrTopicClosed = fmt.Errorf("%w: closed", ErrTopicUnavailable)
	// ErrTransientStore is returned once retries are exhausted. Callers may retry the whole call.
	ErrTransientStore = errors.New("transient store error")

	// ErrRetryable tags store failures that a fresh transaction may not hit
	// (lock timeout, serialization failure, deadlock).
	ErrRetryable = errors.New("retryable store failure")
	// ErrConstraintViolation tags a uniqueness conflict with a concurrent writer.
	ErrConstraintViolation = errors.New("constraint violation")
)

// IsRetryable reports whether a transaction attempt failed for a concurrency reason.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable) ||
		errors.Is(err, ErrConstraintViolation) ||
		errors.Is(err, context.DeadlineExceeded)
}
