// Package retry provides bounded exponential backoff with explicit
// classification of errors into transient and permanent kinds.
//
// Network collaborators (the Parliament API, embedding providers, Qdrant)
// mark their failures with Transient or Permanent. Do retries only the
// transient ones, and Tag renders the classification into the text stored in
// a queue item's last_error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Retry defaults
const (
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

var (
	// ErrTransient marks failures that may succeed on a later attempt
	// (timeouts, rate limits, 5xx, dropped connections).
	ErrTransient = errors.New("transient")
	// ErrPermanent marks failures that will not succeed without a change
	// to the input (malformed content, 4xx other than 429).
	ErrPermanent = errors.New("permanent")
)

// Class is the retry classification of an error.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

type classified struct {
	err   error
	class error
}

func (c *classified) Error() string { return c.err.Error() }

func (c *classified) Unwrap() []error { return []error{c.err, c.class} }

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ErrTransient}
}

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ErrPermanent}
}

// FromStatus classifies an HTTP status code: 429, 408 and 5xx are transient,
// every other non-2xx status is permanent.
func FromStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}

// Classify reports the class of err. A permanent mark anywhere in the chain
// wins. Unmarked errors (deadlines, dropped connections, anything unexpected)
// are transient so the bounded retry budget is spent before an item is given
// up on.
func Classify(err error) Class {
	if errors.Is(err, ErrPermanent) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// Tag renders err for last_error, prefixed with its class: "[transient] ..."
// or "[permanent] ...".
func Tag(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s", Classify(err), err.Error())
}

// ClassOfTag extracts the class recorded by Tag, if any.
func ClassOfTag(msg string) (Class, bool) {
	switch {
	case strings.HasPrefix(msg, "["+string(ClassTransient)+"]"):
		return ClassTransient, true
	case strings.HasPrefix(msg, "["+string(ClassPermanent)+"]"):
		return ClassPermanent, true
	}
	return "", false
}

// Config configures exponential backoff retry behavior
type Config struct {
	MaxRetries int           // Maximum number of attempts
	BaseDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay between retries
	Multiplier float64       // Exponential backoff multiplier
}

// DefaultConfig returns sensible defaults for API retry
func DefaultConfig() Config {
	return Config{
		MaxRetries: MaxRetries,
		BaseDelay:  time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier: BackoffMultiplier,
	}
}

// WithMaxRetries returns a copy of c with MaxRetries set when n > 0.
func (c Config) WithMaxRetries(n int) Config {
	if n > 0 {
		c.MaxRetries = n
	}
	return c
}

// Do executes fn with exponential backoff. Only transient errors are
// retried; a permanent error is returned immediately. Retry stops on
// context cancellation.
func Do[T any](ctx context.Context, config Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var lastErr error
	var zero T
	backoff := config.BaseDelay
	attempts := config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = BackoffMultiplier
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !IsTransient(err) {
			return zero, err
		}

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, Transient(fmt.Errorf("%w (after %v)", ctx.Err(), err))
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return zero, Transient(ctx.Err())
			case <-time.After(backoff):
				backoff = time.Duration(float64(backoff) * multiplier)
				if config.MaxDelay > 0 && backoff > config.MaxDelay {
					backoff = config.MaxDelay
				}
			}
		}
	}

	return zero, fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}
