package core

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// Sentinel errors.
var (
	ErrIllegalTransition = errors.New("sniper: illegal status transition")
	ErrJobNotOwned       = errors.New("sniper: job not owned by this worker")
	ErrNotFound          = errors.New("sniper: not found")
	ErrAuthRequired      = errors.New("sniper: linkedin auth required")
	ErrInvalidInput      = errors.New("sniper: invalid input")
	ErrUnknownProvider   = errors.New("sniper: unknown provider")
	ErrConflict          = errors.New("sniper: conflicting operation in progress")
)

// Error codes stored on jobs and items.
const (
	CodeNeedsReauth        = "needs_reauth"
	CodeOutsideActiveHours = "outside_active_hours"
	CodeConcurrency        = "workspace_concurrency"
	CodeCooldown           = "cooldown_active"
	CodeCooldownBlocked    = "cooldown_blocked"
	CodeThrottledHourly    = "throttled_hourly"
	CodeThrottledDaily     = "throttled_daily"
	CodeAutomationDisabled = "automation_disabled"
	CodeProviderError      = "provider_error"
	CodeNoItems            = "no_items"
	CodeAuthRequired       = "auth_required"
	CodeNot1stDegree       = "not_1st_degree"
	CodeCanceled           = "canceled"
	CodeRetriesExhausted   = "retries_exhausted"
	CodeExternalFailure    = "external_failure"
)

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error {
	return e.Err
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %v: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Err: err, Delay: d}
}

// AuthRequiredError is raised when a browser action lands on a login or
// checkpoint page. It matches ErrAuthRequired with errors.Is.
type AuthRequiredError struct {
	URL        string
	Checkpoint bool
}

func (e *AuthRequiredError) Error() string {
	if e.Checkpoint {
		return fmt.Sprintf("linkedin checkpoint at %s", e.URL)
	}
	return fmt.Sprintf("linkedin login required at %s", e.URL)
}

func (e *AuthRequiredError) Is(target error) bool {
	return target == ErrAuthRequired
}

// AuthRequired builds an AuthRequiredError for the page url.
func AuthRequired(url string, checkpoint bool) error {
	return &AuthRequiredError{URL: url, Checkpoint: checkpoint}
}

// IsAuthRequired reports whether err signals an expired LinkedIn session.
func IsAuthRequired(err error) bool {
	return errors.Is(err, ErrAuthRequired)
}
