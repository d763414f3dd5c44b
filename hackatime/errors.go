// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"errors"
	"fmt"
)

// Error taxonomy for external sync requests and batch processing.
//
// AuthenticationError disables the owning source/mirror and requires the user
// to re-enter credentials. TransientError is eligible for the scheduler's
// backoff retry. RequestError is terminal and surfaced on the entity without
// auto-retry. Malformed input rows are skipped and counted, never raised.

// AuthenticationError means the remote endpoint rejected our credentials.
type AuthenticationError struct {
	Status int
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (%d)", e.Status)
}

// TransientError covers timeouts, connection failures, 408/429 and 5xx
// responses. The scheduler retries these with exponential backoff.
type TransientError struct {
	Status int
	Cause  error
}

func (e *TransientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient request failure: %v", e.Cause)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// RequestError is any other non-2xx outcome, including undecodable bodies.
// It is terminal: the entity is marked failed and no retry is attempted.
type RequestError struct {
	Status int
	Reason string
}

func (e *RequestError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// ErrBuildInProgress is returned when a leaderboard build is dropped because
// another build for the same (period, date) key is already running.
var ErrBuildInProgress = errors.New("leaderboard build already in progress")

// IsAuthenticationError reports whether err is an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsTransientError reports whether err should go through the scheduler's
// backoff retry policy.
func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classifyStatus maps a non-2xx HTTP status to the error taxonomy.
func classifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return &AuthenticationError{Status: status}
	case status == 408 || status == 429 || status >= 500:
		return &TransientError{Status: status}
	default:
		return &RequestError{Status: status}
	}
}
