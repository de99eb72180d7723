/*
errors.go - Error types for the session state machine

PURPOSE:
  Every action a participant takes either succeeds, is rejected by a guard
  (nothing changes), names something that does not exist, carries bad
  input, or hits a persistence failure that ends the session.

ERROR CATEGORIES:
  1. Rejections - GuardError, unwraps to ErrRejected
  2. Not found - unknown session, tile, contact or prep action
  3. Invalid input - scores or decision choice
  4. Session failure - the event log could not be written

SEE ALSO:
  - controller.go: returns these errors
  - api/handlers.go: maps them to HTTP status codes
*/
package survey

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRejected is returned when an action's guard is false. State and
	// log are left untouched.
	ErrRejected = errors.New("action rejected")

	// ErrSessionFailed is returned by every action once the session's log
	// could not be persisted.
	ErrSessionFailed = errors.New("session failed")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	ErrTileNotFound       = errors.New("tile not found")
	ErrContactNotFound    = errors.New("contact not found")
	ErrPrepActionNotFound = errors.New("preparation action not found")

	// ErrInvalidScores is returned for an assessment with unknown variables
	// or values outside 0..100.
	ErrInvalidScores = errors.New("invalid assessment scores")

	// ErrInvalidChoice is returned for an unknown decision.
	ErrInvalidChoice = errors.New("invalid decision choice")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// GuardError describes why an action was refused.
type GuardError struct {
	Action string
	Phase  Phase
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s rejected in %s phase: %s", e.Action, e.Phase, e.Reason)
}

func (e *GuardError) Unwrap() error {
	return ErrRejected
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRejected returns true if a guard refused the action.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidScores) ||
		errors.Is(err, ErrInvalidChoice)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrTileNotFound) ||
		errors.Is(err, ErrContactNotFound) ||
		errors.Is(err, ErrPrepActionNotFound)
}
