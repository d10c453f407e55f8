// Package fault defines the sentinel error kinds shared across the lifecycle
// engine. Domain packages wrap these with context and callers match them with
// errors.Is.
package fault

import "errors"

var (
	// ErrDuplicateApplication signals the applicant already holds a
	// non-rejected application on the job.
	ErrDuplicateApplication = errors.New("duplicate application")

	// ErrInvalidTransition signals a milestone or payment command issued
	// against the wrong current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrSequenceViolation signals an attempt to activate a milestone whose
	// predecessor has not been approved.
	ErrSequenceViolation = errors.New("milestone sequence violation")

	// ErrInvalidContractState signals a command against a contract (or
	// application) in a state that cannot accept it, including terminal states.
	ErrInvalidContractState = errors.New("invalid contract state")

	// ErrConcurrentModification signals an optimistic version check lost the
	// race against another writer.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrSettlementFailure signals the simulated payment rail declined the
	// settlement; the payment stays retryable.
	ErrSettlementFailure = errors.New("settlement failure")

	// ErrPermissionDenied signals the acting user does not own the side of
	// the contract the command requires.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound signals the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)
