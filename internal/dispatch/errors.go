package dispatch

import (
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrActiveRideExists rejects a create while the rider already has a
	// ride in a non-terminal state.
	ErrActiveRideExists = errors.New("dispatch: rider already has an active ride")
	// ErrOfferExpired means the offer was already consumed by acceptance,
	// decline or expiry. Callers treat it as informational.
	ErrOfferExpired = errors.New("dispatch: offer is no longer live")
	// ErrDriverUnavailable means the accepting driver can no longer take
	// the ride (went offline or committed elsewhere).
	ErrDriverUnavailable = errors.New("dispatch: driver unavailable")
	// ErrRideNotCancellable rejects cancellation of a terminal ride.
	ErrRideNotCancellable = errors.New("dispatch: ride cannot be cancelled")
	// ErrRideNotFound is returned for unknown ride IDs.
	ErrRideNotFound = errors.New("dispatch: ride not found")
	// ErrUnauthorized means the actor is neither the rider nor the
	// assigned driver of the ride.
	ErrUnauthorized = errors.New("dispatch: actor is not a party to this ride")
	// ErrRideNotInProgress rejects actuals recording outside in_progress.
	ErrRideNotInProgress = errors.New("dispatch: ride is not in progress")
)

// InvalidTransitionError reports a status change that is not an edge of
// the ride state machine. State is left untouched.
type InvalidTransitionError struct {
	From, To models.RideStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("dispatch: invalid transition from %s to %s", e.From, e.To)
}

// UpstreamError wraps a Geo Index or Fare Estimator failure.
type UpstreamError struct {
	Upstream string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("dispatch: %s unavailable: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
