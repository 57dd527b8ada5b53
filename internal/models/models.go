package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point is a coordinate with a human-readable address label.
type Point struct {
	Coord
	Address string `json:"address"`
}

type RideClass string

const (
	ClassEconomy  RideClass = "economy"
	ClassStandard RideClass = "standard"
	ClassPremium  RideClass = "premium"
)

func (c RideClass) Valid() bool {
	switch c {
	case ClassEconomy, ClassStandard, ClassPremium:
		return true
	}
	return false
}

type RideStatus string

const (
	StatusPending       RideStatus = "pending"
	StatusAccepted      RideStatus = "accepted"
	StatusDriverArrived RideStatus = "driver_arrived"
	StatusInProgress    RideStatus = "in_progress"
	StatusCompleted     RideStatus = "completed"
	StatusCancelled     RideStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// validTransitions is the ride state machine. Cancellation is reachable
// from every non-terminal state.
var validTransitions = map[RideStatus][]RideStatus{
	StatusPending:       {StatusAccepted, StatusCancelled},
	StatusAccepted:      {StatusDriverArrived, StatusCancelled},
	StatusDriverArrived: {StatusInProgress, StatusCancelled},
	StatusInProgress:    {StatusCompleted, StatusCancelled},
	StatusCompleted:     {},
	StatusCancelled:     {},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to RideStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role of an actor relative to a specific ride.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
	RoleNone   Role = "none"
)

type RideRequest struct {
	ID          string     `json:"id"`
	RiderID     string     `json:"rider_id"`
	DriverID    string     `json:"driver_id,omitempty"`
	Pickup      Point      `json:"pickup"`
	Destination Point      `json:"destination"`
	Class       RideClass  `json:"ride_class"`
	Status      RideStatus `json:"status"`
	RiderNotes  string     `json:"rider_notes,omitempty"`

	EstimatedDistanceKm  float64 `json:"estimated_distance_km"`
	EstimatedDurationMin float64 `json:"estimated_duration_min"`
	EstimatedPrice       float64 `json:"estimated_price"`

	ActualDistanceKm  float64 `json:"actual_distance_km,omitempty"`
	ActualDurationMin float64 `json:"actual_duration_min,omitempty"`
	ActualPrice       float64 `json:"actual_price,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy        string  `json:"cancelled_by,omitempty"`
	CancellationReason string  `json:"cancellation_reason,omitempty"`
	CancellationFee    float64 `json:"cancellation_fee,omitempty"`
}

// RoleOf resolves an actor's role relative to this ride. Authorizing the
// actor itself is the identity collaborator's concern; only the
// relationship to the ride is checked here.
func (r *RideRequest) RoleOf(actorID string) Role {
	switch {
	case actorID == r.RiderID:
		return RoleRider
	case r.DriverID != "" && actorID == r.DriverID:
		return RoleDriver
	default:
		return RoleNone
	}
}

// Clone returns a deep copy so callers never share timestamp pointers
// with the coordinator's working copy.
func (r *RideRequest) Clone() *RideRequest {
	cp := *r
	cp.AcceptedAt = copyTime(r.AcceptedAt)
	cp.ArrivedAt = copyTime(r.ArrivedAt)
	cp.StartedAt = copyTime(r.StartedAt)
	cp.CompletedAt = copyTime(r.CompletedAt)
	cp.CancelledAt = copyTime(r.CancelledAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Driver struct {
	ID             string      `json:"id"`
	Online         bool        `json:"online"`
	Available      bool        `json:"available"`
	Verified       bool        `json:"verified"`
	Loc            Coord       `json:"loc"`
	LocUpdated     time.Time   `json:"loc_updated"`
	Rating         float64     `json:"rating"`          // 1..5
	AcceptanceRate float64     `json:"acceptance_rate"` // 0..100
	AvgResponseSec float64     `json:"avg_response_sec"`
	Preferences    []RideClass `json:"preferences,omitempty"`
	CurrentRideID  string      `json:"current_ride_id,omitempty"`
}

// Prefers reports whether the driver lists the class as a preference.
func (d *Driver) Prefers(c RideClass) bool {
	for _, p := range d.Preferences {
		if p == c {
			return true
		}
	}
	return false
}

// Offer is a time-boxed proposal of one ride to one driver. At most one
// live offer exists per ride; it dies on accept, decline or expiry.
type Offer struct {
	ID        string    `json:"id"`
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	Attempt   int       `json:"attempt"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Estimate is the fare estimator's answer for a prospective ride.
type Estimate struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
	Price       float64 `json:"price"`
}
