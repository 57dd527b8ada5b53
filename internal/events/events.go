package events

import (
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Publisher delivers one event to one audience (a rider or driver
// session). The transport fans out; the coordinator never sees
// connection objects.
type Publisher interface {
	Publish(audienceID, event string, payload any) error
}

const (
	OfferCreated  = "offer_created"
	RideAccepted  = "ride_accepted"
	RideCancelled = "ride_cancelled"
)

// StatusEvent names the event for a non-pending status, e.g.
// "ride_driver_arrived".
func StatusEvent(s models.RideStatus) string { return "ride_" + string(s) }

// Envelope is the wire shape for every published event.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// OfferPayload goes to the offered driver.
type OfferPayload struct {
	RideID         string           `json:"ride_id"`
	OfferID        string           `json:"offer_id"`
	Pickup         models.Point     `json:"pickup"`
	Destination    models.Point     `json:"destination"`
	Class          models.RideClass `json:"ride_class"`
	EstimatedPrice float64          `json:"estimated_price"`
	Attempt        int              `json:"attempt"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// AcceptedPayload goes to the rider once a driver commits.
type AcceptedPayload struct {
	RideID   string       `json:"ride_id"`
	DriverID string       `json:"driver_id"`
	Rating   float64      `json:"rating"`
	Location models.Coord `json:"location"`
}

// StatusPayload goes to the counterpart party on every lifecycle step.
type StatusPayload struct {
	RideID    string            `json:"ride_id"`
	Status    models.RideStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
}

// CancelledPayload goes to the counterpart party on cancellation.
type CancelledPayload struct {
	RideID      string    `json:"ride_id"`
	Reason      string    `json:"reason"`
	CancelledBy string    `json:"cancelled_by"`
	Fee         float64   `json:"fee,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

var statusMessages = map[models.Role]map[models.RideStatus]string{
	models.RoleRider: {
		models.StatusAccepted:      "Your ride has been accepted. Driver is on the way.",
		models.StatusDriverArrived: "Your driver has arrived at the pickup location.",
		models.StatusInProgress:    "Your ride is now in progress.",
		models.StatusCompleted:     "Your ride has been completed. Thank you for riding with us!",
		models.StatusCancelled:     "Your ride has been cancelled.",
	},
	models.RoleDriver: {
		models.StatusAccepted:      "You have accepted this ride request.",
		models.StatusDriverArrived: "You have arrived at the pickup location.",
		models.StatusInProgress:    "Ride is now in progress.",
		models.StatusCompleted:     "Ride has been completed successfully.",
		models.StatusCancelled:     "This ride has been cancelled.",
	},
}

// StatusMessage returns the human message shown to the given audience
// for a status change.
func StatusMessage(s models.RideStatus, audience models.Role) string {
	if m, ok := statusMessages[audience][s]; ok {
		return m
	}
	return "Ride status updated."
}
