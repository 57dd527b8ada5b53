package drivers

import (
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrUnknownDriver is returned when the driver was never registered.
	ErrUnknownDriver = errors.New("drivers: unknown driver")
	// ErrNotClaimable is returned when the driver cannot take a ride
	// right now (offline, unavailable, or already committed).
	ErrNotClaimable = errors.New("drivers: driver not claimable")
)

// Registry is the in-process owner of mutable driver state. Claim and
// Release are the only ways availability and ride assignment change, and
// both happen under one lock so no window exists where two rides could
// take the same driver.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]*models.Driver)}
}

// Upsert refreshes a driver snapshot, keeping the assignment fields the
// registry owns. Location updates must never toggle availability of a
// committed driver.
func (r *Registry) Upsert(d models.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.LocUpdated = time.Now()
	if cur, ok := r.drivers[d.ID]; ok {
		d.CurrentRideID = cur.CurrentRideID
		if cur.CurrentRideID != "" {
			d.Available = false
		}
	}
	cp := d
	r.drivers[d.ID] = &cp
}

func (r *Registry) Get(id string) (models.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	return *d, true
}

// Claim commits a driver to a ride. It fails unless the driver is
// online, available and uncommitted.
func (r *Registry) Claim(driverID, rideID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	if !d.Online || !d.Available || d.CurrentRideID != "" {
		return ErrNotClaimable
	}
	d.Available = false
	d.CurrentRideID = rideID
	return nil
}

// Release frees a driver after completion or cancellation. Releasing for
// a ride the driver is not committed to is a no-op, which makes the call
// safe on the loser side of accept/expiry races.
func (r *Registry) Release(driverID, rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok || d.CurrentRideID != rideID {
		return
	}
	d.CurrentRideID = ""
	d.Available = true
}

// FindAvailable implements geo.Index with a naive scan. Committed
// drivers are filtered by the available/currentRide check before any
// candidate leaves the registry.
func (r *Registry) FindAvailable(p models.Coord, radiusKm float64) ([]models.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Driver
	for _, d := range r.drivers {
		if !d.Online || !d.Available || !d.Verified || d.CurrentRideID != "" {
			continue
		}
		if geo.HaversineKm(p, d.Loc) > radiusKm {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

var _ geo.Index = (*Registry)(nil)
