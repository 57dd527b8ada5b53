package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// ErrNotFound is returned when no ride matches the query.
var ErrNotFound = errors.New("storage: ride not found")

// RideStore defines persistence for ride requests. Implementations must
// treat Save/Update as full-row writes; the coordinator owns all
// mutation and hands over complete records.
type RideStore interface {
	SaveRide(r *models.RideRequest) error
	UpdateRide(r *models.RideRequest) error
	GetRide(id string) (*models.RideRequest, error)
	// ActiveRideFor returns the actor's ride in a non-terminal state,
	// whether they are its rider or its driver.
	ActiveRideFor(actorID string) (*models.RideRequest, error)
	// ListByParty returns the actor's rides, newest first. An empty
	// status matches all statuses.
	ListByParty(actorID string, status models.RideStatus, limit, offset int) ([]*models.RideRequest, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.RideRequest)}
}

func (m *MemoryStore) SaveRide(r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) UpdateRide(r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return ErrNotFound
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ActiveRideFor(actorID string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.Status.Terminal() {
			continue
		}
		if r.RiderID == actorID || (r.DriverID != "" && r.DriverID == actorID) {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByParty(actorID string, status models.RideStatus, limit, offset int) ([]*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.RideRequest
	for _, r := range m.rides {
		if r.RiderID != actorID && r.DriverID != actorID {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
