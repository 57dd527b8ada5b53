package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func seedRide(id, rider, driver string, status models.RideStatus, at time.Time) *models.RideRequest {
	return &models.RideRequest{ID: id, RiderID: rider, DriverID: driver, Status: status, RequestedAt: at}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	base := time.Now()
	r := seedRide("r1", "rider-1", "", models.StatusPending, base)
	if err := m.SaveRide(r); err != nil {
		t.Fatalf("save: %v", err)
	}

	// The store must hold its own copy.
	r.Status = models.StatusCancelled
	got, err := m.GetRide("r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Fatal("store shared memory with the caller")
	}

	if err := m.UpdateRide(seedRide("missing", "x", "", models.StatusPending, base)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}
}

func TestActiveRideForMatchesEitherParty(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now()
	_ = m.SaveRide(seedRide("r1", "rider-1", "d1", models.StatusInProgress, now))
	_ = m.SaveRide(seedRide("r2", "rider-2", "", models.StatusCompleted, now))

	if r, err := m.ActiveRideFor("d1"); err != nil || r.ID != "r1" {
		t.Fatalf("driver lookup: %v %v", r, err)
	}
	if _, err := m.ActiveRideFor("rider-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal ride counted as active: %v", err)
	}
}

func TestListByPartyOrderingAndPaging(t *testing.T) {
	m := NewMemoryStore()
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		_ = m.SaveRide(seedRide(id, "rider-1", "", models.StatusCancelled, base.Add(time.Duration(i)*time.Minute)))
	}
	_ = m.SaveRide(seedRide("other", "rider-2", "", models.StatusPending, base))

	out, err := m.ListByParty("rider-1", "", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 2 || out[0].ID != "c" || out[1].ID != "b" {
		t.Fatalf("expected newest first with limit, got %v", ids(out))
	}
	out, _ = m.ListByParty("rider-1", "", 2, 2)
	if len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("offset page wrong: %v", ids(out))
	}
	out, _ = m.ListByParty("rider-1", models.StatusPending, 0, 0)
	if len(out) != 0 {
		t.Fatalf("status filter leaked: %v", ids(out))
	}
}

func ids(rs []*models.RideRequest) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
