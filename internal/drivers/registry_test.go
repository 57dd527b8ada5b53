package drivers

import (
	"errors"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func onlineDriver(id string) models.Driver {
	return models.Driver{ID: id, Online: true, Available: true, Verified: true, Rating: 4.5}
}

func TestClaimRelease(t *testing.T) {
	r := NewRegistry()
	r.Upsert(onlineDriver("d1"))

	if err := r.Claim("d1", "ride1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	d, _ := r.Get("d1")
	if d.Available || d.CurrentRideID != "ride1" {
		t.Fatalf("expected committed driver, got %+v", d)
	}
	if err := r.Claim("d1", "ride2"); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable, got %v", err)
	}

	// Release for the wrong ride must be a no-op.
	r.Release("d1", "ride2")
	if d, _ := r.Get("d1"); d.CurrentRideID != "ride1" {
		t.Fatalf("wrong-ride release mutated state: %+v", d)
	}
	r.Release("d1", "ride1")
	if d, _ := r.Get("d1"); !d.Available || d.CurrentRideID != "" {
		t.Fatalf("expected released driver, got %+v", d)
	}
}

func TestClaimUnknownDriver(t *testing.T) {
	r := NewRegistry()
	if err := r.Claim("nope", "ride1"); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	r := NewRegistry()
	r.Upsert(onlineDriver("d1"))

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Claim("d1", "ride"+string(rune('a'+i%26))); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", wins)
	}
}

func TestUpsertKeepsAssignment(t *testing.T) {
	r := NewRegistry()
	r.Upsert(onlineDriver("d1"))
	if err := r.Claim("d1", "ride1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// A location ping arriving mid-ride claims availability; the
	// registry must not believe it.
	r.Upsert(onlineDriver("d1"))
	d, _ := r.Get("d1")
	if d.Available || d.CurrentRideID != "ride1" {
		t.Fatalf("upsert clobbered assignment: %+v", d)
	}
}

func TestFindAvailableFilters(t *testing.T) {
	r := NewRegistry()
	r.Upsert(onlineDriver("near"))
	far := onlineDriver("far")
	far.Loc = models.Coord{Lat: 1, Lon: 1} // ~157km away
	r.Upsert(far)
	offline := onlineDriver("offline")
	offline.Online = false
	r.Upsert(offline)
	unverified := onlineDriver("unverified")
	unverified.Verified = false
	r.Upsert(unverified)
	busy := onlineDriver("busy")
	r.Upsert(busy)
	if err := r.Claim("busy", "ride1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := r.FindAvailable(models.Coord{}, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("expected only near driver, got %v", got)
	}
}
