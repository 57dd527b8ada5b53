package dispatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

type recordedEvent struct {
	Audience string
	Event    string
	Payload  any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(audienceID, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Audience: audienceID, Event: event, Payload: payload})
	return nil
}

func (p *fakePublisher) all() []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]recordedEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePublisher) count(event string) int {
	n := 0
	for _, e := range p.all() {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (p *fakePublisher) last(event string) (recordedEvent, bool) {
	evs := p.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Event == event {
			return evs[i], true
		}
	}
	return recordedEvent{}, false
}

type fakePayments struct {
	mu       sync.Mutex
	holds    []string
	captures []string
	releases []string
	fees     []float64
}

func (p *fakePayments) HoldFare(rideID string, amount float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holds = append(p.holds, rideID)
	return nil
}

func (p *fakePayments) CaptureFare(rideID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures = append(p.captures, rideID)
	return nil
}

func (p *fakePayments) ReleaseFare(rideID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases = append(p.releases, rideID)
	return nil
}

func (p *fakePayments) ChargeCancellationFee(rideID string, amount float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fees = append(p.fees, amount)
	return nil
}

// flakyGeo fails a set number of lookups before delegating to the fleet.
type flakyGeo struct {
	mu    sync.Mutex
	fails int
	inner geo.Index
}

func (g *flakyGeo) FindAvailable(p models.Coord, radiusKm float64) ([]models.Driver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fails > 0 {
		g.fails--
		return nil, errors.New("geo index unavailable")
	}
	return g.inner.FindAvailable(p, radiusKm)
}

type fixture struct {
	coord     *Coordinator
	fleet     *drivers.Registry
	store     *storage.MemoryStore
	publisher *fakePublisher
	payments  *fakePayments
}

func newFixture(cfg Config) *fixture {
	fleet := drivers.NewRegistry()
	store := storage.NewMemoryStore()
	pub := &fakePublisher{}
	pay := &fakePayments{}
	c := New(Deps{
		Geo:       fleet,
		Fleet:     fleet,
		Store:     store,
		Estimator: &pricing.Estimator{DefaultSpeedKmh: 30},
		Publisher: pub,
		Payments:  pay,
		Logger:    logging.NewNop(),
	}, cfg)
	return &fixture{coord: c, fleet: fleet, store: store, publisher: pub, payments: pay}
}

func (f *fixture) addDriver(id string, loc models.Coord) {
	f.fleet.Upsert(models.Driver{
		ID:             id,
		Online:         true,
		Available:      true,
		Verified:       true,
		Loc:            loc,
		Rating:         4.5,
		AcceptanceRate: 90,
		AvgResponseSec: 10,
	})
}

var (
	pickup  = models.Point{Coord: models.Coord{Lat: 12.9716, Lon: 77.5946}, Address: "MG Road"}
	dropoff = models.Point{Coord: models.Coord{Lat: 13.0358, Lon: 77.5970}, Address: "Hebbal"}
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCreateWithNoDriversCancels(t *testing.T) {
	f := newFixture(Config{})
	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ride.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", ride.Status)
	}
	if ride.CancellationReason != ReasonNoDrivers {
		t.Fatalf("reason = %q", ride.CancellationReason)
	}
	if ride.CancellationFee != 0 {
		t.Fatalf("fee = %v, want 0", ride.CancellationFee)
	}
	if ev, ok := f.publisher.last(events.RideCancelled); !ok || ev.Audience != "rider-1" {
		t.Fatalf("rider was not notified: %+v", ev)
	}
}

func TestCreateOffersClosestDriver(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d-near", models.Coord{Lat: 12.9720, Lon: 77.5950})
	f.addDriver("d-far", models.Coord{Lat: 13.0000, Lon: 77.6100})

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassStandard, "ring the bell")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ride.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending", ride.Status)
	}
	if ride.EstimatedPrice <= 0 || ride.EstimatedDistanceKm <= 0 {
		t.Fatalf("estimate not populated: %+v", ride)
	}
	ev, ok := f.publisher.last(events.OfferCreated)
	if !ok || ev.Audience != "d-near" {
		t.Fatalf("offer went to %q, want d-near", ev.Audience)
	}
	payload := ev.Payload.(events.OfferPayload)
	if payload.RideID != ride.ID || payload.Attempt != 1 {
		t.Fatalf("bad offer payload: %+v", payload)
	}
}

func TestActiveRideBlocksSecondRequest(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)
	if _, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, ""); !errors.Is(err, ErrActiveRideExists) {
		t.Fatalf("err = %v, want ErrActiveRideExists", err)
	}
}

func TestOfferExpiryAdvancesToNextDriver(t *testing.T) {
	f := newFixture(Config{OfferTTL: 15 * time.Millisecond})
	f.addDriver("d1", pickup.Coord)
	f.addDriver("d2", models.Coord{Lat: 12.9800, Lon: 77.6000})

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.publisher.count(events.OfferCreated) >= 2 })
	ev, _ := f.publisher.last(events.OfferCreated)
	if ev.Audience != "d2" {
		t.Fatalf("second offer went to %q, want d2", ev.Audience)
	}
	// After d2's deadline passes with no remaining candidates the ride
	// is cancelled for the rider.
	waitFor(t, time.Second, func() bool {
		r, err := f.store.GetRide(ride.ID)
		return err == nil && r.Status == models.StatusCancelled
	})
	r, _ := f.store.GetRide(ride.ID)
	if r.CancellationReason != ReasonNoDrivers {
		t.Fatalf("reason = %q", r.CancellationReason)
	}
}

func TestExpiredDriverCannotAccept(t *testing.T) {
	f := newFixture(Config{OfferTTL: 40 * time.Millisecond})
	f.addDriver("d1", pickup.Coord)
	f.addDriver("d2", models.Coord{Lat: 12.9800, Lon: 77.6000})

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.publisher.count(events.OfferCreated) >= 2 })
	if _, err := f.coord.Accept(ride.ID, "d1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("stale accept err = %v, want ErrOfferExpired", err)
	}
	if _, err := f.coord.Accept(ride.ID, "d2"); err != nil {
		t.Fatalf("live offer accept: %v", err)
	}
}

func TestConcurrentAcceptsHaveOneWinner(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Accept(ride.ID, "d1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrOfferExpired) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	d, _ := f.fleet.Get("d1")
	if d.CurrentRideID != ride.ID || d.Available {
		t.Fatalf("driver not committed after accept: %+v", d)
	}
}

func TestDeclineMovesToNextCandidate(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)
	f.addDriver("d2", models.Coord{Lat: 12.9800, Lon: 77.6000})

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.coord.Decline(ride.ID, "d1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	ev, _ := f.publisher.last(events.OfferCreated)
	if ev.Audience != "d2" {
		t.Fatalf("offer after decline went to %q, want d2", ev.Audience)
	}
	// d1 is excluded for this ride; a second decline is stale.
	if err := f.coord.Decline(ride.ID, "d1"); !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("stale decline err = %v", err)
	}
}

func TestAcceptWithUnclaimableDriverRedispatches(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)
	f.addDriver("d2", models.Coord{Lat: 12.9800, Lon: 77.6000})

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// d1 gets committed to another ride behind the coordinator's back.
	if err := f.fleet.Claim("d1", "other-ride"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.coord.Accept(ride.ID, "d1"); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("err = %v, want ErrDriverUnavailable", err)
	}
	ev, _ := f.publisher.last(events.OfferCreated)
	if ev.Audience != "d2" {
		t.Fatalf("redispatch offered %q, want d2", ev.Audience)
	}
}

func TestDispatchIdempotentWhileOfferLive(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := f.coord.Dispatch(ride.ID); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if n := f.publisher.count(events.OfferCreated); n != 1 {
		t.Fatalf("offers = %d, want 1", n)
	}
}

func TestAdvanceRejectsIllegalTransitions(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var tErr *InvalidTransitionError
	if _, err := f.coord.Advance(ride.ID, "rider-1", models.StatusCompleted); !errors.As(err, &tErr) {
		t.Fatalf("pending->completed err = %v, want InvalidTransitionError", err)
	}
	if _, err := f.coord.Advance(ride.ID, "rider-1", models.StatusAccepted); !errors.As(err, &tErr) {
		t.Fatalf("acceptance via Advance err = %v, want InvalidTransitionError", err)
	}
	r, _ := f.store.GetRide(ride.ID)
	if r.Status != models.StatusPending {
		t.Fatalf("rejected transition mutated the ride: %s", r.Status)
	}
}

func TestStrangerCannotTouchRide(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.coord.Get(ride.ID, "stranger"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("get err = %v", err)
	}
	if _, err := f.coord.Cancel(ride.ID, "stranger", "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("cancel err = %v", err)
	}
	if _, err := f.coord.Advance(ride.ID, "stranger", models.StatusDriverArrived); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("advance err = %v", err)
	}
	r, _ := f.store.GetRide(ride.ID)
	if r.Status != models.StatusPending {
		t.Fatalf("unauthorized call mutated the ride: %s", r.Status)
	}
}

func TestUnknownRide(t *testing.T) {
	f := newFixture(Config{})
	if _, err := f.coord.Accept("missing", "d1"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("err = %v, want ErrRideNotFound", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassStandard, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.coord.Accept(ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.coord.Advance(ride.ID, "d1", models.StatusDriverArrived); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := f.coord.Advance(ride.ID, "d1", models.StatusInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.coord.RecordActuals(ride.ID, "d1", 8.0, 20.0); err != nil {
		t.Fatalf("actuals: %v", err)
	}
	done, err := f.coord.Advance(ride.ID, "d1", models.StatusCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	// 3.0 + 8*1.5 + 20*0.25 = 20.0
	if done.ActualPrice != 20.0 {
		t.Fatalf("actual price = %v, want 20.0", done.ActualPrice)
	}
	if done.AcceptedAt == nil || done.ArrivedAt == nil || done.StartedAt == nil || done.CompletedAt == nil {
		t.Fatalf("lifecycle timestamps missing: %+v", done)
	}
	d, _ := f.fleet.Get("d1")
	if d.CurrentRideID != "" || !d.Available {
		t.Fatalf("driver not released after completion: %+v", d)
	}
	if len(f.payments.holds) != 1 || len(f.payments.captures) != 1 {
		t.Fatalf("payments: holds=%v captures=%v", f.payments.holds, f.payments.captures)
	}
	ev, ok := f.publisher.last(events.StatusEvent(models.StatusCompleted))
	if !ok || ev.Audience != "rider-1" {
		t.Fatalf("rider missed the completion event: %+v", ev)
	}
	if msg := ev.Payload.(events.StatusPayload).Message; msg == "" {
		t.Fatal("completion event carried no message")
	}
}

func TestCancellationFeeAfterGracePeriod(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute, CancelGrace: 5 * time.Minute, CancelFee: 2.0})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.coord.Accept(ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.coord.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	got, err := f.coord.Cancel(ride.ID, "rider-1", "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.CancellationFee != 2.0 {
		t.Fatalf("fee = %v, want 2.0", got.CancellationFee)
	}
	if got.CancelledBy != "rider-1" {
		t.Fatalf("cancelled_by = %q", got.CancelledBy)
	}
	d, _ := f.fleet.Get("d1")
	if d.CurrentRideID != "" || !d.Available {
		t.Fatalf("driver not released after cancellation: %+v", d)
	}
	if len(f.payments.releases) != 1 || len(f.payments.fees) != 1 || f.payments.fees[0] != 2.0 {
		t.Fatalf("payments: releases=%v fees=%v", f.payments.releases, f.payments.fees)
	}
	if ev, ok := f.publisher.last(events.RideCancelled); !ok || ev.Audience != "d1" {
		t.Fatalf("driver missed the cancellation: %+v", ev)
	}
}

func TestCancellationFreeWithinGrace(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute, CancelGrace: 5 * time.Minute, CancelFee: 2.0})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.coord.Accept(ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, err := f.coord.Cancel(ride.ID, "rider-1", "wrong pickup")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.CancellationFee != 0 {
		t.Fatalf("fee = %v, want 0", got.CancellationFee)
	}
	if len(f.payments.fees) != 0 {
		t.Fatalf("fee charged inside the grace period: %v", f.payments.fees)
	}
}

func TestCancelPendingNotifiesOfferedDriver(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.coord.Cancel(ride.ID, "rider-1", "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ev, ok := f.publisher.last(events.RideCancelled); !ok || ev.Audience != "d1" {
		t.Fatalf("offered driver missed the cancellation: %+v", ev)
	}
	// Terminal rides stay terminal.
	if _, err := f.coord.Cancel(ride.ID, "rider-1", "again"); !errors.Is(err, ErrRideNotCancellable) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestUpstreamFailureRetriesThenCancels(t *testing.T) {
	f := newFixture(Config{OfferTTL: 10 * time.Millisecond})
	g := &flakyGeo{fails: 2, inner: f.fleet}
	f.coord.geo = g
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ride.Status != models.StatusPending {
		t.Fatalf("status = %s, want pending while retry is armed", ride.Status)
	}
	waitFor(t, time.Second, func() bool {
		r, err := f.store.GetRide(ride.ID)
		return err == nil && r.Status == models.StatusCancelled
	})
	r, _ := f.store.GetRide(ride.ID)
	if r.CancellationReason != ReasonDispatchFailed {
		t.Fatalf("reason = %q, want %q", r.CancellationReason, ReasonDispatchFailed)
	}
}

func TestUpstreamFailureRecoversOnRetry(t *testing.T) {
	f := newFixture(Config{OfferTTL: 40 * time.Millisecond})
	g := &flakyGeo{fails: 1, inner: f.fleet}
	f.coord.geo = g
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, time.Second, func() bool { return f.publisher.count(events.OfferCreated) >= 1 })
	if _, err := f.coord.Accept(ride.ID, "d1"); err != nil {
		t.Fatalf("accept after recovery: %v", err)
	}
}

func TestHistoryAndActive(t *testing.T) {
	f := newFixture(Config{OfferTTL: time.Minute})
	f.addDriver("d1", pickup.Coord)

	ride, err := f.coord.Create("rider-1", pickup, dropoff, models.ClassEconomy, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	active, err := f.coord.ActiveRide("rider-1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != ride.ID {
		t.Fatalf("active ride = %s, want %s", active.ID, ride.ID)
	}
	if _, err := f.coord.ActiveRide("rider-2"); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("err = %v, want ErrRideNotFound", err)
	}
	list, err := f.coord.History("rider-1", "", 10, 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("history = %v, %v", list, err)
	}
}
