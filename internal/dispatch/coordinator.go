package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/drivers"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	// ReasonNoDrivers is the cancellation reason when candidate search or
	// retries come up empty.
	ReasonNoDrivers = "no drivers available"
	// ReasonDispatchFailed is the cancellation reason when upstream
	// failures exhaust the automatic retry.
	ReasonDispatchFailed = "dispatch failed"
)

// Payments is the optional billing collaborator. Failures never block
// the ride lifecycle; they are logged and left for reconciliation.
type Payments interface {
	HoldFare(rideID string, amount float64) error
	CaptureFare(rideID string) error
	ReleaseFare(rideID string) error
	ChargeCancellationFee(rideID string, amount float64) error
}

// Config carries the dispatch policy knobs.
type Config struct {
	RadiusKm    float64       // candidate search radius
	OfferTTL    time.Duration // driver response deadline
	CancelGrace time.Duration // free cancellation window after acceptance
	CancelFee   float64       // flat fee past the grace period
}

func (c Config) withDefaults() Config {
	if c.RadiusKm <= 0 {
		c.RadiusKm = 10
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 30 * time.Second
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 5 * time.Minute
	}
	if c.CancelFee <= 0 {
		c.CancelFee = 2.0
	}
	return c
}

// Deps are the coordinator's collaborators. Payments and Logger are
// optional.
type Deps struct {
	Geo       geo.Index
	Fleet     *drivers.Registry
	Store     storage.RideStore
	Estimator *pricing.Estimator
	Publisher events.Publisher
	Payments  Payments
	Logger    *slog.Logger
}

// Coordinator owns the ride state machine and the offer protocol. All
// state-affecting operations on one ride are serialized through a
// per-ride lock; operations on different rides proceed independently.
type Coordinator struct {
	geo       geo.Index
	fleet     *drivers.Registry
	store     storage.RideStore
	estimator *pricing.Estimator
	publisher events.Publisher
	payments  Payments
	scheduler *Scheduler
	log       *slog.Logger
	cfg       Config

	now    func() time.Time
	demand func(time.Time) pricing.DemandLevel

	mu     sync.Mutex
	states map[string]*rideState
}

// rideState is the coordinator's working record for one ride: the
// authoritative in-memory copy plus the single-flight offer bookkeeping.
type rideState struct {
	mu       sync.Mutex
	ride     *models.RideRequest
	offer    *models.Offer
	handle   *Handle
	excluded map[string]bool
	attempt  int
	upstream int // consecutive upstream failures this pending phase
}

func New(deps Deps, cfg Config) *Coordinator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		geo:       deps.Geo,
		fleet:     deps.Fleet,
		store:     deps.Store,
		estimator: deps.Estimator,
		publisher: deps.Publisher,
		payments:  deps.Payments,
		scheduler: &Scheduler{},
		log:       log,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		demand:    pricing.CurrentDemand,
		states:    make(map[string]*rideState),
	}
}

// Create registers a new ride request for the rider, prices it and
// immediately runs the dispatch protocol.
func (c *Coordinator) Create(riderID string, pickup, destination models.Point, class models.RideClass, notes string) (*models.RideRequest, error) {
	if !class.Valid() {
		class = models.ClassStandard
	}
	if _, err := c.store.ActiveRideFor(riderID); err == nil {
		return nil, ErrActiveRideExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := c.now()
	est, err := c.estimator.Estimate(pickup.Coord, destination.Coord, class, c.demand(now))
	if err != nil {
		return nil, &UpstreamError{Upstream: "fare estimator", Err: err}
	}

	ride := &models.RideRequest{
		ID:                   uuid.NewString(),
		RiderID:              riderID,
		Pickup:               pickup,
		Destination:          destination,
		Class:                class,
		Status:               models.StatusPending,
		RiderNotes:           notes,
		EstimatedDistanceKm:  est.DistanceKm,
		EstimatedDurationMin: est.DurationMin,
		EstimatedPrice:       est.Price,
		RequestedAt:          now,
	}
	if err := c.store.SaveRide(ride); err != nil {
		return nil, err
	}

	st := &rideState{ride: ride, excluded: make(map[string]bool)}
	c.mu.Lock()
	c.states[ride.ID] = st
	c.mu.Unlock()

	observability.RidesCreated.Inc()
	c.log.Info("ride created", "ride_id", ride.ID, "rider_id", riderID, "class", class)

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := c.dispatchLocked(st); err != nil {
		// Upstream failure with the retry armed; the ride stays pending.
		c.log.Warn("initial dispatch deferred", "ride_id", ride.ID, "error", err)
	}
	return st.ride.Clone(), nil
}

// Dispatch runs one matching round for a pending ride. It is idempotent:
// while an offer is live it does nothing.
func (c *Coordinator) Dispatch(rideID string) error {
	st, err := c.state(rideID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.dispatchLocked(st)
}

// dispatchLocked runs a matching round. Callers hold st.mu.
func (c *Coordinator) dispatchLocked(st *rideState) error {
	ride := st.ride
	if ride.Status != models.StatusPending || st.offer != nil {
		return nil
	}

	candidates, err := c.geo.FindAvailable(ride.Pickup.Coord, c.cfg.RadiusKm)
	if err != nil {
		st.upstream++
		if st.upstream > 1 {
			c.log.Error("dispatch retries exhausted", "ride_id", ride.ID, "error", err)
			return c.cancelLocked(st, "", ReasonDispatchFailed, 0)
		}
		// Same treatment as an empty candidate round: try again after
		// one deadline.
		rideID := ride.ID
		st.handle = c.scheduler.Arm(c.cfg.OfferTTL, func() { c.retryDispatch(rideID) })
		return &UpstreamError{Upstream: "geo index", Err: err}
	}
	st.upstream = 0

	eligible := candidates[:0:0]
	for _, d := range candidates {
		if !st.excluded[d.ID] {
			eligible = append(eligible, d)
		}
	}
	ranked := matcher.Rank(eligible, *ride)
	if len(ranked) == 0 {
		c.log.Info("no drivers available", "ride_id", ride.ID, "attempt", st.attempt)
		observability.NoDriversTotal.Inc()
		return c.cancelLocked(st, "", ReasonNoDrivers, 0)
	}

	top := ranked[0]
	st.attempt++
	offer := &models.Offer{
		ID:        uuid.NewString(),
		RideID:    ride.ID,
		DriverID:  top.ID,
		Attempt:   st.attempt,
		ExpiresAt: c.now().Add(c.cfg.OfferTTL),
	}
	st.offer = offer

	c.publish(top.ID, events.OfferCreated, events.OfferPayload{
		RideID:         ride.ID,
		OfferID:        offer.ID,
		Pickup:         ride.Pickup,
		Destination:    ride.Destination,
		Class:          ride.Class,
		EstimatedPrice: ride.EstimatedPrice,
		Attempt:        offer.Attempt,
		ExpiresAt:      offer.ExpiresAt,
	})
	observability.OffersTotal.Inc()
	c.log.Info("offer created", "ride_id", ride.ID, "driver_id", top.ID, "attempt", offer.Attempt)

	rideID, offerID := ride.ID, offer.ID
	st.handle = c.scheduler.Arm(c.cfg.OfferTTL, func() { c.expireOffer(rideID, offerID) })
	return nil
}

// retryDispatch is the deadline callback for upstream-failure retries.
func (c *Coordinator) retryDispatch(rideID string) {
	st, err := c.state(rideID)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.handle = nil
	if err := c.dispatchLocked(st); err != nil {
		c.log.Warn("dispatch retry failed", "ride_id", rideID, "error", err)
	}
}

// expireOffer is the deadline callback for an unanswered offer. The
// offer ID check makes it a no-op when acceptance or decline won first.
func (c *Coordinator) expireOffer(rideID, offerID string) {
	st, err := c.state(rideID)
	if err != nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.offer == nil || st.offer.ID != offerID {
		return
	}
	c.log.Info("offer expired", "ride_id", rideID, "driver_id", st.offer.DriverID, "attempt", st.offer.Attempt)
	observability.OfferExpiriesTotal.Inc()
	st.excluded[st.offer.DriverID] = true
	st.offer = nil
	st.handle = nil
	if err := c.dispatchLocked(st); err != nil {
		c.log.Warn("redispatch after expiry failed", "ride_id", rideID, "error", err)
	}
}

// Accept commits the offered driver to the ride. Exactly one of a
// concurrent accept and the offer's expiry can win.
func (c *Coordinator) Accept(rideID, driverID string) (*models.RideRequest, error) {
	st, err := c.state(rideID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	ride := st.ride
	if ride.Status != models.StatusPending || st.offer == nil || st.offer.DriverID != driverID {
		return nil, ErrOfferExpired
	}

	if err := c.fleet.Claim(driverID, rideID); err != nil {
		// The offered driver can no longer take the ride; move on to the
		// next candidate right away instead of waiting out the deadline.
		c.consumeOfferLocked(st, driverID)
		if err := c.dispatchLocked(st); err != nil {
			c.log.Warn("redispatch after failed claim", "ride_id", rideID, "error", err)
		}
		return nil, ErrDriverUnavailable
	}

	now := c.now()
	next := ride.Clone()
	next.DriverID = driverID
	next.Status = models.StatusAccepted
	next.AcceptedAt = &now
	if err := c.store.UpdateRide(next); err != nil {
		c.fleet.Release(driverID, rideID)
		return nil, err
	}
	st.ride = next
	c.consumeOfferLocked(st, "")

	if c.payments != nil {
		if err := c.payments.HoldFare(rideID, next.EstimatedPrice); err != nil {
			c.log.Warn("fare hold failed", "ride_id", rideID, "error", err)
		}
	}

	driver, _ := c.fleet.Get(driverID)
	c.publish(next.RiderID, events.RideAccepted, events.AcceptedPayload{
		RideID:   rideID,
		DriverID: driverID,
		Rating:   driver.Rating,
		Location: driver.Loc,
	})
	observability.AcceptsTotal.Inc()
	c.log.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)
	return next.Clone(), nil
}

// Decline releases a live offer before its deadline and advances to the
// next candidate immediately.
func (c *Coordinator) Decline(rideID, driverID string) error {
	st, err := c.state(rideID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ride.Status != models.StatusPending || st.offer == nil || st.offer.DriverID != driverID {
		return ErrOfferExpired
	}
	c.log.Info("offer declined", "ride_id", rideID, "driver_id", driverID)
	observability.DeclinesTotal.Inc()
	c.consumeOfferLocked(st, driverID)
	return c.dispatchLocked(st)
}

// consumeOfferLocked destroys the live offer and its timer. A non-empty
// exclude adds the driver to this ride's exclusion set.
func (c *Coordinator) consumeOfferLocked(st *rideState, exclude string) {
	if exclude != "" {
		st.excluded[exclude] = true
	}
	st.offer = nil
	if st.handle != nil {
		st.handle.Cancel()
		st.handle = nil
	}
}

// Advance moves an accepted ride along driver_arrived -> in_progress ->
// completed. Acceptance and cancellation have dedicated operations.
func (c *Coordinator) Advance(rideID, actorID string, target models.RideStatus) (*models.RideRequest, error) {
	st, err := c.state(rideID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	ride := st.ride
	role := ride.RoleOf(actorID)
	if role == models.RoleNone {
		return nil, ErrUnauthorized
	}
	if target == models.StatusAccepted || target == models.StatusCancelled || !models.CanTransition(ride.Status, target) {
		return nil, &InvalidTransitionError{From: ride.Status, To: target}
	}

	now := c.now()
	next := ride.Clone()
	next.Status = target
	switch target {
	case models.StatusDriverArrived:
		next.ArrivedAt = &now
	case models.StatusInProgress:
		next.StartedAt = &now
	case models.StatusCompleted:
		next.CompletedAt = &now
		next.ActualPrice = c.estimator.Finalize(next)
	}
	if err := c.store.UpdateRide(next); err != nil {
		return nil, err
	}
	st.ride = next

	if target == models.StatusCompleted {
		c.fleet.Release(next.DriverID, rideID)
		if c.payments != nil {
			if err := c.payments.CaptureFare(rideID); err != nil {
				c.log.Warn("fare capture failed", "ride_id", rideID, "error", err)
			}
		}
		observability.CompletionsTotal.Inc()
	}

	audienceID, audienceRole := c.counterpart(next, role)
	c.publish(audienceID, events.StatusEvent(target), events.StatusPayload{
		RideID:    rideID,
		Status:    target,
		Timestamp: now,
		Message:   events.StatusMessage(target, audienceRole),
	})
	c.log.Info("ride advanced", "ride_id", rideID, "status", target, "by", string(role))
	return next.Clone(), nil
}

// RecordActuals stores the measured trip distance and duration while the
// ride is underway; completion uses them to finalize the price.
func (c *Coordinator) RecordActuals(rideID, actorID string, distanceKm, durationMin float64) error {
	st, err := c.state(rideID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ride.RoleOf(actorID) != models.RoleDriver {
		return ErrUnauthorized
	}
	if st.ride.Status != models.StatusInProgress {
		return ErrRideNotInProgress
	}
	next := st.ride.Clone()
	next.ActualDistanceKm = distanceKm
	next.ActualDurationMin = durationMin
	if err := c.store.UpdateRide(next); err != nil {
		return err
	}
	st.ride = next
	return nil
}

// Cancel terminates a non-terminal ride, charging the flat fee when a
// driver accepted longer than the grace period ago.
func (c *Coordinator) Cancel(rideID, actorID, reason string) (*models.RideRequest, error) {
	st, err := c.state(rideID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	ride := st.ride
	role := ride.RoleOf(actorID)
	if role == models.RoleNone {
		return nil, ErrUnauthorized
	}
	if ride.Status.Terminal() {
		return nil, ErrRideNotCancellable
	}
	fee := pricing.CancellationFee(ride.AcceptedAt, c.now(), c.cfg.CancelGrace, c.cfg.CancelFee)
	if err := c.cancelLocked(st, actorID, reason, fee); err != nil {
		return nil, err
	}
	return st.ride.Clone(), nil
}

// cancelLocked performs the terminal transition, invalidates any live
// offer and timer, releases the driver and notifies the counterpart.
// An empty cancelledBy marks a system cancellation (rider is notified).
func (c *Coordinator) cancelLocked(st *rideState, cancelledBy, reason string, fee float64) error {
	ride := st.ride
	var offeredDriver string
	if st.offer != nil {
		offeredDriver = st.offer.DriverID
	}
	now := c.now()
	next := ride.Clone()
	next.Status = models.StatusCancelled
	next.CancelledAt = &now
	next.CancelledBy = cancelledBy
	next.CancellationReason = reason
	next.CancellationFee = fee
	if err := c.store.UpdateRide(next); err != nil {
		return err
	}
	st.ride = next
	c.consumeOfferLocked(st, "")

	if next.DriverID != "" {
		c.fleet.Release(next.DriverID, next.ID)
	}
	if c.payments != nil && next.AcceptedAt != nil {
		if err := c.payments.ReleaseFare(next.ID); err != nil {
			c.log.Warn("fare release failed", "ride_id", next.ID, "error", err)
		}
		if fee > 0 {
			if err := c.payments.ChargeCancellationFee(next.ID, fee); err != nil {
				c.log.Warn("cancellation fee charge failed", "ride_id", next.ID, "error", err)
			}
		}
	}

	payload := events.CancelledPayload{
		RideID:      next.ID,
		Reason:      reason,
		CancelledBy: cancelledBy,
		Fee:         fee,
		Timestamp:   now,
	}
	switch {
	case cancelledBy == "" || cancelledBy == next.RiderID:
		if next.DriverID != "" {
			c.publish(next.DriverID, events.RideCancelled, payload)
		} else if offeredDriver != "" {
			c.publish(offeredDriver, events.RideCancelled, payload)
		}
		if cancelledBy == "" {
			c.publish(next.RiderID, events.RideCancelled, payload)
		}
	default:
		c.publish(next.RiderID, events.RideCancelled, payload)
	}
	observability.CancellationsTotal.WithLabelValues(cancelReasonLabel(reason)).Inc()
	c.log.Info("ride cancelled", "ride_id", next.ID, "reason", reason, "fee", fee)
	return nil
}

// Get returns the ride to one of its parties.
func (c *Coordinator) Get(rideID, actorID string) (*models.RideRequest, error) {
	st, err := c.state(rideID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ride.RoleOf(actorID) == models.RoleNone {
		return nil, ErrUnauthorized
	}
	return st.ride.Clone(), nil
}

// ActiveRide returns the actor's current non-terminal ride, if any.
func (c *Coordinator) ActiveRide(actorID string) (*models.RideRequest, error) {
	r, err := c.store.ActiveRideFor(actorID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	return r, err
}

// History lists the actor's rides, newest first.
func (c *Coordinator) History(actorID string, status models.RideStatus, limit, offset int) ([]*models.RideRequest, error) {
	return c.store.ListByParty(actorID, status, limit, offset)
}

// counterpart picks the audience for a status event: the rider when the
// driver acted, the driver when the rider acted.
func (c *Coordinator) counterpart(r *models.RideRequest, actor models.Role) (string, models.Role) {
	if actor == models.RoleDriver {
		return r.RiderID, models.RoleRider
	}
	return r.DriverID, models.RoleDriver
}

func (c *Coordinator) publish(audienceID, event string, payload any) {
	if audienceID == "" {
		return
	}
	if err := c.publisher.Publish(audienceID, event, payload); err != nil {
		c.log.Debug("event delivery failed", "audience", audienceID, "event", event, "error", err)
	}
}

// state returns the working record for a ride, loading it from storage
// when the coordinator has not seen it yet (reads after a restart).
func (c *Coordinator) state(rideID string) (*rideState, error) {
	c.mu.Lock()
	if st, ok := c.states[rideID]; ok {
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	ride, err := c.store.GetRide(rideID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRideNotFound
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[rideID]; ok {
		return st, nil
	}
	st := &rideState{ride: ride, excluded: make(map[string]bool)}
	c.states[rideID] = st
	return st, nil
}

func cancelReasonLabel(reason string) string {
	switch reason {
	case ReasonNoDrivers, ReasonDispatchFailed:
		return reason
	default:
		return "user"
	}
}
