package pricing

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DemandLevel feeds surge pricing.
type DemandLevel string

const (
	DemandLow     DemandLevel = "low"
	DemandMedium  DemandLevel = "medium"
	DemandHigh    DemandLevel = "high"
	DemandExtreme DemandLevel = "extreme"
)

var surgeFactors = map[DemandLevel]float64{
	DemandLow:     1.0,
	DemandMedium:  1.5,
	DemandHigh:    2.0,
	DemandExtreme: 3.0,
}

type rateCard struct {
	baseFare    float64
	perKm       float64
	perMinute   float64
	minimumFare float64
}

var rates = map[models.RideClass]rateCard{
	models.ClassEconomy:  {baseFare: 2.0, perKm: 1.0, perMinute: 0.20, minimumFare: 4.0},
	models.ClassStandard: {baseFare: 3.0, perKm: 1.5, perMinute: 0.25, minimumFare: 5.0},
	models.ClassPremium:  {baseFare: 5.0, perKm: 2.0, perMinute: 0.35, minimumFare: 8.0},
}

// Estimator implements fare estimation and finalization. Durations come
// from the ETA client when one is configured, otherwise from a constant
// city speed.
type Estimator struct {
	ETAClient       eta.Client
	ETACache        *eta.Cache
	DefaultSpeedKmh float64
}

// Estimate prices a prospective ride. Surge applies to the variable part
// of the fare only; the class minimum always holds.
func (e *Estimator) Estimate(pickup, destination models.Coord, class models.RideClass, demand DemandLevel) (models.Estimate, error) {
	distKm := geo.HaversineKm(pickup, destination)
	durMin := e.durationMinutes(pickup, destination, distKm)

	card, ok := rates[class]
	if !ok {
		card = rates[models.ClassStandard]
	}
	factor, ok := surgeFactors[demand]
	if !ok {
		factor = 1.0
	}

	subtotal := card.baseFare + distKm*card.perKm + durMin*card.perMinute
	surgeAmount := (subtotal - card.baseFare) * (factor - 1)
	total := math.Max(subtotal+surgeAmount, card.minimumFare)

	return models.Estimate{
		DistanceKm:  round2(distKm),
		DurationMin: math.Round(durMin),
		Price:       round2(total),
	}, nil
}

// Finalize computes the completed ride's price from recorded actuals,
// falling back to the estimate when none were recorded. Surge never
// applies to the final recompute.
func (e *Estimator) Finalize(ride *models.RideRequest) float64 {
	if ride.ActualDistanceKm <= 0 || ride.ActualDurationMin <= 0 {
		return ride.EstimatedPrice
	}
	card, ok := rates[ride.Class]
	if !ok {
		card = rates[models.ClassStandard]
	}
	total := card.baseFare + ride.ActualDistanceKm*card.perKm + ride.ActualDurationMin*card.perMinute
	return round2(math.Max(total, card.minimumFare))
}

func (e *Estimator) durationMinutes(from, to models.Coord, distKm float64) float64 {
	if e.ETACache != nil {
		if sec, ok := e.ETACache.Get(from, to); ok {
			return sec / 60
		}
	}
	if e.ETAClient != nil {
		if sec, err := e.ETAClient.EstimateSeconds(from, to); err == nil {
			if e.ETACache != nil {
				e.ETACache.Set(from, to, sec)
			}
			return sec / 60
		}
	}
	speed := e.DefaultSpeedKmh
	if speed <= 0 {
		speed = 30
	}
	return distKm / speed * 60
}

// CurrentDemand derives the demand level from the time of day. Weekday
// rush hours bump demand to medium; a real deployment would look at
// live supply and demand instead.
func CurrentDemand(now time.Time) DemandLevel {
	h := now.Hour()
	if (h >= 7 && h <= 9) || (h >= 17 && h <= 19) {
		return DemandMedium
	}
	return DemandLow
}

// CancellationFee is zero when no driver ever accepted or when the
// cancellation lands inside the grace period, and the flat fee
// otherwise.
func CancellationFee(acceptedAt *time.Time, now time.Time, grace time.Duration, flatFee float64) float64 {
	if acceptedAt == nil {
		return 0
	}
	if now.Sub(*acceptedAt) <= grace {
		return 0
	}
	return flatFee
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
