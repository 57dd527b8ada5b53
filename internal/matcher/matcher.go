package matcher

import (
	"math"
	"sort"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Scoring weights. Distance dominates, then rating, acceptance rate and
// response speed; a flat bonus applies when the driver prefers the
// requested class.
const (
	distanceWeight   = 0.4
	ratingWeight     = 0.3
	acceptanceWeight = 0.2
	responseWeight   = 0.1
	classBonus       = 10.0
)

// Candidate pairs a driver with its computed score and pickup distance.
type Candidate struct {
	Driver     models.Driver
	Score      float64
	DistanceKm float64
}

// Rank orders candidates by descending score for the given request.
// Candidates are assumed to already be online, available, verified and
// within the search radius; Rank does not re-check. It is pure: no I/O,
// no mutation of its inputs, and an empty input yields an empty result.
func Rank(candidates []models.Driver, req models.RideRequest) []models.Driver {
	scored := Score(candidates, req)
	out := make([]models.Driver, len(scored))
	for i, c := range scored {
		out[i] = c.Driver
	}
	return out
}

// Score computes and orders per-candidate scores. Ties break by
// ascending pickup distance, then ascending driver ID, so a given input
// always ranks the same way.
func Score(candidates []models.Driver, req models.RideRequest) []Candidate {
	scored := make([]Candidate, 0, len(candidates))
	for _, d := range candidates {
		dist := geo.HaversineKm(req.Pickup.Coord, d.Loc)
		scored = append(scored, Candidate{Driver: d, Score: score(d, req, dist), DistanceKm: dist})
	}
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Driver.ID < b.Driver.ID
	})
	return scored
}

func score(d models.Driver, req models.RideRequest, distKm float64) float64 {
	distanceScore := math.Max(0, 100-distKm*10)
	ratingScore := d.Rating * 20
	acceptanceScore := d.AcceptanceRate
	responseScore := math.Max(0, 100-d.AvgResponseSec/2)

	s := distanceScore*distanceWeight +
		ratingScore*ratingWeight +
		acceptanceScore*acceptanceWeight +
		responseScore*responseWeight
	if d.Prefers(req.Class) {
		s += classBonus
	}
	return s
}
