package geo

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Index answers "which drivers could serve a pickup at this point".
// Implementations must only return snapshots of drivers that are online,
// available and verified; ordering is not guaranteed.
type Index interface {
	FindAvailable(p models.Coord, radiusKm float64) ([]models.Driver, error)
}

// HaversineKm is the great-circle distance between two points in kilometers.
func HaversineKm(a, b models.Coord) float64 {
	const earthRadiusKm = 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}
