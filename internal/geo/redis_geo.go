package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Index using Redis GEO commands. Driver positions
// live in a GEO set, per-driver metadata in a hash written by the
// location consumer.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) FindAvailable(p models.Coord, radiusKm float64) ([]models.Driver, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.client.GeoRadius(ctx, r.key, p.Lon, p.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		d.Online = m["online"] == "true"
		d.Available = m["available"] == "true"
		d.Verified = m["verified"] == "true"
		if v, err := strconv.ParseFloat(m["rating"], 64); err == nil {
			d.Rating = v
		}
		if v, err := strconv.ParseFloat(m["acceptance_rate"], 64); err == nil {
			d.AcceptanceRate = v
		}
		if v, err := strconv.ParseFloat(m["avg_response_sec"], 64); err == nil {
			d.AvgResponseSec = v
		}
		if v, ok := m["preferences"]; ok {
			d.Preferences = ParsePreferences(v)
		}
		if !d.Online || !d.Available || !d.Verified {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// MetaKey is the hash key holding a driver's dispatch metadata.
func MetaKey(id string) string { return "driver:meta:" + id }

// ParsePreferences decodes a comma-separated ride class list, dropping
// unknown classes.
func ParsePreferences(s string) []models.RideClass {
	var out []models.RideClass
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if c := models.RideClass(s[start:i]); c.Valid() {
				out = append(out, c)
			}
			start = i + 1
		}
	}
	return out
}
