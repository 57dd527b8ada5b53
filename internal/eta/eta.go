package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface the fare estimator uses to get travel times.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// NaiveSeconds estimates travel time as distance over a constant city
// speed. Production setups plug a routing engine in via Client; this is
// the fallback when none is configured or the engine fails.
func NaiveSeconds(from, to models.Coord, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = 30 // default city speed
	}
	return geo.HaversineKm(from, to) / speedKmh * 3600
}

// Cache is a small in-memory TTL cache for ETA lookups keyed by the
// coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	seconds float64
	at      time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *Cache) Get(from, to models.Coord) (float64, bool) {
	k := key(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.at) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(from, to models.Coord, seconds float64) {
	c.mu.Lock()
	c.store[key(from, to)] = cacheEntry{seconds: seconds, at: time.Now()}
	c.mu.Unlock()
}

func key(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}
