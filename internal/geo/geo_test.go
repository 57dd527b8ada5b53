package geo

import (
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineKmZero(t *testing.T) {
	d := HaversineKm(models.Coord{}, models.Coord{})
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKmKnownDistance(t *testing.T) {
	// Paris -> London, roughly 344 km.
	paris := models.Coord{Lat: 48.8566, Lon: 2.3522}
	london := models.Coord{Lat: 51.5074, Lon: -0.1278}
	d := HaversineKm(paris, london)
	if d < 330 || d > 360 {
		t.Fatalf("expected ~344km, got %f", d)
	}
}

func TestParsePreferences(t *testing.T) {
	got := ParsePreferences("economy,premium,bogus")
	if len(got) != 2 || got[0] != models.ClassEconomy || got[1] != models.ClassPremium {
		t.Fatalf("unexpected preferences: %v", got)
	}
	if got := ParsePreferences(""); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}
