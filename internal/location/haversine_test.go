package location

import (
	"math"
	"testing"
)

// TestHaversineCorrectness checks the persister's distance computation
// against closed-form haversine values (spec testable property 10) to
// within 1m, for a zero-length leg, a ~7m proximity leg and a one-degree
// (~111km) leg.
func TestHaversineCorrectness(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantMeters             float64
	}{
		// Roughly 1 degree of latitude at the equator is ~111.2km.
		{"one degree latitude", 0, 0, 1, 0, 111195},
		{"zero distance", 39.6042, -105.9538, 39.6042, -105.9538, 0},
		{"short proximity leg", 39.6042, -105.9538, 39.60425, -105.95385, 7.0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := haversineMeters(c.lat1, c.lon1, c.lat2, c.lon2)
			if math.Abs(got-c.wantMeters) > 1 {
				t.Errorf("haversineMeters(%v,%v,%v,%v) = %v, want ~%v", c.lat1, c.lon1, c.lat2, c.lon2, got, c.wantMeters)
			}
		})
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := haversineMeters(39.60, -105.95, 39.61, -105.94)
	b := haversineMeters(39.61, -105.94, 39.60, -105.95)
	if math.Abs(a-b) > 1e-9 {
		t.Errorf("haversine is not symmetric: %v vs %v", a, b)
	}
}
