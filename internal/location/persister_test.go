package location

import (
	"testing"
	"time"

	"slopestream-core/internal/models"
)

func mkPing(sessionID string, lat, lon, altitude, speed float64, capturedAt time.Time) models.LocationPing {
	return models.LocationPing{
		SessionID:      sessionID,
		Lat:            lat,
		Lon:            lon,
		AltitudeMeters: altitude,
		SpeedMps:       speed,
		CapturedAt:     capturedAt,
	}
}

// TestBySessionDeltasScenarioS5 reproduces spec scenario S5: three pings
// at descending altitudes, ~100m apart in succession.
func TestBySessionDeltasScenarioS5(t *testing.T) {
	base := time.Now()
	batch := []models.LocationPing{
		mkPing("sess-1", 39.6000, -105.9500, 3000, 12, base),
		mkPing("sess-1", 39.6009, -105.9500, 2990, 14, base.Add(1*time.Second)),
		mkPing("sess-1", 39.6018, -105.9500, 2985, 10, base.Add(2*time.Second)),
	}

	deltas := bySessionDeltas(batch)
	d, ok := deltas["sess-1"]
	if !ok {
		t.Fatalf("expected deltas for sess-1")
	}

	if d.distance < 190 || d.distance > 230 {
		t.Errorf("expected ~200m additional distance, got %v", d.distance)
	}
	if d.vertical != 15 {
		t.Errorf("expected 15m vertical descent, got %v", d.vertical)
	}
	if d.maxSpeed != 14 {
		t.Errorf("expected max speed 14, got %v", d.maxSpeed)
	}
}

func TestBySessionDeltasIgnoresAscent(t *testing.T) {
	base := time.Now()
	batch := []models.LocationPing{
		mkPing("sess-2", 39.60, -105.95, 2000, 5, base),
		mkPing("sess-2", 39.60, -105.95, 2100, 5, base.Add(time.Second)), // ascent, contributes zero
	}

	d := bySessionDeltas(batch)["sess-2"]
	if d.vertical != 0 {
		t.Errorf("ascent must not contribute to vertical descent, got %v", d.vertical)
	}
}

func TestBySessionDeltasGroupsBySession(t *testing.T) {
	base := time.Now()
	batch := []models.LocationPing{
		mkPing("a", 39.60, -105.95, 100, 1, base),
		mkPing("b", 40.00, -106.00, 200, 2, base),
		mkPing("a", 39.61, -105.95, 95, 3, base.Add(time.Second)),
	}

	deltas := bySessionDeltas(batch)
	if len(deltas) != 2 {
		t.Fatalf("expected 2 session groups, got %d", len(deltas))
	}
	if _, ok := deltas["b"]; !ok || deltas["b"].distance != 0 {
		t.Errorf("single-ping session b should have zero distance")
	}
}

// TestSortByCapturedAtTolerantOfReorder verifies the aggregates are
// computed in timestamp order even when the job queue redelivers pings
// out of their original submission order (spec §5).
func TestSortByCapturedAtTolerantOfReorder(t *testing.T) {
	base := time.Now()
	pings := []models.LocationPing{
		mkPing("s", 0, 0, 0, 0, base.Add(2*time.Second)),
		mkPing("s", 0, 0, 0, 0, base),
		mkPing("s", 0, 0, 0, 0, base.Add(1*time.Second)),
	}
	sortByCapturedAt(pings)
	for i := 1; i < len(pings); i++ {
		if pings[i].CapturedAt.Before(pings[i-1].CapturedAt) {
			t.Fatalf("pings not sorted by CapturedAt: %v", pings)
		}
	}
}
