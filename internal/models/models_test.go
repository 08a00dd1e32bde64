package models

import "testing"

func heading(v float64) *float64 { return &v }

func TestLocationPingValidate(t *testing.T) {
	cases := []struct {
		name string
		ping LocationPing
		want bool
	}{
		{"valid", LocationPing{SessionID: "s1", Lat: 39.6, Lon: -105.9, SpeedMps: 5, AccuracyMeters: 3}, true},
		{"missing session", LocationPing{SessionID: "", Lat: 0, Lon: 0}, false},
		{"lat too high", LocationPing{SessionID: "s1", Lat: 90.1, Lon: 0}, false},
		{"lat too low", LocationPing{SessionID: "s1", Lat: -90.1, Lon: 0}, false},
		{"lon too high", LocationPing{SessionID: "s1", Lat: 0, Lon: 180.1}, false},
		{"lon too low", LocationPing{SessionID: "s1", Lat: 0, Lon: -180.1}, false},
		{"negative speed", LocationPing{SessionID: "s1", Lat: 0, Lon: 0, SpeedMps: -1}, false},
		{"negative accuracy", LocationPing{SessionID: "s1", Lat: 0, Lon: 0, AccuracyMeters: -1}, false},
		{"boundary lat/lon valid", LocationPing{SessionID: "s1", Lat: 90, Lon: 180}, true},
		{"heading in range", LocationPing{SessionID: "s1", Lat: 0, Lon: 0, HeadingDegrees: heading(359.9)}, true},
		{"heading at 360 invalid", LocationPing{SessionID: "s1", Lat: 0, Lon: 0, HeadingDegrees: heading(360)}, false},
		{"heading negative invalid", LocationPing{SessionID: "s1", Lat: 0, Lon: 0, HeadingDegrees: heading(-1)}, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.ping.Validate(); got != c.want {
				t.Errorf("Validate() = %v, want %v", got, c.want)
			}
		})
	}
}
