package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Guayaquil to Machala, roughly 157 km
	d := HaversineMeters(-2.1894, -79.8891, -3.2581, -79.9554)
	assert.InDelta(t, 157_000, d, 3_000)
}

func TestHaversineZeroDistance(t *testing.T) {
	d := HaversineMeters(-2.1894, -79.8891, -2.1894, -79.8891)
	assert.Zero(t, d)
}

func TestHaversineSymmetry(t *testing.T) {
	ab := HaversineMeters(-2.18, -79.88, -3.25, -79.95)
	ba := HaversineMeters(-3.25, -79.95, -2.18, -79.88)
	assert.InDelta(t, ab, ba, 1e-9)
}

func TestCoordinateValidate(t *testing.T) {
	cases := []struct {
		name    string
		c       Coordinate
		wantErr error
	}{
		{"valid", Coordinate{Lat: -2.1894, Lng: -79.8891}, nil},
		{"edge lat", Coordinate{Lat: 90, Lng: 0}, nil},
		{"edge lng", Coordinate{Lat: 0, Lng: -180}, nil},
		{"lat too big", Coordinate{Lat: 90.01, Lng: 0}, ErrInvalidLatitude},
		{"lat too small", Coordinate{Lat: -91, Lng: 0}, ErrInvalidLatitude},
		{"lng too big", Coordinate{Lat: 0, Lng: 180.5}, ErrInvalidLongitude},
		{"lng too small", Coordinate{Lat: 0, Lng: -181}, ErrInvalidLongitude},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestLocationSampleValidate(t *testing.T) {
	ok := LocationSample{Lat: -2.18, Lng: -79.88, AccuracyMeters: 5, TimestampMs: 1}
	assert.NoError(t, ok.Validate())

	badLat := LocationSample{Lat: 123, Lng: 0}
	require.ErrorIs(t, badLat.Validate(), ErrInvalidLatitude)

	badAcc := LocationSample{Lat: 0, Lng: 0, AccuracyMeters: -1}
	assert.Error(t, badAcc.Validate())
}
