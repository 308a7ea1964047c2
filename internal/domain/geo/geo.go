// Package geo holds the coordinate primitives shared by the tracking
// subsystem: validated WGS84 positions, timestamped samples and the
// great-circle distance between them.
package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

var (
	ErrInvalidLatitude  = errors.New("latitude out of range [-90, 90]")
	ErrInvalidLongitude = errors.New("longitude out of range [-180, 180]")
)

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects NaN, Inf and out-of-range coordinates.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: %v", ErrInvalidLatitude, c.Lat)
	}
	if math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) || c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: %v", ErrInvalidLongitude, c.Lng)
	}
	return nil
}

// LocationSample is one position reading from the device: a coordinate plus
// capture time and the reported accuracy radius. TimestampMs is Unix
// milliseconds.
type LocationSample struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracy_meters,omitempty"`
	TimestampMs    int64   `json:"timestamp_ms"`
}

// Coordinate returns the sample's position.
func (s LocationSample) Coordinate() Coordinate {
	return Coordinate{Lat: s.Lat, Lng: s.Lng}
}

// Validate rejects samples with out-of-range coordinates or a negative
// accuracy.
func (s LocationSample) Validate() error {
	if err := s.Coordinate().Validate(); err != nil {
		return err
	}
	if s.AccuracyMeters < 0 {
		return fmt.Errorf("negative accuracy: %v", s.AccuracyMeters)
	}
	return nil
}

// HaversineMeters returns the great-circle distance between two coordinates
// in meters.
func HaversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}
