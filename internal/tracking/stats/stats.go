// Package stats maintains running trip statistics over an unbounded,
// monotonically appended point sequence. All derived values are computed
// incrementally so a long session costs O(1) per accepted sample.
package stats

import (
	"sync"

	"livetrack/internal/domain/geo"
)

// TrackPoint is one accepted position in the trip sequence.
type TrackPoint struct {
	Lat         float64
	Lng         float64
	TimestampMs int64
}

// Accumulator collects trip distance, duration and speed figures. It is safe
// for concurrent use: the sampling tick appends while UI snapshots read.
type Accumulator struct {
	mu sync.RWMutex

	points       []TrackPoint
	totalMeters  float64
	maxSpeedKmh  float64
	firstLastSet bool
	firstTsMs    int64
	lastTsMs     int64
	last         TrackPoint
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// AddPoint appends a point and folds it into the running totals. Points with
// the same timestamp as their predecessor still extend the distance but are
// excluded from the max-speed computation (Δt = 0 must not produce Inf).
func (a *Accumulator) AddPoint(lat, lng float64, timestampMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := TrackPoint{Lat: lat, Lng: lng, TimestampMs: timestampMs}
	if a.firstLastSet {
		dist := geo.HaversineMeters(a.last.Lat, a.last.Lng, lat, lng)
		a.totalMeters += dist

		if dt := timestampMs - a.last.TimestampMs; dt > 0 {
			speed := dist / (float64(dt) / 1000) * 3.6
			if speed > a.maxSpeedKmh {
				a.maxSpeedKmh = speed
			}
		}
		a.lastTsMs = timestampMs
	} else {
		a.firstLastSet = true
		a.firstTsMs = timestampMs
		a.lastTsMs = timestampMs
	}
	a.last = p
	a.points = append(a.points, p)
}

// Clear resets the accumulator. It must run whenever a new session starts so
// a previous trip's points never contaminate the new statistics.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.points = nil
	a.totalMeters = 0
	a.maxSpeedKmh = 0
	a.firstLastSet = false
	a.firstTsMs = 0
	a.lastTsMs = 0
	a.last = TrackPoint{}
}

// TotalDistance returns the accumulated distance in meters.
func (a *Accumulator) TotalDistance() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalMeters
}

// Duration returns lastTimestamp - firstTimestamp in seconds; zero or one
// point yields 0.
func (a *Accumulator) Duration() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.points) < 2 {
		return 0
	}
	return float64(a.lastTsMs-a.firstTsMs) / 1000
}

// AverageSpeed returns km/h over the whole trip, 0 when duration is 0.
func (a *Accumulator) AverageSpeed() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.points) < 2 {
		return 0
	}
	durationSec := float64(a.lastTsMs-a.firstTsMs) / 1000
	if durationSec <= 0 {
		return 0
	}
	return a.totalMeters / durationSec * 3.6
}

// MaxSpeed returns the highest pairwise instantaneous speed in km/h.
func (a *Accumulator) MaxSpeed() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxSpeedKmh
}

// PointCount returns how many points were accepted this session.
func (a *Accumulator) PointCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.points)
}

// Points returns a copy of the accepted sequence, oldest first.
func (a *Accumulator) Points() []TrackPoint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]TrackPoint, len(a.points))
	copy(out, a.points)
	return out
}
