package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"

	"livetrack/internal/domain/geo"
)

// ReplayProvider feeds a recorded sequence of positions as if it were the
// device location API. Each CurrentLocation call advances the cursor; the
// final position repeats once the recording is exhausted. Used by the track
// CLI mode and tests.
type ReplayProvider struct {
	mu     sync.Mutex
	points []geo.Coordinate
	idx    int
}

// NewReplayProvider wraps a fixed point list.
func NewReplayProvider(points []geo.Coordinate) *ReplayProvider {
	return &ReplayProvider{points: points}
}

// LoadReplayFile reads a JSON array of {lat, lng} objects.
func LoadReplayFile(path string) (*ReplayProvider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var points []geo.Coordinate
	if err := json.Unmarshal(raw, &points); err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, errors.New("replay file contains no points")
	}
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return NewReplayProvider(points), nil
}

// CurrentLocation returns the next recorded position.
func (r *ReplayProvider) CurrentLocation(ctx context.Context) (geo.LocationSample, error) {
	if err := ctx.Err(); err != nil {
		return geo.LocationSample{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.points) == 0 {
		return geo.LocationSample{}, errors.New("replay recording is empty")
	}
	p := r.points[r.idx]
	if r.idx < len(r.points)-1 {
		r.idx++
	}
	return geo.LocationSample{Lat: p.Lat, Lng: p.Lng}, nil
}
