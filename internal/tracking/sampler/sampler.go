// Package sampler polls a location provider on a fixed interval and applies
// the significant-change filter before handing samples to the session
// controller.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"livetrack/internal/domain/geo"
)

// LocationProvider abstracts the device location API. CurrentLocation must
// honor ctx cancellation; the sampler bounds every request with a timeout so
// a hung sensor cannot stall the interval.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (geo.LocationSample, error)
}

// ErrNoProvider is fatal to Start: sampling never begins without a device
// location source.
var ErrNoProvider = errors.New("location provider unavailable")

const (
	// DefaultInterval is the polling cadence. Interval polling instead of a
	// continuous watch is a deliberate bandwidth/battery trade-off.
	DefaultInterval = 5 * time.Second
	// DefaultTimeout bounds one position request.
	DefaultTimeout = 5 * time.Second
	// DefaultMinMoveDegrees is the significant-change threshold. A fixed
	// angular delta of 0.0001° approximates ~10 m of planar displacement;
	// the approximation is latitude-dependent (it overshoots near the poles)
	// and is kept instead of a geodesic check for parity with the original
	// filter policy.
	DefaultMinMoveDegrees = 0.0001
)

// Config tunes the sampler. Zero values fall back to the defaults above.
type Config struct {
	Interval       time.Duration
	Timeout        time.Duration
	MinMoveDegrees float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MinMoveDegrees <= 0 {
		c.MinMoveDegrees = DefaultMinMoveDegrees
	}
	return c
}

// Sampler produces a filtered, rate-limited sequence of position samples.
// The first sample of a run is always accepted; afterwards a sample passes
// only when it moved at least MinMoveDegrees in latitude or longitude from
// the last accepted one. Rejected samples are dropped entirely.
type Sampler struct {
	provider LocationProvider
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	hasLast bool
	last    geo.LocationSample
}

// New builds a sampler over the given provider.
func New(provider LocationProvider, cfg Config, logger *slog.Logger) *Sampler {
	return &Sampler{provider: provider, cfg: cfg.withDefaults(), logger: logger}
}

// Start begins periodic sampling. onSample receives accepted samples,
// onError receives per-tick failures (the interval keeps running and retries
// on the next tick). Start fails when no provider is available or sampling
// is already running. Stop releases everything Start acquired.
func (s *Sampler) Start(onSample func(geo.LocationSample), onError func(error)) error {
	if s.provider == nil {
		return ErrNoProvider
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("sampler already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.hasLast = false
	s.last = geo.LocationSample{}

	go s.run(ctx, done, onSample, onError)
	return nil
}

// Stop halts sampling and waits for the loop to exit. Safe to call when not
// running, and safe to call more than once.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the sampling loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Sampler) run(ctx context.Context, done chan struct{}, onSample func(geo.LocationSample), onError func(error)) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// sample immediately so the session has a position before the first
	// interval elapses
	s.tick(ctx, onSample, onError)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, onSample, onError)
		}
	}
}

func (s *Sampler) tick(ctx context.Context, onSample func(geo.LocationSample), onError func(error)) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	sample, err := s.provider.CurrentLocation(reqCtx)
	cancel()

	if ctx.Err() != nil {
		// stopped while the request was in flight; drop whatever came back
		return
	}
	if err != nil {
		if s.logger != nil {
			s.logger.Debug("position request failed", "action", "sample_failed", "error", err.Error())
		}
		if onError != nil {
			onError(err)
		}
		return
	}
	if err := sample.Validate(); err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if sample.TimestampMs == 0 {
		sample.TimestampMs = time.Now().UnixMilli()
	}

	if !s.accept(sample) {
		return
	}
	if onSample != nil {
		onSample(sample)
	}
}

// accept applies the significant-change filter against the last accepted
// sample and records the sample when it passes.
func (s *Sampler) accept(sample geo.LocationSample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasLast {
		dLat := math.Abs(sample.Lat - s.last.Lat)
		dLng := math.Abs(sample.Lng - s.last.Lng)
		if dLat < s.cfg.MinMoveDegrees && dLng < s.cfg.MinMoveDegrees {
			return false
		}
	}
	s.hasLast = true
	s.last = sample
	return true
}
