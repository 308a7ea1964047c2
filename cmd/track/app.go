// Package trackmode runs the tracker client: it samples positions, pushes
// them over the live channel, and prints the trip as it unfolds.
package trackmode

import (
	"context"
	"fmt"
	"os"
	"time"

	"livetrack/internal/common/auth"
	"livetrack/internal/common/config"
	"livetrack/internal/common/contextx"
	"livetrack/internal/common/log"
	"livetrack/internal/domain/geo"
	"livetrack/internal/tracking/channel"
	"livetrack/internal/tracking/controller"
	"livetrack/internal/tracking/mapview"
	"livetrack/internal/tracking/sampler"
	"livetrack/internal/tracking/stats"
)

func Run(ctx context.Context, cfgPath string, entityID, userID int64, replayPath string) error {
	logger := log.New("tracker")
	ctx = contextx.WithNewRequestID(ctx)

	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	provider, err := sampler.LoadReplayFile(replayPath)
	if err != nil {
		return fmt.Errorf("load replay file: %w", err)
	}

	tokens := auth.FileTokenSource{Path: cfg.Auth.TokenFile}
	transport := channel.New(channel.Config{
		BaseURL:                 cfg.Server.BaseURL,
		RequestTimeout:          cfg.Tracking.RequestTimeout(),
		ReconnectMaxAttempts:    uint64(cfg.Tracking.ReconnectMaxAttempts),
		ReconnectInitialBackoff: cfg.Tracking.ReconnectInitialBackoff(),
		ReconnectMaxBackoff:     cfg.Tracking.ReconnectMaxBackoff(),
	}, tokens, logger)

	smp := sampler.New(provider, sampler.Config{
		Interval:       cfg.Tracking.SampleInterval(),
		Timeout:        cfg.Tracking.SampleTimeout(),
		MinMoveDegrees: cfg.Tracking.MinMoveDegrees,
	}, logger)

	acc := stats.New()
	ctrl := controller.New(transport, smp, acc, controller.Config{
		RequestTimeout: cfg.Tracking.RequestTimeout(),
	}, logger)
	defer ctrl.Close()

	view := mapview.New(mapview.Config{
		Icons: mapview.Icons{
			Tracker:     cfg.Map.TrackerIcon,
			Origin:      cfg.Map.OriginIcon,
			Custody:     cfg.Map.CustodyIcon,
			Destination: cfg.Map.DestinationIcon,
		},
		FallbackCenter: fallbackCenter(cfg),
		Zoom:           cfg.Map.Zoom,
	})
	view.Attach(mapview.NewConsoleRenderer(os.Stdout))
	defer view.Detach()

	ctrl.Subscribe(func(st controller.State) {
		if err := view.Sync(viewState(st)); err != nil {
			log.Error(ctx, logger, "map_sync_failed", "map sync failed", err)
		}
	})

	if err := ctrl.Connect(ctx, userID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := ctrl.StartTracking(ctx, entityID); err != nil {
		return fmt.Errorf("start tracking: %w", err)
	}
	log.Info(ctx, logger, "tracking_started",
		fmt.Sprintf("tracking entity %d as user %d", entityID, userID))

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.StopTracking(stopCtx); err != nil {
		log.Error(stopCtx, logger, "stop_tracking_failed", "stop tracking failed", err)
	}

	fmt.Printf("\ntrip summary: %.0f m over %.0f s, avg %.1f km/h, max %.1f km/h, %d points\n",
		acc.TotalDistance(), acc.Duration(), acc.AverageSpeed(), acc.MaxSpeed(), acc.PointCount())
	return nil
}

func fallbackCenter(cfg *config.Config) geo.Coordinate {
	return geo.Coordinate{Lat: cfg.Map.FallbackLat, Lng: cfg.Map.FallbackLng}
}

func viewState(st controller.State) mapview.ViewState {
	var current *geo.Coordinate
	if st.CurrentLocation != nil {
		current = &geo.Coordinate{Lat: st.CurrentLocation.Lat, Lng: st.CurrentLocation.Lng}
	}
	return mapview.ViewState{
		CurrentLocation: current,
		IsTracking:      st.IsTracking,
	}
}
