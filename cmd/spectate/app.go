// Package spectate runs the read-only follower client: it joins a live
// session and mirrors the tracker's position on a console map.
package spectate

import (
	"context"
	"fmt"
	"os"

	"livetrack/internal/common/auth"
	"livetrack/internal/common/config"
	"livetrack/internal/common/contextx"
	"livetrack/internal/common/log"
	"livetrack/internal/domain/geo"
	"livetrack/internal/tracking/channel"
	"livetrack/internal/tracking/controller"
	"livetrack/internal/tracking/mapview"
	"livetrack/internal/tracking/stats"
)

func Run(ctx context.Context, cfgPath string, entityID, userID int64) error {
	logger := log.New("spectator")
	ctx = contextx.WithNewRequestID(ctx)

	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tokens := auth.FileTokenSource{Path: cfg.Auth.TokenFile}
	transport := channel.New(channel.Config{
		BaseURL:                 cfg.Server.BaseURL,
		RequestTimeout:          cfg.Tracking.RequestTimeout(),
		ReconnectMaxAttempts:    uint64(cfg.Tracking.ReconnectMaxAttempts),
		ReconnectInitialBackoff: cfg.Tracking.ReconnectInitialBackoff(),
		ReconnectMaxBackoff:     cfg.Tracking.ReconnectMaxBackoff(),
	}, tokens, logger)

	// no sampler: a spectator never produces positions
	ctrl := controller.New(transport, nil, stats.New(), controller.Config{
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
		FallbackCenter: geo.Coordinate{Lat: cfg.Map.FallbackLat, Lng: cfg.Map.FallbackLng},
		Zoom:           cfg.Map.Zoom,
	})
	view.Attach(mapview.NewConsoleRenderer(os.Stdout))
	defer view.Detach()

	ctrl.Subscribe(func(st controller.State) {
		var current *geo.Coordinate
		if st.CurrentLocation != nil {
			current = &geo.Coordinate{Lat: st.CurrentLocation.Lat, Lng: st.CurrentLocation.Lng}
		}
		if err := view.Sync(mapview.ViewState{CurrentLocation: current}); err != nil {
			log.Error(ctx, logger, "map_sync_failed", "map sync failed", err)
		}
		if st.Err != nil {
			log.Error(ctx, logger, "session_error", "session reported an error", st.Err)
		}
	})

	if err := ctrl.Connect(ctx, userID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := ctrl.JoinTracking(ctx, entityID); err != nil {
		return fmt.Errorf("join tracking: %w", err)
	}
	log.Info(ctx, logger, "spectating_started",
		fmt.Sprintf("following entity %d as user %d", entityID, userID))

	<-ctx.Done()
	return nil
}
