package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freightmatch/config"
	"freightmatch/db"
	"freightmatch/geo"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Feed simulated position ticks for a trucker",
	Long: `Drive the dual-cadence tracking pipeline for one trucker, moving it in a
straight line from its current position toward a destination. Useful for
exercising the live map against a local stack.`,
	RunE: runTrack,
}

var (
	trackTruckerID string
	trackFromLat   float64
	trackFromLng   float64
	trackToLat     float64
	trackToLng     float64
	trackSpeedKmh  float64
)

func init() {
	trackCmd.Flags().StringVar(&trackTruckerID, "trucker", "", "trucker profile id to move")
	trackCmd.Flags().Float64Var(&trackFromLat, "from-lat", 39.9334, "start latitude")
	trackCmd.Flags().Float64Var(&trackFromLng, "from-lng", 32.8597, "start longitude")
	trackCmd.Flags().Float64Var(&trackToLat, "to-lat", 41.0082, "destination latitude")
	trackCmd.Flags().Float64Var(&trackToLng, "to-lng", 28.9784, "destination longitude")
	trackCmd.Flags().Float64Var(&trackSpeedKmh, "speed", 80, "speed in km/h")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	if trackTruckerID == "" {
		return fmt.Errorf("--trucker is required")
	}
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DB.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := db.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}

	tracker := geo.NewTracker(trackTruckerID, geo.NewRedisBroadcaster(redisClient), geo.NewRepository(pool)).
		WithCadence(cfg.Tracking.BroadcastInterval, cfg.Tracking.PersistInterval)

	go func() {
		from := geo.LatLng{Lat: trackFromLat, Lng: trackFromLng}
		to := geo.LatLng{Lat: trackToLat, Lng: trackToLng}
		total := geo.HaversineKM(from, to)
		if total == 0 {
			tracker.Update(from.Lat, from.Lng, nil, nil)
			return
		}
		step := time.Second
		perTick := trackSpeedKmh / 3600 * step.Seconds()
		heading := 0.0
		progress := 0.0
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				progress += perTick / total
				if progress > 1 {
					progress = 1
				}
				lat := from.Lat + (to.Lat-from.Lat)*progress
				lng := from.Lng + (to.Lng-from.Lng)*progress
				tracker.Update(lat, lng, &heading, &trackSpeedKmh)
				if progress >= 1 {
					log.Info().Str("trucker", trackTruckerID).Msg("Destination reached, holding position")
					return
				}
			}
		}
	}()

	log.Info().
		Str("trucker", trackTruckerID).
		Dur("broadcast_every", cfg.Tracking.BroadcastInterval).
		Dur("persist_every", cfg.Tracking.PersistInterval).
		Msg("Tracking started")

	if err := tracker.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
