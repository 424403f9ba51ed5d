package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"freightmatch/chat"
	"freightmatch/config"
	"freightmatch/db"
	"freightmatch/negotiation"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that sweeps lapsed negotiations into the expired status`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	repo := negotiation.NewRepository(pool)
	sweeper := negotiation.NewSweeper(pool, repo, repo)

	redisClient, err := db.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to Redis, expiry pushes disabled")
	} else {
		sweeper = sweeper.WithNotifier(newPushNotifier(chat.NewRedisBus(redisClient), redisClient))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Dur("interval", cfg.Negotiation.SweepInterval).Msg("Starting expiry sweep")

		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Negotiation.SweepInterval),
			gocron.NewTask(func() {
				swept, err := sweeper.Sweep(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Expiry sweep failed")
					return
				}
				if swept > 0 {
					log.Info().Int("count", swept).Msg("Expired lapsed negotiations")
				}
			}),
		)
		if err != nil {
			return err
		}

		scheduler.Start()

		<-ctx.Done()

		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shut down")
	return nil
}
