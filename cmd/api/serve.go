package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freightmatch/auth"
	"freightmatch/chat"
	"freightmatch/config"
	"freightmatch/db"
	"freightmatch/geo"
	"freightmatch/matching"
	"freightmatch/negotiation"
	"freightmatch/shipment"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  `Start the HTTP API server exposing negotiations, chat, and live matching`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}
	log.Info().Str("environment", cfg.Environment).Msg("Starting API")

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
		log.Warn().Err(err).Msg("Failed to connect to Redis, continuing without live push")
		redisClient = nil
	}

	server := buildServer(cfg, pool, redisClient)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      server.routes(),
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: 0, // SSE streams stay open indefinitely
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.ServerAddress).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildServer wires repositories and services onto the shared pool. Redis is
// optional: without it the API still serves reads and transitions, only the
// live push surfaces degrade.
func buildServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client) *Server {
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret).
		WithTokenTTL(cfg.Auth.TokenTTL)

	negotiationRepo := negotiation.NewRepository(pool)
	negotiationSvc := negotiation.NewService(pool, negotiationRepo)

	chatRepo := chat.NewRepository(pool)
	chatSvc := chat.NewService(chatRepo)

	geoRepo := geo.NewRepository(pool)

	var broadcaster geo.Broadcaster
	if redisClient != nil {
		bus := chat.NewRedisBus(redisClient)
		chatSvc = chatSvc.WithBus(bus, bus)
		broadcaster = geo.NewRedisBroadcaster(redisClient)
		negotiationSvc = negotiationSvc.WithNotifier(newPushNotifier(bus, redisClient))
	}

	shipmentRepo := shipment.NewRepository(pool)
	matchingSvc := matching.NewService(pool, shipmentRepo, negotiationRepo).
		WithTTL(cfg.Negotiation.TTL)

	return &Server{
		authService:        authSvc,
		negotiationService: negotiationSvc,
		negotiations:       negotiationRepo,
		matchingService:    matchingSvc,
		chatService:        chatSvc,
		availability:       geoRepo,
		shipments:          shipmentRepo,
		broadcaster:        broadcaster,
		sessionDebounce:    cfg.Matching.Debounce,
	}
}
