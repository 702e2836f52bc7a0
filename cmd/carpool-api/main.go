// README: Entry point; loads config, wires services, starts HTTP server and the expiry sweep.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"carpool/internal/config"
	"carpool/internal/events"
	httptransport "carpool/internal/http"
	"carpool/internal/infra"
	"carpool/internal/logging"
	"carpool/internal/maps"
	"carpool/internal/modules/booking"
	"carpool/internal/modules/matching"
	"carpool/internal/modules/offer"
	"carpool/internal/storage/memory"
	"carpool/internal/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	verifier, err := newVerifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var (
		offerRepo   offer.Repository
		offerReader booking.OfferReader
		bookingRepo booking.Repository
	)
	if cfg.DB.DSN != "" {
		db, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.DB.RunMigrations {
			if err := infra.Migrate(ctx, db); err != nil {
				return err
			}
		}
		offerStore := offer.NewStore(db)
		offerRepo, offerReader, bookingRepo = offerStore, offerStore, booking.NewStore(db)
	} else {
		logger.Warn("CARPOOL_DB_DSN not set, using in-memory storage")
		store := memory.NewStore()
		offerRepo, offerReader, bookingRepo = store, store, store
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kp.Close()
		publisher = kp
	}

	clock := types.NewWallClock(cfg.Schedule.Location, nil)

	offerSvc := offer.NewService(offerRepo, publisher,
		offer.WithClock(clock),
		offer.WithExpiryTick(cfg.Schedule.ExpiryTick),
		offer.WithLogger(logger.With("module", "offer")),
	)

	matchOpts := []matching.Option{
		matching.WithClock(clock),
		matching.WithLogger(logger.With("module", "matching")),
	}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey, rdb, cfg.Maps.CacheTTL)
		if err != nil {
			return err
		}
		matchOpts = append(matchOpts, matching.WithRouteProvider(routes))
	}
	matchSvc := matching.NewService(offerRepo, cfg.Matching, matchOpts...)

	bookingOpts := []booking.Option{
		booking.WithClock(clock),
		booking.WithLogger(logger.With("module", "booking")),
		booking.WithRetry(uint64(cfg.Booking.MaxRetries), cfg.Booking.RetryBase),
		booking.WithPointTolerance(cfg.Matching.PointToleranceKm),
	}
	if rdb != nil {
		bookingOpts = append(bookingOpts, booking.WithKeyClaimer(booking.NewRedisKeys(rdb, cfg.Booking.IdempotencyTTL)))
	}
	coordinator := booking.NewCoordinator(offerReader, bookingRepo, publisher, bookingOpts...)

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Offers:   offerSvc,
		Matching: matchSvc,
		Bookings: coordinator,
		Verifier: verifier,
		Logger:   logger,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go offerSvc.RunExpirySweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

func newVerifier(ctx context.Context, cfg config.Config, logger *slog.Logger) (infra.TokenVerifier, error) {
	if cfg.Firebase.ProjectID == "" {
		logger.Warn("CARPOOL_FIREBASE_PROJECT_ID not set, accepting development tokens")
		return infra.DevVerifier{}, nil
	}
	return infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
}
