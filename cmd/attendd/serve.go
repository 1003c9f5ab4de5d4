package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/layer-3/attendance/adapters/events"
	"github.com/layer-3/attendance/adapters/metrics"
	"github.com/layer-3/attendance/adapters/store"
	"github.com/layer-3/attendance/adapters/tokenizer"
	"github.com/layer-3/attendance/config"
	"github.com/layer-3/attendance/ports"
	"github.com/layer-3/attendance/service"
	httptransport "github.com/layer-3/attendance/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, token rotation and remote scan ingestion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := NewLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var redisClient *redis.Client
	if cfg.Store == config.StoreRedis || cfg.EventsEnabled {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	gateway, closeStore, err := openStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewPrometheus(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	var (
		eventPub   ports.EventPublisher = events.NopPublisher{}
		subscriber message.Subscriber
	)
	if cfg.EventsEnabled {
		wmLogger := watermill.NewStdLogger(false, false)

		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create redis publisher: %w", err)
		}
		defer publisher.Close()
		eventPub = events.NewWatermillPublisher(publisher)

		sub, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        redisClient,
			ConsumerGroup: cfg.ConsumerGroup,
		}, wmLogger)
		if err != nil {
			return fmt.Errorf("failed to create redis subscriber: %w", err)
		}
		defer sub.Close()
		subscriber = sub
	}

	svc := service.NewAttendanceService(gateway, tokenizer.NewHMACTokenizer(), eventPub, m, logger, service.Config{
		RotationInterval: cfg.RotationInterval,
		Liveness: service.LivenessConfig{
			HeartbeatInterval: cfg.HeartbeatInterval,
			Debounce:          cfg.ActivationDebounce,
			StoreTimeout:      cfg.StoreTimeout,
			MaxAttempts:       cfg.ActivationMaxAttempts,
			Backoff:           cfg.ActivationBackoff,
			RaceRepeatDelay:   cfg.RaceRepeatDelay,
		},
	})

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httptransport.SetupRouter(svc, httptransport.RouterOptions{
			Logger:         logger,
			Gatherer:       reg,
			AllowedOrigins: cfg.AllowedOrigins(),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Subscribing can fail; do it before anything starts serving.
	ingestor, err := newScanIngestor(ctx, subscriber, cfg.ScanTopic, svc, logger)
	if err != nil {
		return err
	}

	logger.Info("http.listen", "addr", cfg.HTTPAddr, "store", cfg.Store, "events", cfg.EventsEnabled)
	err = run(ctx, srv, svc, ingestor, cfg.ShutdownTimeout, logger)
	logger.Info("shutdown.done", "error", err)
	return err
}

// newScanIngestor subscribes to remote scans. It returns nil when events are disabled.
func newScanIngestor(ctx context.Context, subscriber message.Subscriber, topic string, svc *service.AttendanceService, logger *slog.Logger) (*service.Ingestor, error) {
	if subscriber == nil {
		return nil, nil
	}
	source, err := events.NewWatermillScanSource(ctx, subscriber, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to scans: %w", err)
	}
	source.WithLogger(logger)
	return service.NewIngestor(source, svc.Validator(), nil, logger), nil
}

// run serves HTTP and ingests scans until ctx is done or one of them fails,
// then shuts the server and every running session down
func run(ctx context.Context, srv *http.Server, svc *service.AttendanceService, ingestor *service.Ingestor, shutdownTimeout time.Duration, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if ingestor != nil {
		g.Go(func() error {
			return ingestor.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown.start")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		// Stopping sessions writes isActive=false for each of them.
		return errors.Join(srv.Shutdown(shutdownCtx), svc.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

// openStore builds the Store Gateway selected by cfg. The returned func releases it.
func openStore(ctx context.Context, cfg config.Config, redisClient *redis.Client) (ports.StoreGateway, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		return store.NewRedisStore(redisClient).WithPrefix(cfg.RedisPrefix), func() {}, nil

	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pg, err := store.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return pg, pool.Close, nil

	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}
