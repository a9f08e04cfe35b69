package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/commitment-engine/internal/api"
	"github.com/atmx/commitment-engine/internal/commitment"
	"github.com/atmx/commitment-engine/internal/config"
	"github.com/atmx/commitment-engine/internal/forecast"
	"github.com/atmx/commitment-engine/internal/logging"
	"github.com/atmx/commitment-engine/internal/metrics"
	"github.com/atmx/commitment-engine/internal/notify"
	"github.com/atmx/commitment-engine/internal/settlement"
	"github.com/atmx/commitment-engine/internal/store"
	"github.com/atmx/commitment-engine/internal/wallet"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("commitment-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("commitment-engine stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.DB.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.DB.URL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Ping(ctx); err != nil {
			return fmt.Errorf("database ping: %w", err)
		}
		if cfg.DB.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.TTL)
		}
	} else {
		logger.Warn("db.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Notification sinks ---
	wsHub := notify.NewWSHub()
	sinks := []notify.Sink{wsHub}
	if cfg.Kafka.Brokers != "" {
		kp := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				logger.Warn("kafka writer close", "err", err)
			}
		})
		sinks = append(sinks, kp)
		logger.Info("Kafka events enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	dispatcher := notify.NewDispatcher(logger, cfg.Notify.Timeout, sinks...)
	cleanup = append(cleanup, dispatcher.Wait)

	// --- Engine services ---
	wallets := wallet.NewService(st, logger)
	forecasts := forecast.NewService(st, logger, forecast.WithNotifier(dispatcher))
	commitments := commitment.NewManager(st, logger, commitment.WithNotifier(dispatcher))
	engine := settlement.NewEngine(st, logger, settlement.WithOnSettled(dispatcher.OnSettled))

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(api.CORS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"commitment-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket stream must outlive the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
		api.NewHandler(st, wallets, forecasts, commitments, engine, logger).Routes(r)
	})
	r.Get("/api/v1/ws", wsHub.HandleWS)

	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	var sched *forecast.Scheduler
	if cfg.Cron.Enabled {
		var err error
		sched, err = forecast.NewScheduler(gctx, forecasts, cfg.Cron.DeadlineSweep, logger)
		if err != nil {
			return fmt.Errorf("deadline schedule %q: %w", cfg.Cron.DeadlineSweep, err)
		}
	}

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	if sched != nil {
		sched.Start()
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("commitment-engine listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down commitment-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
