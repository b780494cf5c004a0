package runcmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"scriptrunner/internal/config"
	"scriptrunner/internal/database"
	"scriptrunner/internal/metrics"
	"scriptrunner/internal/precheck"
	"scriptrunner/internal/queue"
	"scriptrunner/internal/store"
	"scriptrunner/internal/worker"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(serverCmd)
	Command.AddCommand(reaperCmd)
	Command.AddCommand(standaloneCmd)
}

func mustDatabase(conf *config.SRConfig) *sqlx.DB {
	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("Could not migrate database")
	}
	return db
}

func mustQueue(conf *config.SRConfig) queue.Client {
	switch conf.Queue.Driver {
	case "memory":
		return queue.NewMemoryQueue(256)
	case "redis", "":
		redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to redis queue")
		}
		return redis
	default:
		log.Fatal().Str("driver", conf.Queue.Driver).Msg("Unsupported queue driver")
		return nil
	}
}

// startMetrics serves Prometheus metrics when enabled. The returned function stops the server.
func startMetrics(conf *config.SRConfig) (metrics.Sink, func()) {
	if !conf.Metrics.Enabled {
		return metrics.NoopSink{}, func() {}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: conf.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Str("addr", conf.Metrics.Addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	return sink, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Could not stop metrics server cleanly")
		}
	}
}

func newWorker(conf *config.SRConfig, db *sqlx.DB, q queue.Client, sink metrics.Sink) *worker.Worker {
	opts := []worker.Option{worker.WithMetrics(sink)}

	if conf.Precheck.Enabled {
		checker := precheck.NewChecker(
			precheck.PipInventory{Command: conf.Precheck.InstalledCommand},
			conf.Precheck.Aliases,
		)
		if err := checker.Refresh(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Could not load installed packages, precheck will retry on first use")
		}
		opts = append(opts, worker.WithPrechecker(checker))
	}

	return worker.New(conf.Worker, store.New(db), q, opts...)
}

func closeAll(db *sqlx.DB, q queue.Client) {
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
	}
	if err := q.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close queue cleanly on shutdown")
	}
}
