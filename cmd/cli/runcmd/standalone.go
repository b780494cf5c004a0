package runcmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"scriptrunner/internal/api"
	"scriptrunner/internal/config"
	"scriptrunner/internal/dispatcher"
	"scriptrunner/internal/reaper"
	"scriptrunner/internal/store"
)

var standaloneCmd = &cobra.Command{
	Use:   "standalone",
	Short: "Runs the API server, a worker and the reaper in one process",
	Long: `Runs the API server, a worker and the reaper in one process. Combined with the memory
queue driver and the sqlite database driver this needs no external services.`,
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running standalone process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		queue := mustQueue(conf)
		sink, stopMetrics := startMetrics(conf)
		defer func() {
			stopMetrics()
			closeAll(db, queue)
		}()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st := store.New(db)
		wrk := newWorker(conf, db, queue, sink)
		srv := api.New(
			dispatcher.New(st, queue, dispatcher.WithMaxConcurrent(conf.Server.MaxConcurrent)),
			&api.Config{Host: conf.Server.Host, Port: conf.Server.Port},
		)
		rpr, err := reaper.New(st, conf.Reaper.Schedule, time.Duration(conf.Reaper.StaleAfterSec)*time.Second, reaper.WithMetrics(sink))
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid reaper configuration")
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return wrk.Start(gctx)
		})
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			if err := rpr.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			rpr.Stop()
			return nil
		})

		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("Standalone process stopped with error")
		}
		log.Info().Msg("Shut down")
	},
}
