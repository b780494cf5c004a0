package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"scriptrunner/internal/config"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs a worker process",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running worker process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		queue := mustQueue(conf)
		sink, stopMetrics := startMetrics(conf)

		ctx, cancel := context.WithCancel(context.Background())
		wrk := newWorker(conf, db, queue, sink)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			errCh <- wrk.Start(ctx)
		}()

		defer func() {
			cancel()
			stopMetrics()
			closeAll(db, queue)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Ran into problems")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			// running executions are finalized before Start returns
			cancel()
			if err := <-errCh; err != nil {
				log.Error().Err(err).Str("worker_id", wrk.ID).Msg("Worker stopped with error")
			}
		}
	},
}
