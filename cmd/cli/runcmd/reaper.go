package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"scriptrunner/internal/config"
	"scriptrunner/internal/reaper"
	"scriptrunner/internal/store"
)

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Starts the stale execution reaper",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running reaper process")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		sink, stopMetrics := startMetrics(conf)

		rpr, err := reaper.New(
			store.New(db),
			conf.Reaper.Schedule,
			time.Duration(conf.Reaper.StaleAfterSec)*time.Second,
			reaper.WithMetrics(sink),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid reaper configuration")
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			rpr.Stop()
			stopMetrics()
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
		}()

		if err := rpr.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start reaper")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
