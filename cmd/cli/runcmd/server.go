package runcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"scriptrunner/internal/api"
	"scriptrunner/internal/config"
	"scriptrunner/internal/dispatcher"
	"scriptrunner/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the API server",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running API server")
		conf := config.FromCobraCmd(cmd)

		db := mustDatabase(conf)
		queue := mustQueue(conf)
		defer closeAll(db, queue)

		d := dispatcher.New(store.New(db), queue, dispatcher.WithMaxConcurrent(conf.Server.MaxConcurrent))
		srv := api.New(d, &api.Config{Host: conf.Server.Host, Port: conf.Server.Port})

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		select {
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Msg("API server stopped")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Could not stop API server cleanly")
			}
		}
	},
}
