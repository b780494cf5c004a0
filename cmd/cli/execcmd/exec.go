package execcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"scriptrunner/internal/api"
	"scriptrunner/internal/config"
	"scriptrunner/internal/database"
	"scriptrunner/internal/dispatcher"
	"scriptrunner/internal/models"
	"scriptrunner/internal/queue"
	"scriptrunner/internal/store"
)

var Command = &cobra.Command{
	Use:   "exec",
	Short: "Manage executions",
	Long:  "Create, submit, cancel and inspect executions without going through the API server",
}

func init() {
	createCmd.Flags().String("owner", "", "user the execution belongs to")
	createCmd.Flags().String("script", "", "path of the script to run")
	_ = createCmd.MarkFlagRequired("owner")
	_ = createCmd.MarkFlagRequired("script")

	statusCmd.Flags().Bool("wait", false, "wait until the execution reaches a terminal status")
	statusCmd.Flags().Duration("interval", time.Second, "polling interval used with --wait")

	Command.AddCommand(createCmd, submitCmd, cancelCmd, statusCmd)
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Registers an uploaded script as a new execution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		script, _ := cmd.Flags().GetString("script")
		if abs, err := filepath.Abs(script); err == nil {
			script = abs
		}

		req := api.CreateExecutionRequest{Owner: owner, ScriptPath: script}
		if err := req.Validate(); err != nil {
			return err
		}

		d, closeFn := mustDispatcher(cmd, false)
		defer closeFn()

		e, err := d.Create(cmd.Context(), req.Owner, req.ScriptPath)
		if err != nil {
			return err
		}
		return printJson(e)
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <id>",
	Short: "Queues a run of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		d, closeFn := mustDispatcher(cmd, true)
		defer closeFn()

		ticket, err := d.Submit(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJson(ticket)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Requests cancellation of a running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}

		d, closeFn := mustDispatcher(cmd, false)
		defer closeFn()

		if err := d.RequestCancel(cmd.Context(), id); err != nil {
			return err
		}
		return printJson(api.CancelResponse{ExecutionID: id, RequestedAt: time.Now().UTC()})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Shows the status and logs of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")

		d, closeFn := mustDispatcher(cmd, false)
		defer closeFn()

		e, err := waitForStatus(cmd.Context(), d, id, wait, interval)
		if err != nil {
			return err
		}
		return printJson(api.NewStatusView(e))
	},
}

func waitForStatus(ctx context.Context, d *dispatcher.Dispatcher, id int64, wait bool, interval time.Duration) (*models.Execution, error) {
	ticker := time.NewTicker(max(interval, 100*time.Millisecond))
	defer ticker.Stop()

	for {
		e, err := d.Status(ctx, id)
		if err != nil || !wait || e.Status.IsTerminal() {
			return e, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// mustDispatcher builds a dispatcher over the configured database. The queue is only connected
// when the command publishes run requests.
func mustDispatcher(cmd *cobra.Command, withQueue bool) (*dispatcher.Dispatcher, func()) {
	conf := config.FromCobraCmd(cmd)

	db, err := database.New(conf)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect to database")
	}
	if err := database.Migrate(cmd.Context(), db); err != nil {
		log.Fatal().Err(err).Msg("Could not migrate database")
	}

	var q queue.Client
	if withQueue {
		if conf.Queue.Driver == "memory" {
			log.Fatal().Msg("The memory queue only works inside one process, use the redis queue driver to submit from the command line")
		}
		redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to redis queue")
		}
		q = redis
	}

	d := dispatcher.New(store.New(db), q, dispatcher.WithMaxConcurrent(conf.Server.MaxConcurrent))
	return d, func() {
		closeDB(db)
		if q != nil {
			if err := q.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close queue cleanly")
			}
		}
	}
}

func closeDB(db *sqlx.DB) {
	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close db cleanly")
	}
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("execution id must be a positive integer")
	}
	return id, nil
}

func printJson(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("could not encode output: %w", err)
	}
	return nil
}
