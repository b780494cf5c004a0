package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"scriptrunner/cmd/cli/execcmd"
	"scriptrunner/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "srctl",
	Short: "ScriptRunner - asynchronous script execution",
	Long: `ScriptRunner runs uploaded scripts asynchronously on a pool of workers, streaming their
output into the execution record and honouring cancellation and timeouts.

At a minimum, you need to start at least 1 worker and the webserver. The reaper is optional
and fails executions whose worker disappeared without restarting.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
	RootCmd.AddCommand(execcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
