// Command recordsync seeds a SQLite database with demo posts and walks
// through the read and write paths of a recordsync client against it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// appOptions are the flags shared by every subcommand.
type appOptions struct {
	ConfigPath string
	DSN        string
	JSONLogs   bool
	Verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &appOptions{}

	root := &cobra.Command{
		Use:           "recordsync",
		Short:         "Record cache and mutation orchestrator demo",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&opts.DSN, "db", "recordsync.db", "SQLite database file")
	root.PersistentFlags().BoolVar(&opts.JSONLogs, "json-logs", false, "log in JSON format")
	root.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logs")

	root.AddCommand(newSeedCmd(opts), newDemoCmd(opts))
	return root
}
