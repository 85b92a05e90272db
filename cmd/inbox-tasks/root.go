package main

import (
	"github.com/pysugar/inbox-tasks/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd serves when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "inbox-tasks",
	Short: "Turn Outlook mail into work items",
	Long: `inbox-tasks subscribes to Microsoft Graph change notifications for
connected mailboxes, classifies each new message and stores the actionable
ones as work items.

Commands:
  serve    Run the HTTP server, ingest workers and renewal scheduler
  renew    Run one subscription renewal sweep and exit
  apikey   Show or regenerate the /api key
  version  Show version information`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $INBOX_CONFIG or config/inbox-tasks.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
}

// loadConfig reads the config and applies the --verbose flag on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}
