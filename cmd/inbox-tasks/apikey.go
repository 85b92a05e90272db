package main

import (
	"fmt"

	"github.com/pysugar/inbox-tasks/internal/db"
	"github.com/spf13/cobra"
)

var regenerateKey bool

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Show or regenerate the /api key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.InitDB(cfg.DBPath, cfg.Verbose)
		if err != nil {
			return err
		}
		key := db.GetAPIKey(database)
		if regenerateKey {
			key = db.RegenerateAPIKey(database)
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	apikeyCmd.Flags().BoolVar(&regenerateKey, "regenerate", false, "Replace the key with a new one")
	rootCmd.AddCommand(apikeyCmd)
}
