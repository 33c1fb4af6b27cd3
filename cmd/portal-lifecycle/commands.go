package main

import (
	"github.com/spf13/cobra"
)

var (
	useMemoryStore bool
	configFile     string

	rootCmd = &cobra.Command{
		Use:   "portal-lifecycle",
		Short: "Request lifecycle and IPP accounting for the observation portal",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configFile != "" {
				setConfigFile(configFile)
			}
		},
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the lifecycle API and run the expiry sweeper and outbox streamer",
		RunE:  runServe, // Defined in serve.go
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Run one window expiration sweep and exit",
		RunE:  runSweep, // Defined in serve.go
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE:  runMigrate, // Defined in serve.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"YAML overlay with log settings and instrument overheads (overrides PORTAL_CONFIG_FILE)")
	serveCmd.Flags().BoolVar(&useMemoryStore, "memory", false,
		"Use the in-memory store instead of Postgres (local runs only)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
}
