package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aribuy/apms-sub002/internal/config"
)

var Version = "dev"

func main() {
	config.LoadEnvFile()

	rootCmd := &cobra.Command{
		Use:          "atp",
		Short:        "ATP review workflow API",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level, _ := cmd.Flags().GetString("log-level")
			if level == "" {
				level = config.Load().LogLevel
			}
			config.InitLogger(level)
		},
	}
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); defaults to LOG_LEVEL")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}
