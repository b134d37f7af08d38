// Package cli provides the command-line interface for the recipe assistant.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"recipe-assistant/internal/config"
	"recipe-assistant/internal/logging"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	envFile string
	verbose bool

	cfg         config.Config
	logger      *slog.Logger
	closeLogger = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "mealchat",
	Short: "Recipe assistant chat relay and client",
	Long: `mealchat runs the recipe assistant's streaming chat relay locally and talks
to it from the terminal.

Configuration is read from the environment, after loading a .env file when
one is present.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		level := logging.ParseLevel(cfg.LogLevel)
		if verbose {
			level = slog.LevelDebug
		}
		logger, closeLogger = logging.Setup(cfg.LogFile, level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := closeLogger(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(mealsCmd)
}
