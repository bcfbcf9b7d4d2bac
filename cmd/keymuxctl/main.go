package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	cfgPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "keymuxctl",
		Short: "keymux - credential-multiplexing dispatcher",
		Long: `keymuxctl is a demonstration CLI over a keymux pool: it loads a set of
credentials from a config file, wires them into a dispatcher pool, and
exposes operator controls and a minimal HTTP front-end.`,
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level, err := zerolog.ParseLevel(logLevel)
			if err != nil {
				level = zerolog.InfoLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to keymuxctl config file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var logLevel string
