// Package cmd holds the hub's command line: the server itself plus the
// operational subcommands that run next to it.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Flags shared by every subcommand.
var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Roaming hub - OCPI trust and sync hub",
	Long: `Roaming hub connects charge point operators (CPOs) with e-mobility service
providers (EMSPs) over OCPI 2.1.1, 2.2 and 2.2.1.

It keeps a registry of trusted parties and their tokens, runs the
credentials handshake in both directions, answers real-time token
authorization by asking the EMSPs, and relays location, tariff, session
and CDR updates between registered peers.

Running the binary without a subcommand starts the server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

// Execute runs the command line and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := 1
		var exit *exitError
		if errors.As(err, &exit) {
			code = exit.code
		}
		os.Exit(code)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML config file path (optional, env vars override it)")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	flags.StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")

	rootCmd.AddCommand(serveCmd, versionCmd, healthcheckCmd, migrateCmd, adminTokenCmd)
}
