package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the hub build metadata and the OCPI versions it negotiates.`,
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	rows := [][2]string{
		{"Version", Version},
		{"Git commit", GitCommit},
		{"Build date", BuildDate},
		{"Go version", runtime.Version()},
		{"Platform", runtime.GOOS + "/" + runtime.GOARCH},
		{"OCPI", strings.Join(ocpi.SupportedVersions, ", ")},
	}
	fmt.Fprintln(out, "Roaming Hub")
	for _, row := range rows {
		fmt.Fprintf(out, "%-11s %s\n", row[0]+":", row[1])
	}
}
