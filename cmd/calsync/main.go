// Command calsync imports external calendar feeds into family spaces.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hearthly/calsync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "calsync",
	Short:         "Keep external calendar feeds in sync with family spaces",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, testFeedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
