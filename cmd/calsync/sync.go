package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hearthly/calsync/internal/config"
	"github.com/hearthly/calsync/internal/db"
	"github.com/hearthly/calsync/internal/feed"
	"github.com/hearthly/calsync/internal/logging"
	"github.com/hearthly/calsync/internal/provider"
)

var (
	forceSync    bool
	feedProvider string
)

var syncCmd = &cobra.Command{
	Use:   "sync <connection-id>",
	Short: "Sync one connection now and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var testFeedCmd = &cobra.Command{
	Use:   "test-feed <url>",
	Short: "Fetch and parse a feed without storing anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runTestFeed,
}

func init() {
	syncCmd.Flags().BoolVar(&forceSync, "force", false, "also sync a disabled connection")
	testFeedCmd.Flags().StringVar(&feedProvider, "provider", string(provider.ICS), "provider whose rules apply to the URL")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.engine.Sync(cmd.Context(), args[0], db.SyncTypeManual, forceSync)
	if err != nil {
		return err
	}
	if err := printJSON(cmd, result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("sync failed: %s", result.Message)
	}
	return nil
}

// runTestFeed needs no database or session secret, so it builds a fetcher
// from defaults instead of loading the full configuration.
func runTestFeed(cmd *cobra.Command, args []string) error {
	fetcher := feed.NewFetcher(
		feed.WithUserAgent(config.DefaultUserAgent()),
		feed.WithLogger(logging.New("warn", false)),
	)
	adapter, err := provider.Default(fetcher).Get(feedProvider)
	if err != nil {
		return err
	}

	normalized, err := adapter.Validate(args[0])
	if err != nil {
		return err
	}

	result, err := adapter.Test(cmd.Context(), normalized)
	if err != nil {
		return fmt.Errorf("%s: %w", feed.Describe(err), err)
	}
	if result.CalendarName == "" {
		result.CalendarName = adapter.Describe(normalized)
	}
	return printJSON(cmd, result)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}
