package main

import (
	"fmt"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/events"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/spf13/cobra"
)

var rollupHour string

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Aggregate one hour of events into usage_aggregates",
	Long: `Aggregate the events of one UTC hour into usage_aggregates. Re-running
for the same hour replaces its rows.

Examples:
  # Previous hour
  gateway rollup

  # A specific hour
  gateway rollup --hour 2026-03-14T09:00:00Z`,
	RunE: runRollup,
}

func init() {
	rootCmd.AddCommand(rollupCmd)

	rollupCmd.Flags().StringVar(&rollupHour, "hour", "", "hour to aggregate, RFC3339 (default: previous hour)")
}

func parseHour(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return now.UTC().Add(-time.Hour).Truncate(time.Hour), nil
	}

	hour, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --hour %q: %w", value, err)
	}
	return hour.UTC().Truncate(time.Hour), nil
}

func runRollup(cmd *cobra.Command, args []string) error {
	hour, err := parseHour(rollupHour, time.Now())
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	scheduler := events.NewScheduler(repository.NewAggregateRepository(db), nil, nil, nil, cfg.Events,
		events.WithSchedulerLogger(logger))

	rows, err := scheduler.Rollup(cmd.Context(), hour)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "aggregated %s: %d rows\n", hour.Format(time.RFC3339), rows)
	return nil
}
