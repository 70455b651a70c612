package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/qualitygate/internal/db"
)

var historyCmd = &cobra.Command{
	Use:   "history [gate]",
	Short: "List recent runs from the history database",
	Long: `List recent runs recorded in the PostgreSQL history database configured by
history.dsn or QGATE_DATABASE_URL.`,
	Args: usageArgs(cobra.MaximumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, "text", "json"); err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		gateName := ""
		if len(args) == 1 {
			gateName = args[0]
		}

		d, err := openHistoryDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		runs, err := d.RecentRuns(cmd.Context(), gateName, limit)
		if err != nil {
			return err
		}

		if format == "json" {
			data, _ := json.MarshalIndent(runs, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-19s %-8s %-12s %-8s %-12s %-9s %s\n", "STARTED", "GATE", "ENTRY", "STATUS", "STAGE", "DURATION", "REASON")
		fmt.Fprintf(w, "%-19s %-8s %-12s %-8s %-12s %-9s %s\n",
			strings.Repeat("-", 19),
			strings.Repeat("-", 8),
			strings.Repeat("-", 12),
			strings.Repeat("-", 8),
			strings.Repeat("-", 12),
			strings.Repeat("-", 9),
			strings.Repeat("-", 6))
		for _, r := range runs {
			fmt.Fprintf(w, "%-19s %-8s %-12s %-8s %-12s %-9s %s\n",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"),
				r.Gate, r.Entry, r.Status, r.FailedAt,
				r.Duration().Round(100*time.Millisecond), r.Reason)
		}
		return nil
	},
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats <gate>",
	Short: "Show per-stage failure rate and duration for a gate",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openHistoryDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		stats, err := d.StageStats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded for %s.\n", args[0])
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-14s %6s %6s %7s %9s %9s\n", "STAGE", "RUNS", "FAILS", "RATE", "AVG", "MAX")
		for _, s := range stats {
			fmt.Fprintf(w, "%-14s %6d %6d %6.1f%% %9s %9s\n",
				s.Stage, s.Runs, s.Failures, s.FailureRate()*100,
				(time.Duration(s.AvgDurationMs) * time.Millisecond).String(),
				(time.Duration(s.MaxDurationMs) * time.Millisecond).String())
		}
		return nil
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete history older than a given age",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		age, _ := cmd.Flags().GetDuration("older-than")
		if age <= 0 {
			return usageError(errors.New("--older-than must be positive"))
		}
		d, err := openHistoryDB(cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		n, err := d.Prune(cmd.Context(), time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s).\n", n)
		return nil
	},
}

var historyMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the history schema",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openHistoryDB(cmd)
		if err != nil {
			return err
		}
		d.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "History schema is up to date.")
		return nil
	},
}

func openHistoryDB(cmd *cobra.Command) (*db.DB, error) {
	a, err := loadApp(false)
	if err != nil {
		return nil, err
	}
	if a.cfg.History.DSN == "" {
		return nil, usageError(errors.New("no history database configured (set history.dsn or QGATE_DATABASE_URL)"))
	}
	return a.openHistory(cmd.Context())
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	historyCmd.Flags().String("format", "text", "Output format: text or json")
	historyPruneCmd.Flags().Duration("older-than", 30*24*time.Hour, "delete runs that started longer ago than this")
	historyCmd.AddCommand(historyStatsCmd)
	historyCmd.AddCommand(historyPruneCmd)
	historyCmd.AddCommand(historyMigrateCmd)
}
