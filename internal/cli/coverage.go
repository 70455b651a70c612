package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/qualitygate/internal/config"
	"github.com/lucasnoah/qualitygate/internal/coverage"
	"github.com/lucasnoah/qualitygate/internal/gate"
	"github.com/lucasnoah/qualitygate/internal/pipeline"
	"github.com/lucasnoah/qualitygate/internal/publish"
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Clean up or collect coverage data outside a gate run",
}

var coverageCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete stale raw coverage files and the merged report",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := loadCoverageTarget(cmd)
		if err != nil {
			return err
		}
		n, err := t.collector.Clean()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d file(s).\n", n)
		return nil
	},
}

var coverageCollectCmd = &cobra.Command{
	Use:   "collect [locations...]",
	Short: "Merge raw coverage files into an LCOV report",
	Long: `Find raw coverage files matching coverage.pattern under the given
locations (default: coverage.locations) and merge them with
coverage.merge_command into coverage.output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := loadCoverageTarget(cmd)
		if err != nil {
			return err
		}
		var locations []string
		for _, loc := range args {
			locations = append(locations, resolvePath(t.app.dir, loc))
		}
		rep, err := t.collector.Collect(cmd.Context(), locations)
		if err != nil {
			if errors.Is(err, coverage.ErrNoCoverageData) || errors.Is(err, coverage.ErrMergeFailed) {
				return &ExitError{Code: pipeline.ExitFail, Err: err}
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\nWrote %s\n", rep.Summary(), t.collector.Config().Output)
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish [report]",
	Short: "Upload an LCOV report to the coverage service",
	Long: `Upload a merged LCOV report (default: the coverage.output of the selected
gate entry). The upload token is read from the variable named by
publish.token_env. A failed upload exits non-zero only when
publish.fail_ci_if_error is set.`,
	Args: usageArgs(cobra.MaximumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := loadCoverageTarget(cmd)
		if err != nil {
			return err
		}

		path := resolvePath(t.app.dir, t.collector.Config().Output)
		if len(args) == 1 {
			path = resolvePath(t.app.dir, args[0])
		}
		dest := t.runner.Destination(t.entry)
		dest.Name, _ = cmd.Flags().GetString("name")
		if dest.Name == "" {
			dest.Name = filepath.Base(path)
		}

		receipt, err := uploadReport(cmd, path, dest)
		if err != nil {
			if !t.app.cfg.Publish.FailCIIfError {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: upload failed (fail_ci_if_error is off): %v\n", err)
				return nil
			}
			return &ExitError{Code: pipeline.ExitFail, Err: err}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %d file(s), %.2f%% covered\n%s\n", receipt.Files, receipt.Percent, receipt.ResultURL)
		return nil
	},
}

// coverageTarget is the gate entry whose coverage settings a standalone
// coverage or publish command uses.
type coverageTarget struct {
	app       *app
	runner    *gate.Runner
	entry     config.Entry
	collector *coverage.Collector
}

func loadCoverageTarget(cmd *cobra.Command) (*coverageTarget, error) {
	a, err := loadApp(true)
	if err != nil {
		return nil, err
	}
	gateName, _ := cmd.Flags().GetString("gate")
	entryName, _ := cmd.Flags().GetString("entry")
	entry, err := a.pickEntry(gateName, entryName)
	if err != nil {
		return nil, err
	}
	r := a.newRunner(cmd, true, nil)
	c, err := r.Collector(gateName, entry)
	if err != nil {
		return nil, usageError(err)
	}
	return &coverageTarget{app: a, runner: r, entry: entry, collector: c}, nil
}

func uploadReport(cmd *cobra.Command, path string, dest publish.Destination) (*publish.Receipt, error) {
	rep, err := publish.ReadReport(path)
	if err != nil {
		return nil, err
	}
	u := publish.NewUploader(newHTTPClient())
	if !flagQuiet {
		u.SetProgress(cmd.ErrOrStderr())
	}
	return u.Publish(cmd.Context(), rep, dest)
}

func init() {
	for _, c := range []*cobra.Command{coverageCleanCmd, coverageCollectCmd, publishCmd} {
		c.Flags().String("gate", ciGate, "gate whose coverage settings to use")
		c.Flags().String("entry", "", "matrix entry (default: the first)")
	}
	publishCmd.Flags().String("name", "", "upload name shown by the coverage service (default: report file name)")

	coverageCmd.AddCommand(coverageCleanCmd)
	coverageCmd.AddCommand(coverageCollectCmd)
}
