package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/qualitygate/internal/config"
	"github.com/lucasnoah/qualitygate/internal/gate"
	"github.com/lucasnoah/qualitygate/internal/pipeline"
	"github.com/lucasnoah/qualitygate/internal/report"
	"github.com/lucasnoah/qualitygate/internal/tui"
)

const (
	localGate = "local"
	ciGate    = "ci"
)

type runOptions struct {
	entries []string
	format  string
	verbose bool
	tui     bool
}

func readRunOptions(cmd *cobra.Command) (runOptions, error) {
	var opts runOptions
	opts.entries, _ = cmd.Flags().GetStringSlice("entry")
	opts.format, _ = cmd.Flags().GetString("format")
	opts.verbose, _ = cmd.Flags().GetBool("verbose")
	opts.tui, _ = cmd.Flags().GetBool("tui")
	if err := checkFormat(opts.format, "text", "json"); err != nil {
		return opts, err
	}
	return opts, nil
}

func checkFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return usageError(fmt.Errorf("unknown format %q (want %s)", format, strings.Join(allowed, " or ")))
}

var runCmd = &cobra.Command{
	Use:   "run [gate]",
	Short: "Run a gate (default: local)",
	Long: `Run every stage of a gate in order, stopping at the first fatal failure.
Each matrix entry runs with its own artifact directory; entries run in
parallel up to matrix.parallel.`,
	Args: usageArgs(cobra.MaximumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		gateName := localGate
		if len(args) == 1 {
			gateName = args[0]
		}
		opts, err := readRunOptions(cmd)
		if err != nil {
			return err
		}
		return runGate(cmd, gateName, opts)
	},
}

var ciCmd = &cobra.Command{
	Use:   "ci",
	Short: "Run the CI gate: build, instrumented test, coverage, upload",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := readRunOptions(cmd)
		if err != nil {
			return err
		}
		return runGate(cmd, ciGate, opts)
	},
}

// runGate runs a gate over its matrix, prints the report and converts the
// aggregate outcome into an exit status.
func runGate(cmd *cobra.Command, gateName string, opts runOptions) error {
	a, err := loadApp(true)
	if err != nil {
		return err
	}
	g, ok := a.cfg.Gates[gateName]
	if !ok {
		return usageError(fmt.Errorf("unknown gate %q (configured: %s)", gateName, strings.Join(a.cfg.GateNames(), ", ")))
	}
	entries, err := selectEntries(a.cfg, gateName, opts.entries)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var runs []*pipeline.Run
	if opts.tui {
		err = tui.Run(ctx, cmd.ErrOrStderr(), "qgate "+gateName, func(obs *tui.Observer) error {
			r, cleanup := a.runner(cmd, false, obs)
			defer cleanup()
			var runErr error
			runs, runErr = r.RunMatrix(ctx, gateName, entries)
			return runErr
		})
	} else {
		r, cleanup := a.runner(cmd, true)
		defer cleanup()
		runs, err = r.RunMatrix(ctx, gateName, entries)
	}

	if perr := printRuns(cmd.OutOrStdout(), runs, opts.format, opts.verbose || g.Verbose); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}

	switch code := gate.ExitCode(runs); code {
	case pipeline.ExitPass:
		return nil
	case pipeline.ExitAborted:
		return &ExitError{Code: code, Err: fmt.Errorf("gate %s aborted", gateName)}
	default:
		return &ExitError{Code: code, Err: fmt.Errorf("gate %s rejected the change", gateName)}
	}
}

func printRuns(w io.Writer, runs []*pipeline.Run, format string, verbose bool) error {
	if format == "json" {
		return report.JSON(w, runs)
	}
	report.NewPrinter(w, report.Options{Verbose: verbose}).Matrix(runs)
	return nil
}

// selectEntries narrows a gate's matrix to the named entries, in matrix order.
func selectEntries(cfg *config.Config, gateName string, names []string) ([]config.Entry, error) {
	all := cfg.Entries(gateName)
	if len(names) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []config.Entry
	for _, e := range all {
		if want[e.Name] {
			out = append(out, e)
			delete(want, e.Name)
		}
	}
	for n := range want {
		return nil, usageError(fmt.Errorf("gate %s has no matrix entry %q", gateName, n))
	}
	return out, nil
}

func addRunFlags(cmd *cobra.Command, verboseDefault bool) {
	cmd.Flags().StringSlice("entry", nil, "run only these matrix entries (repeatable)")
	cmd.Flags().String("format", "text", "Output format: text or json")
	cmd.Flags().BoolP("verbose", "v", verboseDefault, "print captured output of every stage")
	cmd.Flags().Bool("tui", false, "show a live progress view")
}

func init() {
	addRunFlags(runCmd, false)
	addRunFlags(ciCmd, true)
}
