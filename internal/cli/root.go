package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// ExitError carries the process exit status a command wants. Err may be nil
// when the report already explained the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func usageError(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: pipeline.ExitUsage, Err: err}
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usageError(fn(cmd, args))
	}
}

// ExitCode maps an error returned by Execute to a process exit status:
// 0 pass, 1 rejected, 2 usage or configuration, 130 aborted.
func ExitCode(err error) int {
	if err == nil {
		return pipeline.ExitPass
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	if errors.Is(err, context.Canceled) {
		return pipeline.ExitAborted
	}
	return pipeline.ExitFail
}

var rootCmd = &cobra.Command{
	Use:   "qgate",
	Short: "qgate — fail-fast quality gates for the pre-push hook and CI",
	Long: `qgate runs an ordered list of verification stages and stops at the first
fatal failure. With no arguments it runs the "local" gate, which is what the
pre-push hook calls: lint, then test.

"qgate ci" runs the CI gate: build, instrumented test, coverage merge and
upload. Gates, stages and the matrix of toolchains are declared in qgate.yaml
(or qgate.toml); without one the built-in configuration is used.

Exit status: 0 pass, 1 rejected, 2 usage or configuration error, 130 aborted.`,
	Args:          usageArgs(cobra.NoArgs),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGate(cmd, localGate, runOptions{format: "text"})
	},
}

// Execute runs the command tree. Cancelling ctx aborts a running gate.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagDir, "dir", "C", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file (default: search qgate.yaml, qgate.yml, qgate.toml, .qgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file with secrets; the process environment wins")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress progress output")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ciCmd)
	rootCmd.AddCommand(coverageCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cacheKeyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(hookCmd)
}
