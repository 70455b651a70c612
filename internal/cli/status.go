package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
	"github.com/lucasnoah/qualitygate/internal/report"
)

var statusCmd = &cobra.Command{
	Use:   "status [gate]",
	Short: "Show the latest recorded run of each gate",
	Args:  usageArgs(cobra.MaximumNArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, "text", "json"); err != nil {
			return err
		}
		verbose, _ := cmd.Flags().GetBool("verbose")
		a, err := loadApp(false)
		if err != nil {
			return err
		}

		gates := a.cfg.GateNames()
		if len(args) == 1 {
			gates = args
		}

		store := a.store()
		var runs []*pipeline.Run
		for _, g := range gates {
			run, err := store.Latest(g)
			if errors.Is(err, pipeline.ErrNoRuns) {
				if format == "text" {
					fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded for %s.\n", g)
				}
				continue
			}
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}

		if format == "json" {
			return report.JSON(cmd.OutOrStdout(), runs)
		}
		p := report.NewPrinter(cmd.OutOrStdout(), report.Options{Verbose: verbose})
		for _, run := range runs {
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s  %s\n", run.StartedAt.Local().Format("2006-01-02 15:04:05"), run.ID)
			p.Run(run)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().BoolP("verbose", "v", false, "print captured output of every stage")
}
