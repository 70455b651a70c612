package checks

import (
	"context"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// CommandTask runs one check as a pipeline task.
type CommandTask struct {
	runner *Runner
	cfg    CheckConfig
}

// NewCommandTask binds a check to a runner.
func NewCommandTask(runner *Runner, cfg CheckConfig) *CommandTask {
	return &CommandTask{runner: runner, cfg: cfg}
}

// Config returns the check this task runs.
func (t *CommandTask) Config() CheckConfig {
	return t.cfg
}

// Execute runs the command in env.Dir with env.Vars. A command that exits 0
// but whose parser reports a failure is reported with exit status 1.
func (t *CommandTask) Execute(ctx context.Context, env pipeline.Env) (pipeline.TaskResult, error) {
	res, err := t.runner.Run(ctx, env.Dir, env.Vars, t.cfg)
	tr := pipeline.TaskResult{
		ExitStatus: res.ExitCode,
		Output:     res.Output,
		Summary:    res.Summary,
		Findings:   res.Findings,
	}
	if err != nil {
		return tr, err
	}
	if tr.ExitStatus == 0 && !res.Passed {
		tr.ExitStatus = 1
	}
	return tr, nil
}
