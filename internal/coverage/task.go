package coverage

import (
	"context"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// CollectTask runs a Collector as a pipeline stage. Any collection failure,
// including an empty result, fails the stage.
type CollectTask struct {
	collector *Collector
	locations []string
}

// NewCollectTask wraps c. A nil locations uses the collector's configured ones.
func NewCollectTask(c *Collector, locations []string) *CollectTask {
	return &CollectTask{collector: c, locations: locations}
}

func (t *CollectTask) Execute(ctx context.Context, env pipeline.Env) (pipeline.TaskResult, error) {
	c := t.collector.withEnv(env.Dir, env.Vars)
	rep, output, err := c.collect(ctx, t.locations)
	if err != nil {
		return pipeline.TaskResult{ExitStatus: 1, Output: output, Summary: err.Error()}, err
	}
	return pipeline.TaskResult{
		Output:   output,
		Summary:  rep.Summary(),
		Findings: map[string]any{"files": len(rep.Files), "percent": rep.Percent()},
	}, nil
}
