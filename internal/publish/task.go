package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lucasnoah/qualitygate/internal/coverage"
	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// UploadTask reads an LCOV report from disk and publishes it.
type UploadTask struct {
	uploader *Uploader
	report   string
	dest     Destination
}

// NewUploadTask binds a report path (relative to the stage dir) to a destination.
func NewUploadTask(u *Uploader, report string, dest Destination) *UploadTask {
	return &UploadTask{uploader: u, report: report, dest: dest}
}

func (t *UploadTask) Execute(ctx context.Context, env pipeline.Env) (pipeline.TaskResult, error) {
	path := t.report
	if !filepath.IsAbs(path) && env.Dir != "" {
		path = filepath.Join(env.Dir, path)
	}

	rep, err := ReadReport(path)
	if err != nil {
		return pipeline.TaskResult{ExitStatus: 1, Summary: err.Error()}, err
	}
	dest := t.dest
	if dest.Name == "" {
		dest.Name = filepath.Base(path)
	}

	receipt, err := t.uploader.Publish(ctx, rep, dest)
	if err != nil {
		return pipeline.TaskResult{ExitStatus: 1, Summary: err.Error()}, err
	}
	return pipeline.TaskResult{
		Summary:  fmt.Sprintf("uploaded %d files (%.2f%%) to %s", receipt.Files, receipt.Percent, receipt.ResultURL),
		Findings: receipt,
	}, nil
}

// ReadReport loads an LCOV file into a report.
func ReadReport(path string) (*coverage.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening coverage report: %w", err)
	}
	defer f.Close()
	rep, err := coverage.ParseLCOV(f)
	if err != nil {
		return nil, fmt.Errorf("parsing coverage report %s: %w", path, err)
	}
	return rep, nil
}
