package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// Observer is notified as a run progresses. Callbacks run on the engine's
// goroutine and must not retain the *pipeline.Run.
type Observer interface {
	StageStarted(run *pipeline.Run, index int, st pipeline.Stage)
	StageFinished(run *pipeline.Run, res pipeline.StageResult)
	RunFinished(run *pipeline.Run)
}

// Engine executes an ordered stage list fail-fast.
type Engine struct {
	mu        sync.Mutex
	observers []Observer
	progress  io.Writer // live progress output; nil = silent
	now       func() time.Time
	newID     func() string
}

// NewEngine creates a stage engine.
func NewEngine() *Engine {
	return &Engine{
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

// AddObserver registers o for every subsequent run.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// RunOpts labels a run.
type RunOpts struct {
	Gate     string
	Entry    string
	EntryKey string
	CacheKey string
}

func (o RunOpts) label() string {
	if o.Entry == "" {
		return o.Gate
	}
	return o.Gate + "/" + o.Entry
}

// Run executes stages in order. A fatal stage that fails halts the run; a
// non-fatal one is recorded and execution continues. Cancellation of ctx
// aborts the run and is reported through the outcome, not the error. The
// error is non-nil only when the stage list itself is invalid.
func (e *Engine) Run(ctx context.Context, opts RunOpts, stages []pipeline.Stage, env pipeline.Env) (*pipeline.Run, error) {
	if err := pipeline.Validate(stages); err != nil {
		return nil, err
	}

	run := &pipeline.Run{
		ID:        e.newID(),
		Gate:      opts.Gate,
		Entry:     opts.Entry,
		EntryKey:  opts.EntryKey,
		CacheKey:  opts.CacheKey,
		StartedAt: e.now(),
		Stages:    make([]pipeline.StageResult, 0, len(stages)),
		Outcome:   pipeline.Pass(),
	}
	observers := e.snapshotObservers()
	label := opts.label()

	for i, st := range stages {
		if ctx.Err() != nil {
			run.Outcome = pipeline.Aborted("", abortReason(ctx))
			e.logf("[%s] aborted before %s: %s", label, st.Name, run.Outcome.Reason)
			break
		}

		e.logf("[%s] %s: %s", label, st.Name, st.Command)
		for _, o := range observers {
			o.StageStarted(run, i, st)
		}

		res := e.runStage(ctx, st, env)
		run.Stages = append(run.Stages, res)
		for _, o := range observers {
			o.StageFinished(run, res)
		}

		if res.Aborted {
			run.Outcome = pipeline.Aborted(st.Name, res.Reason)
			e.logf("[%s] %s aborted: %s", label, st.Name, res.Reason)
			break
		}
		if res.Passed() {
			e.logf("[%s] %s passed (%s)", label, st.Name, res.Duration.Round(time.Millisecond))
			continue
		}
		if st.Fatal {
			run.Outcome = pipeline.Fail(st.Name)
			e.logf("[%s] %s failed: %s", label, st.Name, describe(res))
			break
		}
		e.logf("[%s] %s failed (advisory): %s", label, st.Name, describe(res))
	}

	run.FinishedAt = e.now()
	for _, o := range observers {
		o.RunFinished(run)
	}
	return run, nil
}

// runStage executes one task, applying its timeout, and folds the task's
// error and the context state into a StageResult.
func (e *Engine) runStage(ctx context.Context, st pipeline.Stage, env pipeline.Env) pipeline.StageResult {
	stageCtx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	start := e.now()
	tr, err := st.Task.Execute(stageCtx, env)
	res := pipeline.StageResult{
		Name:       st.Name,
		Command:    st.Command,
		Hint:       st.Hint,
		Fatal:      st.Fatal,
		ExitStatus: tr.ExitStatus,
		StartedAt:  start,
		Duration:   e.now().Sub(start),
		Output:     tr.Output,
		Summary:    tr.Summary,
		Findings:   tr.Findings,
	}

	switch {
	case ctx.Err() != nil:
		res.Aborted = true
		res.ExitStatus = -1
		res.Reason = abortReason(ctx)
	case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitStatus = -1
		res.Reason = fmt.Sprintf("timeout after %s", st.Timeout)
	case err != nil:
		if res.ExitStatus == 0 {
			res.ExitStatus = -1
		}
		res.Reason = err.Error()
	}
	return res
}

func (e *Engine) snapshotObservers() []Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Observer(nil), e.observers...)
}

// abortReason prefers the cancellation cause set by whoever interrupted the
// run (e.g. "interrupt").
func abortReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	if cause == nil || cause == context.Canceled {
		return "interrupted"
	}
	return cause.Error()
}

func describe(res pipeline.StageResult) string {
	switch {
	case res.Reason != "":
		return res.Reason
	case res.Summary != "":
		return res.Summary
	default:
		return fmt.Sprintf("exit status %d", res.ExitStatus)
	}
}
