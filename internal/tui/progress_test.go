package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

func update(t *testing.T, m Model, msgs ...interface{}) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModel_TracksStages(t *testing.T) {
	m := NewModel("local")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return start.Add(2 * time.Second) }

	m = update(t, m,
		stageStartedMsg{run: "local", stage: "lint", at: start},
		stageFinishedMsg{run: "local", res: pipeline.StageResult{Name: "lint", Fatal: true, Duration: time.Second}},
		stageStartedMsg{run: "local", stage: "test", at: start},
		stageFinishedMsg{run: "local", res: pipeline.StageResult{Name: "test", Fatal: true, ExitStatus: 101, Summary: "1 failed"}},
		runFinishedMsg{run: "local", outcome: pipeline.Fail("test")},
	)

	if len(m.rows) != 2 || m.rows[0].state != rowPassed || m.rows[1].state != rowFailed {
		t.Fatalf("rows = %+v", m.rows)
	}
	view := m.View()
	for _, want := range []string{"✓ lint", "✗ test", "1 failed", "local: rejected at test"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_MatrixRowsAreLabelled(t *testing.T) {
	m := NewModel("ci")
	m = update(t, m,
		stageStartedMsg{run: "ci/stable", stage: "build"},
		stageStartedMsg{run: "ci/nightly", stage: "build"},
		stageFinishedMsg{run: "ci/nightly", res: pipeline.StageResult{Name: "build", Fatal: true}},
		stageFinishedMsg{run: "ci/stable", res: pipeline.StageResult{Name: "upload", Fatal: false, ExitStatus: 1, Reason: "codecov returned 503"}},
	)
	if m.rows[0].state != rowRunning || m.rows[1].state != rowPassed {
		t.Errorf("finish matched the wrong row: %+v", m.rows)
	}
	if !strings.Contains(m.View(), "ci/stable build") {
		t.Errorf("matrix rows not labelled:\n%s", m.View())
	}
}

func TestModel_AdvisoryAndAborted(t *testing.T) {
	m := NewModel("ci")
	m = update(t, m,
		stageStartedMsg{run: "ci", stage: "upload"},
		stageFinishedMsg{run: "ci", res: pipeline.StageResult{Name: "upload", ExitStatus: 1, Reason: "codecov returned 503"}},
		stageStartedMsg{run: "ci", stage: "test"},
		stageFinishedMsg{run: "ci", res: pipeline.StageResult{Name: "test", Fatal: true, Aborted: true, ExitStatus: -1}},
		runFinishedMsg{run: "ci", outcome: pipeline.Aborted("test", "interrupt")},
	)
	if m.rows[0].state != rowAdvisory || m.rows[1].state != rowAborted {
		t.Errorf("rows = %+v", m.rows)
	}
	if !strings.Contains(m.View(), "ci: aborted") {
		t.Errorf("view:\n%s", m.View())
	}
}

func TestModel_DoneQuits(t *testing.T) {
	m := NewModel("local")
	next, cmd := m.Update(doneMsg{})
	if !next.(Model).done || cmd == nil {
		t.Error("doneMsg should mark the model done and quit")
	}
}

func TestObserver_WithoutProgramIsNoop(t *testing.T) {
	o := &Observer{}
	run := &pipeline.Run{Gate: "local"}
	o.StageStarted(run, 0, pipeline.Stage{Name: "lint"})
	o.StageFinished(run, pipeline.StageResult{Name: "lint"})
	o.RunFinished(run)
}
