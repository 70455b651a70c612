package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func testRun(id string, started time.Time) *Run {
	return &Run{
		ID:         id,
		Gate:       "ci",
		Entry:      "stable",
		EntryKey:   "abc123",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Stages: []StageResult{
			{Name: "build", Fatal: true, ExitStatus: 0, Output: "Compiling elliptic v0.1.0"},
			{Name: "test", Fatal: true, ExitStatus: 1, Output: "test result: FAILED"},
		},
		Outcome: Fail("test"),
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	run := testRun("r1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	dir, err := s.Save(run)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run.json")); err != nil {
		t.Fatalf("run.json missing: %v", err)
	}

	got, err := s.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != "r1" {
		t.Errorf("ID = %q, want r1", got.ID)
	}
	if got.Outcome != Fail("test") {
		t.Errorf("Outcome = %+v, want fail at test", got.Outcome)
	}
	if len(got.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(got.Stages))
	}
	if got.Stages[1].Output != "test result: FAILED" {
		t.Errorf("stage output not restored, got %q", got.Stages[1].Output)
	}
}

func TestStore_SaveTwiceRejected(t *testing.T) {
	s := newTestStore(t)
	run := testRun("r1", time.Now())

	if _, err := s.Save(run); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if _, err := s.Save(run); err == nil {
		t.Error("expected second Save of the same run to fail")
	}
}

func TestStore_Latest(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, id := range []string{"old", "mid", "new"} {
		if _, err := s.Save(testRun(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	got, err := s.Latest("ci")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.ID != "new" {
		t.Errorf("Latest ID = %q, want new", got.ID)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs, got %d", len(all))
	}
}

func TestStore_LatestEmpty(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Latest("local"); !errors.Is(err, ErrNoRuns) {
		t.Errorf("expected ErrNoRuns, got %v", err)
	}
}

func TestPathSegment(t *testing.T) {
	cases := map[string]string{
		"lint":         "lint",
		"static check": "static check",
		"a/b":          "a_b",
		`a\b`:          "a_b",
		"../x":         ".._x",
		"..":           "_..",
		".":            "_.",
		"":             "_",
	}
	for in, want := range cases {
		if got := PathSegment(in); got != want {
			t.Errorf("PathSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStore_HostileNamesStayInsideBase(t *testing.T) {
	s := newTestStore(t)
	run := testRun("r1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	run.Gate = "../../outside"
	run.Stages[0].Name = "../../../escape"

	dir, err := s.Save(run)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	rel, err := filepath.Rel(s.BaseDir(), dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		t.Fatalf("run dir %s escapes %s", dir, s.BaseDir())
	}
	out := s.StageOutputPath(run, run.Stages[0].Name)
	if filepath.Dir(filepath.Dir(out)) != filepath.Join(dir, "stages") {
		t.Errorf("stage output %s not directly under %s/stages", out, dir)
	}

	got, err := s.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Stages[0].Output != "Compiling elliptic v0.1.0" {
		t.Errorf("stage output not restored, got %q", got.Stages[0].Output)
	}
	if _, err := s.Latest("../../outside"); err != nil {
		t.Errorf("Latest: %v", err)
	}
}
