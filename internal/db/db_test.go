package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// testDB connects to the database named by QGATE_TEST_DATABASE_URL, which
// must be disposable: every test resets the schema.
func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("QGATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("QGATE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset test db: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func testRun(id, gate string, started time.Time, outcome pipeline.Outcome, stages ...pipeline.StageResult) *pipeline.Run {
	return &pipeline.Run{
		ID:         id,
		Gate:       gate,
		Entry:      "stable",
		EntryKey:   "stable-0123456789ab",
		StartedAt:  started,
		FinishedAt: started.Add(3 * time.Second),
		Stages:     stages,
		Outcome:    outcome,
	}
}

func TestFindingsJSON(t *testing.T) {
	got, err := findingsJSON(nil)
	if err != nil || got != nil {
		t.Errorf("nil findings = %q, %v", got, err)
	}
	got, err = findingsJSON([]map[string]string{{"severity": "warning", "message": "unused variable"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0] != '[' {
		t.Errorf("findings = %s", got)
	}
}

func TestStageStat_FailureRate(t *testing.T) {
	if r := (StageStat{}).FailureRate(); r != 0 {
		t.Errorf("empty rate = %v", r)
	}
	if r := (StageStat{Runs: 4, Failures: 1}).FailureRate(); r != 0.25 {
		t.Errorf("rate = %v, want 0.25", r)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := d.pool.QueryRow(ctx, "SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}
}

func TestLogRunAndRecentRuns(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	lint := pipeline.StageResult{Name: "lint", Fatal: true, ExitStatus: 101, Duration: 2 * time.Second, Summary: "1 warning"}
	test := pipeline.StageResult{Name: "test", Fatal: true, Duration: 4 * time.Second}

	runs := []*pipeline.Run{
		testRun("r1", "local", base, pipeline.Fail("lint"), lint),
		testRun("r2", "local", base.Add(time.Minute), pipeline.Pass(), pipeline.StageResult{Name: "lint", Fatal: true, Duration: time.Second}, test),
		testRun("r3", "ci", base.Add(2*time.Minute), pipeline.Aborted("build", "interrupt")),
	}
	for _, r := range runs {
		if err := d.LogRun(ctx, r); err != nil {
			t.Fatalf("LogRun %s: %v", r.ID, err)
		}
	}

	got, err := d.RecentRuns(ctx, "local", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "r2" || got[1].ID != "r1" {
		t.Fatalf("recent local runs = %+v", got)
	}
	if got[1].Status != "fail" || got[1].FailedAt != "lint" || got[1].ExitCode != 1 {
		t.Errorf("r1 = %+v", got[1])
	}
	if got[0].Duration() != 3*time.Second {
		t.Errorf("duration = %v", got[0].Duration())
	}

	all, err := d.RecentRuns(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "r3" || all[0].ExitCode != pipeline.ExitAborted {
		t.Errorf("latest run = %+v", all)
	}
}

func TestStageStats(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, exit := range []int{0, 101, 0, 0} {
		r := testRun(string(rune('a'+i)), "local", base.Add(time.Duration(i)*time.Minute), pipeline.Pass(),
			pipeline.StageResult{Name: "lint", Fatal: true, ExitStatus: exit, Duration: time.Duration(i+1) * time.Second},
		)
		if err := d.LogRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := d.StageStats(ctx, "local")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	s := stats[0]
	if s.Stage != "lint" || s.Runs != 4 || s.Failures != 1 || s.MaxDurationMs != 4000 {
		t.Errorf("lint stats = %+v", s)
	}
}

func TestPrune(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new"} {
		if err := d.LogRun(ctx, testRun(id, "ci", base.Add(time.Duration(i)*48*time.Hour), pipeline.Pass())); err != nil {
			t.Fatal(err)
		}
	}
	n, err := d.Prune(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	runs, _ := d.RecentRuns(ctx, "ci", 10)
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("remaining = %+v", runs)
	}
}
