package checks

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/lucasnoah/qualitygate/internal/pipeline"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	calls   []Request
	results []mockResult
	callIdx int
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (m *mockCmd) Run(ctx context.Context, req Request) (Output, error) {
	m.calls = append(m.calls, req)
	if m.callIdx >= len(m.results) {
		return Output{}, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return Output{Stdout: r.Stdout, Stderr: r.Stderr, ExitCode: r.ExitCode}, r.Err
}

func TestRunner_Run_HappyPath(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "all good", ExitCode: 0},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", []string{"RUSTFLAGS=-Cinstrument-coverage"}, CheckConfig{
		Name:    "lint",
		Command: "cargo clippy",
		Parser:  "generic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed {
		t.Errorf("expected passed=true, got false")
	}
	if result.CheckName != "lint" {
		t.Errorf("expected check_name=lint, got %q", result.CheckName)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(mock.calls))
	}
	call := mock.calls[0]
	if call.Dir != "/tmp/test" {
		t.Errorf("expected dir=/tmp/test, got %q", call.Dir)
	}
	if call.Command != "cargo clippy" {
		t.Errorf("expected command=cargo clippy, got %q", call.Command)
	}
	if !reflect.DeepEqual(call.Env, []string{"RUSTFLAGS=-Cinstrument-coverage"}) {
		t.Errorf("env not forwarded: %v", call.Env)
	}
	if result.Output != "all good" {
		t.Errorf("expected output fallback to stdout, got %q", result.Output)
	}
}

func TestRunner_Run_FailedCheck(t *testing.T) {
	mock := &mockCmd{
		results: []mockResult{
			{Stdout: "errors found", ExitCode: 1},
		},
	}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "/tmp/test", nil, CheckConfig{Name: "lint", Command: "cargo clippy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed {
		t.Errorf("expected passed=false, got true")
	}
	if result.ExitCode != 1 {
		t.Errorf("expected exit_code=1, got %d", result.ExitCode)
	}
}

func TestRunner_Run_UnknownParserFallsBackToGeneric(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 0}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "", nil, CheckConfig{Name: "x", Command: "true", Parser: "nope"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Summary != "passed (exit code 0)" {
		t.Errorf("expected generic summary, got %q", result.Summary)
	}
}

func TestRunner_Run_ExecError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: errors.New("exec: \"sh\": not found")}}}
	runner := NewRunner(mock)

	result, err := runner.Run(context.Background(), "", nil, CheckConfig{Name: "build", Command: "cargo build"})
	if err == nil {
		t.Fatal("expected error")
	}
	if result == nil || result.ExitCode != -1 {
		t.Errorf("expected partial result with exit -1, got %+v", result)
	}
}

func TestCommandTask_ParserVeto(t *testing.T) {
	// cargo exits 0 but the test parser sees a failed suite.
	out := "running 1 test\ntest a ... FAILED\n\ntest result: FAILED. 0 passed; 1 failed; 0 ignored; 0 measured; 0 filtered out\n"
	mock := &mockCmd{results: []mockResult{{Stdout: out, ExitCode: 0}}}
	task := NewCommandTask(NewRunner(mock), CheckConfig{Name: "test", Command: "cargo test", Parser: "cargo-test"})

	tr, err := task.Execute(context.Background(), pipeline.Env{Dir: "/repo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.ExitStatus != 1 {
		t.Errorf("expected exit status 1 after parser veto, got %d", tr.ExitStatus)
	}
	if !strings.Contains(tr.Summary, "1 failed") {
		t.Errorf("unexpected summary %q", tr.Summary)
	}
	if mock.calls[0].Dir != "/repo" {
		t.Errorf("expected dir /repo, got %q", mock.calls[0].Dir)
	}
}

func TestCommandTask_PassesExitStatusThrough(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stderr: "error[E0425]: cannot find value `y`\n --> src/lib.rs:1:1\n", ExitCode: 101}}}
	task := NewCommandTask(NewRunner(mock), CheckConfig{Name: "build", Command: "cargo build", Parser: "cargo"})

	tr, err := task.Execute(context.Background(), pipeline.Env{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.ExitStatus != 101 {
		t.Errorf("expected exit 101, got %d", tr.ExitStatus)
	}
	if tr.Summary != "1 errors, 0 warnings" {
		t.Errorf("unexpected summary %q", tr.Summary)
	}
}

func TestParserNames(t *testing.T) {
	want := []string{"cargo", "cargo-audit", "cargo-test", "generic", "rustfmt"}
	if got := ParserNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("ParserNames() = %v, want %v", got, want)
	}
}
