package worktree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type mockGit struct {
	calls   []gitCall
	results []mockResult
	idx     int
}

type gitCall struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Output string
	Err    error
}

func (m *mockGit) Run(dir string, args ...string) (string, error) {
	m.calls = append(m.calls, gitCall{Dir: dir, Args: args})
	if m.idx >= len(m.results) {
		return "", nil
	}
	r := m.results[m.idx]
	m.idx++
	return r.Output, r.Err
}

func assertArgs(t *testing.T, got []string, want ...string) {
	t.Helper()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("expected args %v, got %v", want, got)
	}
}

func TestCreate_HappyPath(t *testing.T) {
	git := &mockGit{
		results: []mockResult{
			{Output: "abc123"}, // rev-parse HEAD
			{Output: ""},       // worktree prune
			{Output: ""},       // worktree add
		},
	}

	base := t.TempDir()
	mgr := NewManager(git, "/repo", base)
	result, err := mgr.Create("stable-3f9a0c1d2e4b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := filepath.Join(base, "stable-3f9a0c1d2e4b")
	if result.Path != want {
		t.Errorf("expected path %s, got %q", want, result.Path)
	}
	if result.Commit != "abc123" {
		t.Errorf("expected commit abc123, got %q", result.Commit)
	}

	if len(git.calls) != 3 {
		t.Fatalf("expected 3 git calls, got %d", len(git.calls))
	}
	assertArgs(t, git.calls[0].Args, "rev-parse", "HEAD")
	assertArgs(t, git.calls[1].Args, "worktree", "prune")
	assertArgs(t, git.calls[2].Args, "worktree", "add", "--detach", want, "abc123")
	if git.calls[2].Dir != "/repo" {
		t.Errorf("expected dir /repo, got %q", git.calls[2].Dir)
	}
}

func TestCreate_ReplacesLeftover(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "stable"), 0o755); err != nil {
		t.Fatal(err)
	}
	git := &mockGit{results: []mockResult{{Output: "abc123"}}}

	if _, err := NewManager(git, "/repo", base).Create("stable"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(git.calls) != 4 {
		t.Fatalf("expected 4 git calls, got %d", len(git.calls))
	}
	assertArgs(t, git.calls[1].Args, "worktree", "remove", "--force", filepath.Join(base, "stable"))
}

func TestCreate_HeadError(t *testing.T) {
	git := &mockGit{results: []mockResult{{Err: fmt.Errorf("not a git repository")}}}
	_, err := NewManager(git, "/repo", t.TempDir()).Create("stable")
	if err == nil || !strings.Contains(err.Error(), "resolve HEAD") {
		t.Errorf("expected HEAD error, got %v", err)
	}
}

func TestCreate_AddError(t *testing.T) {
	git := &mockGit{results: []mockResult{
		{Output: "abc123"},
		{},
		{Err: fmt.Errorf("fatal: invalid reference")},
	}}
	_, err := NewManager(git, "/repo", t.TempDir()).Create("stable")
	if err == nil || !strings.Contains(err.Error(), "create worktree") {
		t.Errorf("expected create error, got %v", err)
	}
}

func TestCreate_InvalidKey(t *testing.T) {
	git := &mockGit{}
	if _, err := NewManager(git, "/repo", "/base").Create("///"); err == nil {
		t.Error("expected error for key with no usable characters")
	}
	if len(git.calls) != 0 {
		t.Error("no git calls expected for an invalid key")
	}
}

func TestRemove(t *testing.T) {
	git := &mockGit{}
	mgr := NewManager(git, "/repo", "/repo/.qgate/worktrees")
	if err := mgr.Remove("nightly"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertArgs(t, git.calls[0].Args, "worktree", "remove", "--force", "/repo/.qgate/worktrees/nightly")

	failing := &mockGit{results: []mockResult{{Err: fmt.Errorf("not a working tree")}}}
	if err := NewManager(failing, "/repo", "/base").Remove("nightly"); err == nil {
		t.Error("expected error")
	}
}

func TestBranch(t *testing.T) {
	mgr := NewManager(&mockGit{results: []mockResult{{Output: "main"}}}, "/repo", "/base")
	if b := mgr.Branch(); b != "main" {
		t.Errorf("expected main, got %q", b)
	}
	detached := NewManager(&mockGit{results: []mockResult{{Output: "HEAD"}}}, "/repo", "/base")
	if b := detached.Branch(); b != "" {
		t.Errorf("expected empty branch when detached, got %q", b)
	}
}

func TestHooksDir(t *testing.T) {
	mgr := NewManager(&mockGit{results: []mockResult{{Output: ".git/hooks"}}}, "/repo", "/base")
	dir, err := mgr.HooksDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/repo/.git/hooks" {
		t.Errorf("expected /repo/.git/hooks, got %q", dir)
	}

	abs := NewManager(&mockGit{results: []mockResult{{Output: "/shared/hooks"}}}, "/repo", "/base")
	if dir, _ := abs.HooksDir(); dir != "/shared/hooks" {
		t.Errorf("expected absolute hooks path kept, got %q", dir)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"stable-3f9a", "stable-3f9a"},
		{"nightly/2024-01-01", "nightly-2024-01-01"},
		{"..", ""},
		{strings.Repeat("a", 150), strings.Repeat("a", 100)},
	}
	for _, tt := range tests {
		if got := sanitize(tt.input); got != tt.want {
			t.Errorf("sanitize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
