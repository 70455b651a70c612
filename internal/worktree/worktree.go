package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.Command.
type ExecGit struct{}

func (g *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager creates throwaway detached worktrees so matrix entries never share
// a working directory.
type Manager struct {
	git     GitRunner
	baseDir string // where worktrees are created
	repoDir string // git repo root
}

// NewManager creates a worktree manager.
func NewManager(git GitRunner, repoDir string, baseDir string) *Manager {
	return &Manager{git: git, repoDir: repoDir, baseDir: baseDir}
}

// CreateResult holds the result of creating a worktree.
type CreateResult struct {
	Path   string
	Commit string
}

// Create checks out the repository's current HEAD, detached, into a worktree
// named after key. A leftover worktree from an interrupted run is replaced.
func (m *Manager) Create(key string) (*CreateResult, error) {
	name := sanitize(key)
	if name == "" {
		return nil, fmt.Errorf("invalid worktree key %q", key)
	}

	commit, err := m.Head()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(m.baseDir, name)
	if _, err := os.Stat(path); err == nil {
		m.git.Run(m.repoDir, "worktree", "remove", "--force", path)
	}
	// Best-effort: drop registrations whose directories were deleted by hand.
	m.git.Run(m.repoDir, "worktree", "prune")

	if _, err := m.git.Run(m.repoDir, "worktree", "add", "--detach", path, commit); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}
	return &CreateResult{Path: path, Commit: commit}, nil
}

// Remove deletes the worktree for key. Entry worktrees only ever hold a
// checkout under test, so removal is forced.
func (m *Manager) Remove(key string) error {
	name := sanitize(key)
	if name == "" {
		return fmt.Errorf("invalid worktree key %q", key)
	}
	if _, err := m.git.Run(m.repoDir, "worktree", "remove", "--force", m.Path(key)); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// Path returns the worktree path for key.
func (m *Manager) Path(key string) string {
	return filepath.Join(m.baseDir, sanitize(key))
}

// Head returns the commit checked out in the repository.
func (m *Manager) Head() (string, error) {
	out, err := m.git.Run(m.repoDir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return out, nil
}

// Branch returns the current branch name, or "" when HEAD is detached.
func (m *Manager) Branch() string {
	out, err := m.git.Run(m.repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || out == "HEAD" {
		return ""
	}
	return out
}

// HooksDir returns the repository's hooks directory, honouring core.hooksPath.
func (m *Manager) HooksDir() (string, error) {
	out, err := m.git.Run(m.repoDir, "rev-parse", "--git-path", "hooks")
	if err != nil {
		return "", fmt.Errorf("locate hooks directory: %w", err)
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(m.repoDir, out)
	}
	return out, nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitize turns a key into a single path element.
func sanitize(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-.")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
