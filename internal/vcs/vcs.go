// Package vcs inspects the git repositories that workspaces point at.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotInVCS is returned when a path is not inside a git repository.
	ErrNotInVCS = errors.New("not in a git repository")

	// ErrVCSNotAvailable is returned when git is not in PATH.
	ErrVCSNotAvailable = errors.New("git binary not available")
)

// DefaultTimeout bounds every git invocation.
const DefaultTimeout = 10 * time.Second

// Repo describes the repository containing a path.
type Repo struct {
	// Root is the top of the working tree, with symlinks resolved.
	Root string

	// MainRoot is the root of the main working tree. It differs from Root
	// only for linked worktrees.
	MainRoot string

	// Branch is the checked out branch, empty for a detached HEAD.
	Branch string

	// Head is the commit hash of HEAD, empty before the first commit.
	Head string
}

// IsWorktree reports whether the repository is a linked worktree.
func (r *Repo) IsWorktree() bool {
	return r.MainRoot != r.Root
}

// WorktreeName is the directory name of a linked worktree, or "".
func (r *Repo) WorktreeName() string {
	if !r.IsWorktree() {
		return ""
	}
	return filepath.Base(r.Root)
}

// Inspect finds the git repository containing path.
func Inspect(ctx context.Context, path string) (*Repo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, ErrVCSNotAvailable
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	out, err := execGit(ctx, absPath, "rev-parse", "--git-common-dir", "--show-toplevel")
	if err != nil {
		return nil, ErrNotInVCS
	}
	lines := parseLines(out)
	if len(lines) < 2 {
		return nil, fmt.Errorf("unexpected git rev-parse output: got %d lines, expected 2", len(lines))
	}

	commonDir := lines[0]
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(absPath, commonDir)
	}
	repo := &Repo{
		Root:     normalizeRoot(lines[1]),
		MainRoot: normalizeRoot(filepath.Dir(commonDir)),
	}

	// symbolic-ref fails on a detached HEAD
	if out, err := execGit(ctx, repo.Root, "symbolic-ref", "--short", "HEAD"); err == nil {
		repo.Branch = strings.TrimSpace(string(out))
	}
	// rev-parse HEAD fails before the first commit
	if out, err := execGit(ctx, repo.Root, "rev-parse", "--verify", "--quiet", "HEAD"); err == nil {
		repo.Head = strings.TrimSpace(string(out))
	}
	return repo, nil
}

// execGit runs git in dir and returns stdout, with stderr folded into the
// error.
func execGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return stdout.Bytes(), nil
}

func parseLines(output []byte) []string {
	var result []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			result = append(result, line)
		}
	}
	return result
}

// normalizeRoot resolves symlinks so that roots compare equal however the
// path was reached.
func normalizeRoot(path string) string {
	path = filepath.Clean(filepath.FromSlash(path))
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path
}
