package features

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DiffStat is the change summary between two revisions
type DiffStat struct {
	Paths      []string
	Insertions int
	Deletions  int
}

// VCS is the version-control collaborator consumed by the extractor
type VCS interface {
	// Available reports whether the tool and a repository are usable
	Available(ctx context.Context) bool
	// Branch returns the current branch name
	Branch(ctx context.Context) (string, error)
	// HasRef reports whether ref resolves to a commit
	HasRef(ctx context.Context, ref string) bool
	// DiffStat summarizes the changes from base to head
	DiffStat(ctx context.Context, base, head string) (DiffStat, error)
}

// GitVCS runs the git CLI inside a working tree
type GitVCS struct {
	Dir string
	Bin string
}

// NewGitVCS creates a git collaborator for the repository at dir
func NewGitVCS(dir string) *GitVCS {
	return &GitVCS{Dir: dir, Bin: "git"}
}

func (g *GitVCS) command(ctx context.Context, args ...string) *exec.Cmd {
	bin := g.Bin
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = g.Dir
	return cmd
}

func (g *GitVCS) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := g.command(ctx, args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)), err)
		}
		return nil, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func (g *GitVCS) output(ctx context.Context, args ...string) (string, error) {
	out, err := g.run(ctx, args...)
	return strings.TrimSpace(string(out)), err
}

// Available implements VCS
func (g *GitVCS) Available(ctx context.Context) bool {
	bin := g.Bin
	if bin == "" {
		bin = "git"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return false
	}
	_, err := g.output(ctx, "rev-parse", "--git-dir")
	return err == nil
}

// Branch implements VCS. A detached HEAD has no branch name.
func (g *GitVCS) Branch(ctx context.Context) (string, error) {
	branch, err := g.output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if branch == "" || branch == "HEAD" {
		return "", fmt.Errorf("detached HEAD")
	}
	return branch, nil
}

// HasRef implements VCS
func (g *GitVCS) HasRef(ctx context.Context, ref string) bool {
	return g.command(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}").Run() == nil
}

// DiffStat implements VCS using --numstat so that paths and line counts
// come from a single invocation. -z keeps paths verbatim instead of
// C-quoting non-ASCII bytes.
func (g *GitVCS) DiffStat(ctx context.Context, base, head string) (DiffStat, error) {
	out, err := g.run(ctx, "diff", "--numstat", "-z", base, head)
	if err != nil {
		return DiffStat{}, err
	}
	return ParseNumstat(string(out)), nil
}

// ParseNumstat parses `git diff --numstat -z` output. Each entry is
// "added<TAB>deleted<TAB>path" NUL-terminated; a rename leaves the path
// empty and follows with the old and new paths as two more NUL-terminated
// fields. Binary files ("-") contribute a path but no line counts.
func ParseNumstat(out string) DiffStat {
	var stat DiffStat
	tokens := strings.Split(strings.TrimSuffix(out, "\x00"), "\x00")
	for i := 0; i < len(tokens); i++ {
		fields := strings.SplitN(tokens[i], "\t", 3)
		if len(fields) != 3 {
			continue
		}
		path := fields[2]
		if path == "" {
			if i+2 >= len(tokens) {
				break
			}
			path = tokens[i+2]
			i += 2
		}
		if n, err := strconv.Atoi(fields[0]); err == nil {
			stat.Insertions += n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			stat.Deletions += n
		}
		stat.Paths = append(stat.Paths, path)
	}
	return stat
}
