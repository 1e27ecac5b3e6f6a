// Package scm is the source-control seam. Hashing uses it to list tracked
// files; change detection narrows runs to affected packages. Everything
// degrades to full filesystem scanning when no SCM is available.
package scm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"orchard/internal/proc"
)

// ErrUnavailable means no SCM backs the workspace.
var ErrUnavailable = errors.New("scm unavailable")

// SCM answers questions about the working tree.
type SCM interface {
	// ChangedFiles lists workspace-root-relative paths changed since ref.
	ChangedFiles(ctx context.Context, sinceRef string) ([]string, error)
	// Tracked lists dir-relative tracked files. ok is false when the
	// information is unavailable and callers must scan the filesystem.
	Tracked(ctx context.Context, dir string) (paths []string, ok bool)
}

// None is the fallback when the workspace has no repository.
type None struct{}

func (None) ChangedFiles(context.Context, string) ([]string, error) {
	return nil, ErrUnavailable
}

func (None) Tracked(context.Context, string) ([]string, bool) {
	return nil, false
}

// Git shells out to the git CLI through the shared process runner.
type Git struct {
	Root   string
	Runner proc.Runner
}

func (g Git) ChangedFiles(ctx context.Context, sinceRef string) ([]string, error) {
	res, err := g.Runner.Run(ctx, proc.Command{
		Shell: fmt.Sprintf("git diff --name-only %s -- .", sinceRef),
		Dir:   g.Root,
	})
	if err != nil {
		return nil, fmt.Errorf("git diff: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("git diff exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Log)))
	}
	return splitLines(res.Log), nil
}

func (g Git) Tracked(ctx context.Context, dir string) ([]string, bool) {
	res, err := g.Runner.Run(ctx, proc.Command{
		Shell: "git ls-files --cached --others --exclude-standard",
		Dir:   dir,
	})
	if err != nil || res.ExitCode != 0 {
		return nil, false
	}
	return splitLines(res.Log), true
}

func splitLines(b []byte) []string {
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	sort.Strings(out)
	return out
}
