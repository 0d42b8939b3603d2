package orchestrator

import (
	"context"
	"strings"

	"github.com/wagnerflo/poudomaticd/pkg/process"
)

// gitClone clones uri into dir on the given branch as a single-branch
// checkout with full history, mirroring git.clone_from(..., branch=...,
// single_branch=True).
func gitClone(ctx context.Context, uri, dir, branch string) error {
	_, err := process.New("git", "clone", "--branch", branch, "--single-branch", uri, dir).Run(ctx)
	return err
}

// gitPull fast-forwards dir's checkout from its configured upstream.
func gitPull(ctx context.Context, dir string) error {
	_, err := process.New("git", "-C", dir, "pull", "--ff-only").Run(ctx)
	return err
}

// gitHead returns the full hex SHA of HEAD.
func gitHead(ctx context.Context, dir string) (string, error) {
	out, err := process.New("git", "-C", dir, "rev-parse", "HEAD").Run(ctx)
	return strings.TrimSpace(out), err
}

// gitCommitTimestamp returns the Unix commit time of commit as a decimal
// string, used as a ZFS snapshot name.
func gitCommitTimestamp(ctx context.Context, dir, commit string) (string, error) {
	out, err := process.New("git", "-C", dir, "show", "-s", "--format=%ct", commit).Run(ctx)
	return strings.TrimSpace(out), err
}

// gitShow returns the content of path as it existed at commit, or ("",
// false, nil) if the path didn't exist at that commit.
func gitShow(ctx context.Context, dir, commit, path string) (string, bool, error) {
	out, err := process.New("git", "-C", dir, "show", commit+":"+path).Run(ctx)
	if err != nil {
		return "", false, nil
	}
	return out, true, nil
}

// gitLogPaths returns the commits touching path, newest first.
func gitLogPaths(ctx context.Context, dir, path string) ([]string, error) {
	out, err := process.New("git", "-C", dir, "log", "--format=%H", "--", path).Run(ctx)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

func gitCheckout(ctx context.Context, dir, ref string) error {
	_, err := process.New("git", "-C", dir, "checkout", ref).Run(ctx)
	return err
}
