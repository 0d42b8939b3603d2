package orchestrator

import (
	"context"
	"fmt"
	"regexp"

	"github.com/wagnerflo/poudomaticd/pkg/errs"
	"github.com/wagnerflo/poudomaticd/pkg/fbsd"
	"github.com/wagnerflo/poudomaticd/pkg/volume"
)

const newversPath = "sys/conf/newvers.sh"

var newversRE = regexp.MustCompile(`(?m)^BRANCH="(.*)"`)

// newversBranch reads sys/conf/newvers.sh as it existed at commit and
// extracts its BRANCH= value, e.g. "RELEASE", "BETA2", "CURRENT".
func newversBranch(ctx context.Context, dir, commit string) (string, bool, error) {
	data, ok, err := gitShow(ctx, dir, commit, newversPath)
	if err != nil || !ok {
		return "", false, err
	}
	m := newversRE.FindStringSubmatch(data)
	if m == nil {
		return "", false, nil
	}
	return m[1], true, nil
}

// tagSourceTree walks the commits touching newvers.sh and snapshots dset
// at every commit where BRANCH changed, naming each snapshot after the
// branch's short form ("p4", "b2p1"), stopping once it reaches the
// branch already covered by the newest existing snapshot.
func tagSourceTree(ctx context.Context, mgr volume.Manager, dir, dset string) error {
	stopAt := "CURRENT"
	if snaps, err := mgr.SortedSnapshots(ctx, dset); err == nil && len(snaps) > 0 {
		newest := snaps[len(snaps)-1]
		_, name := splitSnapshotName(newest.Name)
		if b, err := fbsd.ParseFreeBSDBranch(name); err == nil {
			stopAt = b.Long()
		}
	}

	hashes, err := gitLogPaths(ctx, dir, newversPath)
	if err != nil {
		return err
	}

	seen := map[string]string{}
	var order []string

	for i, h := range hashes {
		branch, ok, err := newversBranch(ctx, dir, h)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if i+1 < len(hashes) {
			parentBranch, _, err := newversBranch(ctx, dir, hashes[i+1])
			if err != nil {
				return err
			}
			if branch == parentBranch {
				continue
			}
		}
		if branch == stopAt {
			break
		}
		b, err := fbsd.ParseFreeBSDBranch(branch)
		if err != nil {
			continue
		}
		name := b.Short()
		if _, exists := seen[name]; !exists {
			order = append(order, name)
		}
		seen[name] = h
	}

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := gitCheckout(ctx, dir, seen[name]); err != nil {
			return err
		}
		if _, err := mgr.CreateSnapshot(ctx, dset, name); err != nil {
			return err
		}
	}
	if len(order) > 0 {
		if err := gitCheckout(ctx, dir, "HEAD"); err != nil {
			return err
		}
	}
	return nil
}

func splitSnapshotName(full string) (dataset, snap string) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '@' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}

// createOrUpdateSourceTree returns the dataset name holding the FreeBSD
// src checkout for ver's release, cloning it on first use and otherwise
// pulling and re-tagging it.
func (o *Orchestrator) createOrUpdateSourceTree(ctx context.Context, ver fbsd.FreeBSDVersion) (string, error) {
	name := o.Env.SrcDataset() + "/" + ver.ShortRelease()

	if ds, err := o.Volume.GetDataset(ctx, name); err != nil {
		return "", err
	} else if ds != nil {
		if err := gitPull(ctx, ds.Mountpoint); err != nil {
			return "", err
		}
		if err := tagSourceTree(ctx, o.Volume, ds.Mountpoint, name); err != nil {
			return "", err
		}
		return name, nil
	}

	branch := "releng/" + ver.Release
	return name, volume.WithTempDataset(ctx, o.Volume, o.Env.SrcDataset(), nil, volume.CreateOptions{Mount: true, ForceMount: true},
		func(ds *volume.Dataset) error {
			if err := gitClone(ctx, o.SrcRepoURI, ds.Mountpoint, branch); err != nil {
				return err
			}
			if err := tagSourceTree(ctx, o.Volume, ds.Mountpoint, ds.Name); err != nil {
				return err
			}
			_, err := o.Volume.RenameDataset(ctx, ds.Name, name)
			return err
		},
	)
}

// activateSourceTree returns a scratch read-write clone of ver's tagged
// src snapshot, with a cleanup function that destroys the clone.
func (o *Orchestrator) activateSourceTree(ctx context.Context, ver fbsd.FreeBSDVersion) (*volume.Dataset, func() error, error) {
	name, err := o.createOrUpdateSourceTree(ctx, ver)
	if err != nil {
		return nil, nil, err
	}
	snap, err := o.Volume.GetSnapshot(ctx, name+"@"+ver.Branch.Short())
	if err != nil {
		return nil, nil, err
	}
	if snap == nil {
		return nil, nil, fmt.Errorf("%w: src snapshot %s@%s", errs.ErrNotFound, name, ver.Branch.Short())
	}
	return volume.TempClone(ctx, o.Volume, snap, nil, volume.CreateOptions{Mount: true, ForceMount: true})
}
