// Package env owns the environment root dataset: the fixed child
// dataset layout, schema-version property, and accessors for the
// jail/ports/packages/src sub-resources the build orchestrator
// operates on. First access initializes every child dataset and stamps
// the version property; later opens only run idempotent upgrades.
package env

import (
	"context"
	"fmt"
	"path"

	"github.com/wagnerflo/poudomaticd/pkg/errs"
	"github.com/wagnerflo/poudomaticd/pkg/fbsd"
	"github.com/wagnerflo/poudomaticd/pkg/volume"
)

// Property is the user-property recording the environment's schema
// version on the root dataset.
const Property = "poudomatic:environment"

// Version is the current schema version this package knows how to set
// up and upgrade to.
const Version = 1

// datasetSpec is one entry of the fixed child dataset layout.
type datasetSpec struct {
	name  string
	props volume.Props
}

var datasets = []datasetSpec{
	{".m", nil},
	{"cache", nil},
	{"ccache", volume.COMPRESSION},
	{"distfiles", nil},
	{"etc", volume.COMPRESSION},
	{"jails", volume.COMPRESSION},
	{"logs", nil},
	{"packages", nil},
	{"ports", volume.COMPRESSION},
	{"src", volume.COMPRESSION},
	{"wrkdirs", nil},
}

// Environment is the root dataset that owns every build artifact this
// worker produces: jails, ports trees, package sets, source trees, and
// the task store itself.
type Environment struct {
	mgr  volume.Manager
	Root *volume.Dataset

	dsetJails, dsetPorts, dsetPkgs, dsetSrc string
	EtcPath                                 string
	PackagesPath                            string
}

// Open attaches to an existing root dataset, running first-time setup
// or an idempotent upgrade as needed.
func Open(ctx context.Context, mgr volume.Manager, dataset string) (*Environment, error) {
	root, err := mgr.GetDataset(ctx, dataset)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("%w: ZFS dataset %q doesn't exist", errs.ErrNotFound, dataset)
	}
	if root.Mountpoint == "" {
		return nil, fmt.Errorf("ZFS dataset %q is not mounted", dataset)
	}

	e := &Environment{mgr: mgr, Root: root}

	version, has, err := mgr.GetProperty(ctx, dataset, Property)
	if err != nil {
		return nil, err
	}
	if !has {
		if err := e.setup(ctx); err != nil {
			return nil, err
		}
	} else {
		var v int
		if _, err := fmt.Sscanf(version, "%d", &v); err != nil {
			return nil, fmt.Errorf("env: invalid %s property %q: %w", Property, version, err)
		}
		if err := e.upgrade(ctx, v); err != nil {
			return nil, err
		}
	}

	e.dsetJails = dataset + "/jails"
	e.dsetPorts = dataset + "/ports"
	e.dsetPkgs = dataset + "/packages"
	e.dsetSrc = dataset + "/src"
	e.EtcPath = path.Join(root.Mountpoint, "etc")

	pkgs, err := mgr.GetDataset(ctx, e.dsetPkgs)
	if err != nil {
		return nil, err
	}
	if pkgs != nil {
		e.PackagesPath = pkgs.Mountpoint
	}

	return e, nil
}

func (e *Environment) setup(ctx context.Context) error {
	if err := e.mgr.SetProperties(ctx, e.Root.Name, volume.NOCOMPRESSION.With(volume.NOATIME)); err != nil {
		return err
	}
	for _, d := range datasets {
		if _, err := e.mgr.CreateDataset(ctx, e.Root.Name+"/"+d.name, d.props, volume.CreateOptions{Mount: true, ForceMount: true}); err != nil {
			return fmt.Errorf("env: setup: create %s: %w", d.name, err)
		}
	}
	return e.mgr.SetProperties(ctx, e.Root.Name, volume.Props{
		Property:          fmt.Sprintf("%d", Version),
		"poudriere:type":  "data",
	})
}

// upgrade runs each numbered upgrade step between oldVersion+1 and
// Version in order. There are none yet beyond the version this package
// was introduced at; future schema changes append a case here.
func (e *Environment) upgrade(ctx context.Context, oldVersion int) error {
	if oldVersion > Version {
		return fmt.Errorf("env: dataset %s has newer schema version %d than this binary supports (%d)",
			e.Root.Name, oldVersion, Version)
	}
	return nil
}

// Jail is a child of $root/jails whose leaf name is the jail's short
// FreeBSD version string.
type Jail struct {
	Dset       string
	Mountpoint string
	Version    fbsd.FreeBSDVersion
}

func (j *Jail) Name() string { return j.Version.Shortname() }

// GetJail returns the jail matching version, or nil if none exists.
func (e *Environment) GetJail(ctx context.Context, version fbsd.FreeBSDVersion) (*Jail, error) {
	name := e.dsetJails + "/" + version.Shortname()
	ds, err := e.mgr.GetDataset(ctx, name)
	if err != nil || ds == nil {
		return nil, err
	}
	return &Jail{Dset: ds.Name, Mountpoint: ds.Mountpoint, Version: version}, nil
}

// JailsDataset returns the parent dataset new jails are created under.
func (e *Environment) JailsDataset() string { return e.dsetJails }

// ListJails returns the short version names of every jail this
// environment holds.
func (e *Environment) ListJails(ctx context.Context) ([]string, error) {
	return e.mgr.ListChildren(ctx, e.dsetJails)
}

// ListPortsBranches returns the quarterly branch names of every fetched
// ports tree.
func (e *Environment) ListPortsBranches(ctx context.Context) ([]string, error) {
	return e.mgr.ListChildren(ctx, e.dsetPorts)
}

// SrcDataset returns the parent dataset source trees live under.
func (e *Environment) SrcDataset() string { return e.dsetSrc }

// PortsTree is a child of $root/ports whose leaf name encodes a
// quarterly branch, pinned to its newest snapshot.
type PortsTree struct {
	Snap      *volume.Snapshot
	Branch    fbsd.PortsBranchVersion
	Timestamp string
}

func (p *PortsTree) Name() string { return p.Branch.Name() }

// Clone creates a scratch read-write copy of the ports tree's snapshot.
func (p *PortsTree) Clone(ctx context.Context, mgr volume.Manager) (*volume.Dataset, func() error, error) {
	return volume.TempClone(ctx, mgr, p.Snap, nil, volume.CreateOptions{Mount: true, ForceMount: true})
}

// GetPorts returns the ports tree for branch pinned to its newest
// snapshot, or nil if the branch has never been fetched.
func (e *Environment) GetPorts(ctx context.Context, branch fbsd.PortsBranchVersion) (*PortsTree, error) {
	dset := e.dsetPorts + "/" + branch.Name()
	snaps, err := e.mgr.SortedSnapshots(ctx, dset)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	newest := snaps[len(snaps)-1]
	_, ts := splitSnapshotName(newest.Name)
	return &PortsTree{Snap: newest, Branch: branch, Timestamp: ts}, nil
}

// PortsDataset returns the parent dataset new ports trees are created
// under.
func (e *Environment) PortsDataset() string { return e.dsetPorts }

func splitSnapshotName(full string) (dataset, snap string) {
	for i := len(full) - 1; i >= 0; i-- {
		if full[i] == '@' {
			return full[:i], full[i+1:]
		}
	}
	return full, ""
}

// Packages is the dataset holding the output repository for one
// (jail, branch) pair.
type Packages struct {
	Dset       string
	Mountpoint string
}

// Transaction runs fn against a temp snapshot of the package set,
// rolling back on error.
func (p *Packages) Transaction(ctx context.Context, mgr volume.Manager, fn func(snap *volume.Snapshot) error) error {
	return volume.TransactionalPackages(ctx, mgr, p.Dset, fn)
}

// GetPackages returns (creating if necessary) the package set for the
// given jail/branch pair.
func (e *Environment) GetPackages(ctx context.Context, jail *Jail, branch fbsd.PortsBranchVersion) (*Packages, error) {
	name := e.dsetPkgs + "/" + jail.Name() + "-" + branch.Name()
	ds, err := e.mgr.GetDataset(ctx, name)
	if err != nil {
		return nil, err
	}
	if ds == nil {
		ds, err = e.mgr.CreateDataset(ctx, name, nil, volume.CreateOptions{Mount: true, ForceMount: true})
		if err != nil {
			return nil, err
		}
	}
	return &Packages{Dset: ds.Name, Mountpoint: ds.Mountpoint}, nil
}
