package env

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagnerflo/poudomaticd/pkg/fbsd"
	"github.com/wagnerflo/poudomaticd/pkg/volume"
)

// fakeManager is a minimal in-memory volume.Manager used to exercise
// Environment's setup/upgrade and accessor logic without a real zpool.
type fakeManager struct {
	datasets  map[string]*volume.Dataset
	props     map[string]volume.Props
	snapshots map[string]*volume.Snapshot
	txg       uint64
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		datasets:  make(map[string]*volume.Dataset),
		props:     make(map[string]volume.Props),
		snapshots: make(map[string]*volume.Snapshot),
	}
}

func (f *fakeManager) GetDataset(ctx context.Context, name string) (*volume.Dataset, error) {
	return f.datasets[name], nil
}

func (f *fakeManager) CreateDataset(ctx context.Context, name string, props volume.Props, opts volume.CreateOptions) (*volume.Dataset, error) {
	mp := "/mnt/" + name
	if !opts.Mount {
		mp = ""
	}
	ds := &volume.Dataset{Name: name, Mountpoint: mp}
	f.datasets[name] = ds
	if props != nil {
		f.props[name] = props
	}
	return ds, nil
}

func (f *fakeManager) RenameDataset(ctx context.Context, oldName, newName string) (*volume.Dataset, error) {
	ds := f.datasets[oldName]
	delete(f.datasets, oldName)
	ds.Name = newName
	f.datasets[newName] = ds
	return ds, nil
}

func (f *fakeManager) SetProperties(ctx context.Context, name string, props volume.Props) error {
	if f.props[name] == nil {
		f.props[name] = volume.Props{}
	}
	for k, v := range props {
		f.props[name][k] = v
	}
	return nil
}

func (f *fakeManager) GetProperty(ctx context.Context, name, key string) (string, bool, error) {
	v, ok := f.props[name][key]
	return v, ok, nil
}

func (f *fakeManager) GetSnapshot(ctx context.Context, name string) (*volume.Snapshot, error) {
	return f.snapshots[name], nil
}

func (f *fakeManager) CreateSnapshot(ctx context.Context, dataset, name string) (*volume.Snapshot, error) {
	full := dataset + "@" + name
	f.txg++
	snap := &volume.Snapshot{Name: full, CreateTXG: f.txg}
	f.snapshots[full] = snap
	return snap, nil
}

func (f *fakeManager) SortedSnapshots(ctx context.Context, dataset string) ([]*volume.Snapshot, error) {
	var out []*volume.Snapshot
	for _, s := range f.snapshots {
		if s.Dataset() == dataset {
			out = append(out, s)
		}
	}
	// CreateTXG ascending, good enough for these tests
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreateTXG < out[i].CreateTXG {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (f *fakeManager) RollbackSnapshot(ctx context.Context, snap string) error { return nil }

func (f *fakeManager) ListChildren(ctx context.Context, name string) ([]string, error) {
	var out []string
	for n := range f.datasets {
		if rest, ok := strings.CutPrefix(n, name+"/"); ok && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeManager) CreateClone(ctx context.Context, snap, name string, props volume.Props, opts volume.CreateOptions) (*volume.Dataset, error) {
	return f.CreateDataset(ctx, name, props, opts)
}

func (f *fakeManager) DestroyDataset(ctx context.Context, name string) error {
	delete(f.datasets, name)
	delete(f.snapshots, name)
	return nil
}

func newRoot(t *testing.T, m *fakeManager) {
	t.Helper()
	m.datasets["pool/data"] = &volume.Dataset{Name: "pool/data", Mountpoint: "/poudomatic"}
}

func TestOpenRunsSetupOnFirstAccess(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	newRoot(t, m)

	e, err := Open(ctx, m, "pool/data")
	require.NoError(t, err)

	for _, d := range datasets {
		assert.Contains(t, m.datasets, "pool/data/"+d.name)
	}
	v, ok, err := m.GetProperty(ctx, "pool/data", Property)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, "pool/data/jails", e.JailsDataset())
}

func TestOpenIdempotentOnSecondAccess(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	newRoot(t, m)

	_, err := Open(ctx, m, "pool/data")
	require.NoError(t, err)
	// second open must not re-run setup (which would error on existing datasets
	// in a real ZFS manager); the fake tolerates it but we assert the property
	// stays unchanged.
	_, err = Open(ctx, m, "pool/data")
	require.NoError(t, err)
	v, ok, err := m.GetProperty(ctx, "pool/data", Property)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestOpenMissingDataset(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	_, err := Open(ctx, m, "pool/nope")
	assert.Error(t, err)
}

func TestGetJailMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	newRoot(t, m)
	e, err := Open(ctx, m, "pool/data")
	require.NoError(t, err)

	v, err := fbsd.ParseFreeBSDVersion("13.2-RELEASE")
	require.NoError(t, err)

	j, err := e.GetJail(ctx, v)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestGetPortsReturnsNewestSnapshot(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	newRoot(t, m)
	e, err := Open(ctx, m, "pool/data")
	require.NoError(t, err)

	branch, err := fbsd.ParsePortsBranchVersion("2024Q1")
	require.NoError(t, err)

	dset := e.PortsDataset() + "/" + branch.Name()
	_, err = m.CreateDataset(ctx, dset, nil, volume.CreateOptions{Mount: true})
	require.NoError(t, err)
	_, err = m.CreateSnapshot(ctx, dset, "20240101000000")
	require.NoError(t, err)
	_, err = m.CreateSnapshot(ctx, dset, "20240201000000")
	require.NoError(t, err)

	pt, err := e.GetPorts(ctx, branch)
	require.NoError(t, err)
	require.NotNil(t, pt)
	assert.Equal(t, "20240201000000", pt.Timestamp)
}

func TestGetPackagesCreatesOnFirstUse(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	newRoot(t, m)
	e, err := Open(ctx, m, "pool/data")
	require.NoError(t, err)

	v, err := fbsd.ParseFreeBSDVersion("13.2-RELEASE")
	require.NoError(t, err)
	branch, err := fbsd.ParsePortsBranchVersion("2024Q1")
	require.NoError(t, err)

	jail := &Jail{Dset: e.JailsDataset() + "/" + v.Shortname(), Version: v}

	pkgs, err := e.GetPackages(ctx, jail, branch)
	require.NoError(t, err)
	assert.Equal(t, e.dsetPkgs+"/"+jail.Name()+"-"+branch.Name(), pkgs.Dset)

	again, err := e.GetPackages(ctx, jail, branch)
	require.NoError(t, err)
	assert.Equal(t, pkgs.Dset, again.Dset)
}
