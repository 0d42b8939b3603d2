package volume

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagnerflo/poudomaticd/pkg/errs"
)

// fakeManager is an in-memory Manager used to exercise scope-cleanup
// semantics without a real zpool.
type fakeManager struct {
	datasets  map[string]*Dataset
	snapshots map[string]*Snapshot
	txg       uint64
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		datasets:  make(map[string]*Dataset),
		snapshots: make(map[string]*Snapshot),
	}
}

func (f *fakeManager) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	return f.datasets[name], nil
}

func (f *fakeManager) CreateDataset(ctx context.Context, name string, props Props, opts CreateOptions) (*Dataset, error) {
	if _, ok := f.datasets[name]; ok {
		return nil, errs.ErrAlreadyExists
	}
	mp := opts.Mountpoint
	if !opts.Mount {
		mp = ""
	}
	ds := &Dataset{Name: name, Mountpoint: mp}
	f.datasets[name] = ds
	return ds, nil
}

func (f *fakeManager) RenameDataset(ctx context.Context, oldName, newName string) (*Dataset, error) {
	ds, ok := f.datasets[oldName]
	if !ok {
		return nil, errs.ErrNotFound
	}
	delete(f.datasets, oldName)
	ds.Name = newName
	f.datasets[newName] = ds
	return ds, nil
}

func (f *fakeManager) SetProperties(ctx context.Context, name string, props Props) error {
	ds, ok := f.datasets[name]
	if !ok {
		return errs.ErrNotFound
	}
	if mp, ok := props["mountpoint"]; ok {
		if mp == "none" {
			ds.Mountpoint = ""
		} else {
			ds.Mountpoint = mp
		}
	}
	return nil
}

func (f *fakeManager) GetProperty(ctx context.Context, name, key string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeManager) GetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	return f.snapshots[name], nil
}

func (f *fakeManager) CreateSnapshot(ctx context.Context, dataset, name string) (*Snapshot, error) {
	full := dataset + "@" + name
	if _, ok := f.snapshots[full]; ok {
		return nil, errs.ErrAlreadyExists
	}
	f.txg++
	snap := &Snapshot{Name: full, CreateTXG: f.txg}
	f.snapshots[full] = snap
	return snap, nil
}

func (f *fakeManager) SortedSnapshots(ctx context.Context, dataset string) ([]*Snapshot, error) {
	var out []*Snapshot
	for _, s := range f.snapshots {
		if s.Dataset() == dataset {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeManager) RollbackSnapshot(ctx context.Context, snap string) error {
	return nil
}

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

func (f *fakeManager) CreateClone(ctx context.Context, snap, name string, props Props, opts CreateOptions) (*Dataset, error) {
	if _, ok := f.snapshots[snap]; !ok {
		return nil, errs.ErrNotFound
	}
	return f.CreateDataset(ctx, name, props, opts)
}

func (f *fakeManager) DestroyDataset(ctx context.Context, name string) error {
	if _, ok := f.datasets[name]; ok {
		delete(f.datasets, name)
		return nil
	}
	if _, ok := f.snapshots[name]; ok {
		delete(f.snapshots, name)
		return nil
	}
	return errs.ErrNotFound
}

func TestTempDatasetCleanup(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	m.datasets["pool/root"] = &Dataset{Name: "pool/root", Mountpoint: "/root"}

	var created string
	err := WithTempDataset(ctx, m, "pool/root", nil, CreateOptions{Mount: true}, func(ds *Dataset) error {
		created = ds.Name
		assert.Contains(t, m.datasets, created)
		return nil
	})
	require.NoError(t, err)

	got, err := m.GetDataset(ctx, created)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTempDatasetCleanupOnError(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	m.datasets["pool/root"] = &Dataset{Name: "pool/root"}

	sentinel := errors.New("boom")
	var created string
	err := WithTempDataset(ctx, m, "pool/root", nil, CreateOptions{Mount: true}, func(ds *Dataset) error {
		created = ds.Name
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := m.GetDataset(ctx, created)
	require.NoError(t, err)
	assert.Nil(t, got, "temp dataset must be destroyed even when the scope body errors")
}

func TestTransactionalPackagesRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	m := newFakeManager()
	m.datasets["pool/pkgs"] = &Dataset{Name: "pool/pkgs", Mountpoint: "/pkgs"}

	sentinel := errors.New("nothing built")
	err := TransactionalPackages(ctx, m, "pool/pkgs", func(snap *Snapshot) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	// the transaction's temp snapshot is always cleaned up
	snaps, err := m.SortedSnapshots(ctx, "pool/pkgs")
	require.NoError(t, err)
	assert.Empty(t, snaps)
}
