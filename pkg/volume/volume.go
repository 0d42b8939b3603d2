// Package volume is a typed façade over the ZFS dataset/snapshot/clone
// operations the build orchestrator depends on: get/create/rename/
// destroy dataset, create/destroy snapshot, create/destroy clone, and
// scoped temporaries with guaranteed cleanup. It shells out to zfs(8)
// via pkg/process rather than binding libzfs through cgo.
package volume

import (
	"context"
)

// Dataset is a named filesystem or volume inside the pool.
type Dataset struct {
	Name       string
	Mountpoint string // empty if not mounted
}

// Snapshot is a read-only point-in-time reference to a dataset, named
// "<dataset>@<snapname>".
type Snapshot struct {
	Name      string
	CreateTXG uint64
}

// Dataset returns the name of the dataset a snapshot belongs to.
func (s Snapshot) Dataset() string {
	for i := len(s.Name) - 1; i >= 0; i-- {
		if s.Name[i] == '@' {
			return s.Name[:i]
		}
	}
	return s.Name
}

// Props is a set of dataset properties, composable via With.
type Props map[string]string

// With returns a new Props containing both the receiver's and other's
// entries, other taking precedence on key collision.
func (p Props) With(other Props) Props {
	out := make(Props, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Canned property sets used across the environment layout.
var (
	COMPRESSION   = Props{"compression": "zstd"}
	NOCOMPRESSION = Props{"compression": "off"}
	NOATIME       = Props{"atime": "off"}
)

// CreateOptions controls CreateDataset/CreateClone behavior beyond the
// property set.
type CreateOptions struct {
	// Mountpoint is set as the dataset's explicit mountpoint property
	// when HasMountpoint is true. With HasMountpoint false it is ignored
	// and the inherited mountpoint is left untouched.
	Mountpoint string
	// HasMountpoint distinguishes "no mountpoint override" from
	// "explicit empty mountpoint" (-> property value "none").
	HasMountpoint bool
	// Mount, if true, mounts the dataset after creation.
	Mount bool
	// ForceMount mounts even when canmount=off by setting
	// canmount=noauto first.
	ForceMount bool
}

// Manager is the façade over the underlying copy-on-write volume
// manager. A nil, nil return from the Get* methods means "absent", not
// an error — callers distinguish "doesn't exist" from "couldn't find
// out" explicitly.
type Manager interface {
	GetDataset(ctx context.Context, name string) (*Dataset, error)
	CreateDataset(ctx context.Context, name string, props Props, opts CreateOptions) (*Dataset, error)
	RenameDataset(ctx context.Context, oldName, newName string) (*Dataset, error)
	SetProperties(ctx context.Context, name string, props Props) error
	GetProperty(ctx context.Context, name, key string) (string, bool, error)

	GetSnapshot(ctx context.Context, name string) (*Snapshot, error)
	CreateSnapshot(ctx context.Context, dataset, name string) (*Snapshot, error)
	SortedSnapshots(ctx context.Context, dataset string) ([]*Snapshot, error)
	RollbackSnapshot(ctx context.Context, snap string) error

	CreateClone(ctx context.Context, snap, name string, props Props, opts CreateOptions) (*Dataset, error)

	// ListChildren returns the leaf names of name's direct child
	// datasets, sorted. An absent parent yields an empty list.
	ListChildren(ctx context.Context, name string) ([]string, error)

	// DestroyDataset removes dataset (and dependents, unmounting
	// mounted filesystems first) in dependent-then-self order. It is a
	// no-op, not an error, if the dataset is already absent.
	DestroyDataset(ctx context.Context, name string) error
}
