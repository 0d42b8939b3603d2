package volume

import (
	"context"
	"errors"
	"math/rand"

	"github.com/wagnerflo/poudomaticd/pkg/errs"
)

const tempNameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randTempName() string {
	b := make([]byte, 8)
	for i := range b {
		b[i] = tempNameAlphabet[rand.Intn(len(tempNameAlphabet))]
	}
	return string(b)
}

// tryTempName retries create with freshly generated 8-char names until
// it succeeds or fails with something other than ErrAlreadyExists.
func tryTempName[T any](create func(name string) (T, error)) (T, error) {
	for {
		res, err := create(randTempName())
		if err == nil {
			return res, nil
		}
		if errors.Is(err, errs.ErrAlreadyExists) {
			continue
		}
		return res, err
	}
}

// destroyIgnoreNotFound calls DestroyDataset and swallows ErrNotFound
// so nested scope exits don't fail when an outer scope already removed
// the parent.
func destroyIgnoreNotFound(ctx context.Context, m Manager, name string) error {
	if err := m.DestroyDataset(ctx, name); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return nil
}

// TempDataset creates a dataset with an 8-character random leaf name
// under root and returns it with a cleanup function that destroys it.
// The caller must invoke cleanup (typically via defer) exactly once.
func TempDataset(ctx context.Context, m Manager, root string, props Props, opts CreateOptions) (*Dataset, func() error, error) {
	ds, err := tryTempName(func(name string) (*Dataset, error) {
		return m.CreateDataset(ctx, root+"/"+name, props, opts)
	})
	if err != nil {
		return nil, nil, err
	}
	// Capture the temp name now, not a live reference to ds: a caller
	// that renames the dataset before the scope exits must still only
	// ever have cleanup target the temp name, which by then no longer
	// exists and is silently ignored rather than destroying the renamed
	// artifact.
	tempName := ds.Name
	cleanup := func() error { return destroyIgnoreNotFound(ctx, m, tempName) }
	return ds, cleanup, nil
}

// WithTempDataset is the common-case helper: it creates a temp dataset,
// invokes fn, and always destroys the dataset afterward (LIFO with
// respect to any other scopes the caller stacks around this call),
// regardless of whether fn returned an error.
func WithTempDataset(ctx context.Context, m Manager, root string, props Props, opts CreateOptions, fn func(ds *Dataset) error) error {
	ds, cleanup, err := TempDataset(ctx, m, root, props, opts)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ds)
}

// TempSnapshot snapshots dset under an 8-character random name and
// returns it with a cleanup function that destroys it.
func TempSnapshot(ctx context.Context, m Manager, dset string) (*Snapshot, func() error, error) {
	snap, err := tryTempName(func(name string) (*Snapshot, error) {
		return m.CreateSnapshot(ctx, dset, name)
	})
	if err != nil {
		return nil, nil, err
	}
	tempName := snap.Name
	cleanup := func() error { return destroyIgnoreNotFound(ctx, m, tempName) }
	return snap, cleanup, nil
}

func WithTempSnapshot(ctx context.Context, m Manager, dset string, fn func(snap *Snapshot) error) error {
	snap, cleanup, err := TempSnapshot(ctx, m, dset)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(snap)
}

// TempClone clones snap under an 8-character random leaf name alongside
// the snapshot's parent dataset, returning it with a cleanup function.
func TempClone(ctx context.Context, m Manager, snap *Snapshot, props Props, opts CreateOptions) (*Dataset, func() error, error) {
	parent := snap.Dataset()
	ds, err := tryTempName(func(name string) (*Dataset, error) {
		return m.CreateClone(ctx, snap.Name, parent+"/"+name, props, opts)
	})
	if err != nil {
		return nil, nil, err
	}
	tempName := ds.Name
	cleanup := func() error { return destroyIgnoreNotFound(ctx, m, tempName) }
	return ds, cleanup, nil
}

func WithTempClone(ctx context.Context, m Manager, snap *Snapshot, props Props, opts CreateOptions, fn func(ds *Dataset) error) error {
	ds, cleanup, err := TempClone(ctx, m, snap, props, opts)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ds)
}

// TempMount temporarily sets dataset's mountpoint property to path,
// mounts it, and returns a cleanup function that resets the mountpoint
// property back to "none". The dataset itself is left alone.
func TempMount(ctx context.Context, m Manager, name, path string) (func() error, error) {
	if err := m.SetProperties(ctx, name, Props{"mountpoint": path}); err != nil {
		return nil, err
	}
	cleanup := func() error {
		return m.SetProperties(ctx, name, Props{"mountpoint": "none"})
	}
	return cleanup, nil
}

func WithTempMount(ctx context.Context, m Manager, name, path string, fn func(path string) error) error {
	cleanup, err := TempMount(ctx, m, name, path)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(path)
}

// TransactionalPackages runs fn under a temp snapshot of dset, rolled
// back if fn returns an error, always destroyed afterward.
func TransactionalPackages(ctx context.Context, m Manager, dset string, fn func(snap *Snapshot) error) error {
	snap, cleanup, err := TempSnapshot(ctx, m, dset)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := fn(snap); err != nil {
		if rbErr := m.RollbackSnapshot(ctx, snap.Name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}
