package volume

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/wagnerflo/poudomaticd/pkg/errs"
	"github.com/wagnerflo/poudomaticd/pkg/metrics"
	"github.com/wagnerflo/poudomaticd/pkg/process"
)

// ZFSManager implements Manager by shelling out to zfs(8), parsing its
// machine-readable "-H -p" tab-separated output.
type ZFSManager struct {
	// ZFSBin and ZpoolBin default to "zfs"/"zpool", resolved via PATH.
	ZFSBin   string
	ZpoolBin string
}

// NewZFSManager returns a Manager backed by the system's zfs(8)/zpool(8)
// binaries.
func NewZFSManager() *ZFSManager {
	return &ZFSManager{ZFSBin: "zfs", ZpoolBin: "zpool"}
}

func (m *ZFSManager) bin() string {
	if m.ZFSBin != "" {
		return m.ZFSBin
	}
	return "zfs"
}

func (m *ZFSManager) run(ctx context.Context, args ...string) (string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.VolumeOpDuration, args[0])
	return process.New(m.bin(), args...).Run(ctx)
}

func isNotExist(err error) bool {
	var cmdErr *errs.CommandError
	if ce, ok := err.(*errs.CommandError); ok {
		cmdErr = ce
	}
	if cmdErr == nil {
		return false
	}
	return strings.Contains(cmdErr.Output, "dataset does not exist") ||
		strings.Contains(cmdErr.Output, "could not find any snapshots")
}

func (m *ZFSManager) GetDataset(ctx context.Context, name string) (*Dataset, error) {
	out, err := m.run(ctx, "list", "-H", "-p", "-o", "name,mountpoint", name)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	fields := strings.Split(strings.TrimSpace(out), "\t")
	ds := &Dataset{Name: fields[0]}
	if len(fields) > 1 && fields[1] != "none" && fields[1] != "-" {
		ds.Mountpoint = fields[1]
	}
	return ds, nil
}

func (m *ZFSManager) mountDataset(ctx context.Context, name string, force bool) error {
	ds, err := m.GetDataset(ctx, name)
	if err != nil {
		return err
	}
	if ds == nil {
		return fmt.Errorf("%w: dataset %q", errs.ErrNotFound, name)
	}
	mp, _, err := m.GetProperty(ctx, name, "mountpoint")
	if err != nil {
		return err
	}
	if ds.Mountpoint != "" || mp == "none" || mp == "legacy" {
		return nil
	}
	canmount, _, err := m.GetProperty(ctx, name, "canmount")
	if err != nil {
		return err
	}
	if force && canmount != "on" {
		if err := m.SetProperties(ctx, name, Props{"canmount": "noauto"}); err != nil {
			return err
		}
	}
	if canmount == "off" && !force {
		return nil
	}
	_, err = m.run(ctx, "mount", name)
	return err
}

func propArgs(props Props) []string {
	var args []string
	for k, v := range props {
		args = append(args, "-o", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

func (m *ZFSManager) CreateDataset(ctx context.Context, name string, props Props, opts CreateOptions) (*Dataset, error) {
	if opts.HasMountpoint {
		mp := opts.Mountpoint
		if mp == "" {
			mp = "none"
		}
		props = props.With(Props{"mountpoint": mp})
	}

	args := []string{"create"}
	if !opts.Mount {
		args = append(args, "-u")
	}
	args = append(args, propArgs(props)...)
	args = append(args, name)

	if _, err := m.run(ctx, args...); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("%w: dataset %q", errs.ErrAlreadyExists, name)
		}
		return nil, err
	}

	if opts.Mount {
		if err := m.mountDataset(ctx, name, opts.ForceMount); err != nil {
			return nil, err
		}
	}
	return m.GetDataset(ctx, name)
}

func (m *ZFSManager) RenameDataset(ctx context.Context, oldName, newName string) (*Dataset, error) {
	if _, err := m.run(ctx, "rename", oldName, newName); err != nil {
		return nil, err
	}
	return m.GetDataset(ctx, newName)
}

func (m *ZFSManager) SetProperties(ctx context.Context, name string, props Props) error {
	for k, v := range props {
		if _, err := m.run(ctx, "set", fmt.Sprintf("%s=%s", k, v), name); err != nil {
			return err
		}
	}
	return nil
}

func (m *ZFSManager) GetProperty(ctx context.Context, name, key string) (string, bool, error) {
	out, err := m.run(ctx, "get", "-H", "-p", "-o", "value", key, name)
	if err != nil {
		if isNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	val := strings.TrimSpace(out)
	if val == "-" || val == "" {
		return "", false, nil
	}
	return val, true, nil
}

func (m *ZFSManager) GetSnapshot(ctx context.Context, name string) (*Snapshot, error) {
	out, err := m.run(ctx, "list", "-t", "snapshot", "-H", "-p", "-o", "name,createtxg", name)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	fields := strings.Split(strings.TrimSpace(out), "\t")
	txg, _ := strconv.ParseUint(fields[len(fields)-1], 10, 64)
	return &Snapshot{Name: fields[0], CreateTXG: txg}, nil
}

func (m *ZFSManager) CreateSnapshot(ctx context.Context, dataset, name string) (*Snapshot, error) {
	full := dataset + "@" + name
	if _, err := m.run(ctx, "snapshot", full); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("%w: snapshot %q", errs.ErrAlreadyExists, full)
		}
		return nil, err
	}
	return m.GetSnapshot(ctx, full)
}

func (m *ZFSManager) SortedSnapshots(ctx context.Context, dataset string) ([]*Snapshot, error) {
	out, err := m.run(ctx, "list", "-t", "snapshot", "-H", "-p",
		"-o", "name,createtxg", "-d", "1", dataset)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snaps []*Snapshot
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		txg, _ := strconv.ParseUint(fields[1], 10, 64)
		snaps = append(snaps, &Snapshot{Name: fields[0], CreateTXG: txg})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreateTXG < snaps[j].CreateTXG })
	return snaps, nil
}

func (m *ZFSManager) ListChildren(ctx context.Context, name string) ([]string, error) {
	out, err := m.run(ctx, "list", "-H", "-p", "-o", "name", "-d", "1", name)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var children []string
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" || line == name {
			continue
		}
		children = append(children, line[strings.LastIndexByte(line, '/')+1:])
	}
	sort.Strings(children)
	return children, nil
}

func (m *ZFSManager) RollbackSnapshot(ctx context.Context, snap string) error {
	_, err := m.run(ctx, "rollback", snap)
	return err
}

func (m *ZFSManager) CreateClone(ctx context.Context, snap, name string, props Props, opts CreateOptions) (*Dataset, error) {
	if opts.HasMountpoint {
		mp := opts.Mountpoint
		if mp == "" {
			mp = "none"
		}
		props = props.With(Props{"mountpoint": mp})
	}

	args := []string{"clone"}
	if !opts.Mount {
		args = append(args, "-u")
	}
	args = append(args, propArgs(props)...)
	args = append(args, snap, name)

	if _, err := m.run(ctx, args...); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("%w: dataset %q", errs.ErrAlreadyExists, name)
		}
		return nil, err
	}

	if opts.Mount {
		if err := m.mountDataset(ctx, name, opts.ForceMount); err != nil {
			return nil, err
		}
	}
	return m.GetDataset(ctx, name)
}

// dependents lists the descendants of name (its own snapshots and
// bookmarks, its children and theirs), deepest first. Clones of its
// snapshots that live outside name's subtree are not listed.
func (m *ZFSManager) dependents(ctx context.Context, name string) ([]string, error) {
	out, err := m.run(ctx, "list", "-H", "-p", "-o", "name", "-r", "-t", "all", name)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var deps []string
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line == "" || line == name {
			continue
		}
		deps = append(deps, line)
	}
	// Deepest/derived entries first so clones are destroyed before the
	// snapshots and datasets they depend on: more path components first,
	// then reverse lexical order so a dataset's snapshots precede it.
	sort.SliceStable(deps, func(i, j int) bool {
		di, dj := strings.Count(deps[i], "/"), strings.Count(deps[j], "/")
		if di != dj {
			return di > dj
		}
		return deps[i] > deps[j]
	})
	return deps, nil
}

func (m *ZFSManager) destroyOne(ctx context.Context, name string) error {
	ds, err := m.GetDataset(ctx, name)
	if err == nil && ds != nil && ds.Mountpoint != "" {
		_, _ = m.run(ctx, "umount", "-f", name)
	}
	_, err = m.run(ctx, "destroy", name)
	if err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

func (m *ZFSManager) DestroyDataset(ctx context.Context, name string) error {
	deps, err := m.dependents(ctx, name)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		if err := m.destroyOne(ctx, dep); err != nil {
			return err
		}
	}
	return m.destroyOne(ctx, name)
}
