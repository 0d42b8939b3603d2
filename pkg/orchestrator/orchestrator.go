// Package orchestrator drives the four build-task kinds a worker
// executes: building a jail from FreeBSD src, fetching/refreshing a
// ports tree, running a poudriere bulk build against a set of origins,
// and resolving a single origin's dependency list. The Orchestrator
// owns the environment root, the volume manager, and the source/ports
// repository configuration the task kinds share.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/wagnerflo/poudomaticd/pkg/env"
	"github.com/wagnerflo/poudomaticd/pkg/errs"
	"github.com/wagnerflo/poudomaticd/pkg/fbsd"
	"github.com/wagnerflo/poudomaticd/pkg/log"
	"github.com/wagnerflo/poudomaticd/pkg/metrics"
	"github.com/wagnerflo/poudomaticd/pkg/poudriere"
	"github.com/wagnerflo/poudomaticd/pkg/process"
	"github.com/wagnerflo/poudomaticd/pkg/volume"
	"github.com/wagnerflo/poudomaticd/pkg/watch"
)

// Orchestrator wires the environment root, the volume manager, and the
// upstream repository configuration the four task kinds need.
type Orchestrator struct {
	Env    *env.Environment
	Volume volume.Manager

	ZPool, ZRootFS string

	SrcRepoURI string

	PortsRepoURI      string
	PortsBranchFormat string // e.g. "%s", with %s the branch name such as "2023Q4"

	// PostChangeScript, if non-empty, is executed on the host after a
	// build changed the package repository, with the repository
	// mountpoint as its argument.
	PostChangeScript string

	// PoudriereBin overrides the executable pkg/poudriere.Driver
	// invokes, defaulting to "poudriere" when empty. Tests point this
	// at a harmless stand-in binary to exercise orchestration logic
	// without a real poudriere install.
	PoudriereBin string

	// NewRecorder resolves the per-task log sink build output is
	// published through. The worker wires this to the task store; a nil
	// factory discards all output.
	NewRecorder func(taskID string) Recorder
}

func (o *Orchestrator) newDriver(taskID string) (*poudriere.Driver, error) {
	d, err := poudriere.Open(o.ZPool, o.ZRootFS, o.Env.Root.Mountpoint, taskID)
	if err != nil {
		return nil, err
	}
	if o.PoudriereBin != "" {
		d.Bin = o.PoudriereBin
	}
	return d, nil
}

// CreateJail returns the jail matching version, building one from
// source if it doesn't exist yet.
func (o *Orchestrator) CreateJail(ctx context.Context, taskID string, version fbsd.FreeBSDVersion) (*env.Jail, error) {
	logger := log.WithTaskID(taskID)

	if jail, err := o.Env.GetJail(ctx, version); err != nil {
		return nil, err
	} else if jail != nil {
		return jail, nil
	}

	err := volume.WithTempDataset(ctx, o.Volume, o.Env.SrcDataset(), nil,
		volume.CreateOptions{Mountpoint: "/usr/obj", HasMountpoint: true, Mount: true, ForceMount: true},
		func(objDs *volume.Dataset) error {
			return volume.WithTempDataset(ctx, o.Volume, o.Env.JailsDataset(), nil,
				volume.CreateOptions{Mount: true, ForceMount: true},
				func(jailDs *volume.Dataset) error {
					srcDs, cleanupSrc, err := o.activateSourceTree(ctx, version)
					if err != nil {
						return err
					}
					defer cleanupSrc()

					pd, err := o.newDriver(taskID)
					if err != nil {
						return err
					}
					defer pd.Close()

					rec := o.recorder(taskID)
					prefix, name := splitParentLeaf(jailDs.Name)
					err = pd.Stream(ctx, func(line string) { rec.Record(line, "") },
						"jail", "-c", "-b", "-j", name, "-f", "none", "-m", "src="+srcDs.Mountpoint)
					if err != nil {
						return err
					}
					logger.Info().Str("jail", version.Shortname()).Msg("built jail from source")

					_, err = o.Volume.RenameDataset(ctx, jailDs.Name, prefix+"/"+version.Shortname())
					return err
				},
			)
		},
	)
	if err != nil {
		return nil, err
	}

	jail, err := o.Env.GetJail(ctx, version)
	if err != nil {
		return nil, err
	}
	if jail == nil {
		return nil, fmt.Errorf("%w: jail build for %s completed but dataset is missing", errs.ErrNotFound, version.Shortname())
	}
	return jail, nil
}

// UpdatePorts returns the ports tree for branch, cloning it on first use
// and otherwise pulling and re-snapshotting it if upstream moved.
func (o *Orchestrator) UpdatePorts(ctx context.Context, taskID string, branch fbsd.PortsBranchVersion) (*env.PortsTree, error) {
	existing, err := o.Env.GetPorts(ctx, branch)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		dset := existing.Snap.Dataset()
		ds, err := o.Volume.GetDataset(ctx, dset)
		if err != nil {
			return nil, err
		}
		if ds == nil {
			return nil, fmt.Errorf("%w: ports dataset %s", errs.ErrNotFound, dset)
		}

		head, err := gitHead(ctx, ds.Mountpoint)
		if err != nil {
			return nil, err
		}
		if err := gitPull(ctx, ds.Mountpoint); err != nil {
			return nil, err
		}
		newHead, err := gitHead(ctx, ds.Mountpoint)
		if err != nil {
			return nil, err
		}
		if head != newHead {
			ts, err := gitCommitTimestamp(ctx, ds.Mountpoint, newHead)
			if err != nil {
				return nil, err
			}
			if _, err := o.Volume.CreateSnapshot(ctx, dset, ts); err != nil {
				return nil, err
			}
		}
	} else {
		branchName := fmt.Sprintf(o.PortsBranchFormat, branch.Name())
		final := o.Env.PortsDataset() + "/" + branch.Name()

		err := volume.WithTempDataset(ctx, o.Volume, o.Env.PortsDataset(), nil,
			volume.CreateOptions{Mount: true, ForceMount: true},
			func(ds *volume.Dataset) error {
				if err := gitClone(ctx, o.PortsRepoURI, ds.Mountpoint, branchName); err != nil {
					return err
				}
				head, err := gitHead(ctx, ds.Mountpoint)
				if err != nil {
					return err
				}
				ts, err := gitCommitTimestamp(ctx, ds.Mountpoint, head)
				if err != nil {
					return err
				}
				if _, err := o.Volume.CreateSnapshot(ctx, ds.Name, ts); err != nil {
					return err
				}
				_, err = o.Volume.RenameDataset(ctx, ds.Name, final)
				return err
			},
		)
		if err != nil {
			return nil, err
		}
	}

	return o.Env.GetPorts(ctx, branch)
}

// preparedBuild is what withPreparedBuild hands to its callback: a
// registered jail and ports checkout ready for a poudriere bulk/dry-run
// invocation, plus any origins portja generated.
type preparedBuild struct {
	Generated []string
	Driver    *poudriere.Driver
	Jail      *env.Jail
	Ports     *env.PortsTree
	PortsDir  string
}

// withPreparedBuild registers jailVer/portsBranch with a fresh poudriere
// scratch config, optionally running portja against targets, and
// invokes fn with the result. The poudriere scratch config and the
// ports clone are torn down when fn returns, regardless of error.
func (o *Orchestrator) withPreparedBuild(ctx context.Context, taskID string, jailVer fbsd.FreeBSDVersion, portsBranch fbsd.PortsBranchVersion, targets []string, fn func(pb preparedBuild) error) error {
	logger := log.WithTaskID(taskID)

	jail, err := o.Env.GetJail(ctx, jailVer)
	if err != nil {
		return err
	}
	if jail == nil {
		return fmt.Errorf("%w: jail %s", errs.ErrNotFound, jailVer.Shortname())
	}

	ports, err := o.Env.GetPorts(ctx, portsBranch)
	if err != nil {
		return err
	}
	if ports == nil {
		return fmt.Errorf("%w: ports tree %s", errs.ErrNotFound, portsBranch.Name())
	}

	pd, err := o.newDriver(taskID)
	if err != nil {
		return err
	}
	defer pd.Close()

	portsDs, cleanupPorts, err := ports.Clone(ctx, o.Volume)
	if err != nil {
		return err
	}
	defer cleanupPorts()

	portsDir := portsDs.Mountpoint
	var generated []string

	makeConf := filepath.Join(o.Env.EtcPath, fmt.Sprintf("%s-%s-make.conf", jail.Name(), ports.Name()))
	if _, err := os.Stat(makeConf); err == nil {
		if err := copyFile(makeConf, pd.MakeConfPath()); err != nil {
			return err
		}
	}

	if err := pd.RegisterPorts(ctx, ports.Name(), portsDir, ports.Timestamp); err != nil {
		return err
	}
	if err := pd.RegisterJail(ctx, jail.Name(), jail.Mountpoint, jail.Version.Longname()); err != nil {
		return err
	}

	if len(targets) > 0 {
		rec := o.recorder(taskID)
		args := append([]string{portsDir, pd.MakeConfPath()}, targets...)
		if err := process.New("portja", args...).PipeTo(ctx, func(line string) {
			logger.Debug().Msg(line)
			rec.Record(line, "")
		}); err != nil {
			return err
		}
		if data, err := os.ReadFile(filepath.Join(portsDir, "portja.generated")); err == nil {
			generated = strings.Fields(string(data))
		}
	}

	return fn(preparedBuild{Generated: generated, Driver: pd, Jail: jail, Ports: ports, PortsDir: portsDir})
}

// buildTimeRE matches poudriere's per-port log trailer; seeing it means
// the file will receive no further output and can be closed.
var buildTimeRE = regexp.MustCompile(`build time: .{8}`)

// errEmptyBuild unwinds the package-set transaction (rolling it back)
// when a bulk build produced nothing; RunBuild translates it into an
// empty result rather than a task failure.
var errEmptyBuild = errors.New("bulk build produced no packages")

// RunBuild runs a poudriere bulk build for origins (or, if empty, the
// set portja generated) against jailVer/portsBranch, publishing any
// newly built packages into the package repository and triggering the
// in-jail repo-update script when the build produced anything. The
// result maps each built package name to its origin.
//
// While the builder runs on a background goroutine, the calling
// goroutine iterates a directory follower on the per-port log
// directory, correlating each log file back to its origin via the
// .poudriere.all_pkgs% index and publishing every line through the
// task's Recorder.
func (o *Orchestrator) RunBuild(ctx context.Context, taskID string, jailVer fbsd.FreeBSDVersion, portsBranch fbsd.PortsBranchVersion, targets, origins []string) (map[string]string, error) {
	logger := log.WithTaskID(taskID)
	rec := o.recorder(taskID)

	jail, err := o.Env.GetJail(ctx, jailVer)
	if err != nil {
		return nil, err
	}
	if jail == nil {
		return nil, fmt.Errorf("%w: jail %s", errs.ErrNotFound, jailVer.Shortname())
	}

	packages, err := o.Env.GetPackages(ctx, jail, portsBranch)
	if err != nil {
		return nil, err
	}

	built := map[string]string{}
	err = o.withPreparedBuild(ctx, taskID, jailVer, portsBranch, targets, func(pb preparedBuild) error {
		effective := origins
		if len(effective) == 0 {
			effective = pb.Generated
		}
		if len(effective) == 0 {
			logger.Info().Msg("no ports to build")
			rec.Record("No ports to build.", "")
			return nil
		}

		return packages.Transaction(ctx, o.Volume, func(*volume.Snapshot) error {
			result, deps, err := o.runBulkFollowed(ctx, rec, pb, effective)
			if err != nil {
				return err
			}
			if len(result.Errors) > 0 {
				metrics.BulkBuildErrorsTotal.Add(float64(len(result.Errors)))
				return &errs.BuildError{Lines: result.Errors}
			}

			builtPkgs, err := pb.Driver.ReadBulkStats(pb.Jail.Name(), pb.Ports.Name())
			if err != nil {
				return err
			}
			if len(builtPkgs) == 0 {
				return errEmptyBuild
			}
			for pkg := range builtPkgs {
				built[pkg] = deps.PkgMap[pkg]
			}
			metrics.PackagesBuiltTotal.Add(float64(len(builtPkgs)))

			pkgList := sortedKeys(builtPkgs)
			logger.Info().Strs("packages", pkgList).Msg("packages built")

			jailName := pb.Jail.Name() + "-" + pb.Ports.Name()
			runningJail, stopJail, err := pb.Driver.StartJail(ctx, pb.Jail.Name(), pb.Ports.Name())
			if err != nil {
				return err
			}
			defer stopJail()

			pkgMount := filepath.Join(runningJail.Path, "pkg")
			if err := mountNullfs(ctx, packages.Mountpoint, pkgMount); err != nil {
				return err
			}
			defer unmountNullfs(ctx, pkgMount)

			script := renderRepoUpdateScript(strings.Join(pkgList, " "))
			_, err = runningJail.Exec("/bin/sh", "-s").PushStdin(strings.Split(script, "\n")...).Run(ctx)
			if err != nil {
				return fmt.Errorf("repo update in jail %s: %w", jailName, err)
			}

			if o.PostChangeScript != "" {
				if _, err := process.New(o.PostChangeScript, packages.Mountpoint).Run(ctx); err != nil {
					return fmt.Errorf("post-change script: %w", err)
				}
			}
			return nil
		})
	})
	if errors.Is(err, errEmptyBuild) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return built, nil
}

// runBulkFollowed starts `poudriere bulk` on a background goroutine and
// tails its per-port log directory from the calling goroutine,
// publishing both streams through rec. It returns once the builder has
// exited and the follower has drained.
func (o *Orchestrator) runBulkFollowed(ctx context.Context, rec Recorder, pb preparedBuild, origins []string) (poudriere.BulkResult, poudriere.PkgDeps, error) {
	var deps poudriere.PkgDeps

	logDir := pb.Driver.BuildLogDir(pb.Jail.Name(), pb.Ports.Name())
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return poudriere.BulkResult{}, deps, err
	}
	follower, err := watch.New(logDir)
	if err != nil {
		return poudriere.BulkResult{}, deps, err
	}

	var result poudriere.BulkResult
	var bulkErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer follower.Close()
		args := append([]string{"-j", pb.Jail.Name(), "-p", pb.Ports.Name(), "-N"}, origins...)
		result, bulkErr = pb.Driver.Bulk(ctx, func(line string) { rec.Record(line, "") }, args...)
	}()

	for ev := range follower.Events() {
		// The pkg -> origin index appears shortly after the build
		// starts; keep retrying on later events until it is readable.
		if len(deps.PkgMap) == 0 {
			deps, _ = pb.Driver.ReadPkgDeps(pb.Jail.Name(), pb.Ports.Name())
		}
		stem := strings.TrimSuffix(ev.Filename, filepath.Ext(ev.Filename))
		rec.Record(ev.Line, deps.PkgMap[stem])
		metrics.FollowerLinesTotal.Inc()
		if buildTimeRE.MatchString(ev.Line) {
			follower.Remove(ev.Filename)
		}
	}
	<-done

	if len(deps.PkgMap) == 0 {
		deps, _ = pb.Driver.ReadPkgDeps(pb.Jail.Name(), pb.Ports.Name())
	}
	return result, deps, bulkErr
}

// GetDepends runs a poudriere dry-run ("-n") build for a single origin
// and returns the origin -> dependency-origins map poudriere recorded.
func (o *Orchestrator) GetDepends(ctx context.Context, taskID string, jailVer fbsd.FreeBSDVersion, portsBranch fbsd.PortsBranchVersion, origin string, portjaTarget string) (map[string][]string, error) {
	var targets []string
	if portjaTarget != "" {
		targets = []string{portjaTarget}
	}

	var deps poudriere.PkgDeps
	err := o.withPreparedBuild(ctx, taskID, jailVer, portsBranch, targets, func(pb preparedBuild) error {
		result, err := pb.Driver.Bulk(ctx, nil, "-j", pb.Jail.Name(), "-p", pb.Ports.Name(), "-n", origin)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return &errs.BuildError{Lines: result.Errors}
		}
		deps, err = pb.Driver.ReadPkgDeps(pb.Jail.Name(), pb.Ports.Name())
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(deps.Depends))
	for org, set := range deps.Depends {
		out[org] = sortedKeys(set)
	}
	return out, nil
}

func mountNullfs(ctx context.Context, src, tgt string) error {
	if err := os.MkdirAll(tgt, 0o755); err != nil {
		return err
	}
	_, err := process.New("mount", "-t", "nullfs", src, tgt).Run(ctx)
	return err
}

func unmountNullfs(ctx context.Context, tgt string) error {
	_, err := process.New("umount", tgt).Run(ctx)
	return err
}

func splitParentLeaf(name string) (parent, leaf string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
