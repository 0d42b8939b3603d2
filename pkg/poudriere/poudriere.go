// Package poudriere wraps the `poudriere` CLI: a per-task scratch
// poudriere.conf/poudriere.d directory, jset/pset registration,
// bulk/dry-run invocation with "Error:" line parsing, log-tree
// cleanup, and reading the .poudriere.all_pkgs%/.poudriere.pkg_deps%/
// .poudriere.ports.built correlation files poudriere writes under its
// log tree.
package poudriere

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wagnerflo/poudomaticd/pkg/process"
)

// Driver is a scoped poudriere invocation context for one task: a
// temporary poudriere.conf/poudriere.d tree pointing at the shared ZFS
// pool the orchestrator's environment root lives in.
type Driver struct {
	Bin string // defaults to "poudriere"

	zpool, zrootfs string
	taskID         string
	basefs         string
	logs           string

	confDir     string
	confFile    string
	dDir        string
	jailsDir    string
	portsDir    string
	makeConf    string
}

// Open creates a scratch poudriere config directory for taskID, rooted
// at the environment dataset whose mountpoint is basefs. Call Close
// when the task is done to remove the scratch directory and the
// per-task log subtree poudriere leaves behind.
func Open(zpool, zrootfs, basefs, taskID string) (*Driver, error) {
	confDir, err := os.MkdirTemp("", "poudomaticd-poudriere-")
	if err != nil {
		return nil, err
	}

	d := &Driver{
		Bin:      "poudriere",
		zpool:    zpool,
		zrootfs:  zrootfs,
		taskID:   taskID,
		basefs:   basefs,
		logs:     filepath.Join(basefs, "logs"),
		confDir:  confDir,
		confFile: filepath.Join(confDir, "poudriere.conf"),
		dDir:     filepath.Join(confDir, "poudriere.d"),
	}
	d.jailsDir = filepath.Join(d.dDir, "jails")
	d.portsDir = filepath.Join(d.dDir, "ports")
	d.makeConf = filepath.Join(d.dDir, "make.conf")

	if err := os.MkdirAll(d.dDir, 0o755); err != nil {
		d.Close()
		return nil, err
	}
	if err := os.WriteFile(d.confFile, []byte(d.renderConf()), 0o644); err != nil {
		d.Close()
		return nil, err
	}

	return d, nil
}

func (d *Driver) renderConf() string {
	return fmt.Sprintf(
		"ZPOOL=%s\nZROOTFS=%s\nBASEFS=%s\nFREEBSD_HOST=\nRESOLV_CONF=/etc/resolv.conf\n",
		d.zpool, d.zrootfs, d.basefs,
	)
}

// MakeConfPath is the scratch make.conf poudriere builds with, used by
// RunBuild to seed it from an existing per-(jail,branch) make.conf.
func (d *Driver) MakeConfPath() string { return d.makeConf }

// Close removes the scratch config tree and poudriere's generated
// per-task log subdirectories and index files.
func (d *Driver) Close() error {
	os.RemoveAll(d.confDir)

	_ = filepath.WalkDir(d.logs, func(path string, entry os.DirEntry, err error) error {
		if err != nil || !entry.IsDir() {
			return nil
		}
		for _, name := range []string{"assets", ".html", "latest-per-pkg", d.taskID} {
			os.RemoveAll(filepath.Join(path, name))
		}
		for _, name := range []string{".data.json", ".data.mini.json", "index.html", "build.html", "robots.txt"} {
			os.Remove(filepath.Join(path, name))
		}
		for _, name := range []string{"latest", "latest-done"} {
			os.Remove(filepath.Join(path, name))
		}
		return nil
	})
	return nil
}

func (d *Driver) cmd(args ...string) *process.Process {
	return process.New(d.Bin, append([]string{"-e", d.confDir}, args...)...)
}

// Run invokes `poudriere <args...>` and returns its collected output,
// failing on a non-zero exit.
func (d *Driver) Run(ctx context.Context, args ...string) (string, error) {
	return d.cmd(args...).Run(ctx)
}

// Stream invokes `poudriere <args...>`, forwarding each merged output
// line to logfunc as it arrives.
func (d *Driver) Stream(ctx context.Context, logfunc func(line string), args ...string) error {
	return d.cmd(args...).PipeTo(ctx, logfunc)
}

func (d *Driver) propSet(ctx context.Context, verb, name string, props map[string]string) error {
	var lines []string
	for k, v := range props {
		lines = append(lines, fmt.Sprintf("%s %s %s", k, shquote(name), shquote(v)))
	}
	_, err := d.cmd(verb).PushStdin(lines...).Run(ctx)
	return err
}

func shquote(s string) string {
	if strings.ContainsAny(s, " \t\n'\"$`\\") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}

// RegisterPorts registers a ports tree checkout with poudriere via
// `pset`.
func (d *Driver) RegisterPorts(ctx context.Context, name, mountpoint, timestamp string) error {
	return d.propSet(ctx, "pset", name, map[string]string{
		"mnt":       mountpoint,
		"timestamp": timestamp,
		"method":    "null",
	})
}

// RegisterJail registers a jail with poudriere via `jset`.
func (d *Driver) RegisterJail(ctx context.Context, name, mountpoint, longVersion string) error {
	return d.propSet(ctx, "jset", name, map[string]string{
		"mnt":     mountpoint,
		"arch":    "amd64",
		"version": longVersion,
		"method":  "null",
	})
}

// BulkResult is the outcome of a `poudriere bulk` invocation: any
// "Error: ..." lines observed on output, and whether the process
// itself exited non-zero.
type BulkResult struct {
	Errors   []string
	ExitedOK bool
}

// Bulk runs `poudriere bulk <args...>`, invoking logfunc for every
// output line and collecting any "Error: " lines. A non-zero exit is
// not itself fatal: callers inspect Errors and the built-set
// afterward.
func (d *Driver) Bulk(ctx context.Context, logfunc func(line string), args ...string) (BulkResult, error) {
	full := append([]string{"bulk"}, args...)
	lines, wait := d.cmd(full...).Lines(ctx)
	return collectBulkOutput(lines, wait, logfunc)
}

// collectBulkOutput holds Bulk's line-parsing policy apart from process
// invocation so it can be exercised without spawning poudriere.
func collectBulkOutput(lines <-chan string, wait func() error, logfunc func(line string)) (BulkResult, error) {
	var result BulkResult
	for line := range lines {
		if logfunc != nil {
			logfunc(line)
		}
		if _, msg, ok := strings.Cut(line, "Error: "); ok {
			result.Errors = append(result.Errors, msg)
		}
	}
	err := wait()
	result.ExitedOK = err == nil
	if err != nil {
		// A non-zero exit with no "Error:" lines captured is still
		// surfaced to the caller via the returned error; a non-zero
		// exit that DID yield Error lines is treated as data, not
		// failure.
		if len(result.Errors) > 0 {
			return result, nil
		}
		return result, err
	}
	return result, nil
}

func (d *Driver) logBase(jail, portsbranch string) string {
	return filepath.Join(d.logs, "bulk", jail+"-"+portsbranch, d.taskID)
}

// BuildLogDir is the directory poudriere writes newly-created per-port
// log files into during a bulk build; the build orchestrator starts a
// directory follower on it.
func (d *Driver) BuildLogDir(jail, portsbranch string) string {
	return filepath.Join(d.logBase(jail, portsbranch), "logs")
}

// PkgDeps maps package name -> origin, and origin -> the origins it
// depends on, read from poudriere's correlation files.
type PkgDeps struct {
	PkgMap  map[string]string
	Depends map[string]map[string]bool
}

// ReadPkgDeps reads .poudriere.all_pkgs%/.poudriere.pkg_deps% under the
// build's log base. It returns an empty PkgDeps, not an error, if
// the files don't exist yet (callers retry on later follower events).
func (d *Driver) ReadPkgDeps(jail, portsbranch string) (PkgDeps, error) {
	base := d.logBase(jail, portsbranch)
	deps := PkgDeps{PkgMap: map[string]string{}, Depends: map[string]map[string]bool{}}

	allPkgs := filepath.Join(base, ".poudriere.all_pkgs%")
	pkgDeps := filepath.Join(base, ".poudriere.pkg_deps%")

	if !exists(allPkgs) || !exists(pkgDeps) {
		return deps, nil
	}

	if err := scanFields(allPkgs, func(fields []string) {
		if len(fields) >= 2 {
			deps.PkgMap[fields[0]] = fields[1]
		}
	}); err != nil {
		return deps, err
	}

	if err := scanFields(pkgDeps, func(fields []string) {
		if len(fields) < 2 {
			return
		}
		origin, ok1 := deps.PkgMap[fields[0]]
		dep, ok2 := deps.PkgMap[fields[1]]
		if !ok1 || !ok2 {
			return
		}
		if deps.Depends[origin] == nil {
			deps.Depends[origin] = map[string]bool{}
		}
		deps.Depends[origin][dep] = true
	}); err != nil {
		return deps, err
	}

	return deps, nil
}

// ReadBulkStats reads .poudriere.ports.built under the build's log
// base, returning the set of built package names.
func (d *Driver) ReadBulkStats(jail, portsbranch string) (map[string]bool, error) {
	base := d.logBase(jail, portsbranch)
	builtFile := filepath.Join(base, ".poudriere.ports.built")
	built := map[string]bool{}

	if !exists(builtFile) {
		return built, nil
	}
	err := scanFields(builtFile, func(fields []string) {
		if len(fields) >= 2 {
			built[fields[1]] = true
		}
	})
	return built, err
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func scanFields(path string, fn func(fields []string)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		fn(fields)
	}
	return sc.Err()
}

// Jail is a running poudriere-managed jail instance, addressable via
// jexec once resolved through jls.
type Jail struct {
	Name string
	Path string
}

// resolveJail resolves a running jail's mountpoint via `jls`.
func resolveJail(ctx context.Context, name string) (*Jail, error) {
	out, err := process.New("jls", "-j", name, "path").Run(ctx)
	if err != nil {
		return nil, err
	}
	return &Jail{Name: name, Path: strings.TrimSpace(out)}, nil
}

// StartJail starts (`jail -s`) the jail/portstree combination poudriere
// prepared during a prior bulk build and resolves its jls path. The
// returned cleanup stops (`jail -k`) the jail; callers must invoke it
// exactly once.
func (d *Driver) StartJail(ctx context.Context, jailName, portsbranch string) (*Jail, func() error, error) {
	if _, err := d.cmd("jail", "-s", "-j", jailName, "-p", portsbranch).Run(ctx); err != nil {
		return nil, nil, err
	}
	j, err := resolveJail(ctx, jailName+"-"+portsbranch)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error {
		_, err := d.cmd("jail", "-k", "-j", jailName, "-p", portsbranch).Run(ctx)
		return err
	}
	return j, cleanup, nil
}

// Exec runs a command inside the jail via jexec.
func (j *Jail) Exec(args ...string) *process.Process {
	return process.New("jexec", append([]string{j.Name}, args...)...)
}
