// Package fbsd parses the FreeBSD release/branch and ports-branch version
// strings used throughout the build orchestrator: "13.2-RELEASE-p4" /
// "132p4" style jail versions, and "2023Q4" style ports branches.
package fbsd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/wagnerflo/poudomaticd/pkg/errs"
)

var branchRE = regexp.MustCompile(
	`^(?:(?:(?P<shortpre>[abc])(?P<shortprever>[1-9]\d*))?p(?P<shortlvl>\d+)` +
		`|(?:RELEASE|(?P<longpre>ALPHA|BETA|RC)(?P<longprever>[1-9]\d*))(?:-p(?P<longlvl>[1-9]\d*))?)$`,
)

var shortPreType = map[string]string{"a": "ALPHA", "b": "BETA", "c": "RC"}
var longTypeShort = map[string]string{"ALPHA": "a", "BETA": "b", "RC": "c", "RELEASE": ""}

// FreeBSDBranch is the pre-release/patch-level suffix of a FreeBSD version:
// RELEASE, RELEASE-pN, ALPHAn, BETAn, RCn, each optionally with "-pN".
type FreeBSDBranch struct {
	Type string // ALPHA, BETA, RC, or RELEASE
	Ver  int    // pre-release number; 0 for RELEASE
	Lvl  int    // patch level; 0 if none
}

// ParseFreeBSDBranch parses either the short form ("p4", "b2p1") or the
// long form ("RELEASE-p4", "BETA2-p1") of a branch suffix.
func ParseFreeBSDBranch(s string) (FreeBSDBranch, error) {
	m := branchRE.FindStringSubmatch(s)
	if m == nil {
		if s == "RELEASE" {
			return FreeBSDBranch{Type: "RELEASE"}, nil
		}
		return FreeBSDBranch{}, fmt.Errorf("%w: branch %q", errs.ErrInvalidVersion, s)
	}
	names := branchRE.SubexpNames()
	groups := make(map[string]string, len(names))
	for i, name := range names {
		if name != "" && i < len(m) {
			groups[name] = m[i]
		}
	}

	b := FreeBSDBranch{Type: "RELEASE"}
	switch {
	case groups["shortlvl"] != "":
		if p := groups["shortpre"]; p != "" {
			b.Type = shortPreType[p]
			b.Ver, _ = strconv.Atoi(groups["shortprever"])
		}
		b.Lvl, _ = strconv.Atoi(groups["shortlvl"])
	case groups["longpre"] != "":
		b.Type = groups["longpre"]
		b.Ver, _ = strconv.Atoi(groups["longprever"])
		if groups["longlvl"] != "" {
			b.Lvl, _ = strconv.Atoi(groups["longlvl"])
		}
	default:
		if groups["longlvl"] != "" {
			b.Lvl, _ = strconv.Atoi(groups["longlvl"])
		}
	}
	return b, nil
}

// Short renders the compact form used in jail/package dataset names, e.g.
// "p4", "b2p1".
func (b FreeBSDBranch) Short() string {
	s := longTypeShort[b.Type]
	if b.Type != "RELEASE" {
		s += strconv.Itoa(b.Ver)
	}
	if b.Lvl != 0 {
		s += "p" + strconv.Itoa(b.Lvl)
	}
	return s
}

// Long renders the full form used on the wire, e.g. "RELEASE-p4", "BETA2-p1".
func (b FreeBSDBranch) Long() string {
	s := b.Type
	if b.Type != "RELEASE" {
		s += strconv.Itoa(b.Ver)
	}
	if b.Lvl != 0 {
		s += "-p" + strconv.Itoa(b.Lvl)
	}
	return s
}

var versionRE = regexp.MustCompile(
	`^(?:(?P<release>[1-9]\d*\.[0-4])-|(?P<major>[1-9]\d*)(?P<minor>[0-4]))(?P<branch>.*)$`,
)

// FreeBSDVersion is a full release identifier, e.g. "13.2-RELEASE-p4" or
// its short form "132p4".
type FreeBSDVersion struct {
	Release string // "13.2"
	Branch  FreeBSDBranch
}

// ParseFreeBSDVersion parses either the long form
// ("13.2-RELEASE-p4") or the short form ("132p4") of a jail version.
func ParseFreeBSDVersion(s string) (FreeBSDVersion, error) {
	m := versionRE.FindStringSubmatch(s)
	if m == nil {
		return FreeBSDVersion{}, fmt.Errorf("%w: version %q", errs.ErrInvalidVersion, s)
	}
	names := versionRE.SubexpNames()
	groups := make(map[string]string, len(names))
	for i, name := range names {
		if name != "" && i < len(m) {
			groups[name] = m[i]
		}
	}

	release := groups["release"]
	if release == "" {
		release = groups["major"] + "." + groups["minor"]
	}

	branch, err := ParseFreeBSDBranch(groups["branch"])
	if err != nil {
		return FreeBSDVersion{}, err
	}
	return FreeBSDVersion{Release: release, Branch: branch}, nil
}

// ShortRelease strips the dot from Release, e.g. "13.2" -> "132".
func (v FreeBSDVersion) ShortRelease() string {
	return strings.ReplaceAll(v.Release, ".", "")
}

// Shortname is the dataset-safe jail name, e.g. "132p4".
func (v FreeBSDVersion) Shortname() string {
	return v.ShortRelease() + v.Branch.Short()
}

// Longname is the canonical wire form, e.g. "13.2-RELEASE-p4".
func (v FreeBSDVersion) Longname() string {
	return v.Release + "-" + v.Branch.Long()
}

// MarshalJSON serializes as the short form; parsed values always go
// back on the wire in short form.
func (v FreeBSDVersion) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(v.Shortname())), nil
}

// UnmarshalJSON accepts either the long or short wire form.
func (v *FreeBSDVersion) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	parsed, err := ParseFreeBSDVersion(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

var portsBranchRE = regexp.MustCompile(`^(2\d{3})Q([1-4])$`)

// PortsBranchVersion identifies a quarterly ports branch, e.g. "2023Q4".
type PortsBranchVersion struct {
	Year    int
	Quarter int
}

// ParsePortsBranchVersion parses a "YYYYQn" ports branch string.
func ParsePortsBranchVersion(s string) (PortsBranchVersion, error) {
	m := portsBranchRE.FindStringSubmatch(s)
	if m == nil {
		return PortsBranchVersion{}, fmt.Errorf("%w: ports branch %q", errs.ErrInvalidVersion, s)
	}
	year, _ := strconv.Atoi(m[1])
	quarter, _ := strconv.Atoi(m[2])
	return PortsBranchVersion{Year: year, Quarter: quarter}, nil
}

// Name renders the canonical "YYYYQn" form.
func (p PortsBranchVersion) Name() string {
	return fmt.Sprintf("%dQ%d", p.Year, p.Quarter)
}

func (p PortsBranchVersion) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.Name())), nil
}

func (p *PortsBranchVersion) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return err
	}
	parsed, err := ParsePortsBranchVersion(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
