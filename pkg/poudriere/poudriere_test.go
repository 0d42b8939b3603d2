package poudriere

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRendersConfAndCleansUp(t *testing.T) {
	d, err := Open("zroot", "zroot/ROOT/default", "/poudomatic", "task-1")
	require.NoError(t, err)

	data, err := os.ReadFile(d.confFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ZPOOL=zroot\n")
	assert.Contains(t, string(data), "ZROOTFS=zroot/ROOT/default\n")
	assert.Contains(t, string(data), "BASEFS=/poudomatic\n")

	confDir := d.confDir
	require.NoError(t, d.Close())
	_, err = os.Stat(confDir)
	assert.True(t, os.IsNotExist(err))
}

func TestCloseRemovesLogArtifacts(t *testing.T) {
	base := t.TempDir()
	d, err := Open("zroot", "zroot/ROOT/default", base, "task-7")
	require.NoError(t, err)

	logDir := filepath.Join(base, "logs", "bulk", "132p4-2024Q1")
	require.NoError(t, os.MkdirAll(filepath.Join(logDir, "assets"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(logDir, "task-7"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "index.html"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "latest"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "keep.log"), []byte("x"), 0o644))

	require.NoError(t, d.Close())

	assert.NoDirExists(t, filepath.Join(logDir, "assets"))
	assert.NoDirExists(t, filepath.Join(logDir, "task-7"))
	assert.NoFileExists(t, filepath.Join(logDir, "index.html"))
	assert.NoFileExists(t, filepath.Join(logDir, "latest"))
	assert.FileExists(t, filepath.Join(logDir, "keep.log"))
}

func TestCollectBulkOutputParsesErrorLines(t *testing.T) {
	ch := make(chan string, 3)
	ch <- "building foo"
	ch <- "Error: failed to build bar"
	ch <- "building baz"
	close(ch)

	var seen []string
	result, err := collectBulkOutput(ch, func() error { return &exitError{} }, func(l string) { seen = append(seen, l) })
	require.NoError(t, err)
	assert.False(t, result.ExitedOK)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "failed to build bar", result.Errors[0])
	assert.Equal(t, []string{"building foo", "Error: failed to build bar", "building baz"}, seen)
}

func TestCollectBulkOutputPropagatesFailureWithNoErrorLines(t *testing.T) {
	ch := make(chan string)
	close(ch)

	sentinel := &exitError{}
	result, err := collectBulkOutput(ch, func() error { return sentinel }, nil)
	assert.Same(t, sentinel, err)
	assert.False(t, result.ExitedOK)
	assert.Empty(t, result.Errors)
}

func TestCollectBulkOutputSuccess(t *testing.T) {
	ch := make(chan string)
	close(ch)

	result, err := collectBulkOutput(ch, func() error { return nil }, nil)
	require.NoError(t, err)
	assert.True(t, result.ExitedOK)
}

type exitError struct{}

func (e *exitError) Error() string { return "exit status 1" }

func TestReadPkgDepsMissingFilesReturnsEmpty(t *testing.T) {
	base := t.TempDir()
	d, err := Open("zroot", "zroot/ROOT/default", base, "task-1")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	deps, err := d.ReadPkgDeps("132p4", "2024Q1")
	require.NoError(t, err)
	assert.Empty(t, deps.PkgMap)
	assert.Empty(t, deps.Depends)
}

func TestReadPkgDepsParsesCorrelationFiles(t *testing.T) {
	base := t.TempDir()
	d, err := Open("zroot", "zroot/ROOT/default", base, "task-1")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	logBase := d.logBase("132p4", "2024Q1")
	require.NoError(t, os.MkdirAll(logBase, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logBase, ".poudriere.all_pkgs%"),
		[]byte("foo-1.0 www/foo\nbar-2.0 devel/bar\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(logBase, ".poudriere.pkg_deps%"),
		[]byte("foo-1.0 bar-2.0\n"), 0o644))

	deps, err := d.ReadPkgDeps("132p4", "2024Q1")
	require.NoError(t, err)
	assert.Equal(t, "www/foo", deps.PkgMap["foo-1.0"])
	assert.True(t, deps.Depends["www/foo"]["devel/bar"])
}

func TestReadBulkStatsParsesBuiltSet(t *testing.T) {
	base := t.TempDir()
	d, err := Open("zroot", "zroot/ROOT/default", base, "task-1")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	logBase := d.logBase("132p4", "2024Q1")
	require.NoError(t, os.MkdirAll(logBase, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(logBase, ".poudriere.ports.built"),
		[]byte("www/foo foo-1.0\ndevel/bar bar-2.0\n"), 0o644))

	built, err := d.ReadBulkStats("132p4", "2024Q1")
	require.NoError(t, err)
	assert.True(t, built["foo-1.0"])
	assert.True(t, built["bar-2.0"])
}

func TestShquote(t *testing.T) {
	assert.Equal(t, "plain", shquote("plain"))
	assert.Equal(t, `'has space'`, shquote("has space"))
	assert.Equal(t, `'it'\''s'`, shquote("it's"))
}
