package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Listen)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "%s", c.Ports.BranchFormat)
	assert.Error(t, c.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poudomatic.conf")
	require.NoError(t, os.WriteFile(path, []byte(`
dataset: zroot/poudomatic
listen: "127.0.0.1:9000"
ports:
  repo_uri: https://example.org/ports.git
  branch_format: "branches/%s"
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "zroot/poudomatic", c.Dataset)
	assert.Equal(t, "zroot", c.ZPool())
	assert.Equal(t, "127.0.0.1:9000", c.Listen)
	assert.Equal(t, "https://example.org/ports.git", c.Ports.RepoURI)
	assert.Equal(t, "branches/%s", c.Ports.BranchFormat)
	// untouched fields keep their defaults
	assert.Equal(t, "https://git.FreeBSD.org/src.git", c.Src.RepoURI)
}

func TestEnvOverridesDataset(t *testing.T) {
	t.Setenv(EnvDataset, "tank/builds")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tank/builds", c.Dataset)
	assert.Equal(t, "tank", c.ZPool())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Listen)
}
