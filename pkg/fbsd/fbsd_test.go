package fbsd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagnerflo/poudomaticd/pkg/errs"
)

func TestFreeBSDVersionShortname(t *testing.T) {
	v, err := ParseFreeBSDVersion("13.2-RELEASE-p4")
	require.NoError(t, err)
	assert.Equal(t, "132p4", v.Shortname())
}

func TestFreeBSDVersionInvalid(t *testing.T) {
	_, err := ParseFreeBSDVersion("13.2-FOO")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidVersion))
}

func TestFreeBSDVersionShortnameRoundTrip(t *testing.T) {
	v, err := ParseFreeBSDVersion("132p4")
	require.NoError(t, err)
	again, err := ParseFreeBSDVersion(v.Shortname())
	require.NoError(t, err)
	assert.Equal(t, v.Shortname(), again.Shortname())
}

func TestPortsBranchVersionName(t *testing.T) {
	p, err := ParsePortsBranchVersion("2023Q4")
	require.NoError(t, err)
	assert.Equal(t, "2023Q4", p.Name())
}

func TestPortsBranchVersionInvalid(t *testing.T) {
	_, err := ParsePortsBranchVersion("2023Q5")
	require.Error(t, err)
}
