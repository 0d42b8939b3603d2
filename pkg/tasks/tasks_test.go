package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagnerflo/poudomaticd/pkg/fbsd"
)

func TestEncodeDecodeRoundTripsCreateJail(t *testing.T) {
	v, err := fbsd.ParseFreeBSDVersion("13.2-RELEASE")
	require.NoError(t, err)

	payload, err := Encode(CreateJail{Version: v})
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)

	got, ok := decoded.(CreateJail)
	require.True(t, ok)
	assert.Equal(t, v, got.Version)
	assert.Equal(t, KindCreateJail, got.Kind())
}

func TestEncodeDecodeRoundTripsUpdatePorts(t *testing.T) {
	b, err := fbsd.ParsePortsBranchVersion("2024Q1")
	require.NoError(t, err)

	payload, err := Encode(UpdatePorts{Branch: b})
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)

	got, ok := decoded.(UpdatePorts)
	require.True(t, ok)
	assert.Equal(t, b, got.Branch)
}

func TestEncodeDecodeRoundTripsRunBuild(t *testing.T) {
	v, err := fbsd.ParseFreeBSDVersion("13.2-RELEASE")
	require.NoError(t, err)
	b, err := fbsd.ParsePortsBranchVersion("2024Q1")
	require.NoError(t, err)

	task := RunBuild{
		JailVersion:   v,
		PortsBranch:   b,
		PortjaTargets: []string{"www/nginx"},
		Origins:       []string{"www/nginx", "security/sudo"},
	}
	payload, err := Encode(task)
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)

	got, ok := decoded.(RunBuild)
	require.True(t, ok)
	assert.Equal(t, task, got)
}

func TestEncodeDecodeRoundTripsGetDepends(t *testing.T) {
	v, err := fbsd.ParseFreeBSDVersion("13.2-RELEASE")
	require.NoError(t, err)
	b, err := fbsd.ParsePortsBranchVersion("2024Q1")
	require.NoError(t, err)

	task := GetDepends{
		JailVersion:  v,
		PortsBranch:  b,
		Origin:       "www/nginx",
		PortjaTarget: "generate",
	}
	payload, err := Encode(task)
	require.NoError(t, err)

	decoded, err := Decode(payload)
	require.NoError(t, err)

	got, ok := decoded.(GetDepends)
	require.True(t, ok)
	assert.Equal(t, task, got)
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"launch_missiles","data":{}}`))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}
