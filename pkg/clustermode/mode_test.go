package clustermode

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldWork_HA(t *testing.T) {
	ok, err := ShouldWork(HighAvailability, MemberStates{LocalActive: true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ShouldWork(HighAvailability, MemberStates{LocalActive: false})
	require.NoError(t, err)
	assert.False(t, ok)
}

// Active-active master election: local .3 vs remote .7, local is master.
func TestShouldWork_ActiveActive_MasterActsWhenActive(t *testing.T) {
	local := net.ParseIP("10.0.0.3")
	remote := net.ParseIP("10.0.0.7")

	ok, err := ShouldWork(ActiveActive, MemberStates{
		LocalActive: true, RemoteActive: true, LocalIP: local, RemoteIP: remote,
	})
	require.NoError(t, err)
	assert.True(t, ok, "master always acts while active, regardless of remote state")
}

func TestShouldWork_ActiveActive_SlaveTakesOverWhenMasterDown(t *testing.T) {
	local := net.ParseIP("10.0.0.7") // slave: bigger ip
	remote := net.ParseIP("10.0.0.3")

	ok, err := ShouldWork(ActiveActive, MemberStates{
		LocalActive: true, RemoteActive: false, LocalIP: local, RemoteIP: remote,
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShouldWork_ActiveActive_SlaveStandsDownWhenMasterActive(t *testing.T) {
	local := net.ParseIP("10.0.0.7")
	remote := net.ParseIP("10.0.0.3")

	ok, err := ShouldWork(ActiveActive, MemberStates{
		LocalActive: true, RemoteActive: true, LocalIP: local, RemoteIP: remote,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShouldWork_UnknownMode(t *testing.T) {
	_, err := ShouldWork(ClusterMode("bogus"), MemberStates{})
	require.Error(t, err)
}
