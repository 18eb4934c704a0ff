package crossaz

import (
	"context"
	"os"
	"testing"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/dynobj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eniWith(primary string, secondaries ...cloud.PrivateIPAddress) *cloud.NetworkInterface {
	addrs := []cloud.PrivateIPAddress{{PrivateIP: primary, Primary: true}}
	addrs = append(addrs, secondaries...)
	return &cloud.NetworkInterface{PrivateIPAddresses: addrs}
}

func TestReconcile_BuildsMapFromEmpty(t *testing.T) {
	local := eniWith("10.1.0.5", cloud.PrivateIPAddress{
		PrivateIP:   "10.1.0.10",
		Association: &cloud.Association{PublicIP: "54.1.1.1", AllocationID: "eipalloc-1"},
	})
	peer := eniWith("10.2.0.5", cloud.PrivateIPAddress{PrivateIP: "10.2.0.10"})

	registry := dynobj.NewFake()
	engine := NewEngine(registry)

	m, err := engine.Reconcile(context.Background(), Map{}, local, peer, "10.1.0.10", "10.2.0.10")
	require.NoError(t, err)

	require.Contains(t, m, "10.2.0.10")
	pair := m["10.2.0.10"]
	assert.Equal(t, "10.1.0.10", pair.LocalIP)
	assert.Equal(t, "54.1.1.1", pair.EIP)
	assert.Equal(t, "LocalGatewayExternal-54.1.1.1", pair.DynamicObjectName)
	assert.Equal(t, "10.1.0.10", registry.Objects["LocalGatewayExternal-54.1.1.1"])
}

func TestReconcile_PurgesStalePair(t *testing.T) {
	local := eniWith("10.1.0.5") // 10.1.0.99 no longer present
	peer := eniWith("10.2.0.5", cloud.PrivateIPAddress{PrivateIP: "10.2.0.99"})

	registry := dynobj.NewFake()
	registry.Objects["LocalGatewayExternal-77.7.7.7"] = "10.1.0.99"
	engine := NewEngine(registry)

	existing := Map{
		"10.2.0.99": Pair{LocalIP: "10.1.0.99", RemoteIP: "10.2.0.99", EIP: "77.7.7.7", DynamicObjectName: "LocalGatewayExternal-77.7.7.7"},
	}

	m, err := engine.Reconcile(context.Background(), existing, local, peer, "", "")
	require.NoError(t, err)

	assert.NotContains(t, m, "10.2.0.99")
	assert.NotContains(t, registry.Objects, "LocalGatewayExternal-77.7.7.7")
}

func TestReconcile_MismatchedRemainderSizesErrors(t *testing.T) {
	local := eniWith("10.1.0.5",
		cloud.PrivateIPAddress{PrivateIP: "10.1.0.10"},
		cloud.PrivateIPAddress{PrivateIP: "10.1.0.11"},
	)
	peer := eniWith("10.2.0.5",
		cloud.PrivateIPAddress{PrivateIP: "10.2.0.10", Association: &cloud.Association{PublicIP: "54.1.1.1"}},
	)

	registry := dynobj.NewFake()
	engine := NewEngine(registry)

	_, err := engine.Reconcile(context.Background(), Map{}, local, peer, "", "")
	assert.Error(t, err)
}

func TestSave_IsIdempotentUnderStableInputs(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/map.json"
	m := Map{"10.2.0.10": Pair{LocalIP: "10.1.0.10", RemoteIP: "10.2.0.10", EIP: "54.1.1.1", DynamicObjectName: "LocalGatewayExternal-54.1.1.1"}}

	require.NoError(t, Save(path, m))
	first, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Save(path, first))
	second, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoad_MissingFileIsErrMapMissing(t *testing.T) {
	_, err := Load("/nonexistent/path/map.json")
	assert.ErrorIs(t, err, ErrMapMissing)
}

// The VIP pair is created first even when the peer side provides the
// EIP (local alias has none).
func TestReconcile_VIPPairUsesPeerEIPWhenLocalAliasHasNone(t *testing.T) {
	local := eniWith("10.1.0.5", cloud.PrivateIPAddress{PrivateIP: "10.1.0.10"})
	peer := eniWith("10.2.0.5", cloud.PrivateIPAddress{
		PrivateIP:   "10.2.0.10",
		Association: &cloud.Association{PublicIP: "54.2.2.2", AllocationID: "eipalloc-2"},
	})

	registry := dynobj.NewFake()
	engine := NewEngine(registry)

	m, err := engine.Reconcile(context.Background(), Map{}, local, peer, "10.1.0.10", "10.2.0.10")
	require.NoError(t, err)

	pair := m["10.2.0.10"]
	assert.Equal(t, "10.1.0.10", pair.LocalIP)
	assert.Equal(t, "54.2.2.2", pair.EIP)
	assert.Equal(t, "10.1.0.10", registry.Objects["LocalGatewayExternal-54.2.2.2"])
}

// An already-valid pair survives reconciliation untouched while a new
// secondary pair is added alongside it.
func TestReconcile_KeepsValidPairsAndAddsNewOnes(t *testing.T) {
	local := eniWith("10.1.0.5",
		cloud.PrivateIPAddress{PrivateIP: "10.1.0.10", Association: &cloud.Association{PublicIP: "54.1.1.1"}},
		cloud.PrivateIPAddress{PrivateIP: "10.1.0.11", Association: &cloud.Association{PublicIP: "54.3.3.3"}},
	)
	peer := eniWith("10.2.0.5",
		cloud.PrivateIPAddress{PrivateIP: "10.2.0.10"},
		cloud.PrivateIPAddress{PrivateIP: "10.2.0.11"},
	)

	registry := dynobj.NewFake()
	registry.Objects["LocalGatewayExternal-54.1.1.1"] = "10.1.0.10"
	engine := NewEngine(registry)

	existing := Map{
		"10.2.0.10": Pair{LocalIP: "10.1.0.10", RemoteIP: "10.2.0.10", EIP: "54.1.1.1", DynamicObjectName: "LocalGatewayExternal-54.1.1.1"},
	}

	m, err := engine.Reconcile(context.Background(), existing, local, peer, "", "")
	require.NoError(t, err)

	require.Len(t, m, 2)
	assert.Equal(t, "54.1.1.1", m["10.2.0.10"].EIP)
	assert.Equal(t, "10.1.0.11", m["10.2.0.11"].LocalIP)
	assert.Equal(t, "54.3.3.3", m["10.2.0.11"].EIP)
}

func TestLoadRemoteVIP(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/aws-ha.json"

	_, err := LoadRemoteVIP(path)
	assert.Error(t, err, "missing pointer file is an error")

	require.NoError(t, os.WriteFile(path, []byte(`{"remote_member_private_ip_associated_to_vip": "10.2.0.10"}`), 0o644))
	vip, err := LoadRemoteVIP(path)
	require.NoError(t, err)
	assert.Equal(t, "10.2.0.10", vip)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	vip, err = LoadRemoteVIP(path)
	require.NoError(t, err)
	assert.Empty(t, vip, "empty pointer file degrades to no VIP priority")
}
