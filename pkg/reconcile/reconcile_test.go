package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/statusfile"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu                  sync.Mutex
	routeTables         map[string][]cloud.RouteTable // vpc -> tables (vpc-only filter)
	replacedRoutes      []cloud.ReplaceRouteInput
	assignedIPs         []cloud.AssignPrivateIPInput
	associatedAddresses []cloud.AssociateAddressInput
	replaceErr          error
}

func (g *fakeGateway) DescribeNetworkInterfaces(ctx context.Context, f cloud.Filters) ([]cloud.NetworkInterface, error) {
	return nil, nil
}

func (g *fakeGateway) DescribeRouteTables(ctx context.Context, f cloud.Filters) ([]cloud.RouteTable, error) {
	if f.RouteTableID != "" {
		for _, tables := range g.routeTables {
			for _, rtb := range tables {
				if rtb.RouteTableID == f.RouteTableID {
					return []cloud.RouteTable{rtb}, nil
				}
			}
		}
		return nil, nil
	}
	return g.routeTables[f.VPCID], nil
}

func (g *fakeGateway) ReplaceRoute(ctx context.Context, in cloud.ReplaceRouteInput) error {
	if g.replaceErr != nil {
		return g.replaceErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replacedRoutes = append(g.replacedRoutes, in)
	return nil
}

func (g *fakeGateway) CreateRoute(ctx context.Context, in cloud.CreateRouteInput) error { return nil }

func (g *fakeGateway) AssignPrivateIPAddresses(ctx context.Context, in cloud.AssignPrivateIPInput) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assignedIPs = append(g.assignedIPs, in)
	return nil
}

func (g *fakeGateway) AssociateAddress(ctx context.Context, in cloud.AssociateAddressInput) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.associatedAddresses = append(g.associatedAddresses, in)
	return nil
}

// Single-AZ HA takeover: the first tick issues the route and
// secondary-IP mutations and stays IN_PROGRESS; once the cloud state
// reflects the takeover, the next tick converges to DONE.
func TestReconciler_SingleAZTakeover(t *testing.T) {
	gw := &fakeGateway{
		routeTables: map[string][]cloud.RouteTable{
			"vpc-1": {{
				RouteTableID: "rtb-x",
				Routes: []cloud.Route{
					{DestinationCIDR: "10.0.0.0/8", NetworkInterfaceID: "eni-Bext"},
				},
			}},
		},
	}
	store := &topology.Store{Interfaces: []topology.Interface{
		{
			Name: "eth1", Type: topology.External, VPCID: "vpc-1", SubnetID: "subnet-1", ENIID: "eni-Aext",
			Peer: &cloud.NetworkInterface{
				NetworkInterfaceID: "eni-Bext",
				PrivateIPAddresses: []cloud.PrivateIPAddress{
					{PrivateIP: "10.0.2.5", Primary: true},
					{PrivateIP: "10.0.2.20", Association: &cloud.Association{PublicIP: "54.1.1.1", AllocationID: "eipalloc-1"}},
				},
			},
		},
	}}

	status := statusfile.NewSink(t.TempDir() + "/status")
	r := New(gw, status, Options{
		ClusterMode:           clustermode.HighAvailability,
		DeployMode:            clustermode.SingleAZ,
		ReplaceAllRouteTables: true,
	})

	require.NoError(t, r.Run(context.Background(), true, store, nil))

	require.Len(t, gw.replacedRoutes, 1)
	assert.Equal(t, "rtb-x", gw.replacedRoutes[0].RouteTableID)
	assert.Equal(t, "10.0.0.0/8", gw.replacedRoutes[0].DestinationCIDR)
	assert.Equal(t, "eni-Aext", gw.replacedRoutes[0].NetworkInterfaceID)

	require.Len(t, gw.assignedIPs, 1)
	assert.Equal(t, "eni-Aext", gw.assignedIPs[0].NetworkInterfaceID)
	assert.ElementsMatch(t, []string{"10.0.2.20"}, gw.assignedIPs[0].PrivateIPAddresses)
	assert.True(t, gw.assignedIPs[0].AllowReassignment)

	mid, err := status.Get()
	require.NoError(t, err)
	assert.Equal(t, statusfile.InProgress, mid)

	// Converged cloud state: the route points at the local ENI and the
	// peer no longer holds the secondary address.
	gw.routeTables["vpc-1"][0].Routes[0].NetworkInterfaceID = "eni-Aext"
	store.Interfaces[0].Peer.PrivateIPAddresses = store.Interfaces[0].Peer.PrivateIPAddresses[:1]

	require.NoError(t, r.Run(context.Background(), true, store, nil))

	assert.Len(t, gw.replacedRoutes, 1, "second tick must not replace again")
	assert.Len(t, gw.assignedIPs, 1, "second tick must not assign again")
	final, err := status.Get()
	require.NoError(t, err)
	assert.Equal(t, statusfile.Done, final)
}

// Unchanged routes: every candidate route already points at the
// correct local ENI, so no ReplaceRoute calls are issued and the tick
// goes straight to DONE.
func TestReconciler_UnchangedRoutesIssueNoMutations(t *testing.T) {
	gw := &fakeGateway{
		routeTables: map[string][]cloud.RouteTable{
			"vpc-1": {{
				RouteTableID: "rtb-x",
				Routes: []cloud.Route{
					{DestinationCIDR: "10.0.0.0/8", NetworkInterfaceID: "eni-Aext"},
				},
			}},
		},
	}
	store := &topology.Store{Interfaces: []topology.Interface{
		{
			Name: "eth1", Type: topology.External, VPCID: "vpc-1", SubnetID: "subnet-1", ENIID: "eni-Aext",
			Peer: &cloud.NetworkInterface{NetworkInterfaceID: "eni-Bext"},
		},
	}}

	status := statusfile.NewSink(t.TempDir() + "/status")
	r := New(gw, status, Options{
		ClusterMode:           clustermode.HighAvailability,
		DeployMode:            clustermode.SingleAZ,
		ReplaceAllRouteTables: true,
	})

	require.NoError(t, status.Set(statusfile.NotStarted))
	require.NoError(t, r.Run(context.Background(), true, store, nil))

	assert.Empty(t, gw.replacedRoutes)
	final, err := status.Get()
	require.NoError(t, err)
	assert.Equal(t, statusfile.Done, final)
}

func TestReconciler_ShouldWorkFalseSetsNotStarted(t *testing.T) {
	gw := &fakeGateway{}
	store := &topology.Store{}
	status := statusfile.NewSink(t.TempDir() + "/status")
	r := New(gw, status, Options{ClusterMode: clustermode.HighAvailability})

	require.NoError(t, status.Set(statusfile.Done))
	require.NoError(t, r.Run(context.Background(), false, store, nil))

	got, err := status.Get()
	require.NoError(t, err)
	assert.Equal(t, statusfile.NotStarted, got)
	assert.Empty(t, gw.replacedRoutes)
}

// Cross-AZ: every EIP-bearing peer secondary is reassociated onto the
// mapped local private IP.
func TestReconciler_CrossAZAssociatesPeerEIPs(t *testing.T) {
	gw := &fakeGateway{routeTables: map[string][]cloud.RouteTable{"vpc-1": nil}}
	store := &topology.Store{Interfaces: []topology.Interface{
		{
			Name: "eth0", Type: topology.External, VPCID: "vpc-1", ENIID: "eni-Aext",
			Peer: &cloud.NetworkInterface{
				NetworkInterfaceID: "eni-Bext",
				PrivateIPAddresses: []cloud.PrivateIPAddress{
					{PrivateIP: "10.2.0.5", Primary: true},
					{PrivateIP: "10.2.0.10", Association: &cloud.Association{PublicIP: "54.1.1.1", AllocationID: "eipalloc-1"}},
				},
			},
		},
	}}

	status := statusfile.NewSink(t.TempDir() + "/status")
	r := New(gw, status, Options{
		ClusterMode:           clustermode.HighAvailability,
		DeployMode:            clustermode.CrossAZ,
		ReplaceAllRouteTables: true,
	})

	localIPFor := map[string]string{"10.2.0.10": "10.1.0.10"}
	require.NoError(t, r.Run(context.Background(), true, store, localIPFor))

	require.Len(t, gw.associatedAddresses, 1)
	assert.Equal(t, "eni-Aext", gw.associatedAddresses[0].NetworkInterfaceID)
	assert.Equal(t, "10.1.0.10", gw.associatedAddresses[0].PrivateIPAddress)
	assert.Equal(t, "eipalloc-1", gw.associatedAddresses[0].AllocationID)
	assert.True(t, gw.associatedAddresses[0].AllowReassociation)

	mid, err := status.Get()
	require.NoError(t, err)
	assert.Equal(t, statusfile.InProgress, mid, "an issued association defers DONE")
}

// Static route list strategy: only routes whose current target differs
// are replaced.
func TestReconciler_StaticRouteTablesReplacesOnlyDiffering(t *testing.T) {
	gw := &fakeGateway{
		routeTables: map[string][]cloud.RouteTable{
			"vpc-1": {{
				RouteTableID: "rtb-s",
				Routes: []cloud.Route{
					{DestinationCIDR: "0.0.0.0/0", NetworkInterfaceID: "eni-old"},
					{DestinationCIDR: "10.0.0.0/8", NetworkInterfaceID: "eni-A"},
				},
			}},
		},
	}
	store := &topology.Store{
		StaticRouteTables: map[string][]topology.StaticRoute{
			"rtb-s": {
				{Destination: "0.0.0.0/0", Target: "eni-A"},
				{Destination: "10.0.0.0/8", Target: "eni-A"},
			},
		},
	}

	status := statusfile.NewSink(t.TempDir() + "/status")
	r := New(gw, status, Options{ClusterMode: clustermode.HighAvailability, DeployMode: clustermode.SingleAZ})

	require.NoError(t, r.Run(context.Background(), true, store, nil))

	require.Len(t, gw.replacedRoutes, 1)
	assert.Equal(t, "rtb-s", gw.replacedRoutes[0].RouteTableID)
	assert.Equal(t, "0.0.0.0/0", gw.replacedRoutes[0].DestinationCIDR)
	assert.Equal(t, "eni-A", gw.replacedRoutes[0].NetworkInterfaceID)
}

func TestAssignSecondaryIPs_PeerWithOnlyPrimaryIsFinished(t *testing.T) {
	gw := &fakeGateway{}
	iface := topology.Interface{
		ENIID: "eni-Aext",
		Peer: &cloud.NetworkInterface{
			PrivateIPAddresses: []cloud.PrivateIPAddress{{PrivateIP: "10.0.2.5", Primary: true}},
		},
	}
	finished, err := AssignSecondaryIPs(context.Background(), gw, iface)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.Empty(t, gw.assignedIPs)
}

func TestPool_CollectsFinishedAndErrors(t *testing.T) {
	pool := NewPool(4)
	for i := 0; i < 8; i++ {
		pool.Submit(func() (bool, error) { return true, nil })
	}
	finished, errs := pool.Wait()
	assert.True(t, finished)
	assert.Empty(t, errs)

	pool = NewPool(4)
	pool.Submit(func() (bool, error) { return true, nil })
	pool.Submit(func() (bool, error) { return false, nil })
	finished, errs = pool.Wait()
	assert.False(t, finished, "one deferred task defers the whole ticket")
	assert.Empty(t, errs)
}
