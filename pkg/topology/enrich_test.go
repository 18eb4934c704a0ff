package topology

import (
	"context"
	"testing"
	"time"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	values map[string]string
}

func (f *fakeProbe) GetMetadata(ctx context.Context, path string) (string, error) {
	v, ok := f.values[path]
	if !ok {
		return "", assert.AnError
	}
	return v, nil
}
func (f *fakeProbe) AvailabilityZone(ctx context.Context) (string, error) { return "us-east-1a", nil }
func (f *fakeProbe) InstanceID(ctx context.Context) (string, error)      { return "i-self", nil }
func (f *fakeProbe) FirstMAC(ctx context.Context) (string, error)        { return "mac0", nil }
func (f *fakeProbe) ServerDate(ctx context.Context) (time.Time, error)   { return time.Now(), nil }

type fakeGateway struct {
	byVPCIP map[string]cloud.NetworkInterface
	self    []cloud.NetworkInterface
}

func (g *fakeGateway) DescribeNetworkInterfaces(ctx context.Context, f cloud.Filters) ([]cloud.NetworkInterface, error) {
	if f.InstanceID != "" {
		return g.self, nil
	}
	key := f.VPCID + "|" + f.PrivateIPAddress
	if eni, ok := g.byVPCIP[key]; ok {
		return []cloud.NetworkInterface{eni}, nil
	}
	return nil, nil
}
func (g *fakeGateway) DescribeRouteTables(ctx context.Context, f cloud.Filters) ([]cloud.RouteTable, error) {
	return nil, nil
}
func (g *fakeGateway) ReplaceRoute(ctx context.Context, in cloud.ReplaceRouteInput) error { return nil }
func (g *fakeGateway) CreateRoute(ctx context.Context, in cloud.CreateRouteInput) error   { return nil }
func (g *fakeGateway) AssignPrivateIPAddresses(ctx context.Context, in cloud.AssignPrivateIPInput) error {
	return nil
}
func (g *fakeGateway) AssociateAddress(ctx context.Context, in cloud.AssociateAddressInput) error {
	return nil
}

func TestEnrich_PeerResolved(t *testing.T) {
	store := &Store{Interfaces: []Interface{
		{Name: "eth0", MAC: "mac0", LocalIP: "10.0.0.5", PeerIP: "10.0.0.6", VPCID: "vpc-1", SubnetID: "subnet-1", ENIID: "eni-self"},
	}}
	gw := &fakeGateway{
		byVPCIP: map[string]cloud.NetworkInterface{
			"vpc-1|10.0.0.6": {NetworkInterfaceID: "eni-peer"},
		},
		self: []cloud.NetworkInterface{
			{NetworkInterfaceID: "eni-self", PrivateIPAddresses: []cloud.PrivateIPAddress{{PrivateIP: "10.0.0.5", Primary: true}}},
		},
	}
	e := &Enricher{Metadata: &fakeProbe{}, Gateway: gw, Deploy: clustermode.SingleAZ}

	err := e.Enrich(context.Background(), store, "i-self")
	require.NoError(t, err)
	require.Len(t, store.Interfaces, 1)
	require.NotNil(t, store.Interfaces[0].Peer)
	assert.Equal(t, "eni-peer", store.Interfaces[0].Peer.NetworkInterfaceID)
	assert.Nil(t, store.Interfaces[0].Local)
}

func TestEnrich_PeerAbsentIsEmpty(t *testing.T) {
	store := &Store{Interfaces: []Interface{
		{Name: "eth0", MAC: "mac0", LocalIP: "10.0.0.5", PeerIP: "10.0.0.9", VPCID: "vpc-1", SubnetID: "subnet-1", ENIID: "eni-self"},
	}}
	gw := &fakeGateway{
		byVPCIP: map[string]cloud.NetworkInterface{},
		self: []cloud.NetworkInterface{
			{NetworkInterfaceID: "eni-self", PrivateIPAddresses: []cloud.PrivateIPAddress{{PrivateIP: "10.0.0.5", Primary: true}}},
		},
	}
	e := &Enricher{Metadata: &fakeProbe{}, Gateway: gw, Deploy: clustermode.SingleAZ}

	err := e.Enrich(context.Background(), store, "i-self")
	require.NoError(t, err)
	assert.Nil(t, store.Interfaces[0].Peer)
}

func TestEnrich_RestrictsToSelfOwnedInterfaces(t *testing.T) {
	store := &Store{Interfaces: []Interface{
		{Name: "eth0", MAC: "mac0", LocalIP: "10.0.0.5", PeerIP: "10.0.0.6", VPCID: "vpc-1", SubnetID: "subnet-1", ENIID: "eni-self"},
		{Name: "eth1", MAC: "mac1", LocalIP: "10.0.1.5", PeerIP: "10.0.1.6", VPCID: "vpc-1", SubnetID: "subnet-2", ENIID: "eni-other"},
	}}
	gw := &fakeGateway{
		byVPCIP: map[string]cloud.NetworkInterface{},
		self: []cloud.NetworkInterface{
			{NetworkInterfaceID: "eni-self", PrivateIPAddresses: []cloud.PrivateIPAddress{{PrivateIP: "10.0.0.5", Primary: true}}},
		},
	}
	e := &Enricher{Metadata: &fakeProbe{}, Gateway: gw, Deploy: clustermode.SingleAZ}

	err := e.Enrich(context.Background(), store, "i-self")
	require.NoError(t, err)
	require.Len(t, store.Interfaces, 1)
	assert.Equal(t, "eth0", store.Interfaces[0].Name)
}

func TestEnrich_CrossAZAlsoResolvesLocal(t *testing.T) {
	store := &Store{Interfaces: []Interface{
		{Name: "eth0", MAC: "mac0", LocalIP: "10.0.0.5", PeerIP: "10.0.0.6", VPCID: "vpc-1", SubnetID: "subnet-1", ENIID: "eni-self"},
	}}
	gw := &fakeGateway{
		byVPCIP: map[string]cloud.NetworkInterface{
			"vpc-1|10.0.0.6": {NetworkInterfaceID: "eni-peer"},
			"vpc-1|10.0.0.5": {NetworkInterfaceID: "eni-self-described"},
		},
		self: []cloud.NetworkInterface{
			{NetworkInterfaceID: "eni-self", PrivateIPAddresses: []cloud.PrivateIPAddress{{PrivateIP: "10.0.0.5", Primary: true}}},
		},
	}
	e := &Enricher{Metadata: &fakeProbe{}, Gateway: gw, Deploy: clustermode.CrossAZ}

	err := e.Enrich(context.Background(), store, "i-self")
	require.NoError(t, err)
	require.NotNil(t, store.Interfaces[0].Local)
	assert.Equal(t, "eni-self-described", store.Interfaces[0].Local.NetworkInterfaceID)
}
