package topology

import (
	"context"
	"time"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/metadata"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const (
	metadataRetries  = 10
	metadataInterval = 5 * time.Second
)

// Enricher performs the per-tick topology refresh: metadata lookups
// plus peer/local ENI resolution through the cloud API.
type Enricher struct {
	Metadata metadata.Probe
	Gateway  cloud.Gateway
	Deploy   clustermode.DeployMode
}

// Enrich mutates store in place: fills lazy metadata fields, resolves
// peer (and, in Cross-AZ mode, local) ENI descriptions, then restricts
// the interface list to those that exist as primary addresses on this
// instance's own ENIs.
func (e *Enricher) Enrich(ctx context.Context, store *Store, instanceID string) error {
	e.FillMetadata(ctx, store)

	for i := range store.Interfaces {
		iface := &store.Interfaces[i]
		if iface.VPCID == "" || iface.PeerIP == "" {
			iface.Peer = nil
			continue
		}
		peer, err := describeByPrivateIP(ctx, e.Gateway, iface.VPCID, iface.PeerIP)
		if err != nil {
			return err
		}
		iface.Peer = peer

		if e.Deploy == clustermode.CrossAZ {
			local, err := describeByPrivateIP(ctx, e.Gateway, iface.VPCID, iface.LocalIP)
			if err != nil {
				return err
			}
			iface.Local = local
		}
	}

	return e.restrictToSelf(ctx, store, instanceID)
}

// FillMetadata resolves the lazy metadata fields for every interface
// without touching the cloud API. The migration executor uses this
// alone, since it resolves its own (plural) peer lists.
func (e *Enricher) FillMetadata(ctx context.Context, store *Store) {
	for i := range store.Interfaces {
		e.fillMetadata(ctx, &store.Interfaces[i])
	}
}

// fillMetadata queries vpc-id/subnet-id/interface-id for one interface's
// MAC, retrying up to metadataRetries times. A field that still fails
// after all retries is left unset; callers skip it downstream.
func (e *Enricher) fillMetadata(ctx context.Context, iface *Interface) {
	attrs := []struct {
		attr metadata.InterfaceAttr
		dst  *string
	}{
		{metadata.AttrVPCID, &iface.VPCID},
		{metadata.AttrSubnetID, &iface.SubnetID},
		{metadata.AttrInterfaceID, &iface.ENIID},
	}

	for _, a := range attrs {
		if *a.dst != "" {
			continue
		}
		path := metadata.InterfaceAttrPath(iface.MAC, a.attr)
		attempt := 0
		_ = wait.PollImmediate(metadataInterval, metadataInterval*metadataRetries+time.Second, func() (bool, error) {
			attempt++
			val, err := e.Metadata.GetMetadata(ctx, path)
			if err != nil {
				klog.V(4).Infof("metadata query %s retry #%d: %v", path, attempt, err)
				if attempt >= metadataRetries {
					return true, nil // stop polling, leave field unset
				}
				return false, nil
			}
			*a.dst = val
			return true, nil
		})
	}
}

func describeByPrivateIP(ctx context.Context, gw cloud.Gateway, vpcID, privateIP string) (*cloud.NetworkInterface, error) {
	enis, err := gw.DescribeNetworkInterfaces(ctx, cloud.Filters{VPCID: vpcID, PrivateIPAddress: privateIP})
	if err != nil {
		return nil, err
	}
	if len(enis) == 0 {
		return nil, nil
	}
	return &enis[0], nil
}

// restrictToSelf intersects the interface list (by primary private IP)
// with DescribeNetworkInterfaces(attachment.instance-id = self).
func (e *Enricher) restrictToSelf(ctx context.Context, store *Store, instanceID string) error {
	enis, err := e.Gateway.DescribeNetworkInterfaces(ctx, cloud.Filters{InstanceID: instanceID})
	if err != nil {
		return err
	}
	selfIPs := map[string]bool{}
	for _, eni := range enis {
		if ip := eni.Primary(); ip != "" {
			selfIPs[ip] = true
		}
	}

	kept := store.Interfaces[:0]
	for _, iface := range store.Interfaces {
		if selfIPs[iface.LocalIP] {
			kept = append(kept, iface)
		}
	}
	store.Interfaces = kept
	return nil
}
