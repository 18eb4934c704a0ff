package reconcile

import (
	"context"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AssignSecondaryIPs implements the single-AZ HA secondary-IP takeover:
// every peer secondary address (the full set, EIP-bearing or not) is
// assigned onto the local ENI. Returns true when the takeover is
// already complete (no peer, or peer holds only its primary address)
// and false when an assignment request was issued this tick.
func AssignSecondaryIPs(ctx context.Context, gw cloud.Gateway, iface topology.Interface) (bool, error) {
	if iface.Peer == nil {
		return true, nil
	}
	ips := iface.Peer.SecondaryIPs()
	if len(ips) == 0 {
		klog.V(4).Infof("no secondary private addresses for interface %s", iface.Name)
		return true, nil
	}
	err := gw.AssignPrivateIPAddresses(ctx, cloud.AssignPrivateIPInput{
		NetworkInterfaceID: iface.ENIID,
		PrivateIPAddresses: ips,
		AllowReassignment:  true,
	})
	return false, err
}

// AssociateSecondaryEIPs implements the cross-AZ HA takeover: every
// peer secondary address that carries an EIP is associated onto the
// corresponding local private IP (the pair map's local side), one
// AssociateAddress call per EIP-bearing pair. Returns true when there
// is nothing to associate; false when requests were issued. Individual
// association failures are logged so the remaining pairs still move.
func AssociateSecondaryEIPs(ctx context.Context, gw cloud.Gateway, iface topology.Interface, localIPFor map[string]string) (bool, error) {
	if iface.Peer == nil {
		return true, nil
	}
	pairs := iface.Peer.SecondaryIPsWithEIP()
	if len(pairs) == 0 || len(localIPFor) == 0 {
		klog.V(4).Info("could not find allocation id, no address to associate")
		return true, nil
	}
	for ip, assoc := range pairs {
		localIP, ok := localIPFor[ip]
		if !ok {
			return false, errors.Errorf("peer secondary ip %s has no pair in the cross-az map", ip)
		}
		if err := gw.AssociateAddress(ctx, cloud.AssociateAddressInput{
			NetworkInterfaceID: iface.ENIID,
			PrivateIPAddress:   localIP,
			AllocationID:       assoc.AllocationID,
			AllowReassociation: true,
		}); err != nil {
			klog.Errorf("failed to move allocation id %s of peer private %s to local private %s: %v",
				assoc.AllocationID, ip, localIP, err)
		}
	}
	return false, nil
}
