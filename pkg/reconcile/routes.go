package reconcile

import (
	"context"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// peerENIIDs returns the ENI id(s) this interface's route replacement
// should match against: the singular Peer in normal mode, the plural
// MigrationPeers in migrate mode.
func peerENIIDs(iface topology.Interface, migrating bool) []string {
	if migrating {
		ids := make([]string, 0, len(iface.MigrationPeers))
		for _, p := range iface.MigrationPeers {
			ids = append(ids, p.NetworkInterfaceID)
		}
		return ids
	}
	if iface.Peer != nil {
		return []string{iface.Peer.NetworkInterfaceID}
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// replaceRouteOrFallback: outside migrate mode, a failed ReplaceRoute
// is retried once as CreateRoute. In migrate mode there is no
// fallback; the route is recorded as not-changed instead.
func replaceRouteOrFallback(ctx context.Context, gw cloud.Gateway, in cloud.ReplaceRouteInput, migrating bool) error {
	err := gw.ReplaceRoute(ctx, in)
	if err == nil {
		return nil
	}
	if migrating {
		return err
	}
	klog.V(4).Infof("ReplaceRoute(%s) failed, falling back to CreateRoute: %v", in.RouteTableID, err)
	if cerr := gw.CreateRoute(ctx, cloud.CreateRouteInput(in)); cerr != nil {
		return errors.Wrap(cerr, "replace_route fallback create_route also failed")
	}
	return nil
}

// routeTablesFor fetches route tables for one interface. subnetScoped
// narrows the lookup to the interface's subnet (HA single-AZ); an
// empty subnet-scoped result falls back to association.main=true, and
// an empty fallback result is a hard error.
func routeTablesFor(ctx context.Context, gw cloud.Gateway, iface topology.Interface, subnetScoped bool) ([]cloud.RouteTable, error) {
	if subnetScoped {
		rtbs, err := gw.DescribeRouteTables(ctx, cloud.Filters{VPCID: iface.VPCID, AssociationSubnet: iface.SubnetID})
		if err != nil {
			return nil, err
		}
		if len(rtbs) > 0 {
			return rtbs, nil
		}
	} else {
		rtbs, err := gw.DescribeRouteTables(ctx, cloud.Filters{VPCID: iface.VPCID})
		if err != nil {
			return nil, err
		}
		if len(rtbs) > 0 {
			return rtbs, nil
		}
	}
	isMain := true
	rtbs, err := gw.DescribeRouteTables(ctx, cloud.Filters{VPCID: iface.VPCID, AssociationMain: &isMain})
	if err != nil {
		return nil, err
	}
	if len(rtbs) == 0 {
		return nil, errors.New("could not find route table")
	}
	return rtbs, nil
}

// ReplaceByInterface is the per-interface route strategy: scoped route-table
// lookup, replacing any route whose ENI matches its peer (or, when
// alwaysReplaceDefault is set, the default route regardless of ENI).
// Returns true when no route needed replacing.
func ReplaceByInterface(ctx context.Context, gw cloud.Gateway, iface topology.Interface, opts Options) (bool, error) {
	subnetScoped := opts.ClusterMode == clustermode.HighAvailability &&
		opts.DeployMode == clustermode.SingleAZ && iface.SubnetID != ""
	rtbs, err := routeTablesFor(ctx, gw, iface, subnetScoped)
	if err != nil {
		return false, err
	}

	peers := peerENIIDs(iface, opts.Migrating)
	finished := true
	for _, rtb := range rtbs {
		for _, route := range rtb.Routes {
			cidr, prefixList, ok := route.Destination()
			if !ok {
				continue
			}
			matches := (opts.ReplaceByInterface && containsID(peers, route.NetworkInterfaceID)) ||
				(opts.AlwaysReplaceDefault && cidr == "0.0.0.0/0")
			if !matches {
				continue
			}
			if err := replaceRouteOrFallback(ctx, gw, cloud.ReplaceRouteInput{
				RouteTableID:            rtb.RouteTableID,
				DestinationCIDR:         cidr,
				DestinationPrefixListID: prefixList,
				NetworkInterfaceID:      iface.ENIID,
			}, opts.Migrating); err != nil {
				return false, err
			}
			finished = false
		}
	}
	return finished, nil
}

// ReplaceAllRouteTables scans every route table in every VPC touched
// by the topology; a route is replaced when its ENI is among any
// interface's peer ENI set. Each replacement is submitted to the pool
// as its own task.
func ReplaceAllRouteTables(ctx context.Context, gw cloud.Gateway, pool *Pool, ifaces []topology.Interface, migrating bool) error {
	vpcs := map[string]bool{}
	for _, i := range ifaces {
		if i.VPCID != "" {
			vpcs[i.VPCID] = true
		}
	}

	for vpc := range vpcs {
		rtbs, err := gw.DescribeRouteTables(ctx, cloud.Filters{VPCID: vpc})
		if err != nil {
			return err
		}
		for _, rtb := range rtbs {
			for _, route := range rtb.Routes {
				cidr, prefixList, ok := route.Destination()
				if !ok || route.NetworkInterfaceID == "" {
					continue
				}
				for _, iface := range ifaces {
					if !containsID(peerENIIDs(iface, migrating), route.NetworkInterfaceID) {
						continue
					}
					in := cloud.ReplaceRouteInput{
						RouteTableID:            rtb.RouteTableID,
						DestinationCIDR:         cidr,
						DestinationPrefixListID: prefixList,
						NetworkInterfaceID:      iface.ENIID,
					}
					pool.Submit(func() (bool, error) {
						return false, replaceRouteOrFallback(ctx, gw, in, migrating)
					})
				}
			}
		}
	}
	return nil
}

// ReplaceStaticRouteTables implements the "static rtbs list" strategy:
// routes come from an explicit cphaconf['rtbs']-equivalent override
// rather than from route-table discovery, and a route is only replaced
// when its current target differs from the desired one.
func ReplaceStaticRouteTables(ctx context.Context, gw cloud.Gateway, pool *Pool, rtbs map[string][]topology.StaticRoute) error {
	for rtbID, routes := range rtbs {
		current, err := currentTargets(ctx, gw, rtbID)
		if err != nil {
			return err
		}
		for _, route := range routes {
			if current[route.Destination] == route.Target {
				klog.V(4).Infof("%s: %s %s already set", rtbID, route.Destination, route.Target)
				continue
			}
			in := cloud.ReplaceRouteInput{RouteTableID: rtbID, NetworkInterfaceID: route.Target}
			if looksLikePrefixList(route.Destination) {
				in.DestinationPrefixListID = route.Destination
			} else {
				in.DestinationCIDR = route.Destination
			}
			pool.Submit(func() (bool, error) {
				return false, replaceRouteOrFallback(ctx, gw, in, false)
			})
		}
	}
	return nil
}

func currentTargets(ctx context.Context, gw cloud.Gateway, rtbID string) (map[string]string, error) {
	rtbs, err := gw.DescribeRouteTables(ctx, cloud.Filters{RouteTableID: rtbID})
	if err != nil {
		return nil, err
	}
	if len(rtbs) == 0 {
		return nil, errors.New("could not find route table")
	}
	out := map[string]string{}
	for _, r := range rtbs[0].Routes {
		cidr, prefixList, ok := r.Destination()
		if !ok {
			continue
		}
		key := cidr
		if key == "" {
			key = prefixList
		}
		out[key] = r.NetworkInterfaceID
	}
	return out, nil
}

func looksLikePrefixList(destination string) bool {
	return len(destination) > 3 && destination[:3] == "pl-"
}
