// Package topology holds the in-memory dictionary of cluster
// interfaces, refreshed from cphaconf and the cloud API each tick.
package topology

import "github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"

// InterfaceType distinguishes the cluster's internal (sync/management)
// interface from its external (data) interfaces.
type InterfaceType string

const (
	Internal InterfaceType = "internal"
	External InterfaceType = "external"
)

// Interface is one entry of the cluster's IFS list.
type Interface struct {
	Name    string
	Type    InterfaceType
	MAC     string
	LocalIP string
	PeerIP  string

	VPCID    string
	SubnetID string
	ENIID    string

	// Peer is the enriched peer ENI description, populated by normal
	// (non-migrate) reconciliation. Nil means "no peer interface found".
	Peer *cloud.NetworkInterface

	// Local is the enriched local ENI description, populated only in
	// Cross-AZ mode.
	Local *cloud.NetworkInterface

	// MigrationPeers holds the plural peer-ENI list used only under
	// migrate mode. A route counts as peer-owned when its ENI matches
	// any element; kept separate from Peer so the two modes never
	// share a field.
	MigrationPeers []cloud.NetworkInterface
}

// HasMetadata reports whether all three lazily-populated metadata
// fields (vpc/subnet/eni id) were successfully resolved.
func (i Interface) HasMetadata() bool {
	return i.VPCID != "" && i.SubnetID != "" && i.ENIID != ""
}

// IsInternal reports whether this interface is the cluster's internal
// (sync) segment: declared internal in cphaconf, or carrying an
// x-chkp-interface-type tag ending in "internal" on the peer ENI.
func (i Interface) IsInternal() bool {
	if i.Type == Internal {
		return true
	}
	return i.Peer != nil && i.Peer.HasTagSuffix("x-chkp-interface-type", "internal")
}

// Store is the in-memory Topology Store: the current IFS list plus the
// static route-table overrides loaded from aws_rtb.json, if present.
type Store struct {
	Interfaces []Interface

	// StaticRouteTables mirrors cphaconf['rtbs']: an explicit
	// rtb -> [{destination, target}] override list that bypasses
	// route-table discovery entirely when present.
	StaticRouteTables map[string][]StaticRoute
}

// StaticRoute is one entry of a statically-declared route table.
type StaticRoute struct {
	Destination string // CIDR or prefix-list id
	Target      string // resolved ENI id
}

// ByName looks up an interface by its short name (e.g. "eth0").
func (s *Store) ByName(name string) *Interface {
	for i := range s.Interfaces {
		if s.Interfaces[i].Name == name {
			return &s.Interfaces[i]
		}
	}
	return nil
}

// VPCIDs returns the distinct set of VPC ids across all interfaces.
func (s *Store) VPCIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, i := range s.Interfaces {
		if i.VPCID == "" || seen[i.VPCID] {
			continue
		}
		seen[i.VPCID] = true
		out = append(out, i.VPCID)
	}
	return out
}
