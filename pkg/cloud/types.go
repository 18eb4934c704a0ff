// Package cloud defines the typed EC2 data model and the Gateway
// boundary the rest of the controller consumes. Every field accessed
// downstream appears in this schema.
package cloud

// Association describes an Elastic IP bound to a private address.
type Association struct {
	PublicIP     string
	AllocationID string
}

// PrivateIPAddress is one entry of an ENI's private-IP address set.
type PrivateIPAddress struct {
	PrivateIP   string
	Primary     bool
	Association *Association // nil when no EIP is associated
}

// Tag is a single EC2 resource tag.
type Tag struct {
	Key   string
	Value string
}

// NetworkInterface is the subset of a DescribeNetworkInterfaces result
// the controller cares about.
type NetworkInterface struct {
	NetworkInterfaceID string
	VPCID              string
	SubnetID           string
	SourceDestCheck    bool
	Tags               []Tag
	PrivateIPAddresses []PrivateIPAddress
}

// Primary returns the interface's primary private IP, or "" if none is set.
func (n NetworkInterface) Primary() string {
	for _, a := range n.PrivateIPAddresses {
		if a.Primary {
			return a.PrivateIP
		}
	}
	return ""
}

// SecondaryIPs returns all non-primary private IPs on the interface, in
// the order returned by the API.
func (n NetworkInterface) SecondaryIPs() []string {
	var out []string
	for _, a := range n.PrivateIPAddresses {
		if !a.Primary {
			out = append(out, a.PrivateIP)
		}
	}
	return out
}

// SecondaryIPsWithEIP returns the subset of secondary private IPs that
// carry an EIP association, keyed by private IP.
func (n NetworkInterface) SecondaryIPsWithEIP() map[string]Association {
	out := map[string]Association{}
	for _, a := range n.PrivateIPAddresses {
		if !a.Primary && a.Association != nil {
			out[a.PrivateIP] = *a.Association
		}
	}
	return out
}

// HasTagSuffix reports whether any tag's key has the given prefix and
// value has the given suffix (used for the x-chkp-interface-type check).
func (n NetworkInterface) HasTagSuffix(keyPrefix, valueSuffix string) bool {
	for _, t := range n.Tags {
		if hasPrefix(t.Key, keyPrefix) && hasSuffix(t.Value, valueSuffix) {
			return true
		}
	}
	return false
}

func hasPrefix(s, p string) bool { return len(s) >= len(p) && s[:len(p)] == p }
func hasSuffix(s, sfx string) bool {
	return len(s) >= len(sfx) && s[len(s)-len(sfx):] == sfx
}

// Route is one entry of a route table.
type Route struct {
	DestinationCIDR         string
	DestinationPrefixListID string
	NetworkInterfaceID      string
}

// Destination returns whichever of CIDR/prefix-list is set.
func (r Route) Destination() (cidr string, prefixList string, ok bool) {
	if r.DestinationCIDR != "" {
		return r.DestinationCIDR, "", true
	}
	if r.DestinationPrefixListID != "" {
		return "", r.DestinationPrefixListID, true
	}
	return "", "", false
}

// RouteTable is a DescribeRouteTables result entry.
type RouteTable struct {
	RouteTableID string
	VPCID        string
	Routes       []Route
	MainAssoc    bool
	SubnetIDs    []string
}

// Filters expresses the subset of EC2 filter combinations this
// controller issues (vpc-id, private-ip-address, attachment.instance-id,
// association.subnet-id, association.main), plus the direct
// RouteTableId lookup used by the static route-table strategy.
type Filters struct {
	VPCID             string
	PrivateIPAddress  string
	InstanceID        string
	AssociationSubnet string
	AssociationMain   *bool
	RouteTableID      string
}

type ReplaceRouteInput struct {
	RouteTableID            string
	DestinationCIDR         string
	DestinationPrefixListID string
	NetworkInterfaceID      string
}

type CreateRouteInput = ReplaceRouteInput

type AssignPrivateIPInput struct {
	NetworkInterfaceID string
	PrivateIPAddresses []string
	AllowReassignment  bool
}

type AssociateAddressInput struct {
	NetworkInterfaceID string
	PrivateIPAddress   string
	AllocationID       string
	AllowReassociation bool
}

// CloudError is the decoded (Code, Message) pair the Gateway returns for
// any non-200 EC2 response.
type CloudError struct {
	Code    string
	Message string
}

func (e *CloudError) Error() string {
	if e.Code == "" {
		return "unparsed cloud error: " + e.Message
	}
	return e.Code + ": " + e.Message
}
