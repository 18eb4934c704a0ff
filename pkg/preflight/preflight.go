// Package preflight implements the aws-ha-test checks: a fixed-order
// sequence of environment validations run before the daemon or
// migration executor is allowed to mutate cloud state.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/crossaz"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/dynobj"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/metadata"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/pkg/errors"
)

// Check is one named, ordered validation. Checks run strictly in the
// order Checks() lists them; the first failure aborts the remaining
// checks.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Deps bundles the collaborators the checks need.
type Deps struct {
	Metadata       metadata.Probe
	Gateway        cloud.Gateway
	Store          *topology.Store
	DeployMode     clustermode.DeployMode
	CrossAZMapPath string
	// CrossAZMapTestPath is where the freshly rebuilt map is persisted
	// for comparison against the live one; empty keeps the rebuild
	// in-memory only.
	CrossAZMapTestPath string
	LocalAlias         string // eth0:1 VIP-bearing local private IP
	RemoteVIP          string // peer's VIP-bearing private IP, from the persisted pointer file
	Domain             string
	MaxClockSkew       time.Duration
}

var dnsPrimaryRE = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)

// Checks returns the ordered check sequence.
func Checks(d Deps) []Check {
	if d.MaxClockSkew == 0 {
		d.MaxClockSkew = 5 * time.Second
	}
	return []Check{
		{"dns-primary-configured", checkDNSPrimaryConfigured},
		{"dns-resolves", checkDNSResolves},
		{"metadata-reachable", func(ctx context.Context) error { return checkMetadataReachable(ctx, d.Metadata) }},
		{"region-vpc-domain", func(ctx context.Context) error { return checkRegionVPCDomain(ctx, d.Metadata) }},
		{"iam-role", func(ctx context.Context) error { return checkIAMRole(ctx, d.Metadata) }},
		{"iam-credentials", func(ctx context.Context) error { return checkIAMCredentials(ctx, d.Metadata) }},
		{"cluster-topology", func(ctx context.Context) error { return checkClusterTopology(d.Store) }},
		{"tcp-connectivity", func(ctx context.Context) error { return checkTCPConnectivity(ctx, d.Metadata, d.Domain) }},
		{"clock-skew", func(ctx context.Context) error { return checkClockSkew(ctx, d.Metadata, d.MaxClockSkew) }},
		{"interface-eni-state", func(ctx context.Context) error { return checkInterfaceENIState(ctx, d.Gateway, d.Store) }},
		{"cross-az-map-fresh", func(ctx context.Context) error { return checkCrossAZMapFresh(ctx, d) }},
	}
}

// Run executes every check in order, stopping at the first failure.
func Run(ctx context.Context, d Deps) error {
	for _, c := range Checks(d) {
		if err := c.Run(ctx); err != nil {
			return errors.Wrapf(err, "preflight check %q failed", c.Name)
		}
	}
	return nil
}

func checkDNSPrimaryConfigured(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "clish", "-c", "show dns primary").Output()
	if err != nil {
		return errors.Wrap(err, "reading configured primary DNS server")
	}
	if !dnsPrimaryRE.Match(out) {
		return errors.New("primary DNS server is not configured")
	}
	return nil
}

func checkDNSResolves(ctx context.Context) error {
	resolver := net.Resolver{}
	if _, err := resolver.LookupHost(ctx, "s3.amazonaws.com"); err != nil {
		return errors.Wrap(err, "DNS resolution test failed")
	}
	return nil
}

func checkMetadataReachable(ctx context.Context, m metadata.Probe) error {
	if _, err := m.AvailabilityZone(ctx); err != nil {
		return errors.New("metadata connectivity test failed; verify outgoing TCP 80/443 to 169.254.169.254 is allowed")
	}
	return nil
}

func checkRegionVPCDomain(ctx context.Context, m metadata.Probe) error {
	mac, err := m.FirstMAC(ctx)
	if err != nil {
		return errors.Wrap(err, "retrieving primary MAC from metadata")
	}
	if _, err := m.GetMetadata(ctx, metadata.InterfaceAttrPath(mac, metadata.AttrVPCID)); err != nil {
		return errors.Wrap(err, "retrieving vpc-id from metadata")
	}
	if _, err := m.GetMetadata(ctx, "services/domain"); err != nil {
		return errors.Wrap(err, "retrieving service domain from metadata")
	}
	return nil
}

func checkIAMRole(ctx context.Context, m metadata.Probe) error {
	if _, err := m.GetMetadata(ctx, "iam/security-credentials/"); err != nil {
		return errors.New("failed to retrieve IAM role")
	}
	return nil
}

func checkIAMCredentials(ctx context.Context, m metadata.Probe) error {
	role, err := m.GetMetadata(ctx, "iam/security-credentials/")
	if err != nil {
		return errors.New("failed to retrieve IAM credentials")
	}
	if _, err := m.GetMetadata(ctx, "iam/security-credentials/"+role); err != nil {
		return errors.New("failed to retrieve IAM credentials")
	}
	return nil
}

func checkClusterTopology(store *topology.Store) error {
	if store == nil {
		return errors.New("no cluster topology configuration found")
	}
	internal := 0
	for _, i := range store.Interfaces {
		if i.Type == topology.Internal {
			internal++
		}
	}
	if internal == 0 {
		return errors.New("no internal interfaces defined; designate at least one interface as internal")
	}
	return nil
}

func checkTCPConnectivity(ctx context.Context, m metadata.Probe, domain string) error {
	az, err := m.AvailabilityZone(ctx)
	if err != nil {
		return err
	}
	region := metadata.Region(az)
	endpoint := fmt.Sprintf("ec2.%s.%s:443", region, domain)
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to the AWS API endpoint %s", endpoint)
	}
	return conn.Close()
}

func checkClockSkew(ctx context.Context, m metadata.Probe, max time.Duration) error {
	t, err := m.ServerDate(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to compare system clock to AWS")
	}
	skew := time.Since(t)
	if skew < 0 {
		skew = -skew
	}
	if skew > max {
		return errors.New("system clock is not set up properly; please set up NTP")
	}
	return nil
}

func checkInterfaceENIState(ctx context.Context, gw cloud.Gateway, store *topology.Store) error {
	for _, iface := range store.Interfaces {
		enis, err := gw.DescribeNetworkInterfaces(ctx, cloud.Filters{VPCID: iface.VPCID, PrivateIPAddress: iface.LocalIP})
		if err != nil {
			return errors.Wrap(err, "failed to retrieve interfaces from AWS; verify IAM role setup")
		}
		if len(enis) == 0 || enis[0].Primary() != iface.LocalIP {
			return errors.Errorf("no ENI with primary address %s found; verify it is the primary, not secondary, address", iface.LocalIP)
		}
		if enis[0].SourceDestCheck {
			return errors.Errorf("please disable source/destination check on interface with address %s", iface.LocalIP)
		}
	}
	return nil
}

func checkCrossAZMapFresh(ctx context.Context, d Deps) error {
	if d.DeployMode != clustermode.CrossAZ {
		return nil
	}
	if _, err := os.Stat(d.CrossAZMapPath); os.IsNotExist(err) {
		return errors.Errorf("the file %s does not exist on this cluster member; delete it from the other member (if present) and restart both", d.CrossAZMapPath)
	}

	onDisk, err := crossaz.Load(d.CrossAZMapPath)
	if err != nil {
		return err
	}

	rebuilt, err := rebuildCrossAZMap(ctx, d)
	if err != nil {
		return err
	}
	if d.CrossAZMapTestPath != "" {
		if err := crossaz.Save(d.CrossAZMapTestPath, rebuilt); err != nil {
			return err
		}
	}
	if !mapsEqual(onDisk, rebuilt) {
		return errors.Errorf("the file %s is not up to date; please run restart on both members", d.CrossAZMapPath)
	}

	return checkStandbyHoldsNoEIP(d.Store)
}

// rebuildCrossAZMap recomputes the pairing from scratch against a
// throwaway dynamic-object registry: the point is the resulting file
// content, not real dynamic-object mutation.
func rebuildCrossAZMap(ctx context.Context, d Deps) (crossaz.Map, error) {
	eng := crossaz.NewEngine(dynobj.NewFake())
	m := crossaz.Map{}
	for _, iface := range d.Store.Interfaces {
		if iface.IsInternal() || iface.Peer == nil || iface.Local == nil {
			continue
		}
		next, err := eng.Reconcile(ctx, m, iface.Local, iface.Peer, d.LocalAlias, d.RemoteVIP)
		if err != nil {
			return nil, err
		}
		m = next
	}
	return m, nil
}

func mapsEqual(a, b crossaz.Map) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func checkStandbyHoldsNoEIP(store *topology.Store) error {
	for _, iface := range store.Interfaces {
		if iface.IsInternal() || iface.Peer == nil {
			continue
		}
		if len(iface.Peer.SecondaryIPsWithEIP()) > 0 {
			return errors.New("standby member holds EIP-allocated secondary IPs; expected none")
		}
	}
	return nil
}
