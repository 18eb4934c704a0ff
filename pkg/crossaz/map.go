// Package crossaz maintains the persistent pairing between this
// member's non-primary private IPs and the peer member's, keyed by
// peer IP, each pair bound to a dynamic object so firewall policy can
// reference it by name.
package crossaz

import (
	"context"
	"encoding/json"
	"os"
	"sort"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/dynobj"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// DynamicObjectPrefix names every dynamic object this engine owns.
const DynamicObjectPrefix = "LocalGatewayExternal-"

// Pair is one entry of the persisted map, keyed by RemoteIP.
type Pair struct {
	LocalIP           string `json:"local_mem_private_ip"`
	RemoteIP          string `json:"remote_mem_private_ip"`
	EIP               string `json:"eip"`
	DynamicObjectName string `json:"dynamic_object_name"`
}

// Map is the on-disk pair map, keyed by peer (remote) private IP.
type Map map[string]Pair

// Engine owns one member's view of the Cross-AZ pair map.
type Engine struct {
	Registry dynobj.Registry
}

func NewEngine(registry dynobj.Registry) *Engine {
	return &Engine{Registry: registry}
}

// ErrMapMissing is returned by Load when the map file does not exist;
// callers must rebuild every dynamic object before proceeding.
var ErrMapMissing = errors.New("cross-az pair map file missing; rebuild required")

// Load reads the on-disk map. A missing file returns ErrMapMissing.
// An existing-but-unparseable file is a Configuration error: the
// operator is expected to delete it on both members and restart.
func Load(pathFile string) (Map, error) {
	b, err := os.ReadFile(pathFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMapMissing
		}
		return nil, errors.Wrap(err, "reading cross-az pair map")
	}
	if len(b) == 0 {
		return nil, errors.New("cross-az pair map file is empty; delete it on both members and restart")
	}
	var m Map
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "cross-az pair map file is not valid JSON; delete it on both members and restart")
	}
	return m, nil
}

// RemoteVIPKey is the single key of the remote-member VIP pointer file.
const RemoteVIPKey = "remote_member_private_ip_associated_to_vip"

// LoadRemoteVIP reads the persistent pointer naming the peer member's
// VIP-bearing private IP. An empty or
// unparseable file degrades to "" (no VIP priority); a missing file is
// an error, since cross-AZ deployments are provisioned with it.
func LoadRemoteVIP(pathFile string) (string, error) {
	b, err := os.ReadFile(pathFile)
	if err != nil {
		return "", errors.Wrap(err, "reading remote vip pointer")
	}
	var data map[string]string
	if err := json.Unmarshal(b, &data); err != nil {
		klog.V(2).Infof("remote vip pointer file %s is empty", pathFile)
		return "", nil
	}
	return data[RemoteVIPKey], nil
}

// Save persists the map as pretty-printed JSON, 4-space indent.
func Save(pathFile string, m Map) error {
	b, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return errors.Wrap(err, "marshalling cross-az pair map")
	}
	return os.WriteFile(pathFile, b, 0o644)
}

// ipSets holds the local/remote secondary-IP sets and their
// EIP-bearing subsets.
type ipSets struct {
	L, R       sets.String
	LEip, REip sets.String
	eipOf      map[string]string // private ip -> its association.public_ip, local+remote combined
}

func computeSets(local, peer *cloud.NetworkInterface) ipSets {
	s := ipSets{
		L: sets.NewString(), R: sets.NewString(),
		LEip: sets.NewString(), REip: sets.NewString(),
		eipOf: map[string]string{},
	}
	if local != nil {
		for ip, assoc := range local.SecondaryIPsWithEIP() {
			s.LEip.Insert(ip)
			s.eipOf[ip] = assoc.PublicIP
		}
		for _, ip := range local.SecondaryIPs() {
			s.L.Insert(ip)
		}
	}
	if peer != nil {
		for ip, assoc := range peer.SecondaryIPsWithEIP() {
			s.REip.Insert(ip)
			s.eipOf[ip] = assoc.PublicIP
		}
		for _, ip := range peer.SecondaryIPs() {
			s.R.Insert(ip)
		}
	}
	return s
}

// Reconcile runs one full map pass for a single interface pairing
// (purge stale pairs, bulk-delete on empty, VIP-first pairing, then
// the remainder) and returns the updated map. localAlias is the
// VIP-bearing local private IP (eth0:1); remoteVIP is read from the
// persisted remote-VIP pointer file by the caller.
func (e *Engine) Reconcile(ctx context.Context, existing Map, local, peer *cloud.NetworkInterface, localAlias, remoteVIP string) (Map, error) {
	s := computeSets(local, peer)
	m := Map{}
	for k, v := range existing {
		m[k] = v
	}

	// Purge pairs whose endpoints no longer exist on either ENI.
	usedLocal := sets.NewString()
	usedRemote := sets.NewString()
	for k, pair := range m {
		if !s.L.Has(pair.LocalIP) || !s.R.Has(pair.RemoteIP) {
			if err := e.Registry.Delete(ctx, pair.DynamicObjectName); err != nil {
				klog.V(2).Infof("purge: delete dynamic object %s failed: %v", pair.DynamicObjectName, err)
			}
			delete(m, k)
			continue
		}
		usedLocal.Insert(pair.LocalIP)
		usedRemote.Insert(pair.RemoteIP)
	}

	lRemain := s.L.Difference(usedLocal)
	rRemain := s.R.Difference(usedRemote)

	// An empty map means a rebuild: clear every reserved object first.
	if len(m) == 0 {
		if err := e.purgeAllReserved(ctx); err != nil {
			return nil, err
		}
	}

	var newPairs []Pair

	// The cluster VIP pair is created first, consuming whichever side's
	// EIP is available.
	if localAlias != "" && remoteVIP != "" {
		switch {
		case lRemain.Has(localAlias) && s.LEip.Has(localAlias) && rRemain.Has(remoteVIP):
			newPairs = append(newPairs, Pair{LocalIP: localAlias, RemoteIP: remoteVIP, EIP: s.eipOf[localAlias]})
			lRemain.Delete(localAlias)
			rRemain.Delete(remoteVIP)
		case lRemain.Has(localAlias) && !s.LEip.Has(localAlias) && rRemain.Has(remoteVIP) && s.REip.Has(remoteVIP):
			newPairs = append(newPairs, Pair{LocalIP: localAlias, RemoteIP: remoteVIP, EIP: s.eipOf[remoteVIP]})
			lRemain.Delete(localAlias)
			rRemain.Delete(remoteVIP)
		}
	}

	pairs, err := pairRemainders(lRemain, rRemain, s.LEip, s.REip, s.eipOf)
	if err != nil {
		return nil, err
	}
	newPairs = append(newPairs, pairs...)
	for _, p := range newPairs {
		p.DynamicObjectName = DynamicObjectPrefix + p.EIP
		if err := e.Registry.Create(ctx, p.DynamicObjectName, p.LocalIP); err != nil {
			return nil, errors.Wrapf(err, "creating dynamic object %s", p.DynamicObjectName)
		}
		m[p.RemoteIP] = p
	}

	return m, nil
}

func (e *Engine) purgeAllReserved(ctx context.Context) error {
	objs, err := e.Registry.List(ctx)
	if err != nil {
		return errors.Wrap(err, "listing dynamic objects")
	}
	for name := range objs {
		if name == "LocalGatewayExternal" || !hasReservedPrefix(name) {
			continue
		}
		if err := e.Registry.Delete(ctx, name); err != nil {
			klog.V(2).Infof("bulk purge: delete %s failed: %v", name, err)
		}
	}
	return nil
}

func hasReservedPrefix(name string) bool {
	return len(name) > len(DynamicObjectPrefix) && name[:len(DynamicObjectPrefix)] == DynamicObjectPrefix
}

// pairRemainders pairs without-eip against with-eip one-to-one in each
// direction, sorted ascending; mismatched sizes within a group is a
// hard error, since one side must supply the EIP.
func pairRemainders(lRemain, rRemain, lEip, rEip sets.String, eipOf map[string]string) ([]Pair, error) {
	lNoEip := sortedDiff(lRemain, lEip)
	rWithEip := sortedIntersect(rRemain, rEip)
	lWithEip := sortedIntersect(lRemain, lEip)
	rNoEip := sortedDiff(rRemain, rEip)

	var out []Pair

	if len(lNoEip) != len(rWithEip) {
		return nil, errors.Errorf("cross-az pairing: %d local ips without eip but %d peer ips with eip; cannot pair evenly", len(lNoEip), len(rWithEip))
	}
	for i := range lNoEip {
		out = append(out, Pair{LocalIP: lNoEip[i], RemoteIP: rWithEip[i], EIP: eipOf[rWithEip[i]]})
	}

	if len(rNoEip) != len(lWithEip) {
		return nil, errors.Errorf("cross-az pairing: %d peer ips without eip but %d local ips with eip; cannot pair evenly", len(rNoEip), len(lWithEip))
	}
	for i := range rNoEip {
		out = append(out, Pair{LocalIP: lWithEip[i], RemoteIP: rNoEip[i], EIP: eipOf[lWithEip[i]]})
	}

	return out, nil
}

func sortedDiff(a, b sets.String) []string {
	out := a.Difference(b).List()
	sort.Strings(out)
	return out
}

func sortedIntersect(a, b sets.String) []string {
	out := a.Intersection(b).List()
	sort.Strings(out)
	return out
}
