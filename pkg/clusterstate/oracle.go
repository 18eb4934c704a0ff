// Package clusterstate wraps the two read-only cluster probing
// commands: `cphaprob stat` (member state) and `cphaconf aws_mode`
// (interface topology enumeration).
package clusterstate

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MemberState is the normalized per-member state reported by the
// cluster probe.
type MemberState string

const (
	Active  MemberState = "active"
	Standby MemberState = "standby"
	Down    MemberState = "down"
)

func normalize(raw string) MemberState {
	return MemberState(strings.ToLower(strings.TrimSpace(raw)))
}

func (s MemberState) IsActive() bool { return strings.HasPrefix(string(s), string(Active)) }

// Observation is one (local_state, local_ip, remote_state, remote_ip)
// reading of the cluster's membership state.
type Observation struct {
	LocalState  MemberState
	LocalIP     string
	RemoteState MemberState
	RemoteIP    string
}

// Oracle is the Cluster State Oracle contract.
type Oracle interface {
	FetchMemberStates(ctx context.Context) (Observation, error)
}

// CLIOracle shells out to `cphaprob stat` and parses its member table.
type CLIOracle struct {
	// LocalIP/RemoteIP are resolved by the caller from the topology
	// store's eth0 entry; cphaprob reports sync-network addresses that
	// are not usable for master election.
	LocalIP  string
	RemoteIP string
}

var cphaprobLineRE = regexp.MustCompile(`^\d+\s+(\(local\)\s+)?([\d.]+)\s+\S+\s+(\S+)`)

func (o *CLIOracle) FetchMemberStates(ctx context.Context) (Observation, error) {
	out, err := exec.CommandContext(ctx, "cphaprob", "stat").Output()
	if err != nil {
		return Observation{}, errors.Wrap(err, "cphaprob stat")
	}

	var obs Observation
	for _, line := range strings.Split(string(out), "\n") {
		m := cphaprobLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		state := normalize(m[3])
		if m[1] != "" {
			obs.LocalState = state
			obs.LocalIP = o.LocalIP
		} else {
			obs.RemoteState = state
			obs.RemoteIP = o.RemoteIP
		}
	}

	if obs.LocalIP == "" || obs.LocalState == "" || obs.RemoteIP == "" || obs.RemoteState == "" {
		return Observation{}, errors.New(`failed to extract local and remote ip addresses; verify "cphaprob stat" command`)
	}
	return obs, nil
}

// LocalAliasIP returns the private IP bound to the given alias of an
// interface (e.g. eth0:1, the designated VIP-bearer in Cross-AZ mode),
// read from ifconfig.
func LocalAliasIP(ctx context.Context, iface string, pos int) (string, error) {
	if pos < 0 {
		return "", errors.New("illegal interface position")
	}
	name := iface
	if pos != 0 {
		name = iface + ":" + strconv.Itoa(pos)
	}
	out, err := exec.CommandContext(ctx, "/sbin/ifconfig", name).Output()
	if err != nil {
		return "", errors.Wrapf(err, "ifconfig %s", name)
	}
	m := ifconfigInetRE.FindStringSubmatch(string(out))
	if m == nil {
		return "", errors.Errorf("no secondary ip found on %s", name)
	}
	return m[1], nil
}

var ifconfigInetRE = regexp.MustCompile(`inet (?:addr:)?([\d.]+)`)
