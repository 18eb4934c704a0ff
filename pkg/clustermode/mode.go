// Package clustermode defines the cluster-mode and deploy-mode enums and
// the should-work election table used by the failover reconciler.
package clustermode

import (
	"fmt"
	"net"
)

// ClusterMode selects how the two members elect which one should carry
// the cluster's network resources.
type ClusterMode string

const (
	HighAvailability ClusterMode = "HA"
	ActiveActive     ClusterMode = "active-active"
)

// DeployMode selects the network topology variant.
type DeployMode string

const (
	SingleAZ DeployMode = "single-az"
	CrossAZ  DeployMode = "cross-az"
)

func (m ClusterMode) Valid() bool {
	switch m {
	case HighAvailability, ActiveActive:
		return true
	default:
		return false
	}
}

// MemberStates carries the raw observation from the Cluster State Oracle.
type MemberStates struct {
	LocalActive  bool
	RemoteActive bool
	LocalIP      net.IP
	RemoteIP     net.IP
}

// ShouldWork decides whether this member should hold the cluster's
// network resources right now. In HA mode only the active member acts;
// in active-active the master (smaller IP) acts whenever active, and
// the slave acts only while the master is down.
func ShouldWork(mode ClusterMode, st MemberStates) (bool, error) {
	if !mode.Valid() {
		return false, fmt.Errorf("unknown cluster mode %q: please verify cluster configuration", mode)
	}

	switch mode {
	case HighAvailability:
		return st.LocalActive, nil
	case ActiveActive:
		if !st.LocalActive {
			return false, nil
		}
		if isMaster(st.LocalIP, st.RemoteIP) {
			return true, nil
		}
		// slave: only act if the master (remote) is not active
		return !st.RemoteActive, nil
	default:
		return false, nil
	}
}

// isMaster reports whether the local member wins active-active master
// election: the member with the numerically smaller IPv4 address.
func isMaster(local, remote net.IP) bool {
	l4, r4 := local.To4(), remote.To4()
	if l4 == nil || r4 == nil {
		return false
	}
	for i := range l4 {
		if l4[i] != r4[i] {
			return l4[i] < r4[i]
		}
	}
	return false
}
