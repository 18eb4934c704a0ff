// Package migrate implements the one-shot migration pass: an
// alternative to the polling loop that redirects routes from an old
// cluster topology's ENIs to the new one.
package migrate

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const migratedKey = "migrated_from"

// Request is the set of flags accepted by the migrate subcommand.
type Request struct {
	OldSolution  string
	Eth0PeerList []string
	Eth1PeerList []string
}

// Files names the persistent cloud-version files this executor
// updates on success.
type Files struct {
	CloudVersionText string
	CloudVersionJSON string
}

// Executor runs the migration pass.
type Executor struct {
	Gateway      cloud.Gateway
	PreflightCmd []string // argv for the preflight validator sub-process
	Files        Files
}

func New(gw cloud.Gateway, preflightCmd []string, files Files) *Executor {
	return &Executor{Gateway: gw, PreflightCmd: preflightCmd, Files: files}
}

// Result records which routes were changed and which were not.
type Result struct {
	ChangedRoutes    []ChangedRoute
	NotChangedRoutes []ChangedRoute
}

type ChangedRoute struct {
	RouteTableID       string
	Destination        string
	NetworkInterfaceID string
}

// Run executes the full migration pass: preflight gate, peer-list
// resolution, replace-all-route-tables scoped to peer-owned routes,
// and (on full success) the idempotent CLOUD_VERSION update.
func (e *Executor) Run(ctx context.Context, store *topology.Store, req Request) (Result, error) {
	if err := e.runPreflight(ctx); err != nil {
		return Result{}, errors.Wrap(err, "preflight validation failed; migration aborted")
	}

	if err := e.resolvePeerLists(ctx, store, req); err != nil {
		return Result{}, err
	}

	result, err := e.replacePeerOwnedRoutes(ctx, store)
	if err != nil {
		return result, err
	}

	if len(result.NotChangedRoutes) == 0 {
		if err := e.recordMigration(req.OldSolution); err != nil {
			return result, err
		}
	} else {
		klog.Errorf("migration: %d route(s) could not be updated; CLOUD_VERSION left unmarked", len(result.NotChangedRoutes))
	}

	return result, nil
}

func (e *Executor) runPreflight(ctx context.Context) error {
	if len(e.PreflightCmd) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, e.PreflightCmd[0], e.PreflightCmd[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Errorf("preflight check failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

// resolvePeerLists fills each interface's MigrationPeers: the other
// member's same-interface ENI, plus the matching --ethN-peer-list
// entries, each resolved via DescribeNetworkInterfaces(vpc-id,
// private-ip-address).
func (e *Executor) resolvePeerLists(ctx context.Context, store *topology.Store, req Request) error {
	for i := range store.Interfaces {
		iface := &store.Interfaces[i]
		iface.MigrationPeers = nil

		if iface.VPCID == "" || iface.PeerIP == "" {
			continue
		}
		if peer, err := e.describe(ctx, iface.VPCID, iface.PeerIP); err != nil {
			return err
		} else if peer != nil {
			iface.MigrationPeers = append(iface.MigrationPeers, *peer)
		}

		var extra []string
		switch iface.Name {
		case "eth0":
			extra = req.Eth0PeerList
		case "eth1":
			extra = req.Eth1PeerList
		}
		for _, ip := range extra {
			peer, err := e.describe(ctx, iface.VPCID, ip)
			if err != nil {
				return err
			}
			if peer != nil {
				iface.MigrationPeers = append(iface.MigrationPeers, *peer)
			}
		}
	}
	return nil
}

func (e *Executor) describe(ctx context.Context, vpcID, ip string) (*cloud.NetworkInterface, error) {
	enis, err := e.Gateway.DescribeNetworkInterfaces(ctx, cloud.Filters{VPCID: vpcID, PrivateIPAddress: ip})
	if err != nil {
		return nil, err
	}
	if len(enis) == 0 {
		klog.V(2).Infof("migration: no network interface found for peer ip %s", ip)
		return nil, nil
	}
	return &enis[0], nil
}

// replacePeerOwnedRoutes re-runs the replace-all-route-tables pass,
// but a route is peer-owned when its ENI is in any element of the
// owning interface's MigrationPeers (plural), with no CreateRoute
// fallback on failure.
func (e *Executor) replacePeerOwnedRoutes(ctx context.Context, store *topology.Store) (Result, error) {
	var result Result

	vpcs := map[string]bool{}
	for _, i := range store.Interfaces {
		if i.VPCID != "" {
			vpcs[i.VPCID] = true
		}
	}

	for vpc := range vpcs {
		rtbs, err := e.Gateway.DescribeRouteTables(ctx, cloud.Filters{VPCID: vpc})
		if err != nil {
			return result, err
		}
		for _, rtb := range rtbs {
			for _, route := range rtb.Routes {
				cidr, prefixList, ok := route.Destination()
				if !ok || route.NetworkInterfaceID == "" {
					continue
				}
				dest := cidr
				if dest == "" {
					dest = prefixList
				}
				for _, iface := range store.Interfaces {
					if !isPeerOwned(iface, route.NetworkInterfaceID) {
						continue
					}
					in := cloud.ReplaceRouteInput{
						RouteTableID:            rtb.RouteTableID,
						DestinationCIDR:         cidr,
						DestinationPrefixListID: prefixList,
						NetworkInterfaceID:      iface.ENIID,
					}
					rec := ChangedRoute{RouteTableID: rtb.RouteTableID, Destination: dest, NetworkInterfaceID: route.NetworkInterfaceID}
					if err := e.Gateway.ReplaceRoute(ctx, in); err != nil {
						klog.Errorf("migration: replace route rtb=%s dest=%s failed: %v", rtb.RouteTableID, dest, err)
						result.NotChangedRoutes = append(result.NotChangedRoutes, rec)
					} else {
						result.ChangedRoutes = append(result.ChangedRoutes, rec)
					}
				}
			}
		}
	}
	return result, nil
}

func isPeerOwned(iface topology.Interface, eniID string) bool {
	for _, p := range iface.MigrationPeers {
		if p.NetworkInterfaceID == eniID {
			return true
		}
	}
	return false
}

// recordMigration appends migrated_from to the text cloud-version
// file exactly once, and sets the same key in its JSON mirror,
// idempotent across repeated successful runs.
func (e *Executor) recordMigration(oldSolution string) error {
	if err := appendTextKeyOnce(e.Files.CloudVersionText, migratedKey, oldSolution); err != nil {
		return err
	}
	return setJSONKey(e.Files.CloudVersionJSON, migratedKey, oldSolution)
}

func appendTextKeyOnce(path, key, value string) error {
	b, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "reading %s", path)
	}
	if strings.Contains(string(b), key) {
		return nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	_, err = f.WriteString(key + ": " + value + "\n")
	return err
}

func setJSONKey(path, key, value string) error {
	data := map[string]string{}
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		_ = json.Unmarshal(b, &data) // a corrupt file starts over as a fresh object
	}
	data[key] = value
	b, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return errors.Wrap(err, "marshalling cloud version json")
	}
	return os.WriteFile(path, b, 0o644)
}
