// Package reconcile implements the failover reconciler: given the
// current should-work decision, it replaces routes and reassigns
// secondary addresses so the active member owns the cluster's network
// resources.
package reconcile

import (
	"context"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/statusfile"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"k8s.io/klog/v2"
)

// Options mirrors the subset of pkg/config.Config this reconciler
// consults.
type Options struct {
	ClusterMode           clustermode.ClusterMode
	DeployMode            clustermode.DeployMode
	ReplaceByInterface    bool
	AlwaysReplaceDefault  bool
	ReplaceAllRouteTables bool
	CallsInParallel       bool
	WorkerPoolSize        int
	Migrating             bool
}

// Reconciler is the Failover Reconciler.
type Reconciler struct {
	Gateway cloud.Gateway
	Status  *statusfile.Sink
	Opts    Options
}

func New(gw cloud.Gateway, status *statusfile.Sink, opts Options) *Reconciler {
	return &Reconciler{Gateway: gw, Status: status, Opts: opts}
}

// Run performs one reconciliation ticket. shouldWork is computed by
// the caller via clustermode.ShouldWork against the Cluster State
// Oracle's latest observation; when it is false the status file is set
// to NOT_STARTED and nothing else happens. Otherwise Run transitions
// the status file to IN_PROGRESS, fans route replacements and
// secondary-address reassignments out over the ticket's worker pool,
// joins it, and transitions to DONE only when every sub-operation
// reported completion (nothing was deferred this tick). A converging
// failover therefore reaches DONE on the first tick after the cloud
// state stops needing mutations.
func (r *Reconciler) Run(ctx context.Context, shouldWork bool, store *topology.Store, localIPFor map[string]string) error {
	if !shouldWork {
		klog.V(2).Info("reconcile: member should not hold cluster resources")
		return r.Status.Set(statusfile.NotStarted)
	}

	if err := r.Status.Set(statusfile.InProgress); err != nil {
		return err
	}

	pool := r.newPool()

	if err := r.replaceRoutes(ctx, pool, store); err != nil {
		pool.Wait()
		klog.Errorf("reconcile: route replacement failed: %v", err)
		return err
	}

	r.assignSecondaryAddresses(ctx, pool, store, localIPFor)

	finished, errs := pool.Wait()
	if len(errs) > 0 {
		klog.Errorf("reconcile: %d operation(s) failed, first: %v", len(errs), errs[0])
		return errs[0]
	}
	if finished {
		return r.Status.Set(statusfile.Done)
	}
	return nil
}

func (r *Reconciler) replaceRoutes(ctx context.Context, pool *Pool, store *topology.Store) error {
	switch {
	case len(store.StaticRouteTables) > 0:
		return ReplaceStaticRouteTables(ctx, r.Gateway, pool, store.StaticRouteTables)

	case r.Opts.ReplaceAllRouteTables:
		return ReplaceAllRouteTables(ctx, r.Gateway, pool, store.Interfaces, r.Opts.Migrating)

	default:
		for _, iface := range store.Interfaces {
			if r.Opts.ClusterMode == clustermode.HighAvailability &&
				r.Opts.DeployMode == clustermode.SingleAZ &&
				iface.Type != topology.Internal {
				klog.V(4).Infof("interface %s is not internal", iface.Name)
				continue
			}
			if iface.SubnetID == "" {
				klog.V(4).Infof("interface %s has no subnet id", iface.Name)
				continue
			}
			iface := iface
			pool.Submit(func() (bool, error) {
				return ReplaceByInterface(ctx, r.Gateway, iface, r.Opts)
			})
		}
		return nil
	}
}

func (r *Reconciler) assignSecondaryAddresses(ctx context.Context, pool *Pool, store *topology.Store, localIPFor map[string]string) {
	if r.Opts.ClusterMode != clustermode.HighAvailability {
		return
	}

	for _, iface := range store.Interfaces {
		iface := iface
		pool.Submit(func() (bool, error) {
			if r.Opts.DeployMode == clustermode.CrossAZ {
				return AssociateSecondaryEIPs(ctx, r.Gateway, iface, localIPFor)
			}
			return AssignSecondaryIPs(ctx, r.Gateway, iface)
		})
	}
}

func (r *Reconciler) newPool() *Pool {
	if r.Opts.CallsInParallel {
		return NewPool(r.Opts.WorkerPoolSize)
	}
	return NewPool(1)
}
