// Package daemon wires the daemon subcommand: concrete Gateway,
// Metadata Probe, Cluster State Oracle and Dynamic Object Registry
// adapters, an init-retry loop, and the long-running Event Server.
package daemon

import (
	"context"
	"net"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/clusterstate"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/cmd/migrate"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/config"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/crossaz"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/dynobj"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/eventserver"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/logging"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/metadata"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/reconcile"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/statusfile"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

const (
	initRetries  = 10
	initInterval = 5 * time.Second
)

// Flags carries the daemon's CLI flags.
type Flags struct {
	Debug  bool
	Remote bool
}

// NewDaemonCommand builds the daemon root command.
func NewDaemonCommand() *cobra.Command {
	var f Flags

	cmd := &cobra.Command{
		Use:   "aws-had",
		Short: "AWS high-availability failover daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVarP(&f.Debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().BoolVarP(&f.Remote, "remote", "r", false, "run outside of AWS")

	cmd.AddCommand(migrate.NewMigrateCommand())
	return cmd
}

// daemon bundles every long-lived collaborator the event loop closes
// over, so onReconf/onChanged can share state between ticks.
type daemon struct {
	cfg      *config.Config
	gateway  cloud.Gateway
	probe    metadata.Probe
	oracle   *clusterstate.CLIOracle
	registry dynobj.Registry
	status   *statusfile.Sink
	recon    *reconcile.Reconciler
	store    *topology.Store
}

func runDaemon(ctx context.Context, f Flags) error {
	cfg := config.Default(config.BaseDirFromEnv())
	cfg.Remote = f.Remote
	cfg.Debug = f.Debug
	if !f.Remote {
		cfg.ClusterMode, cfg.DeployMode = clustermode.Load(cfg.BaseDir)
	}
	klog.V(2).Infof("cluster operation mode: %s, deployment mode: %s", cfg.ClusterMode, cfg.DeployMode)

	logCloser := logging.InitDaemonLog(cfg.DaemonLogPath(), f.Debug)
	defer logCloser.Close()

	var gw cloud.Gateway
	var probe metadata.Probe
	var err error

	for attempt := 1; attempt <= initRetries; attempt++ {
		gw, probe, err = buildClients(ctx, cfg)
		if err == nil {
			break
		}
		klog.Errorf("init attempt %d/%d failed: %v", attempt, initRetries, err)
		if attempt == initRetries {
			return errors.Wrap(err, "could not acquire region or credentials")
		}
		time.Sleep(initInterval)
	}

	status := statusfile.NewSink(cfg.StatusFilePath())

	d := &daemon{
		cfg:      cfg,
		gateway:  gw,
		probe:    probe,
		oracle:   &clusterstate.CLIOracle{},
		registry: dynobj.NewCLIRegistry(cfg.DynamicObjectsBinPath()),
		status:   status,
		recon: reconcile.New(gw, status, reconcile.Options{
			ClusterMode:           cfg.ClusterMode,
			DeployMode:            cfg.DeployMode,
			ReplaceByInterface:    cfg.ReplaceByInterface,
			AlwaysReplaceDefault:  cfg.AlwaysReplaceDefault,
			ReplaceAllRouteTables: cfg.ReplaceAllRouteTables,
			CallsInParallel:       cfg.CallsInParallel,
			WorkerPoolSize:        cfg.WorkerPoolSize,
		}),
	}

	d.reconf(ctx)

	srv, err := eventserver.New(cfg.SocketPath(), cfg.PIDPath())
	if err != nil {
		return errors.Wrap(err, "binding event server socket")
	}
	defer srv.Close()

	return srv.Run(eventserver.Handlers{
		OnReconf:  func() { d.reconf(ctx) },
		OnChanged: func() { d.tick(ctx) },
	})
}

// reconf re-reads the proxy setting and the cphaconf topology, then
// runs one poll cycle against the fresh store. Enrichment happens
// inside the tick, so a RECONF immediately re-resolves metadata and
// peer ENI descriptions too.
func (d *daemon) reconf(ctx context.Context) {
	d.cfg.Proxy = config.ParseProxyEnv()
	if d.cfg.Proxy != "" {
		klog.V(2).Infof("using proxy %s", d.cfg.Proxy)
	}

	store, err := clusterstate.LoadTopology(ctx, d.cfg.Remote)
	if err != nil {
		klog.Errorf("reconf: loading cphaconf topology: %v", err)
		return
	}
	d.store = store
	d.cfg.CrossAZMapUpToDate = false

	d.tick(ctx)
}

// tick is one poll cycle: read the cluster state, decide should-work,
// refresh the topology enrichment and the Cross-AZ pair map when
// needed, then run one reconciliation ticket. Failures abort the tick
// and are logged; the event loop keeps running.
func (d *daemon) tick(ctx context.Context) {
	if d.store == nil {
		klog.V(2).Info("tick: topology not loaded yet, skipping")
		return
	}

	eth0 := d.store.ByName("eth0")
	if eth0 == nil {
		klog.Errorf("tick: no eth0 interface in topology store")
		return
	}
	d.oracle.LocalIP = eth0.LocalIP
	d.oracle.RemoteIP = eth0.PeerIP

	obs, err := d.oracle.FetchMemberStates(ctx)
	if err != nil {
		klog.Errorf("tick: cluster state oracle failed: %v", err)
		return
	}
	klog.V(2).Infof("local addr: %s, state: %s", obs.LocalIP, obs.LocalState)
	klog.V(2).Infof("remote addr: %s, state: %s", obs.RemoteIP, obs.RemoteState)

	shouldWork, err := clustermode.ShouldWork(d.cfg.ClusterMode, clustermode.MemberStates{
		LocalActive:  obs.LocalState.IsActive(),
		RemoteActive: obs.RemoteState.IsActive(),
		LocalIP:      net.ParseIP(obs.LocalIP),
		RemoteIP:     net.ParseIP(obs.RemoteIP),
	})
	if err != nil {
		klog.Errorf("tick: should-work decision failed: %v", err)
		return
	}

	crossAZ := d.cfg.DeployMode == clustermode.CrossAZ

	if !shouldWork {
		if err := d.status.Set(statusfile.NotStarted); err != nil {
			klog.Errorf("tick: status update failed: %v", err)
		}
		if !crossAZ {
			return
		}
		// Cross-AZ standbys still keep the pair map current so a
		// takeover can reassociate EIPs without a rebuild.
		if d.cfg.CrossAZMapUpToDate {
			return
		}
	}

	if err := d.refreshTopology(ctx); err != nil {
		klog.Errorf("tick: topology refresh failed: %v", err)
		return
	}

	if crossAZ && !d.cfg.CrossAZMapUpToDate {
		if err := d.reconcileCrossAZMap(ctx); err != nil {
			klog.Errorf("tick: cross-az map reconciliation failed: %v", err)
			return
		}
		d.cfg.CrossAZMapUpToDate = true
	}

	if !shouldWork {
		return
	}

	localIPFor := map[string]string{}
	if crossAZ {
		m, err := crossaz.Load(d.cfg.CrossAZMapPath())
		if err != nil {
			klog.Errorf("tick: loading cross-az map: %v", err)
			return
		}
		for _, pair := range m {
			localIPFor[pair.RemoteIP] = pair.LocalIP
		}
	}

	if err := d.recon.Run(ctx, true, d.store, localIPFor); err != nil {
		klog.Errorf("tick: reconciliation failed: %v", err)
	}
}

// refreshTopology re-resolves the store's lazy metadata fields and
// peer (and, in Cross-AZ mode, local) ENI descriptions, then folds in
// any static route-table overrides now that ENI ids are known.
func (d *daemon) refreshTopology(ctx context.Context) error {
	instanceID, err := d.probe.InstanceID(ctx)
	if err != nil {
		return errors.Wrap(err, "resolving instance id")
	}

	enricher := &topology.Enricher{Metadata: d.probe, Gateway: d.gateway, Deploy: d.cfg.DeployMode}
	if err := enricher.Enrich(ctx, d.store, instanceID); err != nil {
		return errors.Wrap(err, "enriching topology")
	}

	if err := d.store.LoadStaticRouteTables(d.cfg.AWSRouteTablesPath()); err != nil {
		klog.Errorf("static route table load failed: %v", err)
	}
	return nil
}

// reconcileCrossAZMap brings the persistent pair map up to date for
// every non-internal interface that has a peer, then persists it.
func (d *daemon) reconcileCrossAZMap(ctx context.Context) error {
	existing, err := crossaz.Load(d.cfg.CrossAZMapPath())
	if err != nil && !errors.Is(err, crossaz.ErrMapMissing) {
		return err
	}
	if existing == nil {
		existing = crossaz.Map{}
	}

	localAlias, err := clusterstate.LocalAliasIP(ctx, "eth0", 1)
	if err != nil {
		klog.Errorf("cross-az map: resolving local vip alias: %v", err)
	}
	remoteVIP, err := crossaz.LoadRemoteVIP(d.cfg.RemoteVIPPath())
	if err != nil {
		return err
	}

	eng := crossaz.NewEngine(d.registry)
	m := existing
	for _, iface := range d.store.Interfaces {
		if iface.IsInternal() || iface.Peer == nil || iface.Local == nil {
			continue
		}
		next, err := eng.Reconcile(ctx, m, iface.Local, iface.Peer, localAlias, remoteVIP)
		if err != nil {
			return err
		}
		m = next
	}

	return crossaz.Save(d.cfg.CrossAZMapPath(), m)
}

// buildClients constructs the EC2 gateway and metadata probe. In
// remote mode the region and static credentials come from EC2_REGION /
// AWS_ACCESS_KEY / AWS_SECRET_KEY; on an instance the region is
// derived from the availability zone reported by IMDS.
func buildClients(ctx context.Context, cfg *config.Config) (cloud.Gateway, metadata.Probe, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Remote {
		region := os.Getenv("EC2_REGION")
		if region == "" {
			return nil, nil, errors.New(`"EC2_REGION" must be provided when running in remote mode`)
		}
		cfg.Region = region
		opts = append(opts,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				os.Getenv("AWS_ACCESS_KEY"), os.Getenv("AWS_SECRET_KEY"), "")),
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading AWS configuration")
	}

	probe := metadata.NewIMDSProbe(imds.NewFromConfig(awsCfg))

	if !cfg.Remote {
		az, err := probe.AvailabilityZone(ctx)
		if err != nil {
			return nil, nil, errors.Wrap(err, "reading availability zone from metadata")
		}
		cfg.Region = metadata.Region(az)
		awsCfg.Region = cfg.Region
	}
	klog.V(2).Infof("using region %s", cfg.Region)

	return cloud.NewEC2Gateway(ec2.NewFromConfig(awsCfg)), probe, nil
}
