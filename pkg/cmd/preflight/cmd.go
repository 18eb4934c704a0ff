// Package preflight wires the aws-ha-test command: it builds production
// Gateway/Metadata Probe adapters and the current topology, then runs
// the ordered check sequence from pkg/preflight.
package preflight

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/clusterstate"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/config"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/crossaz"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/metadata"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/preflight"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Flags carries the aws-ha-test command's CLI flags.
type Flags struct {
	Remote       bool
	Domain       string
	MaxClockSkew time.Duration
}

// NewPreflightCommand builds the aws-ha-test command.
func NewPreflightCommand() *cobra.Command {
	var f Flags

	cmd := &cobra.Command{
		Use:   "aws-ha-test",
		Short: "validate this instance's environment before the HA daemon is allowed to mutate cloud state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), f)
		},
	}
	cmd.Flags().BoolVarP(&f.Remote, "remote", "r", false, "run outside of AWS")
	cmd.Flags().StringVar(&f.Domain, "domain", "amazonaws.com", "AWS API domain suffix (amazonaws.com or amazonaws.com.cn)")
	cmd.Flags().DurationVar(&f.MaxClockSkew, "max-clock-skew", 5*time.Second, "maximum tolerated clock skew against the metadata service")

	return cmd
}

// Run executes every preflight check in order and reports the first
// failure.
func Run(ctx context.Context, f Flags) error {
	cfg := config.Default(config.BaseDirFromEnv())
	if !f.Remote {
		cfg.ClusterMode, cfg.DeployMode = clustermode.Load(cfg.BaseDir)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "loading AWS configuration")
	}
	gw := cloud.NewEC2Gateway(ec2.NewFromConfig(awsCfg))
	probe := metadata.NewIMDSProbe(imds.NewFromConfig(awsCfg))

	store, err := clusterstate.LoadTopology(ctx, f.Remote)
	if err != nil {
		return errors.Wrap(err, "loading cphaconf topology")
	}
	instanceID, err := probe.InstanceID(ctx)
	if err != nil {
		return errors.Wrap(err, "resolving instance id")
	}
	enricher := &topology.Enricher{Metadata: probe, Gateway: gw, Deploy: cfg.DeployMode}
	if err := enricher.Enrich(ctx, store, instanceID); err != nil {
		return errors.Wrap(err, "enriching topology")
	}

	localAlias, err := clusterstate.LocalAliasIP(ctx, "eth0", 1)
	if err != nil {
		klog.V(2).Infof("no local vip alias resolved: %v", err)
	}
	remoteVIP, err := crossaz.LoadRemoteVIP(cfg.RemoteVIPPath())
	if err != nil {
		klog.V(2).Infof("no remote vip pointer: %v", err)
	}

	if err := preflight.Run(ctx, preflight.Deps{
		Metadata:           probe,
		Gateway:            gw,
		Store:              store,
		DeployMode:         cfg.DeployMode,
		CrossAZMapPath:     cfg.CrossAZMapPath(),
		CrossAZMapTestPath: cfg.CrossAZMapTestPath(),
		LocalAlias:         localAlias,
		RemoteVIP:          remoteVIP,
		Domain:             f.Domain,
		MaxClockSkew:       f.MaxClockSkew,
	}); err != nil {
		return err
	}

	klog.Info("all preflight checks passed")
	return nil
}
