// Package migrate wires the migrate subcommand: a one-shot pass that
// redirects routes from an old cluster topology's ENIs to this one.
package migrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/cloud"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/clusterstate"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/config"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/logging"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/metadata"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/migrate"
	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// Flags carries the migrate subcommand's CLI flags.
type Flags struct {
	OldSolution  string
	Eth0PeerList []string
	Eth1PeerList []string
	Remote       bool
}

// NewMigrateCommand builds the one-shot migrate subcommand.
func NewMigrateCommand() *cobra.Command {
	var f Flags

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "redirect routes from an old cluster topology to this one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.OldSolution, "old-solution", "geo", "name of the cluster topology being migrated from")
	cmd.Flags().StringSliceVar(&f.Eth0PeerList, "eth0-peer-list", nil, "eth0 IPs of old cluster members")
	cmd.Flags().StringSliceVar(&f.Eth1PeerList, "eth1-peer-list", nil, "eth1 IPs of old cluster members")
	cmd.Flags().BoolVarP(&f.Remote, "remote", "r", false, "run outside of AWS")
	_ = cmd.MarkFlagRequired("eth0-peer-list")
	_ = cmd.MarkFlagRequired("eth1-peer-list")

	return cmd
}

// Run executes the migration pass. It builds its own production
// clients rather than sharing the daemon's, since migrate runs as an
// independent, short-lived invocation, never alongside a running
// event server.
func Run(ctx context.Context, f Flags) error {
	cfg := config.Default(config.BaseDirFromEnv())

	logCloser := logging.InitMigrateLog(cfg.MigrateLogPath())
	defer logCloser.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "loading AWS configuration")
	}
	gw := cloud.NewEC2Gateway(ec2.NewFromConfig(awsCfg))

	store, err := clusterstate.LoadTopology(ctx, f.Remote)
	if err != nil {
		return errors.Wrap(err, "loading cphaconf topology")
	}

	probe := metadata.NewIMDSProbe(imds.NewFromConfig(awsCfg))
	enricher := &topology.Enricher{Metadata: probe, Gateway: gw, Deploy: cfg.DeployMode}
	enricher.FillMetadata(ctx, store)

	executor := migrate.New(gw, preflightCommand(), migrate.Files{
		CloudVersionText: cfg.CloudVersionTextPath(),
		CloudVersionJSON: cfg.CloudVersionJSONPath(),
	})

	result, err := executor.Run(ctx, store, migrate.Request{
		OldSolution:  strings.TrimSpace(f.OldSolution),
		Eth0PeerList: f.Eth0PeerList,
		Eth1PeerList: f.Eth1PeerList,
	})
	if err != nil {
		return err
	}

	klog.Infof("migration: %d route(s) changed, %d route(s) not changed", len(result.ChangedRoutes), len(result.NotChangedRoutes))
	return nil
}

// preflightCommand resolves the aws-ha-test binary installed next to
// this one, falling back to PATH lookup when the executable path
// cannot be determined.
func preflightCommand() []string {
	exe, err := os.Executable()
	if err != nil {
		return []string{"aws-ha-test"}
	}
	return []string{filepath.Join(filepath.Dir(exe), "aws-ha-test")}
}
