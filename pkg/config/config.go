// Package config holds the in-memory configuration record consumed by
// every other package; it is built once at startup and passed around
// explicitly.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/clustermode"
)

// Config is the process-wide configuration record.
type Config struct {
	Region string

	ClusterMode clustermode.ClusterMode
	DeployMode  clustermode.DeployMode

	ReplaceByInterface    bool
	AlwaysReplaceDefault  bool
	ReplaceAllRouteTables bool
	CallsInParallel       bool
	CrossAZMapUpToDate    bool

	// Remote indicates the daemon is running outside of AWS (e.g. in CI),
	// reading credentials/region from the environment instead of IMDS.
	Remote bool
	Debug  bool

	// BaseDir is the FWDIR-equivalent root for sockets, pid files and logs.
	BaseDir string

	// Proxy is the host:port parsed from the http_proxy environment
	// variable, or empty when no usable proxy is configured.
	Proxy string

	// WorkerPoolSize bounds the fan-out degree for parallel cloud calls.
	WorkerPoolSize int
}

func Default(baseDir string) *Config {
	return &Config{
		ClusterMode:           clustermode.HighAvailability,
		DeployMode:            clustermode.SingleAZ,
		ReplaceByInterface:    true,
		AlwaysReplaceDefault:  false,
		ReplaceAllRouteTables: true,
		CallsInParallel:       false,
		BaseDir:               baseDir,
		WorkerPoolSize:        10,
	}
}

// BaseDirFromEnv resolves the FWDIR-equivalent base directory from the
// environment, defaulting to the firewall package root when unset.
func BaseDirFromEnv() string {
	if dir := os.Getenv("FWDIR"); dir != "" {
		return dir
	}
	return "/etc/fw"
}

// ParseProxyEnv extracts host:port from the http_proxy environment
// variable. A missing variable, unparseable URL, or non-numeric port
// yields "".
func ParseProxyEnv() string {
	raw := os.Getenv("http_proxy")
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if _, err := strconv.Atoi(port); err != nil {
		return ""
	}
	return u.Hostname() + ":" + port
}

func (c *Config) SocketPath() string { return filepath.Join(c.BaseDir, "tmp", "ha.sock") }
func (c *Config) PIDPath() string    { return filepath.Join(c.BaseDir, "tmp", "ha.pid") }

func (c *Config) CrossAZMapPath() string { return filepath.Join(c.BaseDir, "conf", "aws_cross_az_cluster.json") }
func (c *Config) CrossAZMapTestPath() string {
	return filepath.Join(c.BaseDir, "conf", "aws_cross_az_cluster_test.json")
}
func (c *Config) RemoteVIPPath() string      { return filepath.Join(c.BaseDir, "conf", "aws-ha.json") }
func (c *Config) AWSRouteTablesPath() string { return filepath.Join(c.BaseDir, "conf", "aws_rtb.json") }

func (c *Config) StatusFilePath() string { return filepath.Join(c.BaseDir, "tmp", "cloud_failover_status") }

func (c *Config) CloudVersionTextPath() string { return filepath.Join(c.BaseDir, "conf", "cloud_version") }
func (c *Config) CloudVersionJSONPath() string { return filepath.Join(c.BaseDir, "conf", "cloud_version.json") }

func (c *Config) DynamicObjectsBinPath() string { return filepath.Join(c.BaseDir, "bin", "dynamic_objects") }

func (c *Config) DaemonLogPath() string  { return filepath.Join(c.BaseDir, "log", "aws_had.elg") }
func (c *Config) MigrateLogPath() string { return filepath.Join(c.BaseDir, "log", "aws_had_migrate.elg") }
