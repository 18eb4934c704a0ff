package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProxyEnv(t *testing.T) {
	t.Setenv("http_proxy", "http://proxy.example.com:8080")
	assert.Equal(t, "proxy.example.com:8080", ParseProxyEnv())

	t.Setenv("http_proxy", "")
	assert.Empty(t, ParseProxyEnv())

	t.Setenv("http_proxy", "http://proxy.example.com")
	assert.Empty(t, ParseProxyEnv(), "proxy without a numeric port is ignored")
}

func TestBaseDirFromEnv(t *testing.T) {
	t.Setenv("FWDIR", "/var/opt/fw")
	assert.Equal(t, "/var/opt/fw", BaseDirFromEnv())

	t.Setenv("FWDIR", "")
	assert.Equal(t, "/etc/fw", BaseDirFromEnv())
}

func TestDefaultPaths(t *testing.T) {
	c := Default("/base")
	assert.Equal(t, "/base/tmp/ha.sock", c.SocketPath())
	assert.Equal(t, "/base/tmp/ha.pid", c.PIDPath())
	assert.Equal(t, "/base/conf/aws_cross_az_cluster.json", c.CrossAZMapPath())
	assert.Equal(t, "/base/conf/aws-ha.json", c.RemoteVIPPath())
	assert.True(t, c.ReplaceAllRouteTables)
	assert.Equal(t, 10, c.WorkerPoolSize)
}
