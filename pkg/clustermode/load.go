package clustermode

import (
	"encoding/json"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// modeFile is the host-side declaration of how this cluster was
// provisioned, written at deployment time next to the other conf
// files.
type modeFile struct {
	ClusterMode string `json:"cluster_mode"`
	DeployMode  string `json:"deploy_mode"`
}

// Load reads the provisioned cluster and deploy modes from
// <baseDir>/conf/aws_ha_mode.json. A missing or unparseable file
// falls back to the defaults (HA, single-AZ).
func Load(baseDir string) (ClusterMode, DeployMode) {
	cluster, deploy := HighAvailability, SingleAZ

	b, err := os.ReadFile(filepath.Join(baseDir, "conf", "aws_ha_mode.json"))
	if err != nil {
		return cluster, deploy
	}
	var mf modeFile
	if err := json.Unmarshal(b, &mf); err != nil {
		klog.Errorf("unparseable mode file, using defaults: %v", err)
		return cluster, deploy
	}

	if m := ClusterMode(mf.ClusterMode); m.Valid() {
		cluster = m
	}
	if d := DeployMode(mf.DeployMode); d == SingleAZ || d == CrossAZ {
		deploy = d
	}
	return cluster, deploy
}
