package clusterstate

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"github.com/chkp-dmorris/AWS-local-zone/pkg/topology"
	"github.com/pkg/errors"
)

// rawIFS mirrors the JSON shape `cphaconf aws_mode` emits for one
// interface entry: name, type, this member's address, and the peer
// member's address on the same segment.
type rawIFS struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	IPAddress     string `json:"ip-address"`
	OtherMemberIP string `json:"other-member-if-ip"`
	MACAddress    string `json:"mac-address"`
}

type rawTopology struct {
	IFS []rawIFS `json:"ifs"`
}

// LoadTopology builds a fresh topology store from `cphaconf aws_mode`.
// In remote mode it reads a cphaconf.txt file in the working directory
// instead, so the daemon can run off-instance against captured output.
func LoadTopology(ctx context.Context, remote bool) (*topology.Store, error) {
	var raw rawTopology

	if remote {
		b, err := os.ReadFile("cphaconf.txt")
		if err != nil {
			return nil, errors.Wrap(err, "reading cphaconf.txt")
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			return nil, errors.Wrap(err, "parsing cphaconf.txt")
		}
	} else {
		out, err := exec.CommandContext(ctx, "cphaconf", "aws_mode").Output()
		if err != nil {
			return nil, errors.Wrap(err, "cphaconf aws_mode")
		}
		if err := json.Unmarshal(out, &raw); err != nil {
			return nil, errors.Wrap(err, "parsing cphaconf aws_mode output")
		}
	}

	store := &topology.Store{}
	for _, r := range raw.IFS {
		typ := topology.External
		if r.Type == string(topology.Internal) {
			typ = topology.Internal
		}
		store.Interfaces = append(store.Interfaces, topology.Interface{
			Name:    r.Name,
			Type:    typ,
			MAC:     r.MACAddress,
			LocalIP: r.IPAddress,
			PeerIP:  r.OtherMemberIP,
		})
	}
	return store, nil
}
