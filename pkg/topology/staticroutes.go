package topology

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

type rawStaticRoute struct {
	Destination string `json:"destination"`
	Target      string `json:"target"`
}

// LoadStaticRouteTables reads the aws_rtb.json override file, if
// present, and resolves each route's target into an ENI id using this
// store's own interfaces (by name). A missing file is not an error:
// static route tables are optional.
func (s *Store) LoadStaticRouteTables(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "reading static route table file %s", path)
	}

	var raw map[string][]rawStaticRoute
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrapf(err, "parsing static route table file %s", path)
	}

	s.StaticRouteTables = map[string][]StaticRoute{}
	for rtb, routes := range raw {
		for _, r := range routes {
			target := r.Target
			if !strings.HasPrefix(target, "eni-") {
				iface := s.ByName(target)
				if iface == nil || iface.ENIID == "" {
					continue
				}
				target = iface.ENIID
			}
			s.StaticRouteTables[rtb] = append(s.StaticRouteTables[rtb], StaticRoute{
				Destination: r.Destination,
				Target:      target,
			})
		}
	}
	return nil
}
