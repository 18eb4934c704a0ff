// Package dynobj is the boundary to the dynamic-object registry: a
// host-local mechanism that tracks named dynamic objects used by
// firewall policy to reference the current Cross-AZ IP pairing.
package dynobj

import (
	"bufio"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Registry exposes create/delete/list over the host's dynamic objects.
type Registry interface {
	Create(ctx context.Context, name, ip string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) (map[string]string, error)
}

// CLIRegistry shells out to the host's dynamic_objects CLI tool.
type CLIRegistry struct {
	// BinPath is the path to the dynamic-object management executable.
	BinPath string
}

func NewCLIRegistry(binPath string) *CLIRegistry {
	return &CLIRegistry{BinPath: binPath}
}

func (r *CLIRegistry) Create(ctx context.Context, name, ip string) error {
	cmd := exec.CommandContext(ctx, r.BinPath, "create", name, ip)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "create dynamic object %s: %s", name, strings.TrimSpace(string(out)))
	}
	return nil
}

func (r *CLIRegistry) Delete(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, r.BinPath, "delete", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "delete dynamic object %s: %s", name, strings.TrimSpace(string(out)))
	}
	return nil
}

// List returns the existing dynamic objects as name -> ip. Lines from
// the tool are "name ip", one per line; malformed lines are skipped.
func (r *CLIRegistry) List(ctx context.Context) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, r.BinPath, "list")
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrap(err, "list dynamic objects")
	}

	result := map[string]string{}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		result[fields[0]] = fields[1]
	}
	return result, nil
}
