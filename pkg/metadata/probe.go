// Package metadata reads per-interface attributes from the instance
// metadata service using IMDSv2.
package metadata

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/pkg/errors"
)

// Probe is the metadata-service boundary the rest of the controller
// consumes.
type Probe interface {
	GetMetadata(ctx context.Context, path string) (string, error)
	AvailabilityZone(ctx context.Context) (string, error)
	InstanceID(ctx context.Context) (string, error)
	FirstMAC(ctx context.Context) (string, error)
	// ServerDate returns the wall-clock time reported by the metadata
	// service's own response (its Date header), used by the preflight
	// clock-skew check.
	ServerDate(ctx context.Context) (time.Time, error)
}

// IMDSProbe is the production implementation, backed by the SDK's IMDSv2
// client (token obtained and refreshed transparently per request).
type IMDSProbe struct {
	client *imds.Client
}

func NewIMDSProbe(client *imds.Client) *IMDSProbe {
	return &IMDSProbe{client: client}
}

func (p *IMDSProbe) GetMetadata(ctx context.Context, path string) (string, error) {
	out, err := p.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", errors.Wrapf(err, "metadata path %q", path)
	}
	defer out.Content.Close()
	b, err := io.ReadAll(out.Content)
	if err != nil {
		return "", errors.Wrapf(err, "reading metadata path %q", path)
	}
	return strings.TrimSpace(string(b)), nil
}

func (p *IMDSProbe) AvailabilityZone(ctx context.Context) (string, error) {
	doc, err := p.client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return "", errors.Wrap(err, "instance identity document")
	}
	return doc.AvailabilityZone, nil
}

func (p *IMDSProbe) InstanceID(ctx context.Context) (string, error) {
	return p.GetMetadata(ctx, "instance-id")
}

func (p *IMDSProbe) FirstMAC(ctx context.Context) (string, error) {
	macs, err := p.GetMetadata(ctx, "network/interfaces/macs/")
	if err != nil {
		return "", err
	}
	lines := strings.Split(macs, "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", errors.New("no network interface MACs found in metadata")
	}
	return strings.TrimSuffix(lines[0], "/"), nil
}

const (
	imdsBaseURL  = "http://169.254.169.254"
	imdsTokenTTL = "60"
)

// ServerDate fetches a token and issues one GET purely to read the
// response's Date header; the SDK client does not surface raw response
// headers.
func (p *IMDSProbe) ServerDate(ctx context.Context) (time.Time, error) {
	client := &http.Client{Timeout: 5 * time.Second}

	tokenReq, err := http.NewRequestWithContext(ctx, http.MethodPut, imdsBaseURL+"/latest/api/token", nil)
	if err != nil {
		return time.Time{}, err
	}
	tokenReq.Header.Set("X-aws-ec2-metadata-token-ttl-seconds", imdsTokenTTL)
	tokenResp, err := client.Do(tokenReq)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "failed to get metadata token")
	}
	defer tokenResp.Body.Close()
	token, err := io.ReadAll(tokenResp.Body)
	if err != nil || len(token) == 0 {
		return time.Time{}, errors.New("failed to get metadata token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imdsBaseURL+"/2014-02-25/meta-data/", nil)
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("X-aws-ec2-metadata-token", string(token))
	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "metadata date header request failed")
	}
	defer resp.Body.Close()

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return time.Time{}, errors.New("metadata response carried no Date header")
	}
	return http.ParseTime(dateHeader)
}

// InterfaceAttr names the three per-MAC attributes the topology
// enrichment step reads.
type InterfaceAttr string

const (
	AttrVPCID       InterfaceAttr = "vpc-id"
	AttrSubnetID    InterfaceAttr = "subnet-id"
	AttrInterfaceID InterfaceAttr = "interface-id"
)

// InterfaceAttrPath builds the metadata path for a per-MAC attribute.
func InterfaceAttrPath(mac string, attr InterfaceAttr) string {
	return "network/interfaces/macs/" + mac + "/" + string(attr)
}

// Region derives the EC2 region from an availability zone by joining
// the first three hyphen-separated components, with the zone letter
// dropped from the last one: both us-east-1a and the local zone
// us-east-1-bos-1a give us-east-1. Region names with more than three
// components (such as us-gov-west-1) are not handled.
func Region(az string) string {
	parts := strings.Split(az, "-")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	if n := len(parts); n > 0 {
		parts[n-1] = strings.TrimRight(parts[n-1], "abcdefghijklmnopqrstuvwxyz")
	}
	return strings.Join(parts, "-")
}
