package cloud

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxTimeout bounds every cloud request.
const MaxTimeout = 30 * time.Second

// EC2Client is the subset of the AWS SDK v2 EC2 client this gateway
// needs, so tests can supply a hand-rolled fake instead of hitting AWS.
type EC2Client interface {
	DescribeNetworkInterfaces(ctx context.Context, in *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
	DescribeRouteTables(ctx context.Context, in *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	ReplaceRoute(ctx context.Context, in *ec2.ReplaceRouteInput, optFns ...func(*ec2.Options)) (*ec2.ReplaceRouteOutput, error)
	CreateRoute(ctx context.Context, in *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	AssignPrivateIpAddresses(ctx context.Context, in *ec2.AssignPrivateIpAddressesInput, optFns ...func(*ec2.Options)) (*ec2.AssignPrivateIpAddressesOutput, error)
	AssociateAddress(ctx context.Context, in *ec2.AssociateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error)
}

// EC2Gateway is the production Gateway implementation, backed by the
// EC2 query API via aws-sdk-go-v2.
type EC2Gateway struct {
	client EC2Client
}

func NewEC2Gateway(client EC2Client) *EC2Gateway {
	return &EC2Gateway{client: client}
}

func (g *EC2Gateway) DescribeNetworkInterfaces(ctx context.Context, f Filters) ([]NetworkInterface, error) {
	ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
	defer cancel()

	out, err := g.client.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
		Filters: toEC2Filters(f),
	})
	if err != nil {
		return nil, toCloudError(err)
	}

	result := make([]NetworkInterface, 0, len(out.NetworkInterfaces))
	for _, eni := range out.NetworkInterfaces {
		result = append(result, fromEC2NetworkInterface(eni))
	}
	return result, nil
}

func (g *EC2Gateway) DescribeRouteTables(ctx context.Context, f Filters) ([]RouteTable, error) {
	ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
	defer cancel()

	in := &ec2.DescribeRouteTablesInput{Filters: toEC2Filters(f)}
	if f.RouteTableID != "" {
		in.RouteTableIds = []string{f.RouteTableID}
	}
	out, err := g.client.DescribeRouteTables(ctx, in)
	if err != nil {
		return nil, toCloudError(err)
	}

	result := make([]RouteTable, 0, len(out.RouteTables))
	for _, rtb := range out.RouteTables {
		result = append(result, fromEC2RouteTable(rtb))
	}
	return result, nil
}

func (g *EC2Gateway) ReplaceRoute(ctx context.Context, in ReplaceRouteInput) error {
	ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
	defer cancel()

	req := &ec2.ReplaceRouteInput{
		RouteTableId:       aws.String(in.RouteTableID),
		NetworkInterfaceId: aws.String(in.NetworkInterfaceID),
	}
	if in.DestinationPrefixListID != "" {
		req.DestinationPrefixListId = aws.String(in.DestinationPrefixListID)
	} else {
		req.DestinationCidrBlock = aws.String(in.DestinationCIDR)
	}
	_, err := g.client.ReplaceRoute(ctx, req)
	if err != nil {
		klog.V(4).Infof("ReplaceRoute(%s) failed: %v", in.RouteTableID, err)
		return toCloudError(err)
	}
	return nil
}

func (g *EC2Gateway) CreateRoute(ctx context.Context, in CreateRouteInput) error {
	ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
	defer cancel()

	req := &ec2.CreateRouteInput{
		RouteTableId:       aws.String(in.RouteTableID),
		NetworkInterfaceId: aws.String(in.NetworkInterfaceID),
	}
	if in.DestinationPrefixListID != "" {
		req.DestinationPrefixListId = aws.String(in.DestinationPrefixListID)
	} else {
		req.DestinationCidrBlock = aws.String(in.DestinationCIDR)
	}
	_, err := g.client.CreateRoute(ctx, req)
	return toCloudError(err)
}

func (g *EC2Gateway) AssignPrivateIPAddresses(ctx context.Context, in AssignPrivateIPInput) error {
	ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
	defer cancel()

	_, err := g.client.AssignPrivateIpAddresses(ctx, &ec2.AssignPrivateIpAddressesInput{
		NetworkInterfaceId: aws.String(in.NetworkInterfaceID),
		PrivateIpAddresses: in.PrivateIPAddresses,
		AllowReassignment:  aws.Bool(in.AllowReassignment),
	})
	return toCloudError(err)
}

func (g *EC2Gateway) AssociateAddress(ctx context.Context, in AssociateAddressInput) error {
	ctx, cancel := context.WithTimeout(ctx, MaxTimeout)
	defer cancel()

	_, err := g.client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
		NetworkInterfaceId: aws.String(in.NetworkInterfaceID),
		PrivateIpAddress:   aws.String(in.PrivateIPAddress),
		AllocationId:       aws.String(in.AllocationID),
		AllowReassociation: aws.Bool(in.AllowReassociation),
	})
	return toCloudError(err)
}

func toEC2Filters(f Filters) []ec2types.Filter {
	var filters []ec2types.Filter
	add := func(name string, values ...string) {
		filters = append(filters, ec2types.Filter{Name: aws.String(name), Values: values})
	}
	if f.VPCID != "" {
		add("vpc-id", f.VPCID)
	}
	if f.PrivateIPAddress != "" {
		add("private-ip-address", f.PrivateIPAddress)
	}
	if f.InstanceID != "" {
		add("attachment.instance-id", f.InstanceID)
	}
	if f.AssociationSubnet != "" {
		add("association.subnet-id", f.AssociationSubnet)
	}
	if f.AssociationMain != nil {
		v := "false"
		if *f.AssociationMain {
			v = "true"
		}
		add("association.main", v)
	}
	return filters
}

func fromEC2NetworkInterface(eni ec2types.NetworkInterface) NetworkInterface {
	n := NetworkInterface{
		VPCID: aws.ToString(eni.VpcId),
	}
	if eni.NetworkInterfaceId != nil {
		n.NetworkInterfaceID = *eni.NetworkInterfaceId
	}
	if eni.SubnetId != nil {
		n.SubnetID = *eni.SubnetId
	}
	if eni.SourceDestCheck != nil {
		n.SourceDestCheck = *eni.SourceDestCheck
	}
	for _, t := range eni.TagSet {
		n.Tags = append(n.Tags, Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	for _, a := range eni.PrivateIpAddresses {
		addr := PrivateIPAddress{
			PrivateIP: aws.ToString(a.PrivateIpAddress),
			Primary:   aws.ToBool(a.Primary),
		}
		if a.Association != nil && a.Association.PublicIp != nil {
			addr.Association = &Association{
				PublicIP:     aws.ToString(a.Association.PublicIp),
				AllocationID: aws.ToString(a.Association.AllocationId),
			}
		}
		n.PrivateIPAddresses = append(n.PrivateIPAddresses, addr)
	}
	return n
}

func fromEC2RouteTable(rtb ec2types.RouteTable) RouteTable {
	r := RouteTable{VPCID: aws.ToString(rtb.VpcId), RouteTableID: aws.ToString(rtb.RouteTableId)}
	for _, assoc := range rtb.Associations {
		if aws.ToBool(assoc.Main) {
			r.MainAssoc = true
		}
		if assoc.SubnetId != nil {
			r.SubnetIDs = append(r.SubnetIDs, *assoc.SubnetId)
		}
	}
	for _, rt := range rtb.Routes {
		r.Routes = append(r.Routes, Route{
			DestinationCIDR:         aws.ToString(rt.DestinationCidrBlock),
			DestinationPrefixListID: aws.ToString(rt.DestinationPrefixListId),
			NetworkInterfaceID:      aws.ToString(rt.NetworkInterfaceId),
		})
	}
	return r
}

func toCloudError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &CloudError{Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage()}
	}
	return errors.Wrap(err, "cloud request failed")
}
