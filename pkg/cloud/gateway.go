package cloud

import "context"

// Gateway is the boundary to the EC2 API: a bounded, blocking
// request/response oracle over the actions the controller uses. The core
// controller only ever speaks to this interface; the production
// implementation (ec2gateway.go) is the only place that knows about
// AWS wire formats.
type Gateway interface {
	DescribeNetworkInterfaces(ctx context.Context, f Filters) ([]NetworkInterface, error)
	DescribeRouteTables(ctx context.Context, f Filters) ([]RouteTable, error)
	ReplaceRoute(ctx context.Context, in ReplaceRouteInput) error
	CreateRoute(ctx context.Context, in CreateRouteInput) error
	AssignPrivateIPAddresses(ctx context.Context, in AssignPrivateIPInput) error
	AssociateAddress(ctx context.Context, in AssociateAddressInput) error
}
