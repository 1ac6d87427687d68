package infra

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
)

const (
	codeDependencyViolation = "DependencyViolation"
	codeVPCNotFound         = "InvalidVpcID.NotFound"
	codeSubnetNotFound      = "InvalidSubnetID.NotFound"
	codeGatewayNotFound     = "InvalidInternetGatewayID.NotFound"
	codeRouteTableNotFound  = "InvalidRouteTableID.NotFound"
	codeGroupNotFound       = "InvalidGroup.NotFound"
	codeAssociationNotFound = "InvalidAssociationID.NotFound"
)

func (p *Provisioner) vpcStep() step {
	return step{
		name:     "vpc",
		resource: func(r *run) string { return r.d.ResourceName("vpc") },
		find: func(ctx context.Context, r *run) (string, error) {
			out, err := p.aws.EC2.DescribeVpcsWithContext(ctx, &ec2.DescribeVpcsInput{
				Filters: []*ec2.Filter{filter("tag:Name", r.d.ResourceName("vpc"))},
			})
			if err != nil {
				return "", err
			}
			if len(out.Vpcs) > 0 {
				return aws.StringValue(out.Vpcs[0].VpcId), nil
			}
			return "", nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var id string
			err := p.mutate(ctx, "ec2", "CreateVpc", func(ctx context.Context) error {
				out, err := p.aws.EC2.CreateVpcWithContext(ctx, &ec2.CreateVpcInput{
					CidrBlock:         aws.String(vpcCIDR),
					TagSpecifications: r.ec2Tags(ec2.ResourceTypeVpc, r.d.ResourceName("vpc")),
				})
				if err == nil {
					id = aws.StringValue(out.Vpc.VpcId)
				}
				return err
			})
			return id, err
		},
		// ALB target health checks and ECR pulls need public DNS names.
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			out, err := p.aws.EC2.DescribeVpcAttributeWithContext(ctx, &ec2.DescribeVpcAttributeInput{
				VpcId:     aws.String(id),
				Attribute: aws.String(ec2.VpcAttributeNameEnableDnsHostnames),
			})
			if err != nil {
				return "", err
			}
			if out.EnableDnsHostnames != nil && aws.BoolValue(out.EnableDnsHostnames.Value) {
				return id, nil
			}
			err = p.mutate(ctx, "ec2", "ModifyVpcAttribute", func(ctx context.Context) error {
				_, err := p.aws.EC2.ModifyVpcAttributeWithContext(ctx, &ec2.ModifyVpcAttributeInput{
					VpcId:              aws.String(id),
					EnableDnsHostnames: &ec2.AttributeBooleanValue{Value: aws.Bool(true)},
				})
				return err
			})
			return id, err
		},
		remove: func(ctx context.Context, r *run, id string) error {
			return p.mutateRetry(ctx, "ec2", "DeleteVpc", func(ctx context.Context) error {
				_, err := p.aws.EC2.DeleteVpcWithContext(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(id)})
				return ignoreCode(err, codeVPCNotFound)
			}, codeDependencyViolation)
		},
		record: func(r *run, id string) { r.out.VPCID = id },
	}
}

func subnetName(r *run, i int) string {
	return fmt.Sprintf("%s-public-%d", r.d.NamePrefix(), i+1)
}

func subnetCIDR(i int) string {
	return fmt.Sprintf("10.0.%d.0/24", i+1)
}

// subnets returns the environment's public subnets keyed by Name tag.
func (p *Provisioner) subnets(ctx context.Context, r *run) (map[string]string, error) {
	if r.out.VPCID == "" {
		return nil, nil
	}
	out, err := p.aws.EC2.DescribeSubnetsWithContext(ctx, &ec2.DescribeSubnetsInput{
		Filters: []*ec2.Filter{
			filter("vpc-id", r.out.VPCID),
			filter("tag:Name", r.d.NamePrefix()+"-public-*"),
		},
	})
	if err != nil {
		return nil, err
	}
	found := make(map[string]string, len(out.Subnets))
	for _, s := range out.Subnets {
		found[tagValue(s.Tags, "Name")] = aws.StringValue(s.SubnetId)
	}
	return found, nil
}

// mapPublicIPs turns on public address assignment for subnets that lack it.
// Fargate tasks in public subnets pull images over their public address.
func (p *Provisioner) mapPublicIPs(ctx context.Context, r *run) error {
	out, err := p.aws.EC2.DescribeSubnetsWithContext(ctx, &ec2.DescribeSubnetsInput{
		Filters: []*ec2.Filter{
			filter("vpc-id", r.out.VPCID),
			filter("tag:Name", r.d.NamePrefix()+"-public-*"),
		},
	})
	if err != nil {
		return err
	}
	for _, s := range out.Subnets {
		if aws.BoolValue(s.MapPublicIpOnLaunch) {
			continue
		}
		id := aws.StringValue(s.SubnetId)
		err := p.mutate(ctx, "ec2", "ModifySubnetAttribute", func(ctx context.Context) error {
			_, err := p.aws.EC2.ModifySubnetAttributeWithContext(ctx, &ec2.ModifySubnetAttributeInput{
				SubnetId:            aws.String(id),
				MapPublicIpOnLaunch: &ec2.AttributeBooleanValue{Value: aws.Bool(true)},
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func joinSorted(byName map[string]string) string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	ids := make([]string, 0, len(names))
	for _, n := range names {
		ids = append(ids, byName[n])
	}
	return strings.Join(ids, ",")
}

func splitIDs(id string) []string {
	if id == "" {
		return nil
	}
	return strings.Split(id, ",")
}

func (p *Provisioner) subnetsStep() step {
	ensure := func(ctx context.Context, r *run, _ string) (string, error) {
		found, err := p.subnets(ctx, r)
		if err != nil {
			return "", err
		}
		var missing []int
		for i := 0; i < r.d.AvailabilityZones; i++ {
			if _, ok := found[subnetName(r, i)]; !ok {
				missing = append(missing, i)
			}
		}
		if len(missing) == 0 {
			return joinSorted(found), p.mapPublicIPs(ctx, r)
		}
		azs, err := p.zones(ctx)
		if err != nil {
			return "", err
		}
		if len(azs) < r.d.AvailabilityZones {
			return "", fmt.Errorf("region offers %d availability zones, need %d", len(azs), r.d.AvailabilityZones)
		}
		if found == nil {
			found = map[string]string{}
		}
		for _, i := range missing {
			name := subnetName(r, i)
			var id string
			err := p.mutate(ctx, "ec2", "CreateSubnet", func(ctx context.Context) error {
				out, err := p.aws.EC2.CreateSubnetWithContext(ctx, &ec2.CreateSubnetInput{
					VpcId:             aws.String(r.out.VPCID),
					CidrBlock:         aws.String(subnetCIDR(i)),
					AvailabilityZone:  aws.String(azs[i]),
					TagSpecifications: r.ec2Tags(ec2.ResourceTypeSubnet, name),
				})
				if err == nil {
					id = aws.StringValue(out.Subnet.SubnetId)
				}
				return err
			})
			if err != nil {
				return "", err
			}
			found[name] = id
		}
		return joinSorted(found), p.mapPublicIPs(ctx, r)
	}
	return step{
		name:     "subnets",
		resource: func(r *run) string { return r.d.NamePrefix() + "-public-*" },
		find: func(ctx context.Context, r *run) (string, error) {
			found, err := p.subnets(ctx, r)
			if err != nil {
				return "", err
			}
			return joinSorted(found), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			return ensure(ctx, r, "")
		},
		reconcile: ensure,
		remove: func(ctx context.Context, r *run, id string) error {
			for _, sub := range splitIDs(id) {
				err := p.mutateRetry(ctx, "ec2", "DeleteSubnet", func(ctx context.Context) error {
					_, err := p.aws.EC2.DeleteSubnetWithContext(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(sub)})
					return ignoreCode(err, codeSubnetNotFound)
				}, codeDependencyViolation)
				if err != nil {
					return err
				}
			}
			return nil
		},
		record: func(r *run, id string) { r.out.SubnetIDs = splitIDs(id) },
	}
}

func (p *Provisioner) zones(ctx context.Context) ([]string, error) {
	out, err := p.aws.EC2.DescribeAvailabilityZonesWithContext(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []*ec2.Filter{filter("state", "available")},
	})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, z := range out.AvailabilityZones {
		names = append(names, aws.StringValue(z.ZoneName))
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provisioner) internetGatewayStep() step {
	describe := func(ctx context.Context, filters ...*ec2.Filter) (*ec2.InternetGateway, error) {
		out, err := p.aws.EC2.DescribeInternetGatewaysWithContext(ctx, &ec2.DescribeInternetGatewaysInput{Filters: filters})
		if err != nil {
			return nil, err
		}
		if len(out.InternetGateways) > 0 {
			return out.InternetGateways[0], nil
		}
		return nil, nil
	}
	return step{
		name:     "internet-gateway",
		resource: func(r *run) string { return r.d.ResourceName("igw") },
		find: func(ctx context.Context, r *run) (string, error) {
			g, err := describe(ctx, filter("tag:Name", r.d.ResourceName("igw")))
			if err != nil || g == nil {
				return "", err
			}
			return aws.StringValue(g.InternetGatewayId), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var id string
			err := p.mutate(ctx, "ec2", "CreateInternetGateway", func(ctx context.Context) error {
				out, err := p.aws.EC2.CreateInternetGatewayWithContext(ctx, &ec2.CreateInternetGatewayInput{
					TagSpecifications: r.ec2Tags(ec2.ResourceTypeInternetGateway, r.d.ResourceName("igw")),
				})
				if err == nil {
					id = aws.StringValue(out.InternetGateway.InternetGatewayId)
				}
				return err
			})
			return id, err
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			g, err := describe(ctx, filter("internet-gateway-id", id))
			if err != nil {
				return id, err
			}
			if g != nil {
				for _, a := range g.Attachments {
					if aws.StringValue(a.VpcId) == r.out.VPCID {
						return id, nil
					}
				}
			}
			return id, p.mutate(ctx, "ec2", "AttachInternetGateway", func(ctx context.Context) error {
				_, err := p.aws.EC2.AttachInternetGatewayWithContext(ctx, &ec2.AttachInternetGatewayInput{
					InternetGatewayId: aws.String(id),
					VpcId:             aws.String(r.out.VPCID),
				})
				return err
			})
		},
		remove: func(ctx context.Context, r *run, id string) error {
			g, err := describe(ctx, filter("internet-gateway-id", id))
			if err != nil {
				return err
			}
			if g != nil {
				for _, a := range g.Attachments {
					vpc := aws.StringValue(a.VpcId)
					err := p.mutateRetry(ctx, "ec2", "DetachInternetGateway", func(ctx context.Context) error {
						_, err := p.aws.EC2.DetachInternetGatewayWithContext(ctx, &ec2.DetachInternetGatewayInput{
							InternetGatewayId: aws.String(id),
							VpcId:             aws.String(vpc),
						})
						return err
					}, codeDependencyViolation)
					if err != nil {
						return err
					}
				}
			}
			return p.mutate(ctx, "ec2", "DeleteInternetGateway", func(ctx context.Context) error {
				_, err := p.aws.EC2.DeleteInternetGatewayWithContext(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(id)})
				return ignoreCode(err, codeGatewayNotFound)
			})
		},
		record: func(r *run, id string) { r.igwID = id },
	}
}

func (p *Provisioner) routeTableStep() step {
	describe := func(ctx context.Context, id string) (*ec2.RouteTable, error) {
		out, err := p.aws.EC2.DescribeRouteTablesWithContext(ctx, &ec2.DescribeRouteTablesInput{
			Filters: []*ec2.Filter{filter("route-table-id", id)},
		})
		if err != nil {
			return nil, err
		}
		if len(out.RouteTables) > 0 {
			return out.RouteTables[0], nil
		}
		return nil, fmt.Errorf("route table %s not found", id)
	}
	return step{
		name:     "route-table",
		resource: func(r *run) string { return r.d.ResourceName("public-rt") },
		find: func(ctx context.Context, r *run) (string, error) {
			if r.out.VPCID == "" {
				return "", nil
			}
			out, err := p.aws.EC2.DescribeRouteTablesWithContext(ctx, &ec2.DescribeRouteTablesInput{
				Filters: []*ec2.Filter{
					filter("vpc-id", r.out.VPCID),
					filter("tag:Name", r.d.ResourceName("public-rt")),
				},
			})
			if err != nil {
				return "", err
			}
			if len(out.RouteTables) > 0 {
				return aws.StringValue(out.RouteTables[0].RouteTableId), nil
			}
			return "", nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var id string
			err := p.mutate(ctx, "ec2", "CreateRouteTable", func(ctx context.Context) error {
				out, err := p.aws.EC2.CreateRouteTableWithContext(ctx, &ec2.CreateRouteTableInput{
					VpcId:             aws.String(r.out.VPCID),
					TagSpecifications: r.ec2Tags(ec2.ResourceTypeRouteTable, r.d.ResourceName("public-rt")),
				})
				if err == nil {
					id = aws.StringValue(out.RouteTable.RouteTableId)
				}
				return err
			})
			return id, err
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			t, err := describe(ctx, id)
			if err != nil {
				return id, err
			}
			hasDefault := false
			for _, rt := range t.Routes {
				if aws.StringValue(rt.DestinationCidrBlock) == "0.0.0.0/0" && aws.StringValue(rt.GatewayId) == r.igwID {
					hasDefault = true
				}
			}
			if !hasDefault {
				err := p.mutate(ctx, "ec2", "CreateRoute", func(ctx context.Context) error {
					_, err := p.aws.EC2.CreateRouteWithContext(ctx, &ec2.CreateRouteInput{
						RouteTableId:         aws.String(id),
						DestinationCidrBlock: aws.String("0.0.0.0/0"),
						GatewayId:            aws.String(r.igwID),
					})
					return err
				})
				if err != nil {
					return id, err
				}
			}
			associated := map[string]bool{}
			for _, a := range t.Associations {
				associated[aws.StringValue(a.SubnetId)] = true
			}
			for _, sub := range r.out.SubnetIDs {
				if associated[sub] {
					continue
				}
				err := p.mutate(ctx, "ec2", "AssociateRouteTable", func(ctx context.Context) error {
					_, err := p.aws.EC2.AssociateRouteTableWithContext(ctx, &ec2.AssociateRouteTableInput{
						RouteTableId: aws.String(id),
						SubnetId:     aws.String(sub),
					})
					return err
				})
				if err != nil {
					return id, err
				}
			}
			return id, nil
		},
		remove: func(ctx context.Context, r *run, id string) error {
			t, err := describe(ctx, id)
			if err != nil {
				return err
			}
			for _, a := range t.Associations {
				if aws.BoolValue(a.Main) {
					continue
				}
				assoc := aws.StringValue(a.RouteTableAssociationId)
				err := p.mutate(ctx, "ec2", "DisassociateRouteTable", func(ctx context.Context) error {
					_, err := p.aws.EC2.DisassociateRouteTableWithContext(ctx, &ec2.DisassociateRouteTableInput{AssociationId: aws.String(assoc)})
					return ignoreCode(err, codeAssociationNotFound)
				})
				if err != nil {
					return err
				}
			}
			return p.mutate(ctx, "ec2", "DeleteRouteTable", func(ctx context.Context) error {
				_, err := p.aws.EC2.DeleteRouteTableWithContext(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)})
				return ignoreCode(err, codeRouteTableNotFound)
			})
		},
		record: func(r *run, id string) { r.routeTableID = id },
	}
}

func tagValue(tags []*ec2.Tag, key string) string {
	for _, t := range tags {
		if aws.StringValue(t.Key) == key {
			return aws.StringValue(t.Value)
		}
	}
	return ""
}
