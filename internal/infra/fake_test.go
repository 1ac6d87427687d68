package infra

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling/applicationautoscalingiface"
	"github.com/aws/aws-sdk-go/service/cloudfront"
	"github.com/aws/aws-sdk-go/service/cloudfront/cloudfrontiface"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/elbv2/elbv2iface"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"

	"rampdeploy/internal/awsx"
)

// fakeCloud keeps just enough AWS state for Apply/Destroy to converge.
type fakeCloud struct {
	mu        sync.Mutex
	seq       int
	mutations []string
	failOn    map[string]error

	vpcs        map[string]*ec2.Vpc
	subnets     map[string]*ec2.Subnet
	igws        map[string]*ec2.InternetGateway
	routeTables map[string]*ec2.RouteTable
	groups      map[string]*ec2.SecurityGroup
	repos       map[string]*ecr.Repository
	lbs         map[string]*elbv2.LoadBalancer
	tgs         map[string]*elbv2.TargetGroup
	listeners   map[string]*elbv2.Listener
	logGroups   map[string]*cloudwatchlogs.LogGroup
	clusters    map[string]*ecs.Cluster
	taskDefs    map[string][]*ecs.TaskDefinition
	services    map[string]*ecs.Service
	roles       map[string]*iam.Role
	attached    map[string][]string
	targets     map[string]*applicationautoscaling.ScalableTarget
	policies    map[string]*applicationautoscaling.ScalingPolicy

	dnsHostnames map[string]bool
	lifecycle    map[string]string
	tgAttrs      map[string]map[string]string
	dists        map[string]*fakeDistribution
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		failOn:      map[string]error{},
		vpcs:        map[string]*ec2.Vpc{},
		subnets:     map[string]*ec2.Subnet{},
		igws:        map[string]*ec2.InternetGateway{},
		routeTables: map[string]*ec2.RouteTable{},
		groups:      map[string]*ec2.SecurityGroup{},
		repos:       map[string]*ecr.Repository{},
		lbs:         map[string]*elbv2.LoadBalancer{},
		tgs:         map[string]*elbv2.TargetGroup{},
		listeners:   map[string]*elbv2.Listener{},
		logGroups:   map[string]*cloudwatchlogs.LogGroup{},
		clusters:    map[string]*ecs.Cluster{},
		taskDefs:    map[string][]*ecs.TaskDefinition{},
		services:    map[string]*ecs.Service{},
		roles:       map[string]*iam.Role{},
		attached:    map[string][]string{},
		targets:     map[string]*applicationautoscaling.ScalableTarget{},
		policies:    map[string]*applicationautoscaling.ScalingPolicy{},

		dnsHostnames: map[string]bool{},
		lifecycle:    map[string]string{},
		tgAttrs:      map[string]map[string]string{},
		dists:        map[string]*fakeDistribution{},
	}
}

func (c *fakeCloud) clients() *awsx.Clients {
	return &awsx.Clients{
		CDN:     &fakeCDN{c: c},
		EC2:     &fakeEC2{c: c},
		ELB:     &fakeELB{c: c},
		ECS:     &fakeECS{c: c},
		ECR:     &fakeECR{c: c},
		IAM:     &fakeIAM{c: c},
		Logs:    &fakeLogs{c: c},
		Scaling: &fakeScaling{c: c},
	}
}

// mutate records op and returns an injected failure if one is armed.
func (c *fakeCloud) mutate(op string) error {
	if err := c.failOn[op]; err != nil {
		return err
	}
	c.mutations = append(c.mutations, op)
	return nil
}

func (c *fakeCloud) id(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%04d", prefix, c.seq)
}

func (c *fakeCloud) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.mutations {
		if m == op {
			n++
		}
	}
	return n
}

func (c *fakeCloud) creates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.mutations {
		if strings.HasPrefix(m, "Create") || strings.HasPrefix(m, "Register") || strings.HasPrefix(m, "Put") {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeCloud) resetMutations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mutations = nil
}

func (c *fakeCloud) resourceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.vpcs) + len(c.subnets) + len(c.igws) + len(c.routeTables) + len(c.groups) +
		len(c.repos) + len(c.lbs) + len(c.tgs) + len(c.listeners) + len(c.logGroups) +
		len(c.clusters) + len(c.services) + len(c.roles) + len(c.targets) + len(c.policies) +
		len(c.dists)
	for _, defs := range c.taskDefs {
		for _, td := range defs {
			if aws.StringValue(td.Status) == ecs.TaskDefinitionStatusActive {
				n++
			}
		}
	}
	return n
}

func notFound(code string) error {
	return awserr.New(code, "not found", nil)
}

func tagMap(specs []*ec2.TagSpecification) []*ec2.Tag {
	var tags []*ec2.Tag
	for _, s := range specs {
		tags = append(tags, s.Tags...)
	}
	return tags
}

// matchFilters evaluates EC2 filters against tags and plain attributes.
func matchFilters(filters []*ec2.Filter, tags []*ec2.Tag, attrs map[string]string) bool {
	for _, f := range filters {
		name := aws.StringValue(f.Name)
		var have string
		if strings.HasPrefix(name, "tag:") {
			have = tagValue(tags, strings.TrimPrefix(name, "tag:"))
		} else {
			have = attrs[name]
		}
		ok := false
		for _, v := range aws.StringValueSlice(f.Values) {
			if m, _ := path.Match(v, have); m {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type fakeEC2 struct {
	ec2iface.EC2API
	c *fakeCloud
}

func (f *fakeEC2) DescribeVpcsWithContext(_ aws.Context, in *ec2.DescribeVpcsInput, _ ...request.Option) (*ec2.DescribeVpcsOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ec2.DescribeVpcsOutput{}
	for id, v := range f.c.vpcs {
		if matchFilters(in.Filters, v.Tags, map[string]string{"vpc-id": id}) {
			out.Vpcs = append(out.Vpcs, v)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateVpcWithContext(_ aws.Context, in *ec2.CreateVpcInput, _ ...request.Option) (*ec2.CreateVpcOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateVpc"); err != nil {
		return nil, err
	}
	v := &ec2.Vpc{VpcId: aws.String(f.c.id("vpc")), CidrBlock: in.CidrBlock, Tags: tagMap(in.TagSpecifications)}
	f.c.vpcs[*v.VpcId] = v
	return &ec2.CreateVpcOutput{Vpc: v}, nil
}

func (f *fakeEC2) DescribeVpcAttributeWithContext(_ aws.Context, in *ec2.DescribeVpcAttributeInput, _ ...request.Option) (*ec2.DescribeVpcAttributeOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if _, ok := f.c.vpcs[*in.VpcId]; !ok {
		return nil, notFound(codeVPCNotFound)
	}
	return &ec2.DescribeVpcAttributeOutput{
		VpcId:              in.VpcId,
		EnableDnsHostnames: &ec2.AttributeBooleanValue{Value: aws.Bool(f.c.dnsHostnames[*in.VpcId])},
	}, nil
}

func (f *fakeEC2) ModifyVpcAttributeWithContext(_ aws.Context, in *ec2.ModifyVpcAttributeInput, _ ...request.Option) (*ec2.ModifyVpcAttributeOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("ModifyVpcAttribute"); err != nil {
		return nil, err
	}
	if in.EnableDnsHostnames != nil {
		f.c.dnsHostnames[*in.VpcId] = aws.BoolValue(in.EnableDnsHostnames.Value)
	}
	return &ec2.ModifyVpcAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteVpcWithContext(_ aws.Context, in *ec2.DeleteVpcInput, _ ...request.Option) (*ec2.DeleteVpcOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteVpc"); err != nil {
		return nil, err
	}
	for _, s := range f.c.subnets {
		if aws.StringValue(s.VpcId) == *in.VpcId {
			return nil, awserr.New(codeDependencyViolation, "subnets remain", nil)
		}
	}
	delete(f.c.vpcs, *in.VpcId)
	return &ec2.DeleteVpcOutput{}, nil
}

func (f *fakeEC2) DescribeAvailabilityZonesWithContext(aws.Context, *ec2.DescribeAvailabilityZonesInput, ...request.Option) (*ec2.DescribeAvailabilityZonesOutput, error) {
	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: []*ec2.AvailabilityZone{
		{ZoneName: aws.String("us-east-1b")},
		{ZoneName: aws.String("us-east-1a")},
		{ZoneName: aws.String("us-east-1c")},
	}}, nil
}

func (f *fakeEC2) DescribeSubnetsWithContext(_ aws.Context, in *ec2.DescribeSubnetsInput, _ ...request.Option) (*ec2.DescribeSubnetsOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ec2.DescribeSubnetsOutput{}
	for id, s := range f.c.subnets {
		if matchFilters(in.Filters, s.Tags, map[string]string{"vpc-id": aws.StringValue(s.VpcId), "subnet-id": id}) {
			out.Subnets = append(out.Subnets, s)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateSubnetWithContext(_ aws.Context, in *ec2.CreateSubnetInput, _ ...request.Option) (*ec2.CreateSubnetOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateSubnet"); err != nil {
		return nil, err
	}
	s := &ec2.Subnet{
		SubnetId:         aws.String(f.c.id("subnet")),
		VpcId:            in.VpcId,
		CidrBlock:        in.CidrBlock,
		AvailabilityZone: in.AvailabilityZone,
		Tags:             tagMap(in.TagSpecifications),
	}
	f.c.subnets[*s.SubnetId] = s
	return &ec2.CreateSubnetOutput{Subnet: s}, nil
}

func (f *fakeEC2) ModifySubnetAttributeWithContext(_ aws.Context, in *ec2.ModifySubnetAttributeInput, _ ...request.Option) (*ec2.ModifySubnetAttributeOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("ModifySubnetAttribute"); err != nil {
		return nil, err
	}
	f.c.subnets[*in.SubnetId].MapPublicIpOnLaunch = in.MapPublicIpOnLaunch.Value
	return &ec2.ModifySubnetAttributeOutput{}, nil
}

func (f *fakeEC2) DeleteSubnetWithContext(_ aws.Context, in *ec2.DeleteSubnetInput, _ ...request.Option) (*ec2.DeleteSubnetOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteSubnet"); err != nil {
		return nil, err
	}
	delete(f.c.subnets, *in.SubnetId)
	return &ec2.DeleteSubnetOutput{}, nil
}

func (f *fakeEC2) DescribeInternetGatewaysWithContext(_ aws.Context, in *ec2.DescribeInternetGatewaysInput, _ ...request.Option) (*ec2.DescribeInternetGatewaysOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ec2.DescribeInternetGatewaysOutput{}
	for id, g := range f.c.igws {
		if matchFilters(in.Filters, g.Tags, map[string]string{"internet-gateway-id": id}) {
			out.InternetGateways = append(out.InternetGateways, g)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateInternetGatewayWithContext(_ aws.Context, in *ec2.CreateInternetGatewayInput, _ ...request.Option) (*ec2.CreateInternetGatewayOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateInternetGateway"); err != nil {
		return nil, err
	}
	g := &ec2.InternetGateway{InternetGatewayId: aws.String(f.c.id("igw")), Tags: tagMap(in.TagSpecifications)}
	f.c.igws[*g.InternetGatewayId] = g
	return &ec2.CreateInternetGatewayOutput{InternetGateway: g}, nil
}

func (f *fakeEC2) AttachInternetGatewayWithContext(_ aws.Context, in *ec2.AttachInternetGatewayInput, _ ...request.Option) (*ec2.AttachInternetGatewayOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("AttachInternetGateway"); err != nil {
		return nil, err
	}
	g := f.c.igws[*in.InternetGatewayId]
	g.Attachments = append(g.Attachments, &ec2.InternetGatewayAttachment{VpcId: in.VpcId, State: aws.String("available")})
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DetachInternetGatewayWithContext(_ aws.Context, in *ec2.DetachInternetGatewayInput, _ ...request.Option) (*ec2.DetachInternetGatewayOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DetachInternetGateway"); err != nil {
		return nil, err
	}
	f.c.igws[*in.InternetGatewayId].Attachments = nil
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DeleteInternetGatewayWithContext(_ aws.Context, in *ec2.DeleteInternetGatewayInput, _ ...request.Option) (*ec2.DeleteInternetGatewayOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteInternetGateway"); err != nil {
		return nil, err
	}
	delete(f.c.igws, *in.InternetGatewayId)
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (f *fakeEC2) DescribeRouteTablesWithContext(_ aws.Context, in *ec2.DescribeRouteTablesInput, _ ...request.Option) (*ec2.DescribeRouteTablesOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ec2.DescribeRouteTablesOutput{}
	for id, t := range f.c.routeTables {
		if matchFilters(in.Filters, t.Tags, map[string]string{"route-table-id": id, "vpc-id": aws.StringValue(t.VpcId)}) {
			out.RouteTables = append(out.RouteTables, t)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateRouteTableWithContext(_ aws.Context, in *ec2.CreateRouteTableInput, _ ...request.Option) (*ec2.CreateRouteTableOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateRouteTable"); err != nil {
		return nil, err
	}
	t := &ec2.RouteTable{RouteTableId: aws.String(f.c.id("rtb")), VpcId: in.VpcId, Tags: tagMap(in.TagSpecifications)}
	f.c.routeTables[*t.RouteTableId] = t
	return &ec2.CreateRouteTableOutput{RouteTable: t}, nil
}

func (f *fakeEC2) CreateRouteWithContext(_ aws.Context, in *ec2.CreateRouteInput, _ ...request.Option) (*ec2.CreateRouteOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateRoute"); err != nil {
		return nil, err
	}
	t := f.c.routeTables[*in.RouteTableId]
	t.Routes = append(t.Routes, &ec2.Route{DestinationCidrBlock: in.DestinationCidrBlock, GatewayId: in.GatewayId})
	return &ec2.CreateRouteOutput{Return: aws.Bool(true)}, nil
}

func (f *fakeEC2) AssociateRouteTableWithContext(_ aws.Context, in *ec2.AssociateRouteTableInput, _ ...request.Option) (*ec2.AssociateRouteTableOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("AssociateRouteTable"); err != nil {
		return nil, err
	}
	t := f.c.routeTables[*in.RouteTableId]
	assoc := f.c.id("rtbassoc")
	t.Associations = append(t.Associations, &ec2.RouteTableAssociation{
		RouteTableAssociationId: aws.String(assoc),
		SubnetId:                in.SubnetId,
		Main:                    aws.Bool(false),
	})
	return &ec2.AssociateRouteTableOutput{AssociationId: aws.String(assoc)}, nil
}

func (f *fakeEC2) DisassociateRouteTableWithContext(_ aws.Context, in *ec2.DisassociateRouteTableInput, _ ...request.Option) (*ec2.DisassociateRouteTableOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DisassociateRouteTable"); err != nil {
		return nil, err
	}
	for _, t := range f.c.routeTables {
		var kept []*ec2.RouteTableAssociation
		for _, a := range t.Associations {
			if aws.StringValue(a.RouteTableAssociationId) != *in.AssociationId {
				kept = append(kept, a)
			}
		}
		t.Associations = kept
	}
	return &ec2.DisassociateRouteTableOutput{}, nil
}

func (f *fakeEC2) DeleteRouteTableWithContext(_ aws.Context, in *ec2.DeleteRouteTableInput, _ ...request.Option) (*ec2.DeleteRouteTableOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteRouteTable"); err != nil {
		return nil, err
	}
	delete(f.c.routeTables, *in.RouteTableId)
	return &ec2.DeleteRouteTableOutput{}, nil
}

func (f *fakeEC2) DescribeSecurityGroupsWithContext(_ aws.Context, in *ec2.DescribeSecurityGroupsInput, _ ...request.Option) (*ec2.DescribeSecurityGroupsOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ec2.DescribeSecurityGroupsOutput{}
	for id, g := range f.c.groups {
		attrs := map[string]string{"group-id": id, "group-name": aws.StringValue(g.GroupName), "vpc-id": aws.StringValue(g.VpcId)}
		if matchFilters(in.Filters, g.Tags, attrs) {
			out.SecurityGroups = append(out.SecurityGroups, g)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateSecurityGroupWithContext(_ aws.Context, in *ec2.CreateSecurityGroupInput, _ ...request.Option) (*ec2.CreateSecurityGroupOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateSecurityGroup"); err != nil {
		return nil, err
	}
	g := &ec2.SecurityGroup{
		GroupId:   aws.String(f.c.id("sg")),
		GroupName: in.GroupName,
		VpcId:     in.VpcId,
		Tags:      tagMap(in.TagSpecifications),
	}
	f.c.groups[*g.GroupId] = g
	return &ec2.CreateSecurityGroupOutput{GroupId: g.GroupId}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngressWithContext(_ aws.Context, in *ec2.AuthorizeSecurityGroupIngressInput, _ ...request.Option) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("AuthorizeSecurityGroupIngress"); err != nil {
		return nil, err
	}
	g := f.c.groups[*in.GroupId]
	g.IpPermissions = append(g.IpPermissions, in.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) RevokeSecurityGroupIngressWithContext(_ aws.Context, in *ec2.RevokeSecurityGroupIngressInput, _ ...request.Option) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("RevokeSecurityGroupIngress"); err != nil {
		return nil, err
	}
	g := f.c.groups[*in.GroupId]
	rules := ApplyIngress(flattenPermissions(g.IpPermissions), flattenPermissions(in.IpPermissions), nil)
	g.IpPermissions = toPermissions(rules)
	return &ec2.RevokeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DeleteSecurityGroupWithContext(_ aws.Context, in *ec2.DeleteSecurityGroupInput, _ ...request.Option) (*ec2.DeleteSecurityGroupOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteSecurityGroup"); err != nil {
		return nil, err
	}
	delete(f.c.groups, *in.GroupId)
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

type fakeELB struct {
	elbv2iface.ELBV2API
	c *fakeCloud
}

func (f *fakeELB) DescribeLoadBalancersWithContext(_ aws.Context, in *elbv2.DescribeLoadBalancersInput, _ ...request.Option) (*elbv2.DescribeLoadBalancersOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &elbv2.DescribeLoadBalancersOutput{}
	for _, n := range aws.StringValueSlice(in.Names) {
		lb, ok := f.c.lbs[n]
		if !ok {
			return nil, notFound(elbv2.ErrCodeLoadBalancerNotFoundException)
		}
		out.LoadBalancers = append(out.LoadBalancers, lb)
	}
	return out, nil
}

func (f *fakeELB) CreateLoadBalancerWithContext(_ aws.Context, in *elbv2.CreateLoadBalancerInput, _ ...request.Option) (*elbv2.CreateLoadBalancerOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateLoadBalancer"); err != nil {
		return nil, err
	}
	name := aws.StringValue(in.Name)
	lb := &elbv2.LoadBalancer{
		LoadBalancerName: in.Name,
		LoadBalancerArn:  aws.String("arn:aws:elasticloadbalancing:lb/" + name),
		DNSName:          aws.String(name + ".elb.amazonaws.com"),
		SecurityGroups:   in.SecurityGroups,
	}
	f.c.lbs[name] = lb
	return &elbv2.CreateLoadBalancerOutput{LoadBalancers: []*elbv2.LoadBalancer{lb}}, nil
}

func (f *fakeELB) DeleteLoadBalancerWithContext(_ aws.Context, in *elbv2.DeleteLoadBalancerInput, _ ...request.Option) (*elbv2.DeleteLoadBalancerOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteLoadBalancer"); err != nil {
		return nil, err
	}
	for n, lb := range f.c.lbs {
		if aws.StringValue(lb.LoadBalancerArn) == *in.LoadBalancerArn {
			delete(f.c.lbs, n)
		}
	}
	return &elbv2.DeleteLoadBalancerOutput{}, nil
}

func (f *fakeELB) DescribeTargetGroupsWithContext(_ aws.Context, in *elbv2.DescribeTargetGroupsInput, _ ...request.Option) (*elbv2.DescribeTargetGroupsOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &elbv2.DescribeTargetGroupsOutput{}
	for _, n := range aws.StringValueSlice(in.Names) {
		tg, ok := f.c.tgs[n]
		if !ok {
			return nil, notFound(elbv2.ErrCodeTargetGroupNotFoundException)
		}
		out.TargetGroups = append(out.TargetGroups, tg)
	}
	return out, nil
}

func (f *fakeELB) CreateTargetGroupWithContext(_ aws.Context, in *elbv2.CreateTargetGroupInput, _ ...request.Option) (*elbv2.CreateTargetGroupOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateTargetGroup"); err != nil {
		return nil, err
	}
	name := aws.StringValue(in.Name)
	tg := &elbv2.TargetGroup{
		TargetGroupName: in.Name,
		TargetGroupArn:  aws.String("arn:aws:elasticloadbalancing:tg/" + name),
		HealthCheckPath: in.HealthCheckPath,
		TargetType:      in.TargetType,
	}
	f.c.tgs[name] = tg
	return &elbv2.CreateTargetGroupOutput{TargetGroups: []*elbv2.TargetGroup{tg}}, nil
}

func (f *fakeELB) DescribeTargetGroupAttributesWithContext(_ aws.Context, in *elbv2.DescribeTargetGroupAttributesInput, _ ...request.Option) (*elbv2.DescribeTargetGroupAttributesOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &elbv2.DescribeTargetGroupAttributesOutput{}
	for k, v := range f.c.tgAttrs[*in.TargetGroupArn] {
		out.Attributes = append(out.Attributes, &elbv2.TargetGroupAttribute{Key: aws.String(k), Value: aws.String(v)})
	}
	return out, nil
}

func (f *fakeELB) ModifyTargetGroupAttributesWithContext(_ aws.Context, in *elbv2.ModifyTargetGroupAttributesInput, _ ...request.Option) (*elbv2.ModifyTargetGroupAttributesOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("ModifyTargetGroupAttributes"); err != nil {
		return nil, err
	}
	attrs := f.c.tgAttrs[*in.TargetGroupArn]
	if attrs == nil {
		attrs = map[string]string{}
		f.c.tgAttrs[*in.TargetGroupArn] = attrs
	}
	for _, a := range in.Attributes {
		attrs[*a.Key] = *a.Value
	}
	return &elbv2.ModifyTargetGroupAttributesOutput{}, nil
}

func (f *fakeELB) DeleteTargetGroupWithContext(_ aws.Context, in *elbv2.DeleteTargetGroupInput, _ ...request.Option) (*elbv2.DeleteTargetGroupOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteTargetGroup"); err != nil {
		return nil, err
	}
	for _, l := range f.c.listeners {
		for _, a := range l.DefaultActions {
			if aws.StringValue(a.TargetGroupArn) == *in.TargetGroupArn {
				return nil, awserr.New(elbv2.ErrCodeResourceInUseException, "in use", nil)
			}
		}
	}
	for n, tg := range f.c.tgs {
		if aws.StringValue(tg.TargetGroupArn) == *in.TargetGroupArn {
			delete(f.c.tgs, n)
		}
	}
	return &elbv2.DeleteTargetGroupOutput{}, nil
}

func (f *fakeELB) DescribeListenersWithContext(_ aws.Context, in *elbv2.DescribeListenersInput, _ ...request.Option) (*elbv2.DescribeListenersOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &elbv2.DescribeListenersOutput{}
	var arns []string
	for arn, l := range f.c.listeners {
		if aws.StringValue(l.LoadBalancerArn) == *in.LoadBalancerArn {
			arns = append(arns, arn)
		}
	}
	sort.Strings(arns)
	for _, arn := range arns {
		out.Listeners = append(out.Listeners, f.c.listeners[arn])
	}
	return out, nil
}

func (f *fakeELB) CreateListenerWithContext(_ aws.Context, in *elbv2.CreateListenerInput, _ ...request.Option) (*elbv2.CreateListenerOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateListener"); err != nil {
		return nil, err
	}
	l := &elbv2.Listener{
		ListenerArn:     aws.String(fmt.Sprintf("%s/listener/%d", aws.StringValue(in.LoadBalancerArn), aws.Int64Value(in.Port))),
		LoadBalancerArn: in.LoadBalancerArn,
		Port:            in.Port,
		Protocol:        in.Protocol,
		Certificates:    in.Certificates,
		DefaultActions:  in.DefaultActions,
		SslPolicy:       in.SslPolicy,
	}
	f.c.listeners[*l.ListenerArn] = l
	return &elbv2.CreateListenerOutput{Listeners: []*elbv2.Listener{l}}, nil
}

func (f *fakeELB) ModifyListenerWithContext(_ aws.Context, in *elbv2.ModifyListenerInput, _ ...request.Option) (*elbv2.ModifyListenerOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("ModifyListener"); err != nil {
		return nil, err
	}
	l := f.c.listeners[*in.ListenerArn]
	if in.DefaultActions != nil {
		l.DefaultActions = in.DefaultActions
	}
	if in.Certificates != nil {
		l.Certificates = in.Certificates
	}
	return &elbv2.ModifyListenerOutput{Listeners: []*elbv2.Listener{l}}, nil
}

func (f *fakeELB) DeleteListenerWithContext(_ aws.Context, in *elbv2.DeleteListenerInput, _ ...request.Option) (*elbv2.DeleteListenerOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteListener"); err != nil {
		return nil, err
	}
	delete(f.c.listeners, *in.ListenerArn)
	return &elbv2.DeleteListenerOutput{}, nil
}

type fakeECR struct {
	ecriface.ECRAPI
	c *fakeCloud
}

func (f *fakeECR) DescribeRepositoriesWithContext(_ aws.Context, in *ecr.DescribeRepositoriesInput, _ ...request.Option) (*ecr.DescribeRepositoriesOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ecr.DescribeRepositoriesOutput{}
	for _, n := range aws.StringValueSlice(in.RepositoryNames) {
		repo, ok := f.c.repos[n]
		if !ok {
			return nil, notFound(ecr.ErrCodeRepositoryNotFoundException)
		}
		out.Repositories = append(out.Repositories, repo)
	}
	return out, nil
}

func (f *fakeECR) CreateRepositoryWithContext(_ aws.Context, in *ecr.CreateRepositoryInput, _ ...request.Option) (*ecr.CreateRepositoryOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateRepository"); err != nil {
		return nil, err
	}
	name := aws.StringValue(in.RepositoryName)
	repo := &ecr.Repository{RepositoryName: in.RepositoryName, RepositoryUri: aws.String("123456789012.dkr.ecr.us-east-1.amazonaws.com/" + name)}
	f.c.repos[name] = repo
	return &ecr.CreateRepositoryOutput{Repository: repo}, nil
}

func (f *fakeECR) GetLifecyclePolicyWithContext(_ aws.Context, in *ecr.GetLifecyclePolicyInput, _ ...request.Option) (*ecr.GetLifecyclePolicyOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	text, ok := f.c.lifecycle[*in.RepositoryName]
	if !ok {
		return nil, notFound(ecr.ErrCodeLifecyclePolicyNotFoundException)
	}
	return &ecr.GetLifecyclePolicyOutput{RepositoryName: in.RepositoryName, LifecyclePolicyText: aws.String(text)}, nil
}

func (f *fakeECR) PutLifecyclePolicyWithContext(_ aws.Context, in *ecr.PutLifecyclePolicyInput, _ ...request.Option) (*ecr.PutLifecyclePolicyOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("PutLifecyclePolicy"); err != nil {
		return nil, err
	}
	f.c.lifecycle[*in.RepositoryName] = *in.LifecyclePolicyText
	return &ecr.PutLifecyclePolicyOutput{}, nil
}

func (f *fakeECR) DeleteRepositoryWithContext(_ aws.Context, in *ecr.DeleteRepositoryInput, _ ...request.Option) (*ecr.DeleteRepositoryOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteRepository"); err != nil {
		return nil, err
	}
	delete(f.c.repos, *in.RepositoryName)
	return &ecr.DeleteRepositoryOutput{}, nil
}

type fakeLogs struct {
	cloudwatchlogsiface.CloudWatchLogsAPI
	c *fakeCloud
}

func (f *fakeLogs) DescribeLogGroupsWithContext(_ aws.Context, in *cloudwatchlogs.DescribeLogGroupsInput, _ ...request.Option) (*cloudwatchlogs.DescribeLogGroupsOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &cloudwatchlogs.DescribeLogGroupsOutput{}
	for n, g := range f.c.logGroups {
		if strings.HasPrefix(n, aws.StringValue(in.LogGroupNamePrefix)) {
			out.LogGroups = append(out.LogGroups, g)
		}
	}
	return out, nil
}

func (f *fakeLogs) CreateLogGroupWithContext(_ aws.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...request.Option) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateLogGroup"); err != nil {
		return nil, err
	}
	f.c.logGroups[*in.LogGroupName] = &cloudwatchlogs.LogGroup{LogGroupName: in.LogGroupName}
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogs) PutRetentionPolicyWithContext(_ aws.Context, in *cloudwatchlogs.PutRetentionPolicyInput, _ ...request.Option) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("PutRetentionPolicy"); err != nil {
		return nil, err
	}
	f.c.logGroups[*in.LogGroupName].RetentionInDays = in.RetentionInDays
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeLogs) DeleteLogGroupWithContext(_ aws.Context, in *cloudwatchlogs.DeleteLogGroupInput, _ ...request.Option) (*cloudwatchlogs.DeleteLogGroupOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteLogGroup"); err != nil {
		return nil, err
	}
	delete(f.c.logGroups, *in.LogGroupName)
	return &cloudwatchlogs.DeleteLogGroupOutput{}, nil
}

type fakeECS struct {
	ecsiface.ECSAPI
	c *fakeCloud
}

func (f *fakeECS) DescribeClustersWithContext(_ aws.Context, in *ecs.DescribeClustersInput, _ ...request.Option) (*ecs.DescribeClustersOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ecs.DescribeClustersOutput{}
	for _, n := range aws.StringValueSlice(in.Clusters) {
		if cl, ok := f.c.clusters[n]; ok {
			out.Clusters = append(out.Clusters, cl)
		}
	}
	return out, nil
}

func (f *fakeECS) CreateClusterWithContext(_ aws.Context, in *ecs.CreateClusterInput, _ ...request.Option) (*ecs.CreateClusterOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateCluster"); err != nil {
		return nil, err
	}
	name := aws.StringValue(in.ClusterName)
	cl := &ecs.Cluster{ClusterName: in.ClusterName, ClusterArn: aws.String("arn:aws:ecs:cluster/" + name), Status: aws.String("ACTIVE")}
	f.c.clusters[name] = cl
	return &ecs.CreateClusterOutput{Cluster: cl}, nil
}

func (f *fakeECS) DeleteClusterWithContext(_ aws.Context, in *ecs.DeleteClusterInput, _ ...request.Option) (*ecs.DeleteClusterOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteCluster"); err != nil {
		return nil, err
	}
	if len(f.c.services) > 0 {
		return nil, awserr.New(ecs.ErrCodeClusterContainsServicesException, "services remain", nil)
	}
	delete(f.c.clusters, *in.Cluster)
	return &ecs.DeleteClusterOutput{}, nil
}

func (f *fakeECS) DescribeTaskDefinitionWithContext(_ aws.Context, in *ecs.DescribeTaskDefinitionInput, _ ...request.Option) (*ecs.DescribeTaskDefinitionOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	for i := len(f.c.taskDefs[*in.TaskDefinition]) - 1; i >= 0; i-- {
		td := f.c.taskDefs[*in.TaskDefinition][i]
		if aws.StringValue(td.Status) == ecs.TaskDefinitionStatusActive {
			return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: td}, nil
		}
	}
	return nil, awserr.New(ecs.ErrCodeClientException, "Unable to describe task definition.", nil)
}

func (f *fakeECS) RegisterTaskDefinitionWithContext(_ aws.Context, in *ecs.RegisterTaskDefinitionInput, _ ...request.Option) (*ecs.RegisterTaskDefinitionOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("RegisterTaskDefinition"); err != nil {
		return nil, err
	}
	family := aws.StringValue(in.Family)
	rev := len(f.c.taskDefs[family]) + 1
	td := &ecs.TaskDefinition{
		Family:               in.Family,
		Revision:             aws.Int64(int64(rev)),
		TaskDefinitionArn:    aws.String(fmt.Sprintf("arn:aws:ecs:task-definition/%s:%d", family, rev)),
		ContainerDefinitions: in.ContainerDefinitions,
		Status:               aws.String(ecs.TaskDefinitionStatusActive),
	}
	f.c.taskDefs[family] = append(f.c.taskDefs[family], td)
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: td}, nil
}

func (f *fakeECS) ListTaskDefinitionsWithContext(_ aws.Context, in *ecs.ListTaskDefinitionsInput, _ ...request.Option) (*ecs.ListTaskDefinitionsOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ecs.ListTaskDefinitionsOutput{}
	for _, td := range f.c.taskDefs[aws.StringValue(in.FamilyPrefix)] {
		if aws.StringValue(td.Status) == ecs.TaskDefinitionStatusActive {
			out.TaskDefinitionArns = append(out.TaskDefinitionArns, td.TaskDefinitionArn)
		}
	}
	return out, nil
}

func (f *fakeECS) DeregisterTaskDefinitionWithContext(_ aws.Context, in *ecs.DeregisterTaskDefinitionInput, _ ...request.Option) (*ecs.DeregisterTaskDefinitionOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeregisterTaskDefinition"); err != nil {
		return nil, err
	}
	for _, defs := range f.c.taskDefs {
		for _, td := range defs {
			if aws.StringValue(td.TaskDefinitionArn) == *in.TaskDefinition {
				td.Status = aws.String("INACTIVE")
			}
		}
	}
	return &ecs.DeregisterTaskDefinitionOutput{}, nil
}

func (f *fakeECS) DescribeServicesWithContext(_ aws.Context, in *ecs.DescribeServicesInput, _ ...request.Option) (*ecs.DescribeServicesOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &ecs.DescribeServicesOutput{}
	for _, n := range aws.StringValueSlice(in.Services) {
		if s, ok := f.c.services[n]; ok {
			out.Services = append(out.Services, s)
		} else {
			out.Failures = append(out.Failures, &ecs.Failure{Arn: aws.String(n), Reason: aws.String("MISSING")})
		}
	}
	return out, nil
}

func (f *fakeECS) CreateServiceWithContext(_ aws.Context, in *ecs.CreateServiceInput, _ ...request.Option) (*ecs.CreateServiceOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateService"); err != nil {
		return nil, err
	}
	name := aws.StringValue(in.ServiceName)
	s := &ecs.Service{
		ServiceName:    in.ServiceName,
		ServiceArn:     aws.String("arn:aws:ecs:service/" + name),
		Status:         aws.String("ACTIVE"),
		DesiredCount:   in.DesiredCount,
		TaskDefinition: in.TaskDefinition,
		LoadBalancers:  in.LoadBalancers,
	}
	f.c.services[name] = s
	return &ecs.CreateServiceOutput{Service: s}, nil
}

func (f *fakeECS) UpdateServiceWithContext(_ aws.Context, in *ecs.UpdateServiceInput, _ ...request.Option) (*ecs.UpdateServiceOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("UpdateService"); err != nil {
		return nil, err
	}
	s, ok := f.c.services[*in.Service]
	if !ok {
		return nil, notFound(ecs.ErrCodeServiceNotFoundException)
	}
	if in.DesiredCount != nil {
		s.DesiredCount = in.DesiredCount
	}
	return &ecs.UpdateServiceOutput{Service: s}, nil
}

func (f *fakeECS) DeleteServiceWithContext(_ aws.Context, in *ecs.DeleteServiceInput, _ ...request.Option) (*ecs.DeleteServiceOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteService"); err != nil {
		return nil, err
	}
	delete(f.c.services, *in.Service)
	return &ecs.DeleteServiceOutput{}, nil
}

type fakeIAM struct {
	iamiface.IAMAPI
	c *fakeCloud
}

func (f *fakeIAM) GetRoleWithContext(_ aws.Context, in *iam.GetRoleInput, _ ...request.Option) (*iam.GetRoleOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	role, ok := f.c.roles[*in.RoleName]
	if !ok {
		return nil, notFound(iam.ErrCodeNoSuchEntityException)
	}
	return &iam.GetRoleOutput{Role: role}, nil
}

func (f *fakeIAM) CreateRoleWithContext(_ aws.Context, in *iam.CreateRoleInput, _ ...request.Option) (*iam.CreateRoleOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateRole"); err != nil {
		return nil, err
	}
	role := &iam.Role{RoleName: in.RoleName, Arn: aws.String("arn:aws:iam::123456789012:role/" + *in.RoleName)}
	f.c.roles[*in.RoleName] = role
	return &iam.CreateRoleOutput{Role: role}, nil
}

func (f *fakeIAM) ListAttachedRolePoliciesWithContext(_ aws.Context, in *iam.ListAttachedRolePoliciesInput, _ ...request.Option) (*iam.ListAttachedRolePoliciesOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &iam.ListAttachedRolePoliciesOutput{}
	for _, arn := range f.c.attached[*in.RoleName] {
		out.AttachedPolicies = append(out.AttachedPolicies, &iam.AttachedPolicy{PolicyArn: aws.String(arn)})
	}
	return out, nil
}

func (f *fakeIAM) AttachRolePolicyWithContext(_ aws.Context, in *iam.AttachRolePolicyInput, _ ...request.Option) (*iam.AttachRolePolicyOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("AttachRolePolicy"); err != nil {
		return nil, err
	}
	f.c.attached[*in.RoleName] = append(f.c.attached[*in.RoleName], *in.PolicyArn)
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachRolePolicyWithContext(_ aws.Context, in *iam.DetachRolePolicyInput, _ ...request.Option) (*iam.DetachRolePolicyOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DetachRolePolicy"); err != nil {
		return nil, err
	}
	delete(f.c.attached, *in.RoleName)
	return &iam.DetachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRoleWithContext(_ aws.Context, in *iam.DeleteRoleInput, _ ...request.Option) (*iam.DeleteRoleOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteRole"); err != nil {
		return nil, err
	}
	delete(f.c.roles, *in.RoleName)
	return &iam.DeleteRoleOutput{}, nil
}

type fakeScaling struct {
	applicationautoscalingiface.ApplicationAutoScalingAPI
	c *fakeCloud
}

func (f *fakeScaling) DescribeScalableTargetsWithContext(_ aws.Context, in *applicationautoscaling.DescribeScalableTargetsInput, _ ...request.Option) (*applicationautoscaling.DescribeScalableTargetsOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &applicationautoscaling.DescribeScalableTargetsOutput{}
	for _, id := range aws.StringValueSlice(in.ResourceIds) {
		if t, ok := f.c.targets[id]; ok {
			out.ScalableTargets = append(out.ScalableTargets, t)
		}
	}
	return out, nil
}

func (f *fakeScaling) RegisterScalableTargetWithContext(_ aws.Context, in *applicationautoscaling.RegisterScalableTargetInput, _ ...request.Option) (*applicationautoscaling.RegisterScalableTargetOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("RegisterScalableTarget"); err != nil {
		return nil, err
	}
	f.c.targets[*in.ResourceId] = &applicationautoscaling.ScalableTarget{
		ResourceId:  in.ResourceId,
		MinCapacity: in.MinCapacity,
		MaxCapacity: in.MaxCapacity,
	}
	return &applicationautoscaling.RegisterScalableTargetOutput{}, nil
}

func (f *fakeScaling) DeregisterScalableTargetWithContext(_ aws.Context, in *applicationautoscaling.DeregisterScalableTargetInput, _ ...request.Option) (*applicationautoscaling.DeregisterScalableTargetOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeregisterScalableTarget"); err != nil {
		return nil, err
	}
	delete(f.c.targets, *in.ResourceId)
	return &applicationautoscaling.DeregisterScalableTargetOutput{}, nil
}

func (f *fakeScaling) DescribeScalingPoliciesWithContext(_ aws.Context, in *applicationautoscaling.DescribeScalingPoliciesInput, _ ...request.Option) (*applicationautoscaling.DescribeScalingPoliciesOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	out := &applicationautoscaling.DescribeScalingPoliciesOutput{}
	for _, n := range aws.StringValueSlice(in.PolicyNames) {
		if p, ok := f.c.policies[n]; ok {
			out.ScalingPolicies = append(out.ScalingPolicies, p)
		}
	}
	return out, nil
}

func (f *fakeScaling) PutScalingPolicyWithContext(_ aws.Context, in *applicationautoscaling.PutScalingPolicyInput, _ ...request.Option) (*applicationautoscaling.PutScalingPolicyOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("PutScalingPolicy"); err != nil {
		return nil, err
	}
	f.c.policies[*in.PolicyName] = &applicationautoscaling.ScalingPolicy{
		PolicyName: in.PolicyName,
		PolicyARN:  aws.String("arn:aws:autoscaling:policy/" + *in.PolicyName),
		TargetTrackingScalingPolicyConfiguration: in.TargetTrackingScalingPolicyConfiguration,
	}
	return &applicationautoscaling.PutScalingPolicyOutput{PolicyARN: aws.String("arn:aws:autoscaling:policy/" + *in.PolicyName)}, nil
}

func (f *fakeScaling) DeleteScalingPolicyWithContext(_ aws.Context, in *applicationautoscaling.DeleteScalingPolicyInput, _ ...request.Option) (*applicationautoscaling.DeleteScalingPolicyOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteScalingPolicy"); err != nil {
		return nil, err
	}
	delete(f.c.policies, *in.PolicyName)
	return &applicationautoscaling.DeleteScalingPolicyOutput{}, nil
}

type fakeDistribution struct {
	id       string
	domain   string
	etag     int
	deployed bool
	cfg      *cloudfront.DistributionConfig
}

type fakeCDN struct {
	cloudfrontiface.CloudFrontAPI
	c *fakeCloud

	waits int
}

func (f *fakeCDN) ListDistributionsPagesWithContext(_ aws.Context, _ *cloudfront.ListDistributionsInput, fn func(*cloudfront.ListDistributionsOutput, bool) bool, _ ...request.Option) error {
	f.c.mu.Lock()
	list := &cloudfront.DistributionList{}
	for _, d := range f.c.dists {
		list.Items = append(list.Items, &cloudfront.DistributionSummary{
			Id:         aws.String(d.id),
			Comment:    d.cfg.Comment,
			DomainName: aws.String(d.domain),
			Enabled:    d.cfg.Enabled,
		})
	}
	f.c.mu.Unlock()
	fn(&cloudfront.ListDistributionsOutput{DistributionList: list}, true)
	return nil
}

func (f *fakeCDN) CreateDistributionWithTagsWithContext(_ aws.Context, in *cloudfront.CreateDistributionWithTagsInput, _ ...request.Option) (*cloudfront.CreateDistributionWithTagsOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("CreateDistribution"); err != nil {
		return nil, err
	}
	id := f.c.id("E")
	d := &fakeDistribution{id: id, domain: strings.ToLower(id) + ".cloudfront.net", etag: 1, cfg: in.DistributionConfigWithTags.DistributionConfig}
	f.c.dists[id] = d
	return &cloudfront.CreateDistributionWithTagsOutput{
		Distribution: &cloudfront.Distribution{Id: aws.String(id), DomainName: aws.String(d.domain)},
		ETag:         aws.String(fmt.Sprint(d.etag)),
	}, nil
}

func (f *fakeCDN) GetDistributionConfigWithContext(_ aws.Context, in *cloudfront.GetDistributionConfigInput, _ ...request.Option) (*cloudfront.GetDistributionConfigOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	d, ok := f.c.dists[*in.Id]
	if !ok {
		return nil, notFound(cloudfront.ErrCodeNoSuchDistribution)
	}
	cfg := *d.cfg
	return &cloudfront.GetDistributionConfigOutput{DistributionConfig: &cfg, ETag: aws.String(fmt.Sprint(d.etag))}, nil
}

func (f *fakeCDN) UpdateDistributionWithContext(_ aws.Context, in *cloudfront.UpdateDistributionInput, _ ...request.Option) (*cloudfront.UpdateDistributionOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("UpdateDistribution"); err != nil {
		return nil, err
	}
	d, ok := f.c.dists[*in.Id]
	if !ok {
		return nil, notFound(cloudfront.ErrCodeNoSuchDistribution)
	}
	if aws.StringValue(in.IfMatch) != fmt.Sprint(d.etag) {
		return nil, awserr.New(cloudfront.ErrCodePreconditionFailed, "etag mismatch", nil)
	}
	if aws.StringValue(in.DistributionConfig.CallerReference) != aws.StringValue(d.cfg.CallerReference) {
		return nil, awserr.New(cloudfront.ErrCodeIllegalUpdate, "caller reference changed", nil)
	}
	d.cfg = in.DistributionConfig
	d.etag++
	d.deployed = false
	return &cloudfront.UpdateDistributionOutput{ETag: aws.String(fmt.Sprint(d.etag))}, nil
}

func (f *fakeCDN) WaitUntilDistributionDeployedWithContext(_ aws.Context, in *cloudfront.GetDistributionInput, _ ...request.WaiterOption) error {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	f.waits++
	if d, ok := f.c.dists[*in.Id]; ok {
		d.deployed = true
	}
	return nil
}

func (f *fakeCDN) DeleteDistributionWithContext(_ aws.Context, in *cloudfront.DeleteDistributionInput, _ ...request.Option) (*cloudfront.DeleteDistributionOutput, error) {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if err := f.c.mutate("DeleteDistribution"); err != nil {
		return nil, err
	}
	d, ok := f.c.dists[*in.Id]
	if !ok {
		return nil, notFound(cloudfront.ErrCodeNoSuchDistribution)
	}
	if aws.StringValue(in.IfMatch) != fmt.Sprint(d.etag) {
		return nil, awserr.New(cloudfront.ErrCodePreconditionFailed, "etag mismatch", nil)
	}
	if aws.BoolValue(d.cfg.Enabled) || !d.deployed {
		return nil, awserr.New(cloudfront.ErrCodeDistributionNotDisabled, "still enabled", nil)
	}
	delete(f.c.dists, *in.Id)
	return &cloudfront.DeleteDistributionOutput{}, nil
}
