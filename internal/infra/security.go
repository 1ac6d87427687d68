package infra

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
)

var publicPorts = []int64{80, 443}

// IngressRule is one security group permission with a single source: either
// a CIDR or a source security group.
type IngressRule struct {
	Protocol    string
	FromPort    int64
	ToPort      int64
	CIDR        string
	SourceGroup string
}

func (r IngressRule) String() string {
	src := r.CIDR
	if r.SourceGroup != "" {
		src = r.SourceGroup
	}
	return fmt.Sprintf("%s %d-%d from %s", r.Protocol, r.FromPort, r.ToPort, src)
}

// AppIngressRule is the only rule the application security group may carry.
func AppIngressRule(albGroupID string, port int64) IngressRule {
	return IngressRule{Protocol: "tcp", FromPort: port, ToPort: port, SourceGroup: albGroupID}
}

// CheckAppIngress reports an error unless rules is exactly the single
// container-port rule sourced from the load balancer's security group.
func CheckAppIngress(rules []IngressRule, albGroupID string, port int64) error {
	if albGroupID == "" {
		return fmt.Errorf("app ingress: load balancer security group unknown")
	}
	want := AppIngressRule(albGroupID, port)
	var problems []string
	matched := 0
	for _, r := range rules {
		switch {
		case r.CIDR != "":
			problems = append(problems, "cidr rule "+r.String())
		case r == want:
			matched++
		default:
			problems = append(problems, "unexpected rule "+r.String())
		}
	}
	if matched != 1 {
		problems = append(problems, fmt.Sprintf("want exactly one %s, found %d", want, matched))
	}
	if len(problems) > 0 {
		return fmt.Errorf("app ingress: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ReconcileAppIngress returns the rules to revoke and to authorize so that
// the result satisfies CheckAppIngress.
func ReconcileAppIngress(rules []IngressRule, albGroupID string, port int64) (revoke, authorize []IngressRule) {
	want := AppIngressRule(albGroupID, port)
	kept := false
	for _, r := range rules {
		if r == want && !kept {
			kept = true
			continue
		}
		revoke = append(revoke, r)
	}
	if !kept {
		authorize = append(authorize, want)
	}
	return revoke, authorize
}

// ApplyIngress returns rules with revoke removed and authorize added.
func ApplyIngress(rules, revoke, authorize []IngressRule) []IngressRule {
	drop := map[IngressRule]int{}
	for _, r := range revoke {
		drop[r]++
	}
	var out []IngressRule
	for _, r := range rules {
		if drop[r] > 0 {
			drop[r]--
			continue
		}
		out = append(out, r)
	}
	return append(out, authorize...)
}

func flattenPermissions(perms []*ec2.IpPermission) []IngressRule {
	var out []IngressRule
	for _, p := range perms {
		base := IngressRule{
			Protocol: aws.StringValue(p.IpProtocol),
			FromPort: aws.Int64Value(p.FromPort),
			ToPort:   aws.Int64Value(p.ToPort),
		}
		for _, rng := range p.IpRanges {
			r := base
			r.CIDR = aws.StringValue(rng.CidrIp)
			out = append(out, r)
		}
		for _, rng := range p.Ipv6Ranges {
			r := base
			r.CIDR = aws.StringValue(rng.CidrIpv6)
			out = append(out, r)
		}
		for _, pair := range p.UserIdGroupPairs {
			r := base
			r.SourceGroup = aws.StringValue(pair.GroupId)
			out = append(out, r)
		}
		if len(p.IpRanges) == 0 && len(p.Ipv6Ranges) == 0 && len(p.UserIdGroupPairs) == 0 {
			out = append(out, base)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func toPermissions(rules []IngressRule) []*ec2.IpPermission {
	out := make([]*ec2.IpPermission, 0, len(rules))
	for _, r := range rules {
		perm := &ec2.IpPermission{
			IpProtocol: aws.String(r.Protocol),
			FromPort:   aws.Int64(r.FromPort),
			ToPort:     aws.Int64(r.ToPort),
		}
		switch {
		case r.SourceGroup != "":
			perm.UserIdGroupPairs = []*ec2.UserIdGroupPair{{GroupId: aws.String(r.SourceGroup)}}
		case strings.Contains(r.CIDR, ":"):
			perm.Ipv6Ranges = []*ec2.Ipv6Range{{CidrIpv6: aws.String(r.CIDR)}}
		case r.CIDR != "":
			perm.IpRanges = []*ec2.IpRange{{CidrIp: aws.String(r.CIDR)}}
		}
		out = append(out, perm)
	}
	return out
}

func (p *Provisioner) describeGroup(ctx context.Context, filters ...*ec2.Filter) (*ec2.SecurityGroup, error) {
	out, err := p.aws.EC2.DescribeSecurityGroupsWithContext(ctx, &ec2.DescribeSecurityGroupsInput{Filters: filters})
	if err != nil {
		return nil, err
	}
	if len(out.SecurityGroups) > 0 {
		return out.SecurityGroups[0], nil
	}
	return nil, nil
}

func (p *Provisioner) groupStep(name, kind, description string, reconcile func(ctx context.Context, r *run, id string) (string, error), record func(r *run, id string)) step {
	return step{
		name:     name,
		resource: func(r *run) string { return r.d.ResourceName(kind) },
		find: func(ctx context.Context, r *run) (string, error) {
			if r.out.VPCID == "" {
				return "", nil
			}
			g, err := p.describeGroup(ctx, filter("vpc-id", r.out.VPCID), filter("group-name", r.d.ResourceName(kind)))
			if err != nil || g == nil {
				return "", err
			}
			return aws.StringValue(g.GroupId), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var id string
			err := p.mutate(ctx, "ec2", "CreateSecurityGroup", func(ctx context.Context) error {
				out, err := p.aws.EC2.CreateSecurityGroupWithContext(ctx, &ec2.CreateSecurityGroupInput{
					GroupName:         aws.String(r.d.ResourceName(kind)),
					Description:       aws.String(description),
					VpcId:             aws.String(r.out.VPCID),
					TagSpecifications: r.ec2Tags(ec2.ResourceTypeSecurityGroup, r.d.ResourceName(kind)),
				})
				if err == nil {
					id = aws.StringValue(out.GroupId)
				}
				return err
			})
			return id, err
		},
		reconcile: reconcile,
		remove: func(ctx context.Context, r *run, id string) error {
			// Task ENIs can hold the group for a while after the service is gone.
			return p.mutateRetry(ctx, "ec2", "DeleteSecurityGroup", func(ctx context.Context) error {
				_, err := p.aws.EC2.DeleteSecurityGroupWithContext(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(id)})
				return ignoreCode(err, codeGroupNotFound)
			}, codeDependencyViolation)
		},
		record: record,
	}
}

func (p *Provisioner) albSecurityGroupStep() step {
	return p.groupStep("alb-security-group", "alb-sg", "HTTP and HTTPS from anywhere",
		func(ctx context.Context, r *run, id string) (string, error) {
			g, err := p.describeGroup(ctx, filter("group-id", id))
			if err != nil {
				return id, err
			}
			var have []IngressRule
			if g != nil {
				have = flattenPermissions(g.IpPermissions)
			}
			var missing []IngressRule
			for _, port := range publicPorts {
				want := IngressRule{Protocol: "tcp", FromPort: port, ToPort: port, CIDR: "0.0.0.0/0"}
				if !containsRule(have, want) {
					missing = append(missing, want)
				}
			}
			if len(missing) == 0 {
				return id, nil
			}
			return id, p.authorize(ctx, id, missing)
		},
		func(r *run, id string) { r.out.ALBSecurityGroupID = id },
	)
}

func (p *Provisioner) appSecurityGroupStep() step {
	return p.groupStep("app-security-group", "app-sg", "Container port from the load balancer only",
		func(ctx context.Context, r *run, id string) (string, error) {
			g, err := p.describeGroup(ctx, filter("group-id", id))
			if err != nil {
				return id, err
			}
			var have []IngressRule
			if g != nil {
				have = flattenPermissions(g.IpPermissions)
			}
			port := int64(r.d.ContainerPort)
			revoke, authorize := ReconcileAppIngress(have, r.out.ALBSecurityGroupID, port)
			if len(revoke) > 0 {
				p.log.Warn("revoking stray app ingress", "env", r.d.Environment, "group", id, "rules", len(revoke))
				err := p.mutate(ctx, "ec2", "RevokeSecurityGroupIngress", func(ctx context.Context) error {
					_, err := p.aws.EC2.RevokeSecurityGroupIngressWithContext(ctx, &ec2.RevokeSecurityGroupIngressInput{
						GroupId:       aws.String(id),
						IpPermissions: toPermissions(revoke),
					})
					return err
				})
				if err != nil {
					return id, err
				}
			}
			if len(authorize) > 0 {
				if err := p.authorize(ctx, id, authorize); err != nil {
					return id, err
				}
			}
			return id, CheckAppIngress(ApplyIngress(have, revoke, authorize), r.out.ALBSecurityGroupID, port)
		},
		func(r *run, id string) { r.out.AppSecurityGroupID = id },
	)
}

func (p *Provisioner) authorize(ctx context.Context, groupID string, rules []IngressRule) error {
	return p.mutate(ctx, "ec2", "AuthorizeSecurityGroupIngress", func(ctx context.Context) error {
		_, err := p.aws.EC2.AuthorizeSecurityGroupIngressWithContext(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: toPermissions(rules),
		})
		return err
	})
}

func containsRule(rules []IngressRule, want IngressRule) bool {
	for _, r := range rules {
		if r == want {
			return true
		}
	}
	return false
}
