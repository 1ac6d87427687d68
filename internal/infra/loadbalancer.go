package infra

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/elbv2"
)

func albName(r *run) string { return truncateName(r.d.ResourceName("alb"), 32) }

func targetGroupName(r *run) string { return truncateName(r.d.ResourceName("tg"), 32) }

func (p *Provisioner) loadBalancerStep() step {
	return step{
		name:     "load-balancer",
		resource: albName,
		find: func(ctx context.Context, r *run) (string, error) {
			out, err := p.aws.ELB.DescribeLoadBalancersWithContext(ctx, &elbv2.DescribeLoadBalancersInput{
				Names: aws.StringSlice([]string{albName(r)}),
			})
			if err != nil {
				return "", ignoreCode(err, elbv2.ErrCodeLoadBalancerNotFoundException)
			}
			if len(out.LoadBalancers) == 0 {
				return "", nil
			}
			r.out.ALBDNSName = aws.StringValue(out.LoadBalancers[0].DNSName)
			return aws.StringValue(out.LoadBalancers[0].LoadBalancerArn), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var arn string
			err := p.mutate(ctx, "elbv2", "CreateLoadBalancer", func(ctx context.Context) error {
				out, err := p.aws.ELB.CreateLoadBalancerWithContext(ctx, &elbv2.CreateLoadBalancerInput{
					Name:           aws.String(albName(r)),
					Scheme:         aws.String(elbv2.LoadBalancerSchemeEnumInternetFacing),
					Type:           aws.String(elbv2.LoadBalancerTypeEnumApplication),
					Subnets:        aws.StringSlice(r.out.SubnetIDs),
					SecurityGroups: aws.StringSlice([]string{r.out.ALBSecurityGroupID}),
					Tags:           r.elbTags(albName(r)),
				})
				if err == nil && len(out.LoadBalancers) > 0 {
					arn = aws.StringValue(out.LoadBalancers[0].LoadBalancerArn)
					r.out.ALBDNSName = aws.StringValue(out.LoadBalancers[0].DNSName)
				}
				return err
			})
			return arn, err
		},
		remove: func(ctx context.Context, r *run, id string) error {
			return p.mutate(ctx, "elbv2", "DeleteLoadBalancer", func(ctx context.Context) error {
				_, err := p.aws.ELB.DeleteLoadBalancerWithContext(ctx, &elbv2.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(id)})
				return ignoreCode(err, elbv2.ErrCodeLoadBalancerNotFoundException)
			})
		},
		record: func(r *run, id string) { r.out.ALBArn = id },
	}
}

func (p *Provisioner) targetGroupStep() step {
	return step{
		name:     "target-group",
		resource: targetGroupName,
		find: func(ctx context.Context, r *run) (string, error) {
			out, err := p.aws.ELB.DescribeTargetGroupsWithContext(ctx, &elbv2.DescribeTargetGroupsInput{
				Names: aws.StringSlice([]string{targetGroupName(r)}),
			})
			if err != nil {
				return "", ignoreCode(err, elbv2.ErrCodeTargetGroupNotFoundException)
			}
			if len(out.TargetGroups) == 0 {
				return "", nil
			}
			return aws.StringValue(out.TargetGroups[0].TargetGroupArn), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			hc := r.d.HealthCheck
			var arn string
			err := p.mutate(ctx, "elbv2", "CreateTargetGroup", func(ctx context.Context) error {
				out, err := p.aws.ELB.CreateTargetGroupWithContext(ctx, &elbv2.CreateTargetGroupInput{
					Name:                       aws.String(targetGroupName(r)),
					Port:                       aws.Int64(int64(r.d.ContainerPort)),
					Protocol:                   aws.String(elbv2.ProtocolEnumHttp),
					VpcId:                      aws.String(r.out.VPCID),
					TargetType:                 aws.String(elbv2.TargetTypeEnumIp),
					HealthCheckProtocol:        aws.String(elbv2.ProtocolEnumHttp),
					HealthCheckPath:            aws.String(hc.Path),
					HealthCheckIntervalSeconds: aws.Int64(int64(hc.IntervalSecs)),
					HealthCheckTimeoutSeconds:  aws.Int64(int64(hc.TimeoutSecs)),
					HealthyThresholdCount:      aws.Int64(int64(hc.HealthyThreshold)),
					UnhealthyThresholdCount:    aws.Int64(int64(hc.UnhealthyThreshold)),
					Matcher:                    &elbv2.Matcher{HttpCode: aws.String("200-399")},
					Tags:                       r.elbTags(targetGroupName(r)),
				})
				if err == nil && len(out.TargetGroups) > 0 {
					arn = aws.StringValue(out.TargetGroups[0].TargetGroupArn)
				}
				return err
			})
			return arn, err
		},
		reconcile: func(ctx context.Context, r *run, arn string) (string, error) {
			out, err := p.aws.ELB.DescribeTargetGroupAttributesWithContext(ctx, &elbv2.DescribeTargetGroupAttributesInput{
				TargetGroupArn: aws.String(arn),
			})
			if err != nil {
				return "", err
			}
			for _, a := range out.Attributes {
				if aws.StringValue(a.Key) == deregistrationKey && aws.StringValue(a.Value) == deregistration {
					return arn, nil
				}
			}
			err = p.mutate(ctx, "elbv2", "ModifyTargetGroupAttributes", func(ctx context.Context) error {
				_, err := p.aws.ELB.ModifyTargetGroupAttributesWithContext(ctx, &elbv2.ModifyTargetGroupAttributesInput{
					TargetGroupArn: aws.String(arn),
					Attributes: []*elbv2.TargetGroupAttribute{{
						Key:   aws.String(deregistrationKey),
						Value: aws.String(deregistration),
					}},
				})
				return err
			})
			return arn, err
		},
		remove: func(ctx context.Context, r *run, id string) error {
			// Deleting the load balancer is asynchronous; the group stays in use
			// until it is gone.
			return p.mutateRetry(ctx, "elbv2", "DeleteTargetGroup", func(ctx context.Context) error {
				_, err := p.aws.ELB.DeleteTargetGroupWithContext(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(id)})
				return ignoreCode(err, elbv2.ErrCodeTargetGroupNotFoundException)
			}, elbv2.ErrCodeResourceInUseException)
		},
		record: func(r *run, id string) { r.out.TargetGroupArn = id },
	}
}

func (p *Provisioner) listener(ctx context.Context, albArn string, port int64) (*elbv2.Listener, error) {
	if albArn == "" {
		return nil, nil
	}
	out, err := p.aws.ELB.DescribeListenersWithContext(ctx, &elbv2.DescribeListenersInput{LoadBalancerArn: aws.String(albArn)})
	if err != nil {
		return nil, ignoreCode(err, elbv2.ErrCodeLoadBalancerNotFoundException)
	}
	for _, l := range out.Listeners {
		if aws.Int64Value(l.Port) == port {
			return l, nil
		}
	}
	return nil, nil
}

func forward(targetGroupArn string) []*elbv2.Action {
	return []*elbv2.Action{{
		Type:           aws.String(elbv2.ActionTypeEnumForward),
		TargetGroupArn: aws.String(targetGroupArn),
	}}
}

func redirectHTTPS() []*elbv2.Action {
	return []*elbv2.Action{{
		Type: aws.String(elbv2.ActionTypeEnumRedirect),
		RedirectConfig: &elbv2.RedirectActionConfig{
			Protocol:   aws.String(elbv2.ProtocolEnumHttps),
			Port:       aws.String("443"),
			StatusCode: aws.String(elbv2.RedirectActionStatusCodeEnumHttp301),
		},
	}}
}

// httpActions redirects to HTTPS only once a certificate is attached.
func httpActions(r *run) []*elbv2.Action {
	if r.certARN != "" {
		return redirectHTTPS()
	}
	return forward(r.out.TargetGroupArn)
}

func sameAction(have []*elbv2.Action, want []*elbv2.Action) bool {
	if len(have) != 1 || len(want) != 1 {
		return false
	}
	h, w := have[0], want[0]
	if aws.StringValue(h.Type) != aws.StringValue(w.Type) {
		return false
	}
	if aws.StringValue(w.Type) == elbv2.ActionTypeEnumForward {
		return aws.StringValue(h.TargetGroupArn) == aws.StringValue(w.TargetGroupArn)
	}
	return h.RedirectConfig != nil && aws.StringValue(h.RedirectConfig.Protocol) == elbv2.ProtocolEnumHttps
}

func (p *Provisioner) httpListenerStep() step {
	return step{
		name:     "http-listener",
		resource: func(r *run) string { return albName(r) + ":80" },
		find: func(ctx context.Context, r *run) (string, error) {
			l, err := p.listener(ctx, r.out.ALBArn, 80)
			if err != nil || l == nil {
				return "", err
			}
			return aws.StringValue(l.ListenerArn), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var arn string
			err := p.mutate(ctx, "elbv2", "CreateListener", func(ctx context.Context) error {
				out, err := p.aws.ELB.CreateListenerWithContext(ctx, &elbv2.CreateListenerInput{
					LoadBalancerArn: aws.String(r.out.ALBArn),
					Port:            aws.Int64(80),
					Protocol:        aws.String(elbv2.ProtocolEnumHttp),
					DefaultActions:  httpActions(r),
				})
				if err == nil && len(out.Listeners) > 0 {
					arn = aws.StringValue(out.Listeners[0].ListenerArn)
				}
				return err
			})
			return arn, err
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			l, err := p.listener(ctx, r.out.ALBArn, 80)
			if err != nil || l == nil {
				return id, err
			}
			want := httpActions(r)
			if sameAction(l.DefaultActions, want) {
				return id, nil
			}
			return id, p.mutate(ctx, "elbv2", "ModifyListener", func(ctx context.Context) error {
				_, err := p.aws.ELB.ModifyListenerWithContext(ctx, &elbv2.ModifyListenerInput{
					ListenerArn:    aws.String(id),
					DefaultActions: want,
				})
				return err
			})
		},
		remove: p.deleteListener,
		record: func(r *run, id string) { r.out.HTTPListenerArn = id },
	}
}

func (p *Provisioner) httpsListenerStep() step {
	return step{
		name:     "https-listener",
		resource: func(r *run) string { return albName(r) + ":443" },
		applyIf:  func(r *run) bool { return r.certARN != "" },
		find: func(ctx context.Context, r *run) (string, error) {
			l, err := p.listener(ctx, r.out.ALBArn, 443)
			if err != nil || l == nil {
				return "", err
			}
			return aws.StringValue(l.ListenerArn), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var arn string
			err := p.mutate(ctx, "elbv2", "CreateListener", func(ctx context.Context) error {
				out, err := p.aws.ELB.CreateListenerWithContext(ctx, &elbv2.CreateListenerInput{
					LoadBalancerArn: aws.String(r.out.ALBArn),
					Port:            aws.Int64(443),
					Protocol:        aws.String(elbv2.ProtocolEnumHttps),
					SslPolicy:       aws.String(sslPolicy),
					Certificates:    []*elbv2.Certificate{{CertificateArn: aws.String(r.certARN)}},
					DefaultActions:  forward(r.out.TargetGroupArn),
				})
				if err == nil && len(out.Listeners) > 0 {
					arn = aws.StringValue(out.Listeners[0].ListenerArn)
				}
				return err
			})
			return arn, err
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			l, err := p.listener(ctx, r.out.ALBArn, 443)
			if err != nil || l == nil {
				return id, err
			}
			for _, c := range l.Certificates {
				if aws.StringValue(c.CertificateArn) == r.certARN {
					return id, nil
				}
			}
			return id, p.mutate(ctx, "elbv2", "ModifyListener", func(ctx context.Context) error {
				_, err := p.aws.ELB.ModifyListenerWithContext(ctx, &elbv2.ModifyListenerInput{
					ListenerArn:  aws.String(id),
					Certificates: []*elbv2.Certificate{{CertificateArn: aws.String(r.certARN)}},
				})
				return err
			})
		},
		remove: p.deleteListener,
		record: func(r *run, id string) { r.out.HTTPSListenerArn = id },
	}
}

func (p *Provisioner) deleteListener(ctx context.Context, _ *run, id string) error {
	return p.mutate(ctx, "elbv2", "DeleteListener", func(ctx context.Context) error {
		_, err := p.aws.ELB.DeleteListenerWithContext(ctx, &elbv2.DeleteListenerInput{ListenerArn: aws.String(id)})
		return ignoreCode(err, elbv2.ErrCodeListenerNotFoundException)
	})
}
