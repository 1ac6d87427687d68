package infra

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling"
)

const (
	cpuMetric    = "ECSServiceAverageCPUUtilization"
	memoryMetric = "ECSServiceAverageMemoryUtilization"
)

func scalingResourceID(r *run) string {
	return "service/" + r.out.ClusterName + "/" + r.out.ServiceName
}

type scalingPolicy struct {
	name   string
	metric string
	target float64
}

func scalingPolicies(r *run) []scalingPolicy {
	return []scalingPolicy{
		{name: r.d.ResourceName("cpu-scaling"), metric: cpuMetric, target: r.d.CPUTarget},
		{name: r.d.ResourceName("memory-scaling"), metric: memoryMetric, target: r.d.MemoryTarget},
	}
}

func (p *Provisioner) scalableTarget(ctx context.Context, r *run) (*applicationautoscaling.ScalableTarget, error) {
	out, err := p.aws.Scaling.DescribeScalableTargetsWithContext(ctx, &applicationautoscaling.DescribeScalableTargetsInput{
		ServiceNamespace:  aws.String(applicationautoscaling.ServiceNamespaceEcs),
		ScalableDimension: aws.String(applicationautoscaling.ScalableDimensionEcsServiceDesiredCount),
		ResourceIds:       aws.StringSlice([]string{scalingResourceID(r)}),
	})
	if err != nil {
		return nil, err
	}
	if len(out.ScalableTargets) == 0 {
		return nil, nil
	}
	return out.ScalableTargets[0], nil
}

func (p *Provisioner) scalableTargetStep() step {
	register := func(ctx context.Context, r *run) error {
		return p.mutate(ctx, "application-autoscaling", "RegisterScalableTarget", func(ctx context.Context) error {
			_, err := p.aws.Scaling.RegisterScalableTargetWithContext(ctx, &applicationautoscaling.RegisterScalableTargetInput{
				ServiceNamespace:  aws.String(applicationautoscaling.ServiceNamespaceEcs),
				ScalableDimension: aws.String(applicationautoscaling.ScalableDimensionEcsServiceDesiredCount),
				ResourceId:        aws.String(scalingResourceID(r)),
				MinCapacity:       aws.Int64(int64(r.d.MinCount)),
				MaxCapacity:       aws.Int64(int64(r.d.MaxCount)),
			})
			return err
		})
	}
	return step{
		name:     "scalable-target",
		resource: scalingResourceID,
		find: func(ctx context.Context, r *run) (string, error) {
			t, err := p.scalableTarget(ctx, r)
			if err != nil || t == nil {
				return "", err
			}
			return aws.StringValue(t.ResourceId), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			return scalingResourceID(r), register(ctx, r)
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			t, err := p.scalableTarget(ctx, r)
			if err != nil {
				return id, err
			}
			if t != nil && aws.Int64Value(t.MinCapacity) == int64(r.d.MinCount) && aws.Int64Value(t.MaxCapacity) == int64(r.d.MaxCount) {
				return id, nil
			}
			return id, register(ctx, r)
		},
		remove: func(ctx context.Context, r *run, id string) error {
			return p.mutate(ctx, "application-autoscaling", "DeregisterScalableTarget", func(ctx context.Context) error {
				_, err := p.aws.Scaling.DeregisterScalableTargetWithContext(ctx, &applicationautoscaling.DeregisterScalableTargetInput{
					ServiceNamespace:  aws.String(applicationautoscaling.ServiceNamespaceEcs),
					ScalableDimension: aws.String(applicationautoscaling.ScalableDimensionEcsServiceDesiredCount),
					ResourceId:        aws.String(id),
				})
				return ignoreCode(err, applicationautoscaling.ErrCodeObjectNotFoundException)
			})
		},
		record: func(r *run, _ string) {},
	}
}

// existingPolicies maps policy name to its current target value.
func (p *Provisioner) existingPolicies(ctx context.Context, r *run) (map[string]float64, error) {
	var names []string
	for _, sp := range scalingPolicies(r) {
		names = append(names, sp.name)
	}
	out, err := p.aws.Scaling.DescribeScalingPoliciesWithContext(ctx, &applicationautoscaling.DescribeScalingPoliciesInput{
		ServiceNamespace:  aws.String(applicationautoscaling.ServiceNamespaceEcs),
		ScalableDimension: aws.String(applicationautoscaling.ScalableDimensionEcsServiceDesiredCount),
		ResourceId:        aws.String(scalingResourceID(r)),
		PolicyNames:       aws.StringSlice(names),
	})
	if err != nil {
		return nil, err
	}
	found := map[string]float64{}
	for _, sp := range out.ScalingPolicies {
		var target float64
		if cfg := sp.TargetTrackingScalingPolicyConfiguration; cfg != nil {
			target = aws.Float64Value(cfg.TargetValue)
		}
		found[aws.StringValue(sp.PolicyName)] = target
	}
	return found, nil
}

func (p *Provisioner) scalingPoliciesStep() step {
	ensure := func(ctx context.Context, r *run, _ string) (string, error) {
		found, err := p.existingPolicies(ctx, r)
		if err != nil {
			return "", err
		}
		var names []string
		for _, sp := range scalingPolicies(r) {
			names = append(names, sp.name)
			if target, ok := found[sp.name]; ok && target == sp.target {
				continue
			}
			err := p.mutate(ctx, "application-autoscaling", "PutScalingPolicy", func(ctx context.Context) error {
				_, err := p.aws.Scaling.PutScalingPolicyWithContext(ctx, &applicationautoscaling.PutScalingPolicyInput{
					PolicyName:        aws.String(sp.name),
					PolicyType:        aws.String(applicationautoscaling.PolicyTypeTargetTrackingScaling),
					ServiceNamespace:  aws.String(applicationautoscaling.ServiceNamespaceEcs),
					ScalableDimension: aws.String(applicationautoscaling.ScalableDimensionEcsServiceDesiredCount),
					ResourceId:        aws.String(scalingResourceID(r)),
					TargetTrackingScalingPolicyConfiguration: &applicationautoscaling.TargetTrackingScalingPolicyConfiguration{
						TargetValue: aws.Float64(sp.target),
						PredefinedMetricSpecification: &applicationautoscaling.PredefinedMetricSpecification{
							PredefinedMetricType: aws.String(sp.metric),
						},
						ScaleInCooldown:  aws.Int64(scaleInCooldown),
						ScaleOutCooldown: aws.Int64(scaleOutCooldown),
					},
				})
				return err
			})
			if err != nil {
				return "", err
			}
		}
		return strings.Join(names, ","), nil
	}
	return step{
		name:     "scaling-policies",
		resource: func(r *run) string { return r.d.ResourceName("*-scaling") },
		find: func(ctx context.Context, r *run) (string, error) {
			found, err := p.existingPolicies(ctx, r)
			if err != nil || len(found) == 0 {
				return "", err
			}
			names := make(map[string]string, len(found))
			for n := range found {
				names[n] = n
			}
			return joinSorted(names), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			return ensure(ctx, r, "")
		},
		reconcile: ensure,
		remove: func(ctx context.Context, r *run, id string) error {
			for _, name := range splitIDs(id) {
				err := p.mutate(ctx, "application-autoscaling", "DeleteScalingPolicy", func(ctx context.Context) error {
					_, err := p.aws.Scaling.DeleteScalingPolicyWithContext(ctx, &applicationautoscaling.DeleteScalingPolicyInput{
						PolicyName:        aws.String(name),
						ServiceNamespace:  aws.String(applicationautoscaling.ServiceNamespaceEcs),
						ScalableDimension: aws.String(applicationautoscaling.ScalableDimensionEcsServiceDesiredCount),
						ResourceId:        aws.String(scalingResourceID(r)),
					})
					return ignoreCode(err, applicationautoscaling.ErrCodeObjectNotFoundException)
				})
				if err != nil {
					return err
				}
			}
			return nil
		},
		record: func(r *run, _ string) {},
	}
}
