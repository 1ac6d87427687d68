package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/iam"

	"rampdeploy/internal/deploy"
)

func repositoryName(r *run) string { return strings.ToLower(r.d.NamePrefix()) }

func roleName(r *run) string { return truncateName(r.d.ResourceName("task-exec"), 64) }

// lifecyclePolicy keeps the newest tagged images and expires untagged ones.
func lifecyclePolicy() string {
	policy := map[string]any{
		"rules": []map[string]any{
			{
				"rulePriority": 1,
				"description":  "Expire untagged images",
				"selection": map[string]any{
					"tagStatus":   "untagged",
					"countType":   "sinceImagePushed",
					"countUnit":   "days",
					"countNumber": 1,
				},
				"action": map[string]string{"type": "expire"},
			},
			{
				"rulePriority": 2,
				"description":  fmt.Sprintf("Keep last %d images", ecrKeepImages),
				"selection": map[string]any{
					"tagStatus":   "any",
					"countType":   "imageCountMoreThan",
					"countNumber": ecrKeepImages,
				},
				"action": map[string]string{"type": "expire"},
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}

// samePolicy compares two JSON policy documents ignoring layout.
func samePolicy(a, b string) bool {
	var da, db any
	if json.Unmarshal([]byte(a), &da) != nil || json.Unmarshal([]byte(b), &db) != nil {
		return false
	}
	return reflect.DeepEqual(da, db)
}

func (p *Provisioner) repositoryStep() step {
	return step{
		name:     "ecr-repository",
		resource: repositoryName,
		find: func(ctx context.Context, r *run) (string, error) {
			out, err := p.aws.ECR.DescribeRepositoriesWithContext(ctx, &ecr.DescribeRepositoriesInput{
				RepositoryNames: aws.StringSlice([]string{repositoryName(r)}),
			})
			if err != nil {
				return "", ignoreCode(err, ecr.ErrCodeRepositoryNotFoundException)
			}
			if len(out.Repositories) == 0 {
				return "", nil
			}
			return aws.StringValue(out.Repositories[0].RepositoryUri), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var uri string
			err := p.mutate(ctx, "ecr", "CreateRepository", func(ctx context.Context) error {
				out, err := p.aws.ECR.CreateRepositoryWithContext(ctx, &ecr.CreateRepositoryInput{
					RepositoryName: aws.String(repositoryName(r)),
					// latest floats; the immutable tag is what task definitions pin.
					ImageTagMutability:         aws.String(ecr.ImageTagMutabilityMutable),
					ImageScanningConfiguration: &ecr.ImageScanningConfiguration{ScanOnPush: aws.Bool(true)},
					Tags:                       r.ecrTags(),
				})
				if err == nil {
					uri = aws.StringValue(out.Repository.RepositoryUri)
				}
				return err
			})
			return uri, err
		},
		reconcile: func(ctx context.Context, r *run, uri string) (string, error) {
			out, err := p.aws.ECR.GetLifecyclePolicyWithContext(ctx, &ecr.GetLifecyclePolicyInput{
				RepositoryName: aws.String(repositoryName(r)),
			})
			if err = ignoreCode(err, ecr.ErrCodeLifecyclePolicyNotFoundException); err != nil {
				return "", err
			}
			if out != nil && samePolicy(aws.StringValue(out.LifecyclePolicyText), lifecyclePolicy()) {
				return uri, nil
			}
			err = p.mutate(ctx, "ecr", "PutLifecyclePolicy", func(ctx context.Context) error {
				_, err := p.aws.ECR.PutLifecyclePolicyWithContext(ctx, &ecr.PutLifecyclePolicyInput{
					RepositoryName:      aws.String(repositoryName(r)),
					LifecyclePolicyText: aws.String(lifecyclePolicy()),
				})
				return err
			})
			return uri, err
		},
		remove: func(ctx context.Context, r *run, _ string) error {
			return p.mutate(ctx, "ecr", "DeleteRepository", func(ctx context.Context) error {
				_, err := p.aws.ECR.DeleteRepositoryWithContext(ctx, &ecr.DeleteRepositoryInput{
					RepositoryName: aws.String(repositoryName(r)),
					Force:          aws.Bool(true),
				})
				return ignoreCode(err, ecr.ErrCodeRepositoryNotFoundException)
			})
		},
		record: func(r *run, id string) { r.out.ECRRepositoryURL = id },
	}
}

func (p *Provisioner) logGroup(ctx context.Context, name string) (*cloudwatchlogs.LogGroup, error) {
	out, err := p.aws.Logs.DescribeLogGroupsWithContext(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(name),
	})
	if err != nil {
		return nil, err
	}
	for _, g := range out.LogGroups {
		if aws.StringValue(g.LogGroupName) == name {
			return g, nil
		}
	}
	return nil, nil
}

func (p *Provisioner) logGroupStep() step {
	return step{
		name:     "log-group",
		resource: func(r *run) string { return r.out.LogGroupName },
		find: func(ctx context.Context, r *run) (string, error) {
			g, err := p.logGroup(ctx, r.out.LogGroupName)
			if err != nil || g == nil {
				return "", err
			}
			return aws.StringValue(g.LogGroupName), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			err := p.mutate(ctx, "logs", "CreateLogGroup", func(ctx context.Context) error {
				_, err := p.aws.Logs.CreateLogGroupWithContext(ctx, &cloudwatchlogs.CreateLogGroupInput{
					LogGroupName: aws.String(r.out.LogGroupName),
					Tags:         r.logTags(),
				})
				return err
			})
			return r.out.LogGroupName, err
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			g, err := p.logGroup(ctx, id)
			if err != nil {
				return id, err
			}
			if g != nil && aws.Int64Value(g.RetentionInDays) == int64(r.d.LogRetentionDays) {
				return id, nil
			}
			return id, p.mutate(ctx, "logs", "PutRetentionPolicy", func(ctx context.Context) error {
				_, err := p.aws.Logs.PutRetentionPolicyWithContext(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
					LogGroupName:    aws.String(id),
					RetentionInDays: aws.Int64(int64(r.d.LogRetentionDays)),
				})
				return err
			})
		},
		remove: func(ctx context.Context, r *run, id string) error {
			return p.mutate(ctx, "logs", "DeleteLogGroup", func(ctx context.Context) error {
				_, err := p.aws.Logs.DeleteLogGroupWithContext(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(id)})
				return ignoreCode(err, cloudwatchlogs.ErrCodeResourceNotFoundException)
			})
		},
		record: func(r *run, id string) { r.out.LogGroupName = id },
	}
}

func (p *Provisioner) clusterStep() step {
	return step{
		name:     "ecs-cluster",
		resource: func(r *run) string { return r.out.ClusterName },
		find: func(ctx context.Context, r *run) (string, error) {
			out, err := p.aws.ECS.DescribeClustersWithContext(ctx, &ecs.DescribeClustersInput{
				Clusters: aws.StringSlice([]string{r.out.ClusterName}),
			})
			if err != nil {
				return "", err
			}
			for _, c := range out.Clusters {
				if aws.StringValue(c.Status) == "ACTIVE" {
					return aws.StringValue(c.ClusterArn), nil
				}
			}
			return "", nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var arn string
			err := p.mutate(ctx, "ecs", "CreateCluster", func(ctx context.Context) error {
				out, err := p.aws.ECS.CreateClusterWithContext(ctx, &ecs.CreateClusterInput{
					ClusterName: aws.String(r.out.ClusterName),
					Settings: []*ecs.ClusterSetting{{
						Name:  aws.String(ecs.ClusterSettingNameContainerInsights),
						Value: aws.String("enabled"),
					}},
					Tags: r.ecsTags(),
				})
				if err == nil {
					arn = aws.StringValue(out.Cluster.ClusterArn)
				}
				return err
			})
			return arn, err
		},
		remove: func(ctx context.Context, r *run, _ string) error {
			return p.mutateRetry(ctx, "ecs", "DeleteCluster", func(ctx context.Context) error {
				_, err := p.aws.ECS.DeleteClusterWithContext(ctx, &ecs.DeleteClusterInput{Cluster: aws.String(r.out.ClusterName)})
				return ignoreCode(err, ecs.ErrCodeClusterNotFoundException)
			}, ecs.ErrCodeClusterContainsServicesException, ecs.ErrCodeClusterContainsTasksException)
		},
		record: func(r *run, _ string) {},
	}
}

const assumeRoleService = "ecs-tasks.amazonaws.com"

func trustPolicy() string {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": assumeRoleService},
			"Action":    "sts:AssumeRole",
		}},
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

func (p *Provisioner) executionRoleStep() step {
	return step{
		name:     "execution-role",
		resource: roleName,
		find: func(ctx context.Context, r *run) (string, error) {
			out, err := p.aws.IAM.GetRoleWithContext(ctx, &iam.GetRoleInput{RoleName: aws.String(roleName(r))})
			if err != nil {
				return "", ignoreCode(err, iam.ErrCodeNoSuchEntityException)
			}
			return aws.StringValue(out.Role.Arn), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var arn string
			err := p.mutate(ctx, "iam", "CreateRole", func(ctx context.Context) error {
				out, err := p.aws.IAM.CreateRoleWithContext(ctx, &iam.CreateRoleInput{
					RoleName:                 aws.String(roleName(r)),
					AssumeRolePolicyDocument: aws.String(trustPolicy()),
					Description:              aws.String("ECS task execution for " + r.d.NamePrefix()),
					Tags:                     r.iamTags(),
				})
				if err == nil {
					arn = aws.StringValue(out.Role.Arn)
				}
				return err
			})
			return arn, err
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			out, err := p.aws.IAM.ListAttachedRolePoliciesWithContext(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(roleName(r))})
			if err != nil {
				return id, err
			}
			for _, ap := range out.AttachedPolicies {
				if aws.StringValue(ap.PolicyArn) == executionPolicy {
					return id, nil
				}
			}
			return id, p.mutate(ctx, "iam", "AttachRolePolicy", func(ctx context.Context) error {
				_, err := p.aws.IAM.AttachRolePolicyWithContext(ctx, &iam.AttachRolePolicyInput{
					RoleName:  aws.String(roleName(r)),
					PolicyArn: aws.String(executionPolicy),
				})
				return err
			})
		},
		remove: func(ctx context.Context, r *run, _ string) error {
			err := p.mutate(ctx, "iam", "DetachRolePolicy", func(ctx context.Context) error {
				_, err := p.aws.IAM.DetachRolePolicyWithContext(ctx, &iam.DetachRolePolicyInput{
					RoleName:  aws.String(roleName(r)),
					PolicyArn: aws.String(executionPolicy),
				})
				return ignoreCode(err, iam.ErrCodeNoSuchEntityException)
			})
			if err != nil {
				return err
			}
			return p.mutate(ctx, "iam", "DeleteRole", func(ctx context.Context) error {
				_, err := p.aws.IAM.DeleteRoleWithContext(ctx, &iam.DeleteRoleInput{RoleName: aws.String(roleName(r))})
				return ignoreCode(err, iam.ErrCodeNoSuchEntityException)
			})
		},
		record: func(r *run, id string) { r.roleARN = id },
	}
}

// TaskDefinitionInput builds a Fargate revision of the family running image.
func TaskDefinitionInput(d deploy.DesiredConfig, family, executionRoleARN, logGroup, image string) *ecs.RegisterTaskDefinitionInput {
	return &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(family),
		Cpu:                     aws.String(strconv.Itoa(d.CPU)),
		Memory:                  aws.String(strconv.Itoa(d.Memory)),
		NetworkMode:             aws.String(ecs.NetworkModeAwsvpc),
		RequiresCompatibilities: aws.StringSlice([]string{ecs.CompatibilityFargate}),
		ExecutionRoleArn:        aws.String(executionRoleARN),
		ContainerDefinitions: []*ecs.ContainerDefinition{{
			Name:      aws.String(deploy.ContainerName),
			Image:     aws.String(image),
			Essential: aws.Bool(true),
			PortMappings: []*ecs.PortMapping{{
				ContainerPort: aws.Int64(int64(d.ContainerPort)),
				Protocol:      aws.String(ecs.TransportProtocolTcp),
			}},
			LogConfiguration: &ecs.LogConfiguration{
				LogDriver: aws.String(ecs.LogDriverAwslogs),
				Options: aws.StringMap(map[string]string{
					"awslogs-group":         logGroup,
					"awslogs-region":        d.Region,
					"awslogs-stream-prefix": "ecs",
				}),
			},
		}},
	}
}

func (p *Provisioner) taskDefinitionStep() step {
	return step{
		name:     "task-definition",
		resource: func(r *run) string { return r.out.TaskFamily },
		find: func(ctx context.Context, r *run) (string, error) {
			out, err := p.aws.ECS.DescribeTaskDefinitionWithContext(ctx, &ecs.DescribeTaskDefinitionInput{
				TaskDefinition: aws.String(r.out.TaskFamily),
			})
			if err != nil {
				// ECS reports an unknown family as a ClientException.
				return "", ignoreCode(err, ecs.ErrCodeClientException)
			}
			return aws.StringValue(out.TaskDefinition.TaskDefinitionArn), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			// Bootstrap revision; deployments register their own pinned revisions.
			in := TaskDefinitionInput(r.d, r.out.TaskFamily, r.roleARN, r.out.LogGroupName, r.out.ECRRepositoryURL+":latest")
			in.Tags = r.ecsTags()
			var arn string
			err := p.mutate(ctx, "ecs", "RegisterTaskDefinition", func(ctx context.Context) error {
				out, err := p.aws.ECS.RegisterTaskDefinitionWithContext(ctx, in)
				if err == nil {
					arn = aws.StringValue(out.TaskDefinition.TaskDefinitionArn)
				}
				return err
			})
			return arn, err
		},
		remove: func(ctx context.Context, r *run, _ string) error {
			var token *string
			for {
				out, err := p.aws.ECS.ListTaskDefinitionsWithContext(ctx, &ecs.ListTaskDefinitionsInput{
					FamilyPrefix: aws.String(r.out.TaskFamily),
					Status:       aws.String(ecs.TaskDefinitionStatusActive),
					NextToken:    token,
				})
				if err != nil {
					return err
				}
				for _, arn := range out.TaskDefinitionArns {
					err := p.mutate(ctx, "ecs", "DeregisterTaskDefinition", func(ctx context.Context) error {
						_, err := p.aws.ECS.DeregisterTaskDefinitionWithContext(ctx, &ecs.DeregisterTaskDefinitionInput{TaskDefinition: arn})
						return err
					})
					if err != nil {
						return err
					}
				}
				if aws.StringValue(out.NextToken) == "" {
					return nil
				}
				token = out.NextToken
			}
		},
		record: func(r *run, id string) { r.taskDefARN = id },
	}
}

func (p *Provisioner) describeService(ctx context.Context, cluster, service string) (*ecs.Service, error) {
	out, err := p.aws.ECS.DescribeServicesWithContext(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: aws.StringSlice([]string{service}),
	})
	if err != nil {
		return nil, ignoreCode(err, ecs.ErrCodeClusterNotFoundException)
	}
	for _, s := range out.Services {
		if aws.StringValue(s.Status) != "INACTIVE" {
			return s, nil
		}
	}
	return nil, nil
}

// clampCount keeps desired inside [min, max] without overriding autoscaling.
func clampCount(current int64, d deploy.DesiredConfig) int64 {
	if current < int64(d.MinCount) {
		return int64(d.MinCount)
	}
	if current > int64(d.MaxCount) {
		return int64(d.MaxCount)
	}
	return current
}

func (p *Provisioner) serviceStep() step {
	return step{
		name:     "ecs-service",
		resource: func(r *run) string { return r.out.ServiceName },
		find: func(ctx context.Context, r *run) (string, error) {
			s, err := p.describeService(ctx, r.out.ClusterName, r.out.ServiceName)
			if err != nil || s == nil {
				return "", err
			}
			return aws.StringValue(s.ServiceArn), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			hc := r.d.HealthCheck
			var arn string
			err := p.mutate(ctx, "ecs", "CreateService", func(ctx context.Context) error {
				out, err := p.aws.ECS.CreateServiceWithContext(ctx, &ecs.CreateServiceInput{
					Cluster:        aws.String(r.out.ClusterName),
					ServiceName:    aws.String(r.out.ServiceName),
					TaskDefinition: aws.String(r.taskDefARN),
					DesiredCount:   aws.Int64(int64(r.d.DesiredCount)),
					LaunchType:     aws.String(ecs.LaunchTypeFargate),
					NetworkConfiguration: &ecs.NetworkConfiguration{
						AwsvpcConfiguration: &ecs.AwsVpcConfiguration{
							Subnets:        aws.StringSlice(r.out.SubnetIDs),
							SecurityGroups: aws.StringSlice([]string{r.out.AppSecurityGroupID}),
							AssignPublicIp: aws.String(ecs.AssignPublicIpEnabled),
						},
					},
					LoadBalancers: []*ecs.LoadBalancer{{
						TargetGroupArn: aws.String(r.out.TargetGroupArn),
						ContainerName:  aws.String(deploy.ContainerName),
						ContainerPort:  aws.Int64(int64(r.d.ContainerPort)),
					}},
					HealthCheckGracePeriodSeconds: aws.Int64(int64(hc.GracePeriodSecs)),
					DeploymentConfiguration: &ecs.DeploymentConfiguration{
						MaximumPercent:        aws.Int64(200),
						MinimumHealthyPercent: aws.Int64(100),
						// Rollback is driven by the orchestrator, not by ECS.
						DeploymentCircuitBreaker: &ecs.DeploymentCircuitBreaker{
							Enable:   aws.Bool(true),
							Rollback: aws.Bool(false),
						},
					},
					PropagateTags: aws.String(ecs.PropagateTagsService),
					Tags:          r.ecsTags(),
				})
				if err == nil {
					arn = aws.StringValue(out.Service.ServiceArn)
				}
				return err
			})
			return arn, err
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			s, err := p.describeService(ctx, r.out.ClusterName, r.out.ServiceName)
			if err != nil || s == nil {
				return id, err
			}
			current := aws.Int64Value(s.DesiredCount)
			want := clampCount(current, r.d)
			if want == current {
				return id, nil
			}
			return id, p.mutate(ctx, "ecs", "UpdateService", func(ctx context.Context) error {
				_, err := p.aws.ECS.UpdateServiceWithContext(ctx, &ecs.UpdateServiceInput{
					Cluster:      aws.String(r.out.ClusterName),
					Service:      aws.String(r.out.ServiceName),
					DesiredCount: aws.Int64(want),
				})
				return err
			})
		},
		remove: func(ctx context.Context, r *run, _ string) error {
			err := p.mutate(ctx, "ecs", "UpdateService", func(ctx context.Context) error {
				_, err := p.aws.ECS.UpdateServiceWithContext(ctx, &ecs.UpdateServiceInput{
					Cluster:      aws.String(r.out.ClusterName),
					Service:      aws.String(r.out.ServiceName),
					DesiredCount: aws.Int64(0),
				})
				return ignoreCode(err, ecs.ErrCodeServiceNotActiveException, ecs.ErrCodeServiceNotFoundException)
			})
			if err != nil {
				return err
			}
			return p.mutate(ctx, "ecs", "DeleteService", func(ctx context.Context) error {
				_, err := p.aws.ECS.DeleteServiceWithContext(ctx, &ecs.DeleteServiceInput{
					Cluster: aws.String(r.out.ClusterName),
					Service: aws.String(r.out.ServiceName),
					Force:   aws.Bool(true),
				})
				return ignoreCode(err, ecs.ErrCodeServiceNotActiveException, ecs.ErrCodeServiceNotFoundException)
			})
		},
		record: func(r *run, _ string) {},
	}
}
