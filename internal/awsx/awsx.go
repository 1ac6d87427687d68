// Package awsx builds the AWS SDK clients shared by the provisioning
// components.
package awsx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/credentials/stscreds"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/acm"
	"github.com/aws/aws-sdk-go/service/acm/acmiface"
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
	"github.com/aws/aws-sdk-go/service/sts"
	"github.com/aws/aws-sdk-go/service/sts/stsiface"
)

// MutationTimeout bounds a single create/update/delete call.
const MutationTimeout = 2 * time.Minute

type Options struct {
	Region     string
	Profile    string
	Endpoint   string
	MaxRetries int
	// RoleARN, when set, is assumed on top of the resolved credentials.
	RoleARN string
}

func NewSession(opts Options) (*session.Session, error) {
	if strings.TrimSpace(opts.Region) == "" {
		return nil, errors.New("region required")
	}
	cfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint)
	}
	if opts.MaxRetries > 0 {
		cfg = cfg.WithMaxRetries(opts.MaxRetries)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		Profile:           opts.Profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, err
	}
	if opts.RoleARN != "" {
		return sess.Copy(&aws.Config{Credentials: stscreds.NewCredentials(sess, opts.RoleARN)}), nil
	}
	return sess, nil
}

// Clients groups the service interfaces so tests can swap in fakes.
type Clients struct {
	ACM     acmiface.ACMAPI
	CDN     cloudfrontiface.CloudFrontAPI
	EC2     ec2iface.EC2API
	ELB     elbv2iface.ELBV2API
	ECS     ecsiface.ECSAPI
	ECR     ecriface.ECRAPI
	IAM     iamiface.IAMAPI
	Logs    cloudwatchlogsiface.CloudWatchLogsAPI
	Scaling applicationautoscalingiface.ApplicationAutoScalingAPI
	STS     stsiface.STSAPI
}

func NewClients(p client.ConfigProvider) *Clients {
	return &Clients{
		ACM:     acm.New(p),
		CDN:     cloudfront.New(p),
		EC2:     ec2.New(p),
		ELB:     elbv2.New(p),
		ECS:     ecs.New(p),
		ECR:     ecr.New(p),
		IAM:     iam.New(p),
		Logs:    cloudwatchlogs.New(p),
		Scaling: applicationautoscaling.New(p),
		STS:     sts.New(p),
	}
}

// AccountID returns the account the credentials resolve to.
func (c *Clients) AccountID(ctx context.Context) (string, error) {
	out, err := c.STS.GetCallerIdentityWithContext(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	return aws.StringValue(out.Account), nil
}

// Detach returns a context that survives cancellation of ctx but still ends
// after timeout. Mutating calls use it so a cancelled run never abandons a
// half-sent request.
func Detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = MutationTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func ErrorCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}

// IsCode reports whether err is an AWS error with one of codes.
func IsCode(err error, codes ...string) bool {
	code := ErrorCode(err)
	if code == "" {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func StringSlice(in []*string) []string {
	return aws.StringValueSlice(in)
}
