package infra

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudfront"
	"github.com/google/uuid"
)

const (
	cdnOriginID = "alb-origin"
	staticTTL   = 7 * 24 * 3600 // seconds
	maxTTL      = 365 * 24 * 3600
)

var cdnStaticPaths = []string{"*.css", "*.js", "*.jpg", "*.png"}

// cdnComment identifies the environment's distribution; CloudFront has no
// name field to look it up by.
func cdnComment(r *run) string { return r.d.ResourceName("cdn") }

func (p *Provisioner) distribution(ctx context.Context, comment string) (*cloudfront.DistributionSummary, error) {
	var found *cloudfront.DistributionSummary
	err := p.aws.CDN.ListDistributionsPagesWithContext(ctx, &cloudfront.ListDistributionsInput{},
		func(out *cloudfront.ListDistributionsOutput, _ bool) bool {
			if out.DistributionList == nil {
				return false
			}
			for _, d := range out.DistributionList.Items {
				if aws.StringValue(d.Comment) == comment {
					found = d
					return false
				}
			}
			return true
		})
	return found, err
}

func methods(names ...string) []*string { return aws.StringSlice(names) }

// cdnConfig fronts the load balancer over plain HTTP: the listener
// certificate names the site domain, not the ALB host CloudFront connects to.
// Dynamic responses are never cached; static assets are.
func cdnConfig(r *run, callerRef string) *cloudfront.DistributionConfig {
	statics := make([]*cloudfront.CacheBehavior, 0, len(cdnStaticPaths))
	for _, path := range cdnStaticPaths {
		statics = append(statics, &cloudfront.CacheBehavior{
			PathPattern:          aws.String(path),
			TargetOriginId:       aws.String(cdnOriginID),
			ViewerProtocolPolicy: aws.String(cloudfront.ViewerProtocolPolicyRedirectToHttps),
			AllowedMethods: &cloudfront.AllowedMethods{
				Quantity: aws.Int64(2),
				Items:    methods(cloudfront.MethodGet, cloudfront.MethodHead),
				CachedMethods: &cloudfront.CachedMethods{
					Quantity: aws.Int64(2),
					Items:    methods(cloudfront.MethodGet, cloudfront.MethodHead),
				},
			},
			Compress:   aws.Bool(true),
			MinTTL:     aws.Int64(0),
			DefaultTTL: aws.Int64(staticTTL),
			MaxTTL:     aws.Int64(maxTTL),
			ForwardedValues: &cloudfront.ForwardedValues{
				QueryString: aws.Bool(false),
				Cookies:     &cloudfront.CookiePreference{Forward: aws.String(cloudfront.ItemSelectionNone)},
				Headers:     &cloudfront.Headers{Quantity: aws.Int64(0)},
			},
		})
	}
	all := methods(cloudfront.MethodGet, cloudfront.MethodHead, cloudfront.MethodOptions,
		cloudfront.MethodPut, cloudfront.MethodPost, cloudfront.MethodPatch, cloudfront.MethodDelete)
	cached := methods(cloudfront.MethodGet, cloudfront.MethodHead, cloudfront.MethodOptions)
	return &cloudfront.DistributionConfig{
		CallerReference: aws.String(callerRef),
		Comment:         aws.String(cdnComment(r)),
		Enabled:         aws.Bool(true),
		IsIPV6Enabled:   aws.Bool(true),
		PriceClass:      aws.String(r.d.CDNPriceClass),
		Origins: &cloudfront.Origins{
			Quantity: aws.Int64(1),
			Items: []*cloudfront.Origin{{
				Id:         aws.String(cdnOriginID),
				DomainName: aws.String(r.out.ALBDNSName),
				CustomOriginConfig: &cloudfront.CustomOriginConfig{
					HTTPPort:               aws.Int64(80),
					HTTPSPort:              aws.Int64(443),
					OriginProtocolPolicy:   aws.String(cloudfront.OriginProtocolPolicyHttpOnly),
					OriginKeepaliveTimeout: aws.Int64(5),
					OriginReadTimeout:      aws.Int64(30),
					OriginSslProtocols: &cloudfront.OriginSslProtocols{
						Quantity: aws.Int64(1),
						Items:    aws.StringSlice([]string{cloudfront.SslProtocolTlsv12}),
					},
				},
			}},
		},
		DefaultCacheBehavior: &cloudfront.DefaultCacheBehavior{
			TargetOriginId:       aws.String(cdnOriginID),
			ViewerProtocolPolicy: aws.String(cloudfront.ViewerProtocolPolicyRedirectToHttps),
			AllowedMethods: &cloudfront.AllowedMethods{
				Quantity:      aws.Int64(int64(len(all))),
				Items:         all,
				CachedMethods: &cloudfront.CachedMethods{Quantity: aws.Int64(int64(len(cached))), Items: cached},
			},
			Compress:   aws.Bool(true),
			MinTTL:     aws.Int64(0),
			DefaultTTL: aws.Int64(0),
			MaxTTL:     aws.Int64(maxTTL),
			ForwardedValues: &cloudfront.ForwardedValues{
				QueryString: aws.Bool(true),
				Cookies:     &cloudfront.CookiePreference{Forward: aws.String(cloudfront.ItemSelectionAll)},
				Headers:     &cloudfront.Headers{Quantity: aws.Int64(1), Items: aws.StringSlice([]string{"*"})},
			},
		},
		CacheBehaviors: &cloudfront.CacheBehaviors{Quantity: aws.Int64(int64(len(statics))), Items: statics},
		Restrictions: &cloudfront.Restrictions{GeoRestriction: &cloudfront.GeoRestriction{
			RestrictionType: aws.String(cloudfront.GeoRestrictionTypeNone),
			Quantity:        aws.Int64(0),
		}},
		ViewerCertificate: &cloudfront.ViewerCertificate{CloudFrontDefaultCertificate: aws.Bool(true)},
	}
}

// cdnDrifted reports whether an existing distribution no longer fronts the
// current load balancer as configured.
func cdnDrifted(cfg *cloudfront.DistributionConfig, r *run) bool {
	if !aws.BoolValue(cfg.Enabled) || aws.StringValue(cfg.PriceClass) != r.d.CDNPriceClass {
		return true
	}
	if cfg.Origins == nil || len(cfg.Origins.Items) != 1 {
		return true
	}
	return aws.StringValue(cfg.Origins.Items[0].DomainName) != r.out.ALBDNSName
}

func (p *Provisioner) cdnStep() step {
	return step{
		name:     "cdn",
		resource: cdnComment,
		applyIf:  func(r *run) bool { return r.d.EnableCDN },
		find: func(ctx context.Context, r *run) (string, error) {
			d, err := p.distribution(ctx, cdnComment(r))
			if err != nil || d == nil {
				return "", err
			}
			r.out.CDNDomainName = aws.StringValue(d.DomainName)
			return aws.StringValue(d.Id), nil
		},
		create: func(ctx context.Context, r *run) (string, error) {
			var id string
			err := p.mutate(ctx, "cloudfront", "CreateDistribution", func(ctx context.Context) error {
				out, err := p.aws.CDN.CreateDistributionWithTagsWithContext(ctx, &cloudfront.CreateDistributionWithTagsInput{
					DistributionConfigWithTags: &cloudfront.DistributionConfigWithTags{
						DistributionConfig: cdnConfig(r, uuid.NewString()),
						Tags:               &cloudfront.Tags{Items: r.cdnTags(cdnComment(r))},
					},
				})
				if err == nil {
					id = aws.StringValue(out.Distribution.Id)
					r.out.CDNDomainName = aws.StringValue(out.Distribution.DomainName)
				}
				return err
			})
			return id, err
		},
		reconcile: func(ctx context.Context, r *run, id string) (string, error) {
			cur, err := p.aws.CDN.GetDistributionConfigWithContext(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
			if err != nil {
				return "", err
			}
			if !cdnDrifted(cur.DistributionConfig, r) {
				return id, nil
			}
			// CallerReference is immutable and must be sent back unchanged.
			cfg := cdnConfig(r, aws.StringValue(cur.DistributionConfig.CallerReference))
			err = p.mutate(ctx, "cloudfront", "UpdateDistribution", func(ctx context.Context) error {
				_, err := p.aws.CDN.UpdateDistributionWithContext(ctx, &cloudfront.UpdateDistributionInput{
					Id:                 aws.String(id),
					IfMatch:            cur.ETag,
					DistributionConfig: cfg,
				})
				return err
			})
			return id, err
		},
		remove: func(ctx context.Context, r *run, id string) error {
			cur, err := p.aws.CDN.GetDistributionConfigWithContext(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
			if err != nil {
				return ignoreCode(err, cloudfront.ErrCodeNoSuchDistribution)
			}
			// Only a disabled, fully deployed distribution can be deleted.
			if aws.BoolValue(cur.DistributionConfig.Enabled) {
				cfg := cur.DistributionConfig
				cfg.Enabled = aws.Bool(false)
				err := p.mutate(ctx, "cloudfront", "UpdateDistribution", func(ctx context.Context) error {
					_, err := p.aws.CDN.UpdateDistributionWithContext(ctx, &cloudfront.UpdateDistributionInput{
						Id:                 aws.String(id),
						IfMatch:            cur.ETag,
						DistributionConfig: cfg,
					})
					return err
				})
				if err != nil {
					return err
				}
			}
			p.log.Info("waiting for distribution to deploy", "env", r.d.Environment, "id", id)
			if err := p.aws.CDN.WaitUntilDistributionDeployedWithContext(ctx, &cloudfront.GetDistributionInput{Id: aws.String(id)}); err != nil {
				return err
			}
			cur, err = p.aws.CDN.GetDistributionConfigWithContext(ctx, &cloudfront.GetDistributionConfigInput{Id: aws.String(id)})
			if err != nil {
				return ignoreCode(err, cloudfront.ErrCodeNoSuchDistribution)
			}
			return p.mutate(ctx, "cloudfront", "DeleteDistribution", func(ctx context.Context) error {
				_, err := p.aws.CDN.DeleteDistributionWithContext(ctx, &cloudfront.DeleteDistributionInput{
					Id:      aws.String(id),
					IfMatch: cur.ETag,
				})
				return ignoreCode(err, cloudfront.ErrCodeNoSuchDistribution)
			})
		},
		record: func(r *run, id string) { r.out.CDNDistributionID = id },
	}
}
