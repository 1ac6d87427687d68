package infra

import (
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudfront"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/elbv2"
	"github.com/aws/aws-sdk-go/service/iam"
)

func sortedTags(d map[string]string, name string) [][2]string {
	all := make(map[string]string, len(d)+1)
	for k, v := range d {
		all[k] = v
	}
	if name != "" {
		all["Name"] = name
	}
	out := make([][2]string, 0, len(all))
	for k, v := range all {
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func (r *run) ec2Tags(resourceType, name string) []*ec2.TagSpecification {
	var tags []*ec2.Tag
	for _, kv := range sortedTags(r.d.ResourceTags(), name) {
		tags = append(tags, &ec2.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return []*ec2.TagSpecification{{ResourceType: aws.String(resourceType), Tags: tags}}
}

func (r *run) elbTags(name string) []*elbv2.Tag {
	var tags []*elbv2.Tag
	for _, kv := range sortedTags(r.d.ResourceTags(), name) {
		tags = append(tags, &elbv2.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return tags
}

func (r *run) ecsTags() []*ecs.Tag {
	var tags []*ecs.Tag
	for _, kv := range sortedTags(r.d.ResourceTags(), "") {
		tags = append(tags, &ecs.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return tags
}

func (r *run) ecrTags() []*ecr.Tag {
	var tags []*ecr.Tag
	for _, kv := range sortedTags(r.d.ResourceTags(), "") {
		tags = append(tags, &ecr.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return tags
}

func (r *run) iamTags() []*iam.Tag {
	var tags []*iam.Tag
	for _, kv := range sortedTags(r.d.ResourceTags(), "") {
		tags = append(tags, &iam.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return tags
}

func (r *run) cdnTags(name string) []*cloudfront.Tag {
	var tags []*cloudfront.Tag
	for _, kv := range sortedTags(r.d.ResourceTags(), name) {
		tags = append(tags, &cloudfront.Tag{Key: aws.String(kv[0]), Value: aws.String(kv[1])})
	}
	return tags
}

func (r *run) logTags() map[string]*string {
	return aws.StringMap(r.d.ResourceTags())
}

func filter(name string, values ...string) *ec2.Filter {
	return &ec2.Filter{Name: aws.String(name), Values: aws.StringSlice(values)}
}

// truncateName keeps AWS names within limit without a trailing hyphen.
func truncateName(name string, limit int) string {
	if len(name) > limit {
		name = name[:limit]
	}
	for len(name) > 0 && name[len(name)-1] == '-' {
		name = name[:len(name)-1]
	}
	return name
}
