package deploy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	DefaultCPU              = 256
	DefaultMemory           = 512
	DefaultDesiredCount     = 2
	DefaultMinCount         = 1
	DefaultMaxCount         = 4
	DefaultScalingTarget    = 70.0
	DefaultContainerPort    = 80
	DefaultAvailabilityZone = 2
	DefaultLogRetentionDays = 30
	ManagedByTag            = "rampdeploy"
	DefaultCDNPriceClass    = "PriceClass_100"

	// ContainerName is the essential container of every task definition.
	ContainerName = "web"
)

// fargateMemory maps Fargate CPU units to the memory sizes (MiB) AWS accepts
// for that CPU value.
var fargateMemory = map[int][]int{
	256:  memoryRange(512, 2048, 512),
	512:  memoryRange(1024, 4096, 1024),
	1024: memoryRange(2048, 8192, 1024),
	2048: memoryRange(4096, 16384, 1024),
	4096: memoryRange(8192, 30720, 1024),
}

var cdnPriceClasses = []string{"PriceClass_100", "PriceClass_200", "PriceClass_All"}

var logRetentionDays = []int{1, 3, 5, 7, 14, 30, 60, 90, 120, 150, 180, 365, 400, 545, 731, 1827, 3653}

var envNamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,30}[a-z0-9]$`)

func memoryRange(min, max, step int) []int {
	out := make([]int, 0, (max-min)/step+1)
	for m := min; m <= max; m += step {
		out = append(out, m)
	}
	return out
}

// ValidFargateSize reports whether cpu/memory is an allowed Fargate task size.
func ValidFargateSize(cpu, memory int) bool {
	for _, m := range fargateMemory[cpu] {
		if m == memory {
			return true
		}
	}
	return false
}

// FargateCPUValues returns the allowed CPU units in ascending order.
func FargateCPUValues() []int {
	out := make([]int, 0, len(fargateMemory))
	for cpu := range fargateMemory {
		out = append(out, cpu)
	}
	sort.Ints(out)
	return out
}

type HealthCheck struct {
	Path               string `json:"path" yaml:"path"`
	IntervalSecs       int    `json:"interval_secs" yaml:"interval_secs"`
	TimeoutSecs        int    `json:"timeout_secs" yaml:"timeout_secs"`
	HealthyThreshold   int    `json:"healthy_threshold" yaml:"healthy_threshold"`
	UnhealthyThreshold int    `json:"unhealthy_threshold" yaml:"unhealthy_threshold"`
	GracePeriodSecs    int    `json:"grace_period_secs" yaml:"grace_period_secs"`
}

// DesiredConfig is the target state of one environment.
type DesiredConfig struct {
	Project           string            `json:"project" yaml:"project"`
	Environment       string            `json:"environment" yaml:"environment"`
	Region            string            `json:"region" yaml:"region"`
	DomainName        string            `json:"domain_name,omitempty" yaml:"domain_name"`
	IncludeWWW        bool              `json:"include_www,omitempty" yaml:"include_www"`
	CPU               int               `json:"cpu" yaml:"cpu"`
	Memory            int               `json:"memory" yaml:"memory"`
	DesiredCount      int               `json:"desired_count" yaml:"desired_count"`
	MinCount          int               `json:"min_count" yaml:"min_count"`
	MaxCount          int               `json:"max_count" yaml:"max_count"`
	CPUTarget         float64           `json:"cpu_target" yaml:"cpu_target"`
	MemoryTarget      float64           `json:"memory_target" yaml:"memory_target"`
	ContainerPort     int               `json:"container_port" yaml:"container_port"`
	HealthCheck       HealthCheck       `json:"health_check" yaml:"health_check"`
	AvailabilityZones int               `json:"availability_zones" yaml:"availability_zones"`
	LogRetentionDays  int               `json:"log_retention_days" yaml:"log_retention_days"`
	Tags              map[string]string `json:"tags,omitempty" yaml:"tags"`
	// EnableCDN fronts the load balancer with a CloudFront distribution.
	EnableCDN     bool   `json:"enable_cdn,omitempty" yaml:"enable_cdn"`
	CDNPriceClass string `json:"cdn_price_class,omitempty" yaml:"cdn_price_class"`
}

// WithDefaults returns a copy with every unset field filled in.
func (d DesiredConfig) WithDefaults() DesiredConfig {
	if d.Project == "" {
		d.Project = "traderamp"
	}
	if d.Region == "" {
		d.Region = "us-east-1"
	}
	if d.CPU == 0 && d.Memory == 0 {
		d.CPU, d.Memory = DefaultCPU, DefaultMemory
	}
	if d.DesiredCount == 0 && d.MinCount == 0 && d.MaxCount == 0 {
		d.DesiredCount, d.MinCount, d.MaxCount = DefaultDesiredCount, DefaultMinCount, DefaultMaxCount
	}
	if d.CPUTarget == 0 {
		d.CPUTarget = DefaultScalingTarget
	}
	if d.MemoryTarget == 0 {
		d.MemoryTarget = DefaultScalingTarget
	}
	if d.ContainerPort == 0 {
		d.ContainerPort = DefaultContainerPort
	}
	if d.AvailabilityZones == 0 {
		d.AvailabilityZones = DefaultAvailabilityZone
	}
	if d.LogRetentionDays == 0 {
		d.LogRetentionDays = DefaultLogRetentionDays
	}
	if d.EnableCDN && d.CDNPriceClass == "" {
		d.CDNPriceClass = DefaultCDNPriceClass
	}
	hc := &d.HealthCheck
	if hc.Path == "" {
		hc.Path = "/health"
	}
	if hc.IntervalSecs == 0 {
		hc.IntervalSecs = 30
	}
	if hc.TimeoutSecs == 0 {
		hc.TimeoutSecs = 5
	}
	if hc.HealthyThreshold == 0 {
		hc.HealthyThreshold = 2
	}
	if hc.UnhealthyThreshold == 0 {
		hc.UnhealthyThreshold = 3
	}
	if hc.GracePeriodSecs == 0 {
		hc.GracePeriodSecs = 60
	}
	return d
}

// Validate checks every invariant locally. It never performs I/O.
func (d DesiredConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(d.Project) == "" {
		add("project required")
	}
	if !envNamePattern.MatchString(d.Environment) {
		add("environment %q must be a lowercase dns label", d.Environment)
	}
	if strings.TrimSpace(d.Region) == "" {
		add("region required")
	}
	if !ValidFargateSize(d.CPU, d.Memory) {
		add("cpu/memory %d/%d is not an allowed fargate size", d.CPU, d.Memory)
	}
	if d.MinCount < 1 {
		add("min_count must be at least 1, got %d", d.MinCount)
	}
	if d.MinCount > d.MaxCount {
		add("min_count (%d) cannot exceed max_count (%d)", d.MinCount, d.MaxCount)
	}
	if d.DesiredCount < d.MinCount || d.DesiredCount > d.MaxCount {
		add("desired_count (%d) must be between min_count (%d) and max_count (%d)", d.DesiredCount, d.MinCount, d.MaxCount)
	}
	if d.CPUTarget <= 0 || d.CPUTarget > 100 {
		add("cpu_target must be in (0, 100], got %v", d.CPUTarget)
	}
	if d.MemoryTarget <= 0 || d.MemoryTarget > 100 {
		add("memory_target must be in (0, 100], got %v", d.MemoryTarget)
	}
	if d.ContainerPort < 1 || d.ContainerPort > 65535 {
		add("container_port out of range: %d", d.ContainerPort)
	}
	// An application load balancer needs subnets in at least two zones.
	if d.AvailabilityZones < 2 || d.AvailabilityZones > 6 {
		add("availability_zones must be between 2 and 6, got %d", d.AvailabilityZones)
	}
	if !containsInt(logRetentionDays, d.LogRetentionDays) {
		add("log_retention_days %d is not a cloudwatch retention value", d.LogRetentionDays)
	}
	hc := d.HealthCheck
	if !strings.HasPrefix(hc.Path, "/") {
		add("health_check.path must start with /")
	}
	if hc.TimeoutSecs >= hc.IntervalSecs {
		add("health_check.timeout_secs must be less than interval_secs")
	}
	if hc.HealthyThreshold < 1 || hc.UnhealthyThreshold < 1 {
		add("health_check thresholds must be at least 1")
	}
	if d.DomainName != "" && !strings.Contains(d.DomainName, ".") {
		add("domain_name %q is not a fully qualified name", d.DomainName)
	}
	if d.EnableCDN && !containsString(cdnPriceClasses, d.CDNPriceClass) {
		add("cdn_price_class %q must be one of %s", d.CDNPriceClass, strings.Join(cdnPriceClasses, ", "))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (d DesiredConfig) HasDomain() bool {
	return strings.TrimSpace(d.DomainName) != ""
}

// CertificateDomains returns the primary domain followed by its SANs.
func (d DesiredConfig) CertificateDomains() []string {
	if !d.HasDomain() {
		return nil
	}
	domains := []string{d.DomainName}
	if d.IncludeWWW && !strings.HasPrefix(d.DomainName, "www.") {
		domains = append(domains, "www."+d.DomainName)
	}
	return domains
}

func (d DesiredConfig) NamePrefix() string {
	return d.Project + "-" + d.Environment
}

func (d DesiredConfig) ResourceName(kind string) string {
	return d.NamePrefix() + "-" + kind
}

// ResourceTags merges the standard tags with user tags; user tags win.
func (d DesiredConfig) ResourceTags() map[string]string {
	tags := map[string]string{
		"Project":     d.Project,
		"Environment": d.Environment,
		"ManagedBy":   ManagedByTag,
	}
	for k, v := range d.Tags {
		tags[k] = v
	}
	return tags
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
