package deploy

import (
	"fmt"
	"time"
)

type CertificateStatus string

const (
	CertificatePending  CertificateStatus = "PENDING_VALIDATION"
	CertificateIssued   CertificateStatus = "ISSUED"
	CertificateFailed   CertificateStatus = "FAILED"
	CertificateExpired  CertificateStatus = "EXPIRED"
	CertificateRevoked  CertificateStatus = "REVOKED"
	CertificateTimedOut CertificateStatus = "VALIDATION_TIMED_OUT"
	CertificateInactive CertificateStatus = "INACTIVE"
)

// Fatal reports states a certificate can never leave by itself.
func (s CertificateStatus) Fatal() bool {
	switch s {
	case CertificateIssued, CertificatePending:
		return false
	default:
		return true
	}
}

type ValidationRecord struct {
	Domain string `json:"domain"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}

type Certificate struct {
	ARN        string             `json:"arn"`
	Domain     string             `json:"domain"`
	Status     CertificateStatus  `json:"status"`
	Validation []ValidationRecord `json:"validation,omitempty"`
	Reason     string             `json:"reason,omitempty"`
}

// StackOutputs is produced by one successful apply and replaced wholesale by
// the next one.
type StackOutputs struct {
	VPCID              string   `json:"vpc_id"`
	SubnetIDs          []string `json:"subnet_ids"`
	ALBArn             string   `json:"alb_arn"`
	ALBDNSName         string   `json:"alb_dns_name"`
	TargetGroupArn     string   `json:"target_group_arn"`
	HTTPListenerArn    string   `json:"http_listener_arn"`
	HTTPSListenerArn   string   `json:"https_listener_arn,omitempty"`
	ALBSecurityGroupID string   `json:"alb_security_group_id"`
	AppSecurityGroupID string   `json:"app_security_group_id"`
	ECRRepositoryURL   string   `json:"ecr_repository_url"`
	ClusterName        string   `json:"cluster_name"`
	ServiceName        string   `json:"service_name"`
	TaskFamily         string   `json:"task_family"`
	LogGroupName       string   `json:"log_group_name"`
	CertificateARN     string   `json:"certificate_arn,omitempty"`
	CDNDistributionID  string   `json:"cdn_distribution_id,omitempty"`
	CDNDomainName      string   `json:"cdn_domain_name,omitempty"`
}

func (o StackOutputs) Empty() bool {
	return o.VPCID == "" && o.ClusterName == "" && o.ECRRepositoryURL == ""
}

// ServiceRef returns the ECS address of the service described by o.
func (o StackOutputs) ServiceRef() ServiceRef {
	return ServiceRef{Cluster: o.ClusterName, Service: o.ServiceName, Family: o.TaskFamily}
}

type ServiceRef struct {
	Cluster string `json:"cluster"`
	Service string `json:"service"`
	Family  string `json:"family"`
}

func (r ServiceRef) String() string {
	return r.Cluster + "/" + r.Service
}

type ServiceStatus struct {
	DesiredCount          int64  `json:"desired_count"`
	RunningCount          int64  `json:"running_count"`
	PendingCount          int64  `json:"pending_count"`
	FailedTasksSinceStart int64  `json:"failed_tasks_since_start"`
	RolloutState          string `json:"rollout_state,omitempty"`
	TaskDefinition        string `json:"task_definition,omitempty"`
	Deployments           int    `json:"deployments"`
}

// Stable reports a service whose only deployment runs every desired task
// and has seen no task failures.
func (s ServiceStatus) Stable() bool {
	return s.DesiredCount > 0 &&
		s.RunningCount == s.DesiredCount &&
		s.PendingCount == 0 &&
		s.FailedTasksSinceStart == 0 &&
		s.Deployments <= 1 &&
		s.RolloutState != "IN_PROGRESS"
}

func (s ServiceStatus) String() string {
	return fmt.Sprintf("desired=%d running=%d pending=%d failed=%d deployments=%d rollout=%s",
		s.DesiredCount, s.RunningCount, s.PendingCount, s.FailedTasksSinceStart, s.Deployments, s.RolloutState)
}

// Record is the unit persisted per environment.
type Record struct {
	Environment string         `json:"environment"`
	Desired     *DesiredConfig `json:"desired,omitempty"`
	Outputs     StackOutputs   `json:"outputs"`
	Deployment  *Deployment    `json:"deployment,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// InfraAppliedAt is when Outputs were last returned by a successful apply.
	InfraAppliedAt time.Time `json:"infra_applied_at,omitempty"`
}
