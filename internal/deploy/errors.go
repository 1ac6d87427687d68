package deploy

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

// ValidationError is returned before any provider call is made.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid desired config: " + strings.Join(e.Problems, "; ")
}

// ProviderApplyError identifies the resource an apply stopped at. Resources
// created before it are left in place and a later Apply resumes from there.
type ProviderApplyError struct {
	Step     string
	Resource string
	Err      error
}

func (e *ProviderApplyError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("apply %s (%s): %v", e.Step, e.Resource, e.Err)
	}
	return fmt.Sprintf("apply %s: %v", e.Step, e.Err)
}

func (e *ProviderApplyError) Unwrap() error { return e.Err }

// CertificateTimeoutError carries the DNS records an operator still has to
// publish at the registrar.
type CertificateTimeoutError struct {
	ARN        string
	Domain     string
	Status     CertificateStatus
	Validation []ValidationRecord
	// Err is set when the caller's deadline ended the wait.
	Err error
}

func (e *CertificateTimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "certificate %s for %s still %s", e.ARN, e.Domain, e.Status)
	for _, r := range e.Validation {
		fmt.Fprintf(&b, "; publish %s %s -> %s", r.Type, r.Name, r.Value)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CertificateTimeoutError) Unwrap() error { return e.Err }

type CertificateFatalError struct {
	ARN    string
	Domain string
	Status CertificateStatus
	Reason string
}

func (e *CertificateFatalError) Error() string {
	msg := fmt.Sprintf("certificate %s for %s is %s", e.ARN, e.Domain, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg + " (request a new certificate)"
}

// RegistryPushError means no service mutation happened; the run is safe to retry.
type RegistryPushError struct {
	Image string
	Err   error
}

func (e *RegistryPushError) Error() string {
	return fmt.Sprintf("push %s: %v", e.Image, e.Err)
}

func (e *RegistryPushError) Unwrap() error { return e.Err }

// ServiceDeployError triggers the automatic rollback.
type ServiceDeployError struct {
	Service string
	Reason  string
	Status  ServiceStatus
	Err     error
}

func (e *ServiceDeployError) Error() string {
	msg := fmt.Sprintf("service %s: %s", e.Service, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ServiceDeployError) Unwrap() error { return e.Err }

// RollbackFailedError requires manual operator intervention.
type RollbackFailedError struct {
	Service        string
	TaskDefinition string
	Cause          error
	Err            error
}

func (e *RollbackFailedError) Error() string {
	msg := fmt.Sprintf("rollback of %s to %s failed: %v", e.Service, e.TaskDefinition, e.Err)
	if e.Cause != nil {
		msg += " (after: " + e.Cause.Error() + ")"
	}
	return msg
}

func (e *RollbackFailedError) Unwrap() error { return e.Err }

type AlreadyInProgressError struct {
	Environment string
	Holder      string
}

func (e *AlreadyInProgressError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("deployment already in progress for %s (held by %s)", e.Environment, e.Holder)
	}
	return fmt.Sprintf("deployment already in progress for %s", e.Environment)
}

// StepError wraps any step failure with the step name and deployment id.
type StepError struct {
	Step         string
	DeploymentID string
	Err          error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("deployment %s: %s: %v", e.DeploymentID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

const (
	ExitOK = iota
	ExitFailure
	ExitValidation
	ExitCertificateTimeout
	ExitCertificateFatal
	ExitRegistryPush
	ExitProviderApply
	ExitRolledBack
	ExitRollbackFailed
	ExitInProgress
)

// ExitCode maps an orchestrator error to the CLI exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		validation *ValidationError
		certWait   *CertificateTimeoutError
		certFatal  *CertificateFatalError
		push       *RegistryPushError
		apply      *ProviderApplyError
		rollback   *RollbackFailedError
		svc        *ServiceDeployError
		busy       *AlreadyInProgressError
	)
	switch {
	case errors.As(err, &validation):
		return ExitValidation
	case errors.As(err, &rollback):
		return ExitRollbackFailed
	case errors.As(err, &certWait):
		return ExitCertificateTimeout
	case errors.As(err, &certFatal):
		return ExitCertificateFatal
	case errors.As(err, &push):
		return ExitRegistryPush
	case errors.As(err, &apply):
		return ExitProviderApply
	case errors.As(err, &svc):
		return ExitRolledBack
	case errors.As(err, &busy):
		return ExitInProgress
	default:
		return ExitFailure
	}
}
