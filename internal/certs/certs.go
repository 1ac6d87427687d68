// Package certs obtains and waits for ACM certificates validated by DNS.
package certs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/acm"
	"github.com/aws/aws-sdk-go/service/acm/acmiface"

	"rampdeploy/internal/awsx"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/metrics"
)

const (
	// MinPollInterval is the floor applied to every issuance poll.
	MinPollInterval = 30 * time.Second
	DefaultTimeout  = 30 * time.Minute
)

var tokenInvalid = regexp.MustCompile(`\W`)

type Manager struct {
	acm  acmiface.ACMAPI
	log  *slog.Logger
	tags map[string]string

	// MinPollInterval overrides the package floor; tests lower it.
	MinPollInterval time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(client acmiface.ACMAPI, tags map[string]string, logger *slog.Logger) *Manager {
	return &Manager{
		acm:             client,
		log:             logging.Or(logger),
		tags:            tags,
		MinPollInterval: MinPollInterval,
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

// EnsureCertificate returns the certificate covering domain and sans,
// requesting one only when no ISSUED or PENDING_VALIDATION certificate for
// domain exists.
func (m *Manager) EnsureCertificate(ctx context.Context, domain string, sans ...string) (deploy.Certificate, error) {
	if strings.TrimSpace(domain) == "" {
		return deploy.Certificate{}, errors.New("domain required")
	}
	existing, err := m.find(ctx, domain, sans)
	if err != nil {
		return deploy.Certificate{}, err
	}
	if existing != nil {
		m.log.Info("reusing certificate", "domain", domain, "arn", existing.ARN, "status", existing.Status)
		return *existing, nil
	}
	return m.request(ctx, domain, sans, idempotencyToken(domain))
}

// RequestNew always issues a fresh request. Used after a certificate reached
// a fatal state.
func (m *Manager) RequestNew(ctx context.Context, domain string, sans ...string) (deploy.Certificate, error) {
	if strings.TrimSpace(domain) == "" {
		return deploy.Certificate{}, errors.New("domain required")
	}
	return m.request(ctx, domain, sans, "")
}

func (m *Manager) Describe(ctx context.Context, arn string) (deploy.Certificate, error) {
	d, err := m.describe(ctx, arn)
	return d.Certificate, err
}

func (m *Manager) describe(ctx context.Context, arn string) (describedCert, error) {
	out, err := m.acm.DescribeCertificateWithContext(ctx, &acm.DescribeCertificateInput{CertificateArn: aws.String(arn)})
	if err != nil {
		if awsx.IsCode(err, acm.ErrCodeResourceNotFoundException) {
			return describedCert{}, fmt.Errorf("certificate %s: %w", arn, deploy.ErrNotFound)
		}
		return describedCert{}, err
	}
	return fromDetail(out.Certificate), nil
}

// WaitForIssuance polls arn until it is ISSUED. It returns within timeout
// plus one poll interval; a certificate still pending by then yields
// *deploy.CertificateTimeoutError with the outstanding DNS records.
func (m *Manager) WaitForIssuance(ctx context.Context, arn string, timeout, pollInterval time.Duration) (deploy.Certificate, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if pollInterval < m.MinPollInterval {
		pollInterval = m.MinPollInterval
	}
	deadline := m.now().Add(timeout)
	last := deploy.Certificate{ARN: arn, Status: deploy.CertificatePending}
	for {
		cert, err := m.Describe(ctx, arn)
		switch {
		case err == nil:
			last = cert
			metrics.PollsTotal.WithLabelValues("certificate", string(cert.Status)).Inc()
			if cert.Status == deploy.CertificateIssued {
				return cert, nil
			}
			if cert.Status.Fatal() {
				return cert, &deploy.CertificateFatalError{ARN: arn, Domain: cert.Domain, Status: cert.Status, Reason: cert.Reason}
			}
		case errors.Is(err, deploy.ErrNotFound):
			return last, err
		case ctx.Err() != nil:
			return last, interrupted(arn, last, ctx.Err())
		default:
			metrics.PollsTotal.WithLabelValues("certificate", "error").Inc()
			m.log.Warn("describe certificate failed", "arn", arn, "error", err)
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			return last, &deploy.CertificateTimeoutError{ARN: arn, Domain: last.Domain, Status: last.Status, Validation: last.Validation}
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		if err := m.sleep(ctx, wait); err != nil {
			return last, interrupted(arn, last, err)
		}
	}
}

// interrupted reports a wait ended by ctx. Past the caller's deadline the
// certificate is treated as timed out so the pending DNS records surface.
func interrupted(arn string, last deploy.Certificate, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &deploy.CertificateTimeoutError{ARN: arn, Domain: last.Domain, Status: last.Status, Validation: last.Validation, Err: err}
	}
	return err
}

func (m *Manager) find(ctx context.Context, domain string, sans []string) (*deploy.Certificate, error) {
	var arns []string
	input := &acm.ListCertificatesInput{
		CertificateStatuses: aws.StringSlice([]string{acm.CertificateStatusIssued, acm.CertificateStatusPendingValidation}),
	}
	err := m.acm.ListCertificatesPagesWithContext(ctx, input, func(page *acm.ListCertificatesOutput, last bool) bool {
		for _, s := range page.CertificateSummaryList {
			if strings.EqualFold(aws.StringValue(s.DomainName), domain) {
				arns = append(arns, aws.StringValue(s.CertificateArn))
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	var candidates []deploy.Certificate
	for _, arn := range arns {
		cert, err := m.describe(ctx, arn)
		if err != nil {
			return nil, err
		}
		if !covers(cert.sans, sans) {
			continue
		}
		candidates = append(candidates, cert.Certificate)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Status == deploy.CertificateIssued && candidates[j].Status != deploy.CertificateIssued
	})
	return &candidates[0], nil
}

func (m *Manager) request(ctx context.Context, domain string, sans []string, token string) (deploy.Certificate, error) {
	input := &acm.RequestCertificateInput{
		DomainName:       aws.String(domain),
		ValidationMethod: aws.String(acm.ValidationMethodDns),
	}
	if len(sans) > 0 {
		input.SubjectAlternativeNames = aws.StringSlice(sans)
	}
	if token != "" {
		input.IdempotencyToken = aws.String(token)
	}
	for _, k := range sortedKeys(m.tags) {
		input.Tags = append(input.Tags, &acm.Tag{Key: aws.String(k), Value: aws.String(m.tags[k])})
	}
	if err := input.Validate(); err != nil {
		return deploy.Certificate{}, err
	}
	mctx, cancel := awsx.Detach(ctx, awsx.MutationTimeout)
	defer cancel()
	out, err := m.acm.RequestCertificateWithContext(mctx, input)
	if err != nil {
		return deploy.Certificate{}, fmt.Errorf("request certificate for %s: %w", domain, err)
	}
	metrics.MutationsTotal.WithLabelValues("acm", "RequestCertificate").Inc()
	arn := aws.StringValue(out.CertificateArn)
	m.log.Info("requested certificate", "domain", domain, "arn", arn)
	cert, err := m.Describe(ctx, arn)
	if err != nil {
		// The request succeeded; validation records show up on a later poll.
		return deploy.Certificate{ARN: arn, Domain: domain, Status: deploy.CertificatePending}, nil
	}
	return cert, nil
}

type describedCert struct {
	deploy.Certificate
	sans []string
}

func fromDetail(d *acm.CertificateDetail) describedCert {
	if d == nil {
		return describedCert{}
	}
	out := describedCert{
		Certificate: deploy.Certificate{
			ARN:    aws.StringValue(d.CertificateArn),
			Domain: aws.StringValue(d.DomainName),
			Status: deploy.CertificateStatus(aws.StringValue(d.Status)),
			Reason: aws.StringValue(d.FailureReason),
		},
		sans: aws.StringValueSlice(d.SubjectAlternativeNames),
	}
	seen := map[string]bool{}
	for _, dv := range d.DomainValidationOptions {
		if dv.ResourceRecord == nil || aws.StringValue(dv.ValidationStatus) == acm.DomainStatusSuccess {
			continue
		}
		rr := deploy.ValidationRecord{
			Domain: aws.StringValue(dv.DomainName),
			Name:   aws.StringValue(dv.ResourceRecord.Name),
			Type:   aws.StringValue(dv.ResourceRecord.Type),
			Value:  aws.StringValue(dv.ResourceRecord.Value),
		}
		// apex and www share one CNAME
		if seen[rr.Name] {
			continue
		}
		seen[rr.Name] = true
		out.Validation = append(out.Validation, rr)
	}
	return out
}

// covers reports whether have includes every name in want.
func covers(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, h := range have {
		set[strings.ToLower(h)] = true
	}
	for _, w := range want {
		if !set[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

// idempotencyToken derives ACM's \w{1,32} token from domain.
func idempotencyToken(domain string) string {
	t := tokenInvalid.ReplaceAllString(domain, "")
	if len(t) > 32 {
		t = t[:32]
	}
	return t
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}
