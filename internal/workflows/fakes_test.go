package workflows

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rampdeploy/internal/deploy"
	"rampdeploy/internal/lock"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/registry"
	"rampdeploy/internal/service"
	"rampdeploy/internal/state"
)

var stackResources = []string{"vpc", "subnets", "alb", "target-group", "http-listener", "repository", "cluster", "service"}

// fakeInfra counts the resources it creates so repeated applies can be
// checked for redundant mutations.
type fakeInfra struct {
	mu        sync.Mutex
	applies   int
	attaches  int
	destroys  int
	mutations int
	created   map[string]bool
	certARNs  []string
	applyErr  error
	attachErr error

	// onApply runs before Apply returns.
	onApply func(ctx context.Context, d deploy.DesiredConfig)
}

func newFakeInfra() *fakeInfra {
	return &fakeInfra{created: map[string]bool{}}
}

func (f *fakeInfra) create(key string) {
	if !f.created[key] {
		f.created[key] = true
		f.mutations++
	}
}

func (f *fakeInfra) Apply(ctx context.Context, d deploy.DesiredConfig, certARN string) (deploy.StackOutputs, error) {
	if f.onApply != nil {
		f.onApply(ctx, d)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applies++
	f.certARNs = append(f.certARNs, certARN)
	if f.applyErr != nil {
		return deploy.StackOutputs{}, f.applyErr
	}
	for _, r := range stackResources {
		f.create(d.Environment + "/" + r)
	}
	out := outputsFor(d)
	if certARN != "" {
		f.create(d.Environment + "/https-listener")
		out.HTTPSListenerArn = "arn:listener/https/" + d.Environment
		out.CertificateARN = certARN
	}
	return out, nil
}

func (f *fakeInfra) AttachCertificate(ctx context.Context, d deploy.DesiredConfig, out deploy.StackOutputs, certARN string) (deploy.StackOutputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	if f.attachErr != nil {
		return out, f.attachErr
	}
	f.create(d.Environment + "/https-listener")
	out.HTTPSListenerArn = "arn:listener/https/" + d.Environment
	out.CertificateARN = certARN
	return out, nil
}

func (f *fakeInfra) Destroy(ctx context.Context, d deploy.DesiredConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	for k := range f.created {
		delete(f.created, k)
	}
	return nil
}

func (f *fakeInfra) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies + f.attaches + f.destroys
}

func outputsFor(d deploy.DesiredConfig) deploy.StackOutputs {
	prefix := d.NamePrefix()
	return deploy.StackOutputs{
		VPCID:              "vpc-" + d.Environment,
		SubnetIDs:          []string{"subnet-a", "subnet-b"},
		ALBArn:             "arn:alb/" + prefix,
		ALBDNSName:         prefix + ".elb.amazonaws.com",
		TargetGroupArn:     "arn:tg/" + prefix,
		HTTPListenerArn:    "arn:listener/http/" + d.Environment,
		ALBSecurityGroupID: "sg-alb",
		AppSecurityGroupID: "sg-app",
		ECRRepositoryURL:   "123456789012.dkr.ecr.us-east-1.amazonaws.com/" + prefix,
		ClusterName:        prefix + "-cluster",
		ServiceName:        prefix + "-service",
		TaskFamily:         prefix + "-task",
		LogGroupName:       "/ecs/" + prefix,
	}
}

type fakeCerts struct {
	mu        sync.Mutex
	ensures   int
	waits     int
	describes int
	ensured   deploy.Certificate
	waited    deploy.Certificate
	described deploy.Certificate
	waitErr   error
}

func (f *fakeCerts) EnsureCertificate(ctx context.Context, domain string, sans ...string) (deploy.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	c := f.ensured
	c.Domain = domain
	return c, nil
}

func (f *fakeCerts) WaitForIssuance(ctx context.Context, arn string, timeout, poll time.Duration) (deploy.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits++
	return f.waited, f.waitErr
}

func (f *fakeCerts) Describe(ctx context.Context, arn string) (deploy.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.describes++
	if f.described.ARN != arn {
		return deploy.Certificate{}, deploy.ErrNotFound
	}
	return f.described, nil
}

func (f *fakeCerts) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensures + f.waits + f.describes
}

type fakeRegistry struct {
	mu      sync.Mutex
	pushes  int
	err     error
	pushed  []string
	onPush  func(ctx context.Context)
	lastTag string
}

func (f *fakeRegistry) Push(ctx context.Context, imageRef, tag, repositoryURL string) (registry.PushResult, error) {
	if f.onPush != nil {
		f.onPush(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes++
	f.lastTag = tag
	if f.err != nil {
		return registry.PushResult{}, &deploy.RegistryPushError{Image: imageRef, Err: f.err}
	}
	if tag == "" {
		tag = "sha-0123456789ab"
	}
	ref := repositoryURL + ":" + tag
	f.pushed = append(f.pushed, ref)
	return registry.PushResult{RegistryURL: repositoryURL, ImmutableRef: ref}, nil
}

type fakeService struct {
	mu          sync.Mutex
	current     string
	next        string
	currents    int
	deploys     []string
	waits       int
	rollbacks   []string
	deployErr   error
	waitErr     func(ctx context.Context) error
	rollbackErr error
}

func newFakeService() *fakeService {
	return &fakeService{current: "arn:td/web:1", next: "arn:td/web:2"}
}

func (f *fakeService) Current(ctx context.Context, ref deploy.ServiceRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currents++
	return f.current, nil
}

func (f *fakeService) Deploy(ctx context.Context, ref deploy.ServiceRef, image string) (service.Rollout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, image)
	if f.deployErr != nil {
		return service.Rollout{Previous: f.current}, f.deployErr
	}
	return service.Rollout{Previous: f.current, Next: f.next}, nil
}

func (f *fakeService) WaitStable(ctx context.Context, ref deploy.ServiceRef, timeout time.Duration) error {
	f.mu.Lock()
	f.waits++
	waitErr := f.waitErr
	f.mu.Unlock()
	if waitErr != nil {
		return waitErr(ctx)
	}
	return nil
}

func (f *fakeService) Rollback(ctx context.Context, ref deploy.ServiceRef, td string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, td)
	if f.rollbackErr != nil {
		return &deploy.RollbackFailedError{Service: ref.String(), TaskDefinition: td, Err: f.rollbackErr}
	}
	return nil
}

func failingTasks(ctx context.Context) error {
	return &deploy.ServiceDeployError{
		Service: "traderamp-production-cluster/traderamp-production-service",
		Reason:  "2 failed tasks over 2 polls",
		Status:  deploy.ServiceStatus{DesiredCount: 2, FailedTasksSinceStart: 2},
	}
}

// recordingStore remembers the deployment state of every save.
type recordingStore struct {
	*state.MemoryStore
	mu     sync.Mutex
	states []deploy.State
	err    error
}

func (s *recordingStore) Save(ctx context.Context, rec deploy.Record) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	if rec.Deployment != nil {
		s.states = append(s.states, rec.Deployment.State)
	}
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, rec)
}

func (s *recordingStore) saw(st deploy.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.states {
		if x == st {
			return true
		}
	}
	return false
}

// countingLocker counts Acquire calls.
type countingLocker struct {
	lock.Locker
	mu       sync.Mutex
	acquires int
}

func (l *countingLocker) Acquire(ctx context.Context, env, holder string) (lock.Lease, error) {
	l.mu.Lock()
	l.acquires++
	l.mu.Unlock()
	return l.Locker.Acquire(ctx, env, holder)
}

// losableLocker hands out leases whose loss the test controls.
type losableLocker struct {
	lock.Locker
	lost chan struct{}
}

type losableLease struct {
	lock.Lease
	lost chan struct{}
}

func (l losableLease) Done() <-chan struct{} { return l.lost }

func (l *losableLocker) Acquire(ctx context.Context, env, holder string) (lock.Lease, error) {
	lease, err := l.Locker.Acquire(ctx, env, holder)
	if err != nil {
		return nil, err
	}
	return losableLease{Lease: lease, lost: l.lost}, nil
}

type harness struct {
	o      *Orchestrator
	store  *recordingStore
	locker *countingLocker
	infra  *fakeInfra
	certs  *fakeCerts
	reg    *fakeRegistry
	svc    *fakeService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  &recordingStore{MemoryStore: state.NewMemoryStore()},
		locker: &countingLocker{Locker: lock.NewLocal()},
		infra:  newFakeInfra(),
		certs:  &fakeCerts{},
		reg:    &fakeRegistry{},
		svc:    newFakeService(),
	}
	h.o = &Orchestrator{
		Store:    h.store,
		Locker:   h.locker,
		Infra:    h.infra,
		Certs:    h.certs,
		Registry: h.reg,
		Service:  h.svc,
		Log:      logging.Discard(),
		Holder:   "test",
	}
	return h
}

func (h *harness) state(t *testing.T, env string) deploy.State {
	t.Helper()
	rec, err := h.store.Load(context.Background(), env)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Deployment == nil {
		return ""
	}
	return rec.Deployment.State
}

func desired(env string) deploy.DesiredConfig {
	return deploy.DesiredConfig{Project: "traderamp", Environment: env}.WithDefaults()
}

var errBoom = errors.New("boom")
