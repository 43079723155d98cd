package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/identity"
	"github.com/crossgate/crossgate/pkg/mapper"
	"github.com/crossgate/crossgate/pkg/orders"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// fakeSchedulerControlPlane covers the slices of the control plane the
// scheduler and its processors touch. Unimplemented methods panic through
// the embedded nil interface.
type fakeSchedulerControlPlane struct {
	engine.ControlPlane

	mu        sync.Mutex
	resources []engine.Resource
	users     []engine.OfferingUser
	reports   []engine.UsageReport
	updated   []engine.OfferingUser

	listResourcesErr error
}

func (f *fakeSchedulerControlPlane) ListPendingOrders(ctx context.Context, offeringID string) ([]engine.Order, error) {
	return nil, nil
}

func (f *fakeSchedulerControlPlane) ListOfferingUsers(ctx context.Context, offeringID string) ([]engine.OfferingUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.OfferingUser, len(f.users))
	copy(out, f.users)
	return out, nil
}

func (f *fakeSchedulerControlPlane) UpdateOfferingUser(ctx context.Context, user *engine.OfferingUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, *user)
	return nil
}

func (f *fakeSchedulerControlPlane) ListResources(ctx context.Context, offeringID string) ([]engine.Resource, error) {
	if f.listResourcesErr != nil {
		return nil, f.listResourcesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Resource, len(f.resources))
	copy(out, f.resources)
	return out, nil
}

func (f *fakeSchedulerControlPlane) SubmitUsage(ctx context.Context, report *engine.UsageReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, *report)
	return nil
}

// plainBackend implements the lifecycle contract and nothing else.
type plainBackend struct{}

func (plainBackend) Create(ctx context.Context, order *engine.Order) (*engine.ProvisionResult, error) {
	return &engine.ProvisionResult{BackendID: "b-1"}, nil
}

func (plainBackend) Update(ctx context.Context, backendID string, limits map[string]float64) (*engine.ProvisionResult, error) {
	return &engine.ProvisionResult{BackendID: backendID}, nil
}

func (plainBackend) Delete(ctx context.Context, backendID string) (*engine.ProvisionResult, error) {
	return &engine.ProvisionResult{BackendID: backendID}, nil
}

func (plainBackend) CheckPending(ctx context.Context, correlationID string) (bool, string, error) {
	return true, "", nil
}

func (plainBackend) Type() string { return "plain" }

// meteredBackend adds the usage capability on top of plainBackend.
type meteredBackend struct {
	plainBackend

	usage    map[string]float64
	perUser  map[string]map[string]float64
	usageErr error

	measured []string
}

func (b *meteredBackend) Usage(ctx context.Context, backendID, period string) (map[string]float64, map[string]map[string]float64, error) {
	b.measured = append(b.measured, backendID)
	if b.usageErr != nil {
		return nil, nil, b.usageErr
	}
	return b.usage, b.perUser, nil
}

// identityBackend adds identity resolution on top of plainBackend.
type identityBackend struct {
	plainBackend

	username string
	resolved int32
}

func (b *identityBackend) ResolveIdentity(ctx context.Context, user *engine.OfferingUser) (engine.Resolution, error) {
	atomic.AddInt32(&b.resolved, 1)
	return engine.Resolution{Status: engine.ResolutionResolved, Username: b.username}, nil
}

// memberBackend adds membership management. Identity resolution echoes the
// stored username so the drift-sync slice stays quiet.
type memberBackend struct {
	plainBackend

	members map[string][]string
	added   []string
	removed []string
}

func (b *memberBackend) ResolveIdentity(ctx context.Context, user *engine.OfferingUser) (engine.Resolution, error) {
	return engine.Resolution{Status: engine.ResolutionResolved, Username: user.Username}, nil
}

func (b *memberBackend) AddMember(ctx context.Context, backendID, username string) error {
	b.added = append(b.added, username)
	return nil
}

func (b *memberBackend) RemoveMember(ctx context.Context, backendID, username string) error {
	b.removed = append(b.removed, username)
	return nil
}

func (b *memberBackend) ListMembers(ctx context.Context, backendID string) ([]string, error) {
	return b.members[backendID], nil
}

type providerManagedPolicy struct{ managed bool }

func (p providerManagedPolicy) ProviderManaged(ctx context.Context, offeringID string) (bool, error) {
	return p.managed, nil
}

func testMapper(t *testing.T) *mapper.Mapper {
	t.Helper()
	m, err := mapper.New([]mapper.Edge{{Source: "node", Target: "cpu", Factor: 5}})
	if err != nil {
		t.Fatalf("failed to build mapper: %v", err)
	}
	return m
}

func testScheduler(t *testing.T, cp *fakeSchedulerControlPlane, runtimes func() []OfferingRuntime) *Scheduler {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	orderProcessor := orders.NewProcessor(cp, logger, nil)
	provisioner := identity.NewProvisioner(cp, providerManagedPolicy{managed: true}, logger, nil)
	return NewScheduler(cp, orderProcessor, provisioner, runtimes, time.Minute, logger, nil, nil)
}

func singleRuntime(backend engine.Backend, m *mapper.Mapper, processEvents bool) func() []OfferingRuntime {
	rt := OfferingRuntime{
		Offering:      &engine.Offering{ID: "off-1", BackendType: backend.Type()},
		Backend:       backend,
		Mapper:        m,
		ProcessEvents: processEvents,
	}
	return func() []OfferingRuntime { return []OfferingRuntime{rt} }
}

func TestCycleSubmitsReverseMappedUsage(t *testing.T) {
	cp := &fakeSchedulerControlPlane{
		resources: []engine.Resource{
			{ID: "r-1", BackendID: "alloc-1", State: engine.ResourceStateOK},
			{ID: "r-2", State: engine.ResourceStateCreating},
			{ID: "r-3", BackendID: "alloc-3", State: engine.ResourceStateErred},
		},
	}
	backend := &meteredBackend{
		usage:   map[string]float64{"cpu": 50},
		perUser: map[string]map[string]float64{"alice": {"cpu": 20}},
	}

	s := testScheduler(t, cp, singleRuntime(backend, testMapper(t), false))
	s.Cycle(context.Background())

	if len(backend.measured) != 1 || backend.measured[0] != "alloc-1" {
		t.Errorf("measured = %v, want only the provisioned ok resource", backend.measured)
	}
	if len(cp.reports) != 1 {
		t.Fatalf("got %d usage reports, want 1", len(cp.reports))
	}
	report := cp.reports[0]
	if report.ResourceID != "r-1" {
		t.Errorf("report resource = %q", report.ResourceID)
	}
	if report.Period != time.Now().UTC().Format("2006-01") {
		t.Errorf("report period = %q", report.Period)
	}
	// Backend quantities come back in source component space.
	if report.Components["node"] != 10 {
		t.Errorf("components = %v, want node=10", report.Components)
	}
	if report.PerUser["alice"]["node"] != 4 {
		t.Errorf("per_user = %v, want alice node=4", report.PerUser)
	}
}

func TestCycleSkipsUsageWithoutCapability(t *testing.T) {
	cp := &fakeSchedulerControlPlane{
		resources: []engine.Resource{
			{ID: "r-1", BackendID: "alloc-1", State: engine.ResourceStateOK},
		},
	}

	s := testScheduler(t, cp, singleRuntime(plainBackend{}, testMapper(t), false))
	s.Cycle(context.Background())

	if len(cp.reports) != 0 {
		t.Errorf("got %d usage reports from a backend without the capability", len(cp.reports))
	}
}

func TestCycleUsageMeasurementFailureSkipsResource(t *testing.T) {
	cp := &fakeSchedulerControlPlane{
		resources: []engine.Resource{
			{ID: "r-1", BackendID: "alloc-1", State: engine.ResourceStateOK},
		},
	}
	backend := &meteredBackend{usageErr: engine.NewTransientError("scontrol timed out", nil)}

	s := testScheduler(t, cp, singleRuntime(backend, testMapper(t), false))
	s.Cycle(context.Background())

	if len(cp.reports) != 0 {
		t.Errorf("got %d usage reports despite measurement failure", len(cp.reports))
	}
}

func TestReconcileIdentitiesPatchesDriftForEventOfferings(t *testing.T) {
	cp := &fakeSchedulerControlPlane{
		users: []engine.OfferingUser{
			{ID: "u-1", OfferingID: "off-1", State: engine.OfferingUserStateOK, Username: "stale"},
		},
	}
	backend := &identityBackend{username: "fresh"}

	s := testScheduler(t, cp, singleRuntime(backend, testMapper(t), true))
	s.ReconcileIdentities(context.Background())

	if len(cp.updated) != 1 || cp.updated[0].Username != "fresh" {
		t.Fatalf("updated = %+v, want one patch to username fresh", cp.updated)
	}
}

func TestReconcileIdentitiesAlignsMembership(t *testing.T) {
	cp := &fakeSchedulerControlPlane{
		users: []engine.OfferingUser{
			{ID: "u-1", OfferingID: "off-1", State: engine.OfferingUserStateOK, Username: "alice"},
			{ID: "u-2", OfferingID: "off-1", State: engine.OfferingUserStateOK, Username: "bob"},
			{ID: "u-3", OfferingID: "off-1", State: engine.OfferingUserStateRequested},
		},
		resources: []engine.Resource{
			{ID: "r-1", BackendID: "alloc-1", State: engine.ResourceStateOK},
		},
	}
	backend := &memberBackend{members: map[string][]string{"alloc-1": {"alice", "eve"}}}

	s := testScheduler(t, cp, singleRuntime(backend, testMapper(t), true))
	s.ReconcileIdentities(context.Background())

	if len(backend.added) != 1 || backend.added[0] != "bob" {
		t.Errorf("added = %v, want [bob]", backend.added)
	}
	if len(backend.removed) != 1 || backend.removed[0] != "eve" {
		t.Errorf("removed = %v, want [eve]", backend.removed)
	}
	if len(cp.updated) != 0 {
		t.Errorf("username sync patched %v with no drift present", cp.updated)
	}
}

func TestReconcileIdentitiesSkipsNonEventOfferings(t *testing.T) {
	cp := &fakeSchedulerControlPlane{
		users: []engine.OfferingUser{
			{ID: "u-1", OfferingID: "off-1", State: engine.OfferingUserStateOK, Username: "stale"},
		},
	}
	backend := &identityBackend{username: "fresh"}

	s := testScheduler(t, cp, singleRuntime(backend, testMapper(t), false))
	s.ReconcileIdentities(context.Background())

	if atomic.LoadInt32(&backend.resolved) != 0 {
		t.Errorf("backend was consulted for an offering without event processing")
	}
}

func TestTriggerRunsOutOfBandCycle(t *testing.T) {
	cp := &fakeSchedulerControlPlane{}
	var cycles int32
	runtimes := func() []OfferingRuntime {
		atomic.AddInt32(&cycles, 1)
		// Slow cycles down enough that the trigger burst below lands while
		// one is still in flight.
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	s := testScheduler(t, cp, runtimes)
	s.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&cycles) < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// A burst of triggers collapses into at most a couple of extra cycles
	// rather than one per trigger.
	for i := 0; i < 10; i++ {
		s.Trigger()
	}
	deadline = time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&cycles) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	got := atomic.LoadInt32(&cycles)
	if got < 2 {
		t.Fatalf("trigger did not run a cycle, total %d", got)
	}
	if got > 4 {
		t.Errorf("10 triggers produced %d cycles, want coalescing", got)
	}
}

func TestRunCyclesUntilContextEnds(t *testing.T) {
	cp := &fakeSchedulerControlPlane{}
	var cycles int32
	runtimes := func() []OfferingRuntime {
		atomic.AddInt32(&cycles, 1)
		return nil
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	s := NewScheduler(cp,
		orders.NewProcessor(cp, logger, nil),
		identity.NewProvisioner(cp, providerManagedPolicy{}, logger, nil),
		runtimes, 5*time.Millisecond, logger, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&cycles) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if atomic.LoadInt32(&cycles) < 3 {
		t.Errorf("only %d cycles ran", atomic.LoadInt32(&cycles))
	}
}
