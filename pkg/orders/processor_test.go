package orders

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/mapper"
	"github.com/crossgate/crossgate/pkg/policy"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// fakeControlPlane is an in-memory ControlPlane for processor tests.
type fakeControlPlane struct {
	orders    map[string]*engine.Order
	resources map[string]*engine.Resource

	// failResourceState, when set, makes SetResourceState fail once.
	failResourceState error

	correlationWrites int
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		orders:    make(map[string]*engine.Order),
		resources: make(map[string]*engine.Resource),
	}
}

func (f *fakeControlPlane) addOrder(o engine.Order) {
	f.orders[o.ID] = &o
}

func (f *fakeControlPlane) addResource(r engine.Resource) {
	f.resources[r.ID] = &r
}

func (f *fakeControlPlane) ListPendingOrders(ctx context.Context, offeringID string) ([]engine.Order, error) {
	var out []engine.Order
	for _, o := range f.orders {
		if o.OfferingID == offeringID && !o.State.IsTerminal() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeControlPlane) SetOrderState(ctx context.Context, orderID string, state engine.OrderState, message string) error {
	o, ok := f.orders[orderID]
	if !ok {
		return errors.New("no such order")
	}
	o.State = state
	o.ErrorMessage = message
	return nil
}

func (f *fakeControlPlane) SetOrderCorrelationID(ctx context.Context, orderID, correlationID string) error {
	o, ok := f.orders[orderID]
	if !ok {
		return errors.New("no such order")
	}
	if o.CorrelationID != "" {
		return errors.New("correlation id already set")
	}
	o.CorrelationID = correlationID
	f.correlationWrites++
	return nil
}

func (f *fakeControlPlane) GetResource(ctx context.Context, resourceID string) (*engine.Resource, error) {
	r, ok := f.resources[resourceID]
	if !ok {
		return nil, errors.New("no such resource")
	}
	copied := *r
	return &copied, nil
}

func (f *fakeControlPlane) ListResources(ctx context.Context, offeringID string) ([]engine.Resource, error) {
	var out []engine.Resource
	for _, r := range f.resources {
		if r.OfferingID == offeringID && r.State != engine.ResourceStateTerminated {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeControlPlane) SetResourceBackendID(ctx context.Context, resourceID, backendID string) error {
	r, ok := f.resources[resourceID]
	if !ok {
		return errors.New("no such resource")
	}
	r.BackendID = backendID
	return nil
}

func (f *fakeControlPlane) SetResourceState(ctx context.Context, resourceID string, state engine.ResourceState) error {
	if f.failResourceState != nil {
		err := f.failResourceState
		f.failResourceState = nil
		return err
	}
	r, ok := f.resources[resourceID]
	if !ok {
		return errors.New("no such resource")
	}
	r.State = state
	return nil
}

func (f *fakeControlPlane) UpdateResourceLimits(ctx context.Context, resourceID string, limits map[string]float64) error {
	r, ok := f.resources[resourceID]
	if !ok {
		return errors.New("no such resource")
	}
	r.Limits = limits
	return nil
}

func (f *fakeControlPlane) ListOfferingUsers(ctx context.Context, offeringID string) ([]engine.OfferingUser, error) {
	return nil, nil
}

func (f *fakeControlPlane) UpdateOfferingUser(ctx context.Context, user *engine.OfferingUser) error {
	return nil
}

func (f *fakeControlPlane) ListEventSubscriptions(ctx context.Context, offeringID string) ([]engine.EventSubscription, error) {
	return nil, nil
}

func (f *fakeControlPlane) TouchEventSubscription(ctx context.Context, subscriptionID string) error {
	return nil
}

func (f *fakeControlPlane) SubmitUsage(ctx context.Context, report *engine.UsageReport) error {
	return nil
}

// fakeBackend is a scriptable order backend.
type fakeBackend struct {
	createResult *engine.ProvisionResult
	createErr    error
	updateResult *engine.ProvisionResult
	updateErr    error
	deleteResult *engine.ProvisionResult
	deleteErr    error

	checkDone      bool
	checkBackendID string
	checkErr       error

	createCalls  int
	updateCalls  int
	deleteCalls  int
	checkCalls   int
	createLimits map[string]float64
	updateLimits map[string]float64
}

func (b *fakeBackend) Type() string { return "fake" }

func (b *fakeBackend) Create(ctx context.Context, order *engine.Order) (*engine.ProvisionResult, error) {
	b.createCalls++
	b.createLimits = order.Limits
	return b.createResult, b.createErr
}

func (b *fakeBackend) Update(ctx context.Context, backendID string, limits map[string]float64) (*engine.ProvisionResult, error) {
	b.updateCalls++
	b.updateLimits = limits
	return b.updateResult, b.updateErr
}

func (b *fakeBackend) Delete(ctx context.Context, backendID string) (*engine.ProvisionResult, error) {
	b.deleteCalls++
	return b.deleteResult, b.deleteErr
}

func (b *fakeBackend) CheckPending(ctx context.Context, correlationID string) (bool, string, error) {
	b.checkCalls++
	return b.checkDone, b.checkBackendID, b.checkErr
}

func testProcessor(t *testing.T, cp engine.ControlPlane) *Processor {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewProcessor(cp, logger, nil)
}

func passthroughMapper(t *testing.T) *mapper.Mapper {
	t.Helper()
	m, err := mapper.New(nil)
	if err != nil {
		t.Fatalf("failed to build mapper: %v", err)
	}
	return m
}

func testOffering() *engine.Offering {
	return &engine.Offering{ID: "off-1", Name: "test", BackendType: "fake"}
}

func TestProcessCreateImmediate(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
		Limits: map[string]float64{"cpu": 4},
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})

	backend := &fakeBackend{createResult: &engine.ProvisionResult{BackendID: "be-42"}}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["o-1"].State; got != engine.OrderStateDone {
		t.Errorf("order state = %s, want done", got)
	}
	r := cp.resources["r-1"]
	if r.BackendID != "be-42" {
		t.Errorf("resource backend id = %q, want be-42", r.BackendID)
	}
	if r.State != engine.ResourceStateOK {
		t.Errorf("resource state = %s, want ok", r.State)
	}
	if r.Limits["cpu"] != 4 {
		t.Errorf("resource limits = %v, want cpu=4", r.Limits)
	}
}

func TestProcessCreateForwardMapsLimits(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
		Limits: map[string]float64{"node": 10},
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})

	m, err := mapper.New([]mapper.Edge{{Source: "node", Target: "cpu", Factor: 5}})
	if err != nil {
		t.Fatalf("failed to build mapper: %v", err)
	}

	backend := &fakeBackend{createResult: &engine.ProvisionResult{BackendID: "be-1"}}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, m); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// The backend sees converted quantities.
	if backend.createLimits["cpu"] != 50 {
		t.Errorf("backend limits = %v, want cpu=50", backend.createLimits)
	}
	// The control plane keeps source quantities.
	if got := cp.resources["r-1"].Limits["node"]; got != 10 {
		t.Errorf("resource limits = %v, want node=10", cp.resources["r-1"].Limits)
	}
}

func TestProcessCreatePendingRecordsCorrelationID(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})

	backend := &fakeBackend{createResult: &engine.ProvisionResult{CorrelationID: "job-7"}}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	o := cp.orders["o-1"]
	if o.CorrelationID != "job-7" {
		t.Errorf("correlation id = %q, want job-7", o.CorrelationID)
	}
	if o.State != engine.OrderStateExecuting {
		t.Errorf("order state = %s, want executing", o.State)
	}
	if r := cp.resources["r-1"]; r.BackendID != "" || r.State != engine.ResourceStateCreating {
		t.Errorf("resource touched before completion: %+v", r)
	}
}

func TestProcessResumesPendingWithoutResubmitting(t *testing.T) {
	// Simulates a restart: the order already carries a correlation id, so
	// only CheckPending may be invoked, never Create again.
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "t-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStateExecuting,
		CorrelationID: "job-7",
		Limits:        map[string]float64{"cpu": 2},
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})

	backend := &fakeBackend{checkDone: false}
	p := testProcessor(t, cp)

	// Two cycles while still pending.
	for i := 0; i < 2; i++ {
		if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}
	if backend.createCalls != 0 {
		t.Fatalf("Create called %d times for an order with a correlation id", backend.createCalls)
	}
	if backend.checkCalls != 2 {
		t.Fatalf("CheckPending called %d times, want 2", backend.checkCalls)
	}
	if got := cp.orders["t-1"].State; got != engine.OrderStateExecuting {
		t.Fatalf("order state = %s, want executing while pending", got)
	}

	// Third cycle: the delegated operation completed.
	backend.checkDone = true
	backend.checkBackendID = "be-99"
	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["t-1"].State; got != engine.OrderStateDone {
		t.Errorf("order state = %s, want done", got)
	}
	r := cp.resources["r-1"]
	if r.BackendID != "be-99" {
		t.Errorf("resource backend id = %q, want be-99", r.BackendID)
	}
	if r.State != engine.ResourceStateOK {
		t.Errorf("resource state = %s, want ok", r.State)
	}
	if backend.createCalls != 0 {
		t.Errorf("Create called %d times, want 0", backend.createCalls)
	}
}

func TestProcessPendingTransientCheckFailure(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStateExecuting, CorrelationID: "job-1",
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})

	backend := &fakeBackend{checkErr: engine.NewTransientError("poll timed out", nil)}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["o-1"].State; got != engine.OrderStateExecuting {
		t.Errorf("order state = %s, want executing after transient poll failure", got)
	}
}

func TestProcessPendingDeterministicCheckFailure(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStateExecuting, CorrelationID: "job-1",
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})

	backend := &fakeBackend{checkErr: engine.NewBackendError("allocation rejected", nil)}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	o := cp.orders["o-1"]
	if o.State != engine.OrderStateErred {
		t.Fatalf("order state = %s, want erred", o.State)
	}
	if !strings.Contains(o.ErrorMessage, "allocation rejected") {
		t.Errorf("error message %q does not carry the backend diagnostic", o.ErrorMessage)
	}
}

func TestProcessDefersOrderOnBusyResource(t *testing.T) {
	// An in-flight order holds the resource; a later order targeting the
	// same resource must wait, so at most one non-terminal operation runs
	// per resource.
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindUpdate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStateExecuting, CorrelationID: "job-1",
	})
	cp.addOrder(engine.Order{
		ID: "o-2", Kind: engine.OrderKindTerminate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", BackendID: "be-1", State: engine.ResourceStateUpdating})

	backend := &fakeBackend{checkDone: false}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if backend.deleteCalls != 0 {
		t.Errorf("Delete called while another operation was in flight on the resource")
	}
	if got := cp.orders["o-2"].State; got != engine.OrderStatePending {
		t.Errorf("deferred order state = %s, want pending", got)
	}
}

func TestProcessCreateTransientFailureRetries(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})

	backend := &fakeBackend{createErr: engine.NewTransientError("connection refused", nil)}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["o-1"].State; got != engine.OrderStatePending {
		t.Fatalf("order state = %s, want pending after transient failure", got)
	}

	// The backend recovered; the next cycle picks the order up again.
	backend.createErr = nil
	backend.createResult = &engine.ProvisionResult{BackendID: "be-1"}
	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := cp.orders["o-1"].State; got != engine.OrderStateDone {
		t.Errorf("order state = %s, want done after retry", got)
	}
}

func TestProcessCreateDeterministicFailureErrs(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})

	backend := &fakeBackend{createErr: engine.NewBackendError("quota exceeded", nil)}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	o := cp.orders["o-1"]
	if o.State != engine.OrderStateErred {
		t.Fatalf("order state = %s, want erred", o.State)
	}
	if !strings.Contains(o.ErrorMessage, "quota exceeded") {
		t.Errorf("error message %q does not carry the backend diagnostic", o.ErrorMessage)
	}
}

func TestProcessCompletionWriteFailureErrsDespiteBackendSuccess(t *testing.T) {
	// The backend operation succeeded but the terminal resource write to the
	// control plane failed. The order must end up erred, not silently
	// retried, and the diagnostic must say the backend side is fine.
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateCreating})
	cp.failResourceState = errors.New("control plane unavailable")

	backend := &fakeBackend{createResult: &engine.ProvisionResult{BackendID: "be-1"}}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	o := cp.orders["o-1"]
	if o.State != engine.OrderStateErred {
		t.Fatalf("order state = %s, want erred", o.State)
	}
	if !strings.Contains(o.ErrorMessage, "backend operation succeeded") {
		t.Errorf("error message %q does not flag backend-side success", o.ErrorMessage)
	}
}

func TestProcessUpdateImmediate(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindUpdate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
		Limits: map[string]float64{"cpu": 8},
	})
	cp.addResource(engine.Resource{
		ID: "r-1", OfferingID: "off-1", BackendID: "be-1",
		State: engine.ResourceStateUpdating, Limits: map[string]float64{"cpu": 4},
	})

	backend := &fakeBackend{updateResult: &engine.ProvisionResult{BackendID: "be-1"}}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["o-1"].State; got != engine.OrderStateDone {
		t.Errorf("order state = %s, want done", got)
	}
	r := cp.resources["r-1"]
	if r.Limits["cpu"] != 8 {
		t.Errorf("resource limits = %v, want cpu=8", r.Limits)
	}
	if r.State != engine.ResourceStateOK {
		t.Errorf("resource state = %s, want ok", r.State)
	}
	if backend.updateCalls != 1 {
		t.Errorf("Update called %d times, want 1", backend.updateCalls)
	}
}

func TestProcessUpdateWithoutBackendIDErrs(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindUpdate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateUpdating})

	backend := &fakeBackend{}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["o-1"].State; got != engine.OrderStateErred {
		t.Errorf("order state = %s, want erred", got)
	}
	if backend.updateCalls != 0 {
		t.Errorf("Update called %d times, want 0", backend.updateCalls)
	}
}

func TestProcessTerminateImmediate(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindTerminate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", BackendID: "be-1", State: engine.ResourceStateTerminating})

	backend := &fakeBackend{deleteResult: &engine.ProvisionResult{}}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["o-1"].State; got != engine.OrderStateDone {
		t.Errorf("order state = %s, want done", got)
	}
	if got := cp.resources["r-1"].State; got != engine.ResourceStateTerminated {
		t.Errorf("resource state = %s, want terminated", got)
	}
	if backend.deleteCalls != 1 {
		t.Errorf("Delete called %d times, want 1", backend.deleteCalls)
	}
}

func TestProcessTerminateNeverProvisioned(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindTerminate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", State: engine.ResourceStateTerminating})

	backend := &fakeBackend{}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["o-1"].State; got != engine.OrderStateDone {
		t.Errorf("order state = %s, want done", got)
	}
	if backend.deleteCalls != 0 {
		t.Errorf("Delete called %d times for a resource with no backend id", backend.deleteCalls)
	}
}

// denyTerminations is a scripted admission policy.
type denyTerminations struct{}

func (denyTerminations) AdmitOrder(ctx context.Context, order *engine.Order) (policy.Decision, error) {
	if order.Kind == engine.OrderKindTerminate {
		return policy.Decision{Allowed: false, Reasons: []string{"offering is protected from termination"}}, nil
	}
	return policy.Decision{Allowed: true}, nil
}

func TestProcessPolicyDenialErrsOrder(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindTerminate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addOrder(engine.Order{
		ID: "o-2", Kind: engine.OrderKindCreate, OfferingID: "off-1",
		ResourceID: "r-2", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", BackendID: "be-1", State: engine.ResourceStateOK})
	cp.addResource(engine.Resource{ID: "r-2", OfferingID: "off-1", State: engine.ResourceStateCreating})

	backend := &fakeBackend{createResult: &engine.ProvisionResult{BackendID: "be-2"}}
	p := testProcessor(t, cp).WithAdmitter(denyTerminations{}, false)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	denied := cp.orders["o-1"]
	if denied.State != engine.OrderStateErred {
		t.Errorf("denied order state = %s, want erred", denied.State)
	}
	if !strings.Contains(denied.ErrorMessage, "protected from termination") {
		t.Errorf("denied order message = %q", denied.ErrorMessage)
	}
	if backend.deleteCalls != 0 {
		t.Errorf("Delete called for a denied order")
	}

	// Admitted sibling still went through.
	if got := cp.orders["o-2"].State; got != engine.OrderStateDone {
		t.Errorf("admitted order state = %s, want done", got)
	}
}

func TestProcessAdvisoryDenialProceeds(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindTerminate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", BackendID: "be-1", State: engine.ResourceStateOK})

	backend := &fakeBackend{deleteResult: &engine.ProvisionResult{BackendID: "be-1"}}
	p := testProcessor(t, cp).WithAdmitter(denyTerminations{}, true)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got := cp.orders["o-1"].State; got != engine.OrderStateDone {
		t.Errorf("order state = %s, want done in advisory mode", got)
	}
	if backend.deleteCalls != 1 {
		t.Errorf("Delete called %d times, want 1", backend.deleteCalls)
	}
}

func TestProcessTerminatePendingThenDone(t *testing.T) {
	cp := newFakeControlPlane()
	cp.addOrder(engine.Order{
		ID: "o-1", Kind: engine.OrderKindTerminate, OfferingID: "off-1",
		ResourceID: "r-1", State: engine.OrderStatePending,
	})
	cp.addResource(engine.Resource{ID: "r-1", OfferingID: "off-1", BackendID: "be-1", State: engine.ResourceStateTerminating})

	backend := &fakeBackend{deleteResult: &engine.ProvisionResult{CorrelationID: "job-3"}}
	p := testProcessor(t, cp)

	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := cp.orders["o-1"].CorrelationID; got != "job-3" {
		t.Fatalf("correlation id = %q, want job-3", got)
	}

	backend.checkDone = true
	if err := p.Process(context.Background(), testOffering(), backend, passthroughMapper(t)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if got := cp.orders["o-1"].State; got != engine.OrderStateDone {
		t.Errorf("order state = %s, want done", got)
	}
	if got := cp.resources["r-1"].State; got != engine.ResourceStateTerminated {
		t.Errorf("resource state = %s, want terminated", got)
	}
	if backend.deleteCalls != 1 {
		t.Errorf("Delete called %d times, want 1", backend.deleteCalls)
	}
}
