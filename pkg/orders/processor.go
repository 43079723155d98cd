// Package orders implements the order-processing state machine: it scans an
// offering's pending orders, dispatches them to the backend adapter, and
// tracks non-blocking completion of operations the backend delegated to a
// further asynchronous system.
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/mapper"
	"github.com/crossgate/crossgate/pkg/policy"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// Admitter decides whether a fresh order may be dispatched. Orders already
// in flight are never re-admitted.
type Admitter interface {
	AdmitOrder(ctx context.Context, order *engine.Order) (policy.Decision, error)
}

// Processor drives the order lifecycle for one agent process. It holds no
// order or resource state between cycles: every pass re-fetches
// authoritative state from the control plane.
type Processor struct {
	controlPlane engine.ControlPlane
	admitter     Admitter
	advisory     bool
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
}

// NewProcessor creates an order processor. The metrics collector may be
// nil.
func NewProcessor(cp engine.ControlPlane, logger *telemetry.Logger, metrics *telemetry.Metrics) *Processor {
	return &Processor{
		controlPlane: cp,
		logger:       logger.NewComponentLogger("orders"),
		metrics:      metrics,
	}
}

// WithAdmitter installs an order admission policy. Denied orders
// terminalize as erred with the policy's reasons. In advisory mode
// denials are logged and the order proceeds anyway.
func (p *Processor) WithAdmitter(admitter Admitter, advisory bool) *Processor {
	p.admitter = admitter
	p.advisory = advisory
	return p
}

// Process runs one order-processing pass for the offering. Orders already
// carrying a correlation id are polled first and lock their resource for
// the cycle; fresh orders targeting a locked resource are skipped until the
// in-flight operation terminalizes. A single order's failure never blocks
// the rest of the pass.
func (p *Processor) Process(ctx context.Context, offering *engine.Offering, backend engine.Backend, values *mapper.Mapper) error {
	started := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.OrderCycle(offering.ID, time.Since(started))
		}
	}()

	orders, err := p.controlPlane.ListPendingOrders(ctx, offering.ID)
	if err != nil {
		return fmt.Errorf("failed to list pending orders: %w", err)
	}

	// A non-terminal order holding a correlation id is an exclusive lock
	// on its resource for this cycle.
	busy := make(map[string]bool)
	for i := range orders {
		order := &orders[i]
		if order.State.IsTerminal() || order.CorrelationID == "" {
			continue
		}
		busy[order.ResourceID] = true
		p.pollPending(ctx, order, backend, values)
	}

	for i := range orders {
		order := &orders[i]
		if order.State.IsTerminal() || order.CorrelationID != "" {
			continue
		}
		if busy[order.ResourceID] {
			p.logger.WithOrder(order.ID).WithResource(order.ResourceID).
				Debug("resource has an operation in flight, deferring order")
			continue
		}
		if p.dispatch(ctx, order, backend, values) {
			busy[order.ResourceID] = true
		}
	}
	return nil
}

// dispatch routes a fresh order by kind. It returns true when the order
// now occupies its resource (either completed this cycle or went pending).
func (p *Processor) dispatch(ctx context.Context, order *engine.Order, backend engine.Backend, values *mapper.Mapper) bool {
	if p.admitter != nil {
		decision, err := p.admitter.AdmitOrder(ctx, order)
		if err != nil {
			p.logger.WithError(err).WithOrder(order.ID).
				Warn("order admission evaluation failed, retrying next cycle")
			return false
		}
		if !decision.Allowed {
			reasons := strings.Join(decision.Reasons, "; ")
			if !p.advisory {
				p.markErred(ctx, order, fmt.Sprintf("order denied by policy: %s", reasons))
				return false
			}
			p.logger.WithOrder(order.ID).WithField("reasons", reasons).
				Warn("policy would deny this order (advisory mode)")
		}
	}

	switch order.Kind {
	case engine.OrderKindCreate:
		return p.processCreate(ctx, order, backend, values)
	case engine.OrderKindUpdate:
		return p.processUpdate(ctx, order, backend, values)
	case engine.OrderKindTerminate:
		return p.processTerminate(ctx, order, backend)
	default:
		p.markErred(ctx, order, fmt.Sprintf("unsupported order kind %q", order.Kind))
		return false
	}
}

// processCreate submits a creation to the backend. The adapter returns
// either an immediate backend resource id or a pending correlation id; in
// the pending case the correlation id is written to the control plane
// immediately and the processor returns without blocking. Because the
// correlation id is persisted before anything else, a crash after this
// point resumes through pollPending and creation is never re-submitted.
func (p *Processor) processCreate(ctx context.Context, order *engine.Order, backend engine.Backend, values *mapper.Mapper) bool {
	submitted := *order
	submitted.Limits = values.Forward(order.Limits)

	result, err := p.call(ctx, backend, "create", func() (*engine.ProvisionResult, error) {
		return backend.Create(ctx, &submitted)
	})
	if err != nil {
		return p.handleBackendError(ctx, order, err)
	}

	if result.Pending() {
		return p.recordCorrelation(ctx, order, result.CorrelationID)
	}

	p.complete(ctx, order, func() error {
		if err := p.controlPlane.SetResourceBackendID(ctx, order.ResourceID, result.BackendID); err != nil {
			return err
		}
		if err := p.controlPlane.UpdateResourceLimits(ctx, order.ResourceID, order.Limits); err != nil {
			return err
		}
		return p.controlPlane.SetResourceState(ctx, order.ResourceID, engine.ResourceStateOK)
	})
	return true
}

// processUpdate applies new limits to the backend resource.
func (p *Processor) processUpdate(ctx context.Context, order *engine.Order, backend engine.Backend, values *mapper.Mapper) bool {
	resource, err := p.controlPlane.GetResource(ctx, order.ResourceID)
	if err != nil {
		p.logger.WithError(err).WithOrder(order.ID).Warn("failed to fetch resource, retrying next cycle")
		return false
	}
	if resource.BackendID == "" {
		p.markErred(ctx, order, "resource has no backend id, cannot update")
		return false
	}

	result, err := p.call(ctx, backend, "update", func() (*engine.ProvisionResult, error) {
		return backend.Update(ctx, resource.BackendID, values.Forward(order.Limits))
	})
	if err != nil {
		return p.handleBackendError(ctx, order, err)
	}

	if result.Pending() {
		return p.recordCorrelation(ctx, order, result.CorrelationID)
	}

	p.complete(ctx, order, func() error {
		if err := p.controlPlane.UpdateResourceLimits(ctx, order.ResourceID, order.Limits); err != nil {
			return err
		}
		return p.controlPlane.SetResourceState(ctx, order.ResourceID, engine.ResourceStateOK)
	})
	return true
}

// processTerminate removes the backend resource.
func (p *Processor) processTerminate(ctx context.Context, order *engine.Order, backend engine.Backend) bool {
	resource, err := p.controlPlane.GetResource(ctx, order.ResourceID)
	if err != nil {
		p.logger.WithError(err).WithOrder(order.ID).Warn("failed to fetch resource, retrying next cycle")
		return false
	}

	if resource.BackendID == "" {
		// Nothing was ever provisioned; terminating is trivially done.
		p.complete(ctx, order, func() error {
			return p.controlPlane.SetResourceState(ctx, order.ResourceID, engine.ResourceStateTerminated)
		})
		return true
	}

	result, err := p.call(ctx, backend, "delete", func() (*engine.ProvisionResult, error) {
		return backend.Delete(ctx, resource.BackendID)
	})
	if err != nil {
		return p.handleBackendError(ctx, order, err)
	}

	if result.Pending() {
		return p.recordCorrelation(ctx, order, result.CorrelationID)
	}

	p.complete(ctx, order, func() error {
		return p.controlPlane.SetResourceState(ctx, order.ResourceID, engine.ResourceStateTerminated)
	})
	return true
}

// pollPending checks on an order whose operation was delegated by the
// backend. This is the only path taken once a correlation id exists:
// create/update/delete are never re-invoked for such an order.
func (p *Processor) pollPending(ctx context.Context, order *engine.Order, backend engine.Backend, values *mapper.Mapper) {
	done, backendID, err := backend.CheckPending(ctx, order.CorrelationID)
	if err != nil {
		if engine.IsTransient(err) {
			p.observePendingCheck("transient")
			p.logger.WithError(err).WithOrder(order.ID).
				Warn("transient failure polling delegated operation, retrying next cycle")
			return
		}
		p.observePendingCheck("failed")
		p.markErred(ctx, order, fmt.Sprintf("delegated operation failed: %v", err))
		return
	}
	if !done {
		p.observePendingCheck("pending")
		p.logger.WithOrder(order.ID).
			WithField("correlation_id", order.CorrelationID).
			Debug("delegated operation still pending")
		return
	}
	p.observePendingCheck("done")

	switch order.Kind {
	case engine.OrderKindCreate:
		p.complete(ctx, order, func() error {
			if err := p.controlPlane.SetResourceBackendID(ctx, order.ResourceID, backendID); err != nil {
				return err
			}
			if err := p.controlPlane.UpdateResourceLimits(ctx, order.ResourceID, order.Limits); err != nil {
				return err
			}
			return p.controlPlane.SetResourceState(ctx, order.ResourceID, engine.ResourceStateOK)
		})
	case engine.OrderKindUpdate:
		p.complete(ctx, order, func() error {
			if err := p.controlPlane.UpdateResourceLimits(ctx, order.ResourceID, order.Limits); err != nil {
				return err
			}
			return p.controlPlane.SetResourceState(ctx, order.ResourceID, engine.ResourceStateOK)
		})
	case engine.OrderKindTerminate:
		p.complete(ctx, order, func() error {
			return p.controlPlane.SetResourceState(ctx, order.ResourceID, engine.ResourceStateTerminated)
		})
	}
}

// recordCorrelation persists the correlation id and moves the order to
// executing. The write happens before anything else so restarts resume via
// CheckPending only.
func (p *Processor) recordCorrelation(ctx context.Context, order *engine.Order, correlationID string) bool {
	if err := p.controlPlane.SetOrderCorrelationID(ctx, order.ID, correlationID); err != nil {
		// The backend accepted the operation but the control plane did not
		// record it. The next cycle will find the order without a
		// correlation id and re-submit; adapters are expected to make
		// submission idempotent on the order id.
		p.logger.WithError(err).WithOrder(order.ID).
			Error("failed to record correlation id, operation may be re-submitted")
		return false
	}
	order.CorrelationID = correlationID
	if err := p.controlPlane.SetOrderState(ctx, order.ID, engine.OrderStateExecuting, ""); err != nil {
		p.logger.WithError(err).WithOrder(order.ID).Warn("failed to mark order executing")
	}
	p.logger.WithOrder(order.ID).
		WithField("correlation_id", correlationID).
		Info("backend delegated the operation, tracking completion")
	return true
}

// complete applies the order's resource effects and terminalizes it as
// done. If a control-plane write fails after the backend operation already
// succeeded, the order is marked erred even though the backend side is
// fine; the discrepancy is logged loudly so operators reconcile against
// actual resource state. This mismatch is deliberate and documented, not a
// bug to fix here.
func (p *Processor) complete(ctx context.Context, order *engine.Order, finalize func() error) {
	if err := finalize(); err != nil {
		p.logger.WithError(err).WithOrder(order.ID).WithResource(order.ResourceID).
			Error("BACKEND OPERATION SUCCEEDED but writing resource state to the control plane failed; order will be marked erred despite backend-side success")
		p.markErred(ctx, order, fmt.Sprintf("backend operation succeeded but recording the result failed: %v", err))
		return
	}
	if err := p.controlPlane.SetOrderState(ctx, order.ID, engine.OrderStateDone, ""); err != nil {
		p.logger.WithError(err).WithOrder(order.ID).
			Error("BACKEND OPERATION SUCCEEDED but terminal state write failed; order left non-terminal for next cycle")
		return
	}
	order.State = engine.OrderStateDone
	if p.metrics != nil {
		p.metrics.OrderProcessed(string(order.Kind), "done")
	}
	p.logger.WithOrder(order.ID).WithField("kind", string(order.Kind)).Info("order completed")
}

// handleBackendError applies the error taxonomy to a failed lifecycle
// call: transient failures are retried next cycle with no state change,
// deterministic backend failures terminalize the order.
func (p *Processor) handleBackendError(ctx context.Context, order *engine.Order, err error) bool {
	if engine.IsTransient(err) {
		p.logger.WithError(err).WithOrder(order.ID).
			Warn("transient backend failure, retrying next cycle")
		if p.metrics != nil {
			p.metrics.ErrorObserved(string(engine.ErrorClassTransient))
		}
		return false
	}
	p.markErred(ctx, order, fmt.Sprintf("backend operation failed: %v", err))
	return false
}

// markErred terminalizes the order as failed with an operator-visible
// diagnostic.
func (p *Processor) markErred(ctx context.Context, order *engine.Order, message string) {
	if err := p.controlPlane.SetOrderState(ctx, order.ID, engine.OrderStateErred, message); err != nil {
		p.logger.WithError(err).WithOrder(order.ID).
			Error("failed to terminalize order as erred")
		return
	}
	order.State = engine.OrderStateErred
	order.ErrorMessage = message
	if p.metrics != nil {
		p.metrics.OrderProcessed(string(order.Kind), "erred")
		p.metrics.ErrorObserved(string(engine.ErrorClassBackend))
	}
	p.logger.WithOrder(order.ID).WithField("message", message).Warn("order erred")
}

// call wraps a backend lifecycle invocation with metrics.
func (p *Processor) call(ctx context.Context, backend engine.Backend, operation string, fn func() (*engine.ProvisionResult, error)) (*engine.ProvisionResult, error) {
	started := time.Now()
	result, err := fn()
	if p.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		p.metrics.BackendCall(backend.Type(), operation, status, time.Since(started))
	}
	return result, err
}

// observePendingCheck records a CheckPending outcome.
func (p *Processor) observePendingCheck(outcome string) {
	if p.metrics != nil {
		p.metrics.PendingCheck(outcome)
	}
}
