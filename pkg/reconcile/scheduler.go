// Package reconcile drives the agent's periodic work: one tick loop runs
// the order pass, the identity pass and usage reporting for every
// configured offering. The loop holds no state between ticks; all
// authority lives on the control plane.
package reconcile

import (
	"context"
	"time"

	"github.com/crossgate/crossgate/pkg/backends"
	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/identity"
	"github.com/crossgate/crossgate/pkg/mapper"
	"github.com/crossgate/crossgate/pkg/orders"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// OfferingRuntime bundles everything one offering needs per cycle.
type OfferingRuntime struct {
	// Offering is the catalog entry.
	Offering *engine.Offering

	// Backend is the resolved adapter.
	Backend engine.Backend

	// Mapper converts component values between the source and backend
	// spaces.
	Mapper *mapper.Mapper

	// ProcessEvents marks the offering for event subscriptions and the
	// reconciliation identity-sync slice.
	ProcessEvents bool
}

// Scheduler runs the processing cycle on a fixed interval.
type Scheduler struct {
	controlPlane engine.ControlPlane
	orders       *orders.Processor
	identity     *identity.Provisioner
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer

	interval time.Duration

	// trigger coalesces out-of-band cycle requests. The buffer of one
	// collapses an event burst into a single extra cycle.
	trigger chan struct{}

	// runtimes returns the current offering set. Indirection keeps a hot
	// configuration reload a simple function swap.
	runtimes func() []OfferingRuntime
}

// NewScheduler creates a scheduler. Tracer and metrics may be nil.
func NewScheduler(
	cp engine.ControlPlane,
	orderProcessor *orders.Processor,
	provisioner *identity.Provisioner,
	runtimes func() []OfferingRuntime,
	interval time.Duration,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		controlPlane: cp,
		orders:       orderProcessor,
		identity:     provisioner,
		logger:       logger.NewComponentLogger("reconcile"),
		metrics:      metrics,
		tracer:       tracer,
		interval:     interval,
		trigger:      make(chan struct{}, 1),
		runtimes:     runtimes,
	}
}

// Trigger requests an out-of-band cycle, typically from an inbound event.
// Requests arriving while one is already queued are dropped, so a burst of
// events costs one cycle, not one per event.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until the context ends, executing one cycle immediately and
// then one per interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Cycle(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Cycle(ctx)
		case <-s.trigger:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one full pass over every offering. A failing offering is
// logged and never blocks its siblings.
func (s *Scheduler) Cycle(ctx context.Context) {
	for _, rt := range s.runtimes() {
		if ctx.Err() != nil {
			return
		}
		s.processOffering(ctx, rt)
	}
}

func (s *Scheduler) processOffering(ctx context.Context, rt OfferingRuntime) {
	logger := s.logger.WithOffering(rt.Offering.ID)

	start := time.Now()
	defer func() { s.metrics.OrderCycle(rt.Offering.ID, time.Since(start)) }()

	spanCtx := ctx
	if s.tracer != nil {
		newCtx, span := s.tracer.StartCycleSpan(ctx, rt.Offering.ID)
		defer span.End()
		spanCtx = newCtx
	}

	if err := s.orders.Process(spanCtx, rt.Offering, rt.Backend, rt.Mapper); err != nil {
		logger.WithError(err).Error("order pass failed")
	}

	if err := s.identity.Process(spanCtx, rt.Offering, backends.IdentityFor(rt.Backend)); err != nil {
		logger.WithError(err).Error("identity pass failed")
	}

	s.reportUsage(spanCtx, rt, logger)
}

// reportUsage measures consumption for the offering's provisioned
// resources and pushes reverse-mapped reports to the control plane. A
// backend without the usage capability is silently skipped.
func (s *Scheduler) reportUsage(ctx context.Context, rt OfferingRuntime, logger *telemetry.Logger) {
	reporter := backends.UsageFor(rt.Backend)
	if reporter == nil {
		return
	}

	resources, err := s.controlPlane.ListResources(ctx, rt.Offering.ID)
	if err != nil {
		logger.WithError(err).Warn("failed to list resources for usage reporting")
		return
	}

	period := time.Now().UTC().Format("2006-01")
	for i := range resources {
		resource := &resources[i]
		if resource.BackendID == "" || resource.State != engine.ResourceStateOK {
			continue
		}

		components, perUser, err := reporter.Usage(ctx, resource.BackendID, period)
		if err != nil {
			logger.WithError(err).WithResource(resource.ID).
				Warn("failed to measure usage")
			continue
		}

		report := &engine.UsageReport{
			ResourceID: resource.ID,
			Period:     period,
			Components: rt.Mapper.Reverse(components),
		}
		if len(perUser) > 0 {
			report.PerUser = make(map[string]map[string]float64, len(perUser))
			for username, values := range perUser {
				report.PerUser[username] = rt.Mapper.Reverse(values)
			}
		}

		if err := s.controlPlane.SubmitUsage(ctx, report); err != nil {
			logger.WithError(err).WithResource(resource.ID).
				Warn("failed to submit usage report")
		}
	}
}

// ReconcileIdentities is the lightweight reconciliation slice wired into
// the event manager's reconciliation timer: for offerings with event
// processing and an identity-capable backend, stored usernames are
// compared against the backend's resolved values and drift is patched,
// then resource memberships are aligned with the provisioned user set.
func (s *Scheduler) ReconcileIdentities(ctx context.Context) {
	for _, rt := range s.runtimes() {
		if !rt.ProcessEvents {
			continue
		}
		backend := backends.IdentityFor(rt.Backend)
		if backend.Type() == backends.NoopType {
			continue
		}
		if err := s.identity.SyncUsernames(ctx, rt.Offering, backend); err != nil {
			s.logger.WithError(err).WithOffering(rt.Offering.ID).
				Warn("identity reconciliation failed")
		}
		s.reconcileMembership(ctx, rt)
	}
}

// reconcileMembership aligns each provisioned resource's member list with
// the offering's provisioned usernames. Skipped silently when the backend
// has no membership capability.
func (s *Scheduler) reconcileMembership(ctx context.Context, rt OfferingRuntime) {
	membership := backends.MembershipFor(rt.Backend)
	if membership == nil {
		return
	}
	logger := s.logger.WithOffering(rt.Offering.ID)

	users, err := s.controlPlane.ListOfferingUsers(ctx, rt.Offering.ID)
	if err != nil {
		logger.WithError(err).Warn("failed to list offering users for membership reconciliation")
		return
	}
	desired := make(map[string]bool)
	for _, user := range users {
		if user.State == engine.OfferingUserStateOK && user.Username != "" {
			desired[user.Username] = true
		}
	}

	resources, err := s.controlPlane.ListResources(ctx, rt.Offering.ID)
	if err != nil {
		logger.WithError(err).Warn("failed to list resources for membership reconciliation")
		return
	}

	for i := range resources {
		resource := &resources[i]
		if resource.BackendID == "" || resource.State != engine.ResourceStateOK {
			continue
		}
		members, err := membership.ListMembers(ctx, resource.BackendID)
		if err != nil {
			logger.WithError(err).WithResource(resource.ID).
				Warn("failed to list backend members")
			continue
		}
		actual := make(map[string]bool, len(members))
		for _, username := range members {
			actual[username] = true
		}

		for username := range desired {
			if actual[username] {
				continue
			}
			if err := membership.AddMember(ctx, resource.BackendID, username); err != nil {
				logger.WithError(err).WithResource(resource.ID).
					WithField("username", username).
					Warn("failed to add member")
			}
		}
		for username := range actual {
			if desired[username] {
				continue
			}
			if err := membership.RemoveMember(ctx, resource.BackendID, username); err != nil {
				logger.WithError(err).WithResource(resource.ID).
					WithField("username", username).
					Warn("failed to remove member")
			}
		}
	}
}
