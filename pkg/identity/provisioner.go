// Package identity implements the asynchronous identity-provisioning state
// machine. Subject identities are created by the control plane on role
// grant; this package drives them from requested to ok through the
// recoverable pending and error states, one batch per offering per cycle.
package identity

import (
	"context"
	"fmt"

	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// Policy supplies the externally owned policy facts the state machine
// consults before doing any per-subject work.
type Policy interface {
	// ProviderManaged reports whether identity provisioning for the
	// offering is managed by this agent.
	ProviderManaged(ctx context.Context, offeringID string) (bool, error)
}

// Provisioner drives the identity lifecycle for one agent process.
type Provisioner struct {
	controlPlane engine.ControlPlane
	policy       Policy
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
}

// NewProvisioner creates a provisioner. The metrics collector may be nil.
func NewProvisioner(cp engine.ControlPlane, policy Policy, logger *telemetry.Logger, metrics *telemetry.Metrics) *Provisioner {
	return &Provisioner{
		controlPlane: cp,
		policy:       policy,
		logger:       logger.NewComponentLogger("identity"),
		metrics:      metrics,
	}
}

// Process runs one provisioning pass over the offering's subject
// identities, grouped by current state in a single sweep. It short-circuits
// entirely, with no backend calls, when the offering's identity backend is
// the no-op fallback or when provisioning is not provider-managed.
func (p *Provisioner) Process(ctx context.Context, offering *engine.Offering, backend engine.IdentityBackend) error {
	if backend == nil || backend.Type() == "unknown" {
		p.logger.WithField("offering", offering.ID).Debug("identity backend is a no-op fallback, skipping")
		return nil
	}

	managed, err := p.policy.ProviderManaged(ctx, offering.ID)
	if err != nil {
		return fmt.Errorf("failed to evaluate provisioning policy: %w", err)
	}
	if !managed {
		p.logger.WithField("offering", offering.ID).Debug("provisioning is not provider-managed, skipping")
		return nil
	}

	users, err := p.controlPlane.ListOfferingUsers(ctx, offering.ID)
	if err != nil {
		return fmt.Errorf("failed to list offering users: %w", err)
	}

	for i := range users {
		user := users[i]
		if err := p.processUser(ctx, &user, backend); err != nil {
			// A single subject's failure never blocks the rest of the
			// batch.
			p.logger.WithError(err).
				WithField("offering", offering.ID).
				WithField("offering_user", user.ID).
				Error("failed to process subject identity")
		}
	}
	return nil
}

// processUser applies the transition table to one subject.
func (p *Provisioner) processUser(ctx context.Context, user *engine.OfferingUser, backend engine.IdentityBackend) error {
	switch user.State {
	case engine.OfferingUserStateRequested:
		return p.enterProcessing(ctx, user, backend)
	case engine.OfferingUserStateCreating, engine.OfferingUserStateErrorCreating:
		return p.resolveCreating(ctx, user, backend)
	case engine.OfferingUserStatePendingAccountLinking, engine.OfferingUserStatePendingValidation:
		return p.recheckPending(ctx, user, backend)
	case engine.OfferingUserStateOK:
		// Practical terminal state. The control plane re-requests
		// processing by resetting the state externally.
		return nil
	default:
		p.logger.WithField("offering_user", user.ID).
			WithField("state", string(user.State)).
			Warn("subject identity in unknown state, leaving untouched")
		return nil
	}
}

// enterProcessing moves a requested subject into creating, then resolves.
func (p *Provisioner) enterProcessing(ctx context.Context, user *engine.OfferingUser, backend engine.IdentityBackend) error {
	from := user.State
	user.State = engine.OfferingUserStateCreating
	if err := p.controlPlane.UpdateOfferingUser(ctx, user); err != nil {
		user.State = from
		return fmt.Errorf("failed to enter processing: %w", err)
	}
	p.observeTransition(from, user.State)
	return p.resolveCreating(ctx, user, backend)
}

// resolveCreating handles the creating and error_creating rows of the
// transition table.
func (p *Provisioner) resolveCreating(ctx context.Context, user *engine.OfferingUser, backend engine.IdentityBackend) error {
	resolution, err := backend.ResolveIdentity(ctx, user)
	if err != nil {
		if engine.IsTransient(err) {
			p.logger.WithError(err).WithField("offering_user", user.ID).
				Warn("transient identity backend failure, retrying next cycle")
			return nil
		}
		if engine.IsBackendFailure(err) {
			// A classified backend failure is as deterministic as a Failed
			// resolution: surface it to the operator through the comment.
			if user.State == engine.OfferingUserStateErrorCreating {
				return nil
			}
			return p.transition(ctx, user, engine.OfferingUserStateErrorCreating, failureComment(err.Error()))
		}
		// Unclassified errors leave state unchanged so the machine never
		// implies progress that did not occur.
		p.logger.WithError(err).WithField("offering_user", user.ID).
			Error("unclassified identity backend failure, state left unchanged")
		return nil
	}

	switch resolution.Status {
	case engine.ResolutionResolved:
		return p.markResolved(ctx, user, resolution.Username)
	case engine.ResolutionNeedsLinking:
		return p.transition(ctx, user, engine.OfferingUserStatePendingAccountLinking, linkingComment(resolution.Link))
	case engine.ResolutionNeedsValidation:
		return p.transition(ctx, user, engine.OfferingUserStatePendingValidation, validationComment(resolution.Link))
	case engine.ResolutionFailed:
		return p.transition(ctx, user, engine.OfferingUserStateErrorCreating, failureComment(resolution.Reason))
	default:
		p.logger.WithField("offering_user", user.ID).
			WithField("resolution", string(resolution.Status)).
			Error("unknown resolution status, state left unchanged")
		return nil
	}
}

// recheckPending handles the two pending rows: a single check per cycle,
// no transition while the same outcome persists, cross-transitions between
// the pending states, and completion on success. Unmapped outcomes leave
// the state unchanged.
func (p *Provisioner) recheckPending(ctx context.Context, user *engine.OfferingUser, backend engine.IdentityBackend) error {
	resolution, err := backend.ResolveIdentity(ctx, user)
	if err != nil {
		p.logger.WithError(err).WithField("offering_user", user.ID).
			Warn("identity backend failure while pending, state left unchanged")
		return nil
	}

	switch resolution.Status {
	case engine.ResolutionResolved:
		return p.markResolved(ctx, user, resolution.Username)
	case engine.ResolutionNeedsLinking:
		if user.State == engine.OfferingUserStatePendingAccountLinking {
			return nil
		}
		return p.transition(ctx, user, engine.OfferingUserStatePendingAccountLinking, linkingComment(resolution.Link))
	case engine.ResolutionNeedsValidation:
		if user.State == engine.OfferingUserStatePendingValidation {
			return nil
		}
		return p.transition(ctx, user, engine.OfferingUserStatePendingValidation, validationComment(resolution.Link))
	default:
		p.logger.WithField("offering_user", user.ID).
			WithField("resolution", string(resolution.Status)).
			Warn("unmapped resolution while pending, state left unchanged")
		return nil
	}
}

// markResolved clears the provider comment, records the username and moves
// the subject to ok.
func (p *Provisioner) markResolved(ctx context.Context, user *engine.OfferingUser, username string) error {
	from := user.State
	user.State = engine.OfferingUserStateOK
	user.Username = username
	user.Comment = ""
	if err := p.controlPlane.UpdateOfferingUser(ctx, user); err != nil {
		user.State = from
		return fmt.Errorf("failed to mark identity resolved: %w", err)
	}
	p.observeTransition(from, engine.OfferingUserStateOK)
	p.logger.WithField("offering_user", user.ID).
		WithField("username", username).
		Info("subject identity provisioned")
	return nil
}

// transition moves the subject into a pending or error state, overwriting
// the provider-facing comment with the generated diagnostic.
func (p *Provisioner) transition(ctx context.Context, user *engine.OfferingUser, to engine.OfferingUserState, comment string) error {
	from := user.State
	user.State = to
	user.Comment = comment
	if err := p.controlPlane.UpdateOfferingUser(ctx, user); err != nil {
		user.State = from
		return fmt.Errorf("failed to transition identity to %s: %w", to, err)
	}
	p.observeTransition(from, to)
	p.logger.WithField("offering_user", user.ID).
		WithField("from", string(from)).
		WithField("to", string(to)).
		Info("subject identity transitioned")
	return nil
}

func (p *Provisioner) observeTransition(from, to engine.OfferingUserState) {
	if p.metrics != nil {
		p.metrics.IdentityTransition(string(from), string(to))
	}
}

// SyncUsernames is the lightweight reconciliation slice: it compares the
// stored username of already provisioned subjects against the backend's
// resolved value and patches drift. It never touches lifecycle states and
// performs no membership work.
func (p *Provisioner) SyncUsernames(ctx context.Context, offering *engine.Offering, backend engine.IdentityBackend) error {
	if backend == nil || backend.Type() == "unknown" {
		return nil
	}

	users, err := p.controlPlane.ListOfferingUsers(ctx, offering.ID)
	if err != nil {
		return fmt.Errorf("failed to list offering users: %w", err)
	}

	for i := range users {
		user := users[i]
		if user.State != engine.OfferingUserStateOK {
			continue
		}
		resolution, err := backend.ResolveIdentity(ctx, &user)
		if err != nil || resolution.Status != engine.ResolutionResolved {
			continue
		}
		if resolution.Username == user.Username {
			continue
		}
		user.Username = resolution.Username
		if err := p.controlPlane.UpdateOfferingUser(ctx, &user); err != nil {
			p.logger.WithError(err).WithField("offering_user", user.ID).
				Error("failed to sync drifted username")
			continue
		}
		p.logger.WithField("offering_user", user.ID).
			WithField("username", resolution.Username).
			Info("synced drifted backend username")
	}
	return nil
}

func linkingComment(link string) string {
	if link != "" {
		return fmt.Sprintf("Account linking is required before the backend account can be created. Please visit %s to link your account.", link)
	}
	return "Account linking is required before the backend account can be created."
}

func validationComment(link string) string {
	if link != "" {
		return fmt.Sprintf("Additional validation is required before the backend account can be created. Please visit %s to complete validation.", link)
	}
	return "Additional validation is required before the backend account can be created."
}

func failureComment(reason string) string {
	if reason == "" {
		reason = "unknown backend failure"
	}
	return fmt.Sprintf("Failed to create the backend account: %s", reason)
}
