package engine

import (
	"context"
)

// ControlPlane is the client contract for the marketplace control plane.
// The control plane is the only source of truth: processing units re-fetch
// authoritative state through this interface at the start of every unit of
// work and never cache it across cycles.
type ControlPlane interface {
	// ListPendingOrders returns the offering's orders that are not yet
	// terminal, oldest first.
	ListPendingOrders(ctx context.Context, offeringID string) ([]Order, error)

	// SetOrderState terminalizes or advances an order. The message is the
	// operator-visible diagnostic and may be empty.
	SetOrderState(ctx context.Context, orderID string, state OrderState, message string) error

	// SetOrderCorrelationID records the backend correlation id on an order.
	// The control plane rejects overwrites of an existing value.
	SetOrderCorrelationID(ctx context.Context, orderID, correlationID string) error

	// GetResource fetches a resource by id.
	GetResource(ctx context.Context, resourceID string) (*Resource, error)

	// ListResources returns the offering's resources that are not
	// terminated.
	ListResources(ctx context.Context, offeringID string) ([]Resource, error)

	// SetResourceBackendID records the backend-side resource id, set once
	// on successful creation.
	SetResourceBackendID(ctx context.Context, resourceID, backendID string) error

	// SetResourceState advances a resource's lifecycle state.
	SetResourceState(ctx context.Context, resourceID string, state ResourceState) error

	// UpdateResourceLimits replaces a resource's effective limits.
	UpdateResourceLimits(ctx context.Context, resourceID string, limits map[string]float64) error

	// ListOfferingUsers returns the offering's subject identities.
	ListOfferingUsers(ctx context.Context, offeringID string) ([]OfferingUser, error)

	// UpdateOfferingUser patches a subject identity's state, username and
	// provider comment.
	UpdateOfferingUser(ctx context.Context, user *OfferingUser) error

	// ListEventSubscriptions returns the agent's event subscriptions for an
	// offering.
	ListEventSubscriptions(ctx context.Context, offeringID string) ([]EventSubscription, error)

	// TouchEventSubscription updates a subscription's last-activity
	// timestamp, announcing liveness.
	TouchEventSubscription(ctx context.Context, subscriptionID string) error

	// SubmitUsage pushes a usage report for one resource and period.
	// Submission is idempotent per (resource, period).
	SubmitUsage(ctx context.Context, report *UsageReport) error
}

// ProvisionResult is the outcome of a backend lifecycle call. Exactly one
// of BackendID and CorrelationID is expected to be set: BackendID for
// immediate completion, CorrelationID when the backend delegated the work
// to a further asynchronous system.
type ProvisionResult struct {
	// BackendID is the backend resource id on immediate completion.
	BackendID string

	// CorrelationID identifies the delegated operation to poll via
	// CheckPending. Empty when the operation completed immediately.
	CorrelationID string
}

// Pending reports whether the operation is still running remotely.
func (r *ProvisionResult) Pending() bool {
	return r.CorrelationID != ""
}

// OrderBackend is the lifecycle contract a backend adapter implements for
// order processing.
type OrderBackend interface {
	// Create provisions the resource requested by the order. It returns
	// either an immediate backend resource id or a pending correlation id;
	// it must never block on remote completion.
	Create(ctx context.Context, order *Order) (*ProvisionResult, error)

	// Update applies new limits to an existing backend resource.
	Update(ctx context.Context, backendID string, limits map[string]float64) (*ProvisionResult, error)

	// Delete removes the backend resource.
	Delete(ctx context.Context, backendID string) (*ProvisionResult, error)

	// CheckPending polls a delegated operation. It returns true on terminal
	// success, false while still pending, and a classified backend error on
	// terminal failure. On success for a create, the returned backend id is
	// the resolved target resource id.
	CheckPending(ctx context.Context, correlationID string) (done bool, backendID string, err error)
}

// UsageReporter is the optional adapter capability of measuring
// consumption. Quantities are in the backend's component space; callers
// reverse-map them into source components.
type UsageReporter interface {
	// Usage returns per-component consumption for one backend resource and
	// period, and optionally a per-username breakdown.
	Usage(ctx context.Context, backendID, period string) (map[string]float64, map[string]map[string]float64, error)
}

// MembershipBackend is the optional adapter capability of managing resource
// membership by backend username.
type MembershipBackend interface {
	AddMember(ctx context.Context, backendID, username string) error
	RemoveMember(ctx context.Context, backendID, username string) error

	// ListMembers returns the usernames currently granted on the backend
	// resource. Used by the reconciliation identity-sync slice.
	ListMembers(ctx context.Context, backendID string) ([]string, error)
}

// Backend is a registered adapter. Optional capabilities (UsageReporter,
// MembershipBackend) are discovered by type assertion.
type Backend interface {
	OrderBackend

	// Type returns the backend-type string the adapter is registered
	// under.
	Type() string
}

// ResolutionStatus tags the outcome of an identity resolution attempt.
type ResolutionStatus string

const (
	// ResolutionResolved means the backend account exists and the username
	// is known.
	ResolutionResolved ResolutionStatus = "resolved"

	// ResolutionNeedsLinking means the person must link an external
	// account first. Not a failure.
	ResolutionNeedsLinking ResolutionStatus = "needs_linking"

	// ResolutionNeedsValidation means additional validation of the person
	// is required first. Not a failure.
	ResolutionNeedsValidation ResolutionStatus = "needs_validation"

	// ResolutionFailed means the backend deterministically refused to
	// provision the account.
	ResolutionFailed ResolutionStatus = "failed"
)

// Resolution is the discriminated outcome of ResolveIdentity. The tagged
// form keeps the provisioning transition table exhaustive instead of
// relying on error type matching.
type Resolution struct {
	// Status tags which outcome this is.
	Status ResolutionStatus

	// Username is set when Status is ResolutionResolved.
	Username string

	// Link is an optional URL the person must visit for linking or
	// validation outcomes.
	Link string

	// Reason is the diagnostic for ResolutionFailed.
	Reason string
}

// IdentityBackend resolves or creates backend accounts for control-plane
// subjects. A non-nil error is reserved for transport problems; expected
// outcomes, including deterministic refusals, are expressed through the
// Resolution.
type IdentityBackend interface {
	// ResolveIdentity attempts to resolve the subject's backend account.
	ResolveIdentity(ctx context.Context, user *OfferingUser) (Resolution, error)

	// Type returns the identity backend type string. The registry's no-op
	// fallback reports "unknown", which short-circuits provisioning.
	Type() string
}
