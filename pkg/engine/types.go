package engine

import (
	"encoding/json"
	"time"
)

// OrderKind is the kind of change an order requests.
type OrderKind string

const (
	// OrderKindCreate provisions a new resource on the backend.
	OrderKindCreate OrderKind = "create"

	// OrderKindUpdate changes the limits of an existing resource.
	OrderKindUpdate OrderKind = "update"

	// OrderKindTerminate removes the resource from the backend.
	OrderKindTerminate OrderKind = "terminate"
)

// OrderState is the lifecycle state of an order. Transitions are monotonic:
// once an order reaches a terminal state it is never mutated again.
type OrderState string

const (
	// OrderStatePending means the order is waiting to be picked up.
	OrderStatePending OrderState = "pending"

	// OrderStateExecuting means the order has been dispatched to the
	// backend and is waiting for completion.
	OrderStateExecuting OrderState = "executing"

	// OrderStateDone is the terminal success state.
	OrderStateDone OrderState = "done"

	// OrderStateErred is the terminal failure state.
	OrderStateErred OrderState = "erred"
)

// IsTerminal returns true if the state is Done or Erred.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateDone || s == OrderStateErred
}

// Order is a unit of requested change to a resource.
type Order struct {
	// ID is the control-plane identifier of the order.
	ID string `json:"id"`

	// Kind is the requested change (create, update, terminate).
	Kind OrderKind `json:"kind"`

	// OfferingID is the offering this order belongs to.
	OfferingID string `json:"offering_id"`

	// ResourceID is the control-plane resource the order targets.
	ResourceID string `json:"resource_id"`

	// ProjectID is the owning project.
	ProjectID string `json:"project_id,omitempty"`

	// State is the current lifecycle state.
	State OrderState `json:"state"`

	// CorrelationID is the opaque identifier of the backend-side
	// counterpart of this order. Set at most once; once present the
	// processor only polls CheckPending and never re-submits creation.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Limits are the requested quantities per source component.
	Limits map[string]float64 `json:"limits,omitempty"`

	// Attributes carries order-specific provisioning attributes.
	Attributes json.RawMessage `json:"attributes,omitempty"`

	// ErrorMessage is the human-readable diagnostic set on terminal
	// failure.
	ErrorMessage string `json:"error_message,omitempty"`

	// CreatedAt is when the order was created on the control plane.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the order was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// ResourceState is the lifecycle state of a provisioned resource.
type ResourceState string

const (
	ResourceStateCreating    ResourceState = "creating"
	ResourceStateOK          ResourceState = "ok"
	ResourceStateUpdating    ResourceState = "updating"
	ResourceStateTerminating ResourceState = "terminating"
	ResourceStateTerminated  ResourceState = "terminated"
	ResourceStateErred       ResourceState = "erred"
)

// Resource is the provisioned object tracked on both the control plane and
// the backend system.
type Resource struct {
	// ID is the control-plane identifier of the resource.
	ID string `json:"id"`

	// OfferingID is the offering the resource was provisioned under.
	OfferingID string `json:"offering_id"`

	// BackendID is the backend-side identifier, set once on successful
	// creation.
	BackendID string `json:"backend_id,omitempty"`

	// State is the current lifecycle state.
	State ResourceState `json:"state"`

	// Limits are the currently effective quantities per source component.
	Limits map[string]float64 `json:"limits,omitempty"`

	// ProjectID is the owning project.
	ProjectID string `json:"project_id,omitempty"`

	// CustomerID is the owning customer/organization.
	CustomerID string `json:"customer_id,omitempty"`
}

// Offering is a catalog entry whose fulfillment is bound to a backend
// adapter.
type Offering struct {
	// ID is the control-plane identifier of the offering.
	ID string `json:"id"`

	// Name is the human-readable offering name.
	Name string `json:"name"`

	// BackendType selects the adapter in the backend registry.
	BackendType string `json:"backend_type"`

	// Components lists the source component keys this offering accounts.
	Components []string `json:"components,omitempty"`
}

// OfferingUserState is the lifecycle state of a subject identity being
// provisioned on the backend.
type OfferingUserState string

const (
	// OfferingUserStateRequested means provisioning has been requested by
	// the control plane and not started yet.
	OfferingUserStateRequested OfferingUserState = "requested"

	// OfferingUserStateCreating means provisioning is in progress.
	OfferingUserStateCreating OfferingUserState = "creating"

	// OfferingUserStateOK is the practical terminal success state.
	OfferingUserStateOK OfferingUserState = "ok"

	// OfferingUserStatePendingAccountLinking means the person must link an
	// external account before provisioning can proceed.
	OfferingUserStatePendingAccountLinking OfferingUserState = "pending_account_linking"

	// OfferingUserStatePendingValidation means additional validation of the
	// person is required before provisioning can proceed.
	OfferingUserStatePendingValidation OfferingUserState = "pending_additional_validation"

	// OfferingUserStateErrorCreating is the recoverable failure state.
	OfferingUserStateErrorCreating OfferingUserState = "error_creating"
)

// OfferingUser is a subject identity on an offering: the link between a
// control-plane person and their backend account.
type OfferingUser struct {
	// ID is the control-plane identifier of the identity record.
	ID string `json:"id"`

	// OfferingID is the offering the identity belongs to.
	OfferingID string `json:"offering_id"`

	// UserID references the control-plane person.
	UserID string `json:"user_id"`

	// Username is the resolved backend username, empty until provisioning
	// succeeds.
	Username string `json:"username,omitempty"`

	// State is the provisioning lifecycle state.
	State OfferingUserState `json:"state"`

	// Comment is the provider-facing diagnostic, overwritten on every
	// transition into a pending or error state.
	Comment string `json:"comment,omitempty"`
}

// UsageReport carries measured consumption for one resource over one
// accounting period, expressed in source component quantities.
type UsageReport struct {
	// ResourceID is the control-plane resource the usage belongs to.
	ResourceID string `json:"resource_id"`

	// Period identifies the accounting period (for example "2026-09").
	Period string `json:"period"`

	// Components maps source component keys to consumed quantities.
	Components map[string]float64 `json:"components"`

	// PerUser optionally breaks consumption down by backend username.
	PerUser map[string]map[string]float64 `json:"per_user,omitempty"`
}

// ObjectType identifies the class of control-plane object an event or a
// subscription refers to.
type ObjectType string

const (
	ObjectTypeOrder               ObjectType = "order"
	ObjectTypeRoleGrant           ObjectType = "role_grant"
	ObjectTypeResource            ObjectType = "resource"
	ObjectTypeOfferingUser        ObjectType = "offering_user"
	ObjectTypeImportableResources ObjectType = "importable_resources"
	ObjectTypePeriodicLimits      ObjectType = "periodic_limits"
)

// Event is an inbound notification from the control-plane event bus.
type Event struct {
	// ObjectType is the class of object the event refers to.
	ObjectType ObjectType `json:"object_type"`

	// ObjectID is the identifier of the affected object.
	ObjectID string `json:"object_id"`

	// OfferingID is the offering scope of the event.
	OfferingID string `json:"offering_id,omitempty"`

	// Action describes what happened (created, updated, deleted).
	Action string `json:"action,omitempty"`

	// ReceivedAt is when the agent received the event.
	ReceivedAt time.Time `json:"received_at"`
}

// EventSubscription is the control-plane record of one event-bus
// subscription held by this agent.
type EventSubscription struct {
	// ID is the control-plane identifier of the subscription.
	ID string `json:"id"`

	// OfferingID is the offering the subscription is scoped to.
	OfferingID string `json:"offering_id"`

	// ObjectType is the topic the subscription delivers.
	ObjectType ObjectType `json:"object_type"`

	// LastActivity is the last time a frame arrived on the subscription.
	LastActivity time.Time `json:"last_activity,omitempty"`
}
