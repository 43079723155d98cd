package backends

import (
	"context"

	"github.com/crossgate/crossgate/pkg/engine"
)

// NoopType is the type string the fallback adapter reports. Identity
// provisioning short-circuits on it.
const NoopType = "unknown"

// Noop is the fallback adapter resolved for backend types with no
// registered factory. Lifecycle calls fail with a configuration error so
// misrouted orders terminalize with a clear diagnostic instead of looping.
type Noop struct{}

// NewNoop creates the fallback adapter.
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Type() string { return NoopType }

func (n *Noop) Create(ctx context.Context, order *engine.Order) (*engine.ProvisionResult, error) {
	return nil, n.refuse("create")
}

func (n *Noop) Update(ctx context.Context, backendID string, limits map[string]float64) (*engine.ProvisionResult, error) {
	return nil, n.refuse("update")
}

func (n *Noop) Delete(ctx context.Context, backendID string) (*engine.ProvisionResult, error) {
	return nil, n.refuse("delete")
}

func (n *Noop) CheckPending(ctx context.Context, correlationID string) (bool, string, error) {
	return false, "", n.refuse("check_pending")
}

// ResolveIdentity never runs in practice because provisioning
// short-circuits on Type(), but the contract is still honored.
func (n *Noop) ResolveIdentity(ctx context.Context, user *engine.OfferingUser) (engine.Resolution, error) {
	return engine.Resolution{}, n.refuse("resolve_identity")
}

func (n *Noop) refuse(operation string) error {
	return engine.NewConfigurationError("no backend adapter registered for this offering", nil).
		WithOperation(operation).
		WithCode(engine.ErrCodeNotFound)
}
