// Package policy evaluates the externally supplied policy facts the
// processing loops consult: whether identity provisioning for an offering
// is provider managed, and whether an order is admissible. Policies are
// Rego modules; offering facts from configuration are loaded into the
// engine's data store and operators may extend the builtin rules with
// modules from a policy directory.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// Decision is the outcome of an order admission check.
type Decision struct {
	// Allowed is false when any deny rule fired.
	Allowed bool `json:"allowed"`

	// Reasons carries the messages of the deny rules that fired.
	Reasons []string `json:"reasons,omitempty"`
}

// Engine evaluates Rego policies over per-offering facts.
type Engine struct {
	mu      sync.RWMutex
	modules map[string]string
	store   storage.Store
	logger  *telemetry.Logger
}

// NewEngine creates a policy engine with the builtin module loaded and an
// empty fact store.
func NewEngine(logger *telemetry.Logger) (*Engine, error) {
	e := &Engine{
		modules: map[string]string{builtinModuleName: builtinModule},
		store:   inmem.New(),
		logger:  logger.NewComponentLogger("policy"),
	}

	// Compile eagerly so a broken builtin fails at startup, not at the
	// first evaluation.
	if _, err := e.eval(context.Background(), "data.crossgate.agent.provider_managed",
		map[string]interface{}{"offering_id": ""}); err != nil {
		return nil, fmt.Errorf("failed to compile builtin policy: %w", err)
	}
	return e, nil
}

// LoadDir loads operator-supplied Rego modules from a directory. Missing
// directories are not an error; a module that fails to compile is.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read policy directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		if err := e.AddModule(ctx, entry.Name(), string(source)); err != nil {
			return err
		}
	}
	return nil
}

// AddModule registers one Rego module, replacing any previous module of
// the same name. Compilation is verified before the module is kept.
func (e *Engine) AddModule(ctx context.Context, name, source string) error {
	e.mu.Lock()
	previous, existed := e.modules[name]
	e.modules[name] = source
	e.mu.Unlock()

	if _, err := e.eval(ctx, "data.crossgate.agent.deny",
		map[string]interface{}{"order": map[string]interface{}{}}); err != nil {
		e.mu.Lock()
		if existed {
			e.modules[name] = previous
		} else {
			delete(e.modules, name)
		}
		e.mu.Unlock()
		return engine.NewConfigurationError(
			fmt.Sprintf("policy module %s does not compile", name), err).
			WithCode(engine.ErrCodeValidation)
	}

	e.logger.WithField("module", name).Debug("policy module loaded")
	return nil
}

// SetOfferingFacts stores the policy facts for one offering, replacing any
// previous document. Facts come from the offering configuration.
func (e *Engine) SetOfferingFacts(ctx context.Context, offeringID string, facts map[string]interface{}) error {
	path, ok := storage.ParsePath("/offerings/" + offeringID)
	if !ok {
		return engine.NewConfigurationError(
			fmt.Sprintf("offering id %q is not a valid fact path", offeringID), nil).
			WithCode(engine.ErrCodeValidation)
	}

	txn, err := e.store.NewTransaction(ctx, storage.WriteParams)
	if err != nil {
		return fmt.Errorf("failed to open fact store transaction: %w", err)
	}
	if err := storage.MakeDir(ctx, e.store, txn, path[:1]); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("failed to prepare fact store: %w", err)
	}
	if err := e.store.Write(ctx, txn, storage.AddOp, path, facts); err != nil {
		e.store.Abort(ctx, txn)
		return fmt.Errorf("failed to write offering facts: %w", err)
	}
	if err := e.store.Commit(ctx, txn); err != nil {
		return fmt.Errorf("failed to commit offering facts: %w", err)
	}
	return nil
}

// ProviderManaged reports whether identity provisioning for the offering
// is managed by this agent. It satisfies identity.Policy.
func (e *Engine) ProviderManaged(ctx context.Context, offeringID string) (bool, error) {
	results, err := e.eval(ctx, "data.crossgate.agent.provider_managed",
		map[string]interface{}{"offering_id": offeringID})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate provider_managed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	managed, _ := results[0].Expressions[0].Value.(bool)
	return managed, nil
}

// AdmitOrder evaluates the deny set for one order. An empty set admits the
// order.
func (e *Engine) AdmitOrder(ctx context.Context, order *engine.Order) (Decision, error) {
	results, err := e.eval(ctx, "data.crossgate.agent.deny",
		map[string]interface{}{"order": order})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate order admission: %w", err)
	}

	var reasons []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				reasons = append(reasons, fmt.Sprintf("%v", d))
			}
		}
	}
	return Decision{Allowed: len(reasons) == 0, Reasons: reasons}, nil
}

// eval runs one query over the loaded modules and the fact store.
func (e *Engine) eval(ctx context.Context, query string, input interface{}) (rego.ResultSet, error) {
	e.mu.RLock()
	opts := []func(*rego.Rego){
		rego.Query(query),
		rego.Store(e.store),
		rego.Input(input),
	}
	for name, source := range e.modules {
		opts = append(opts, rego.Module(name, source))
	}
	e.mu.RUnlock()

	return rego.New(opts...).Eval(ctx)
}
