// Package mapper converts quantities between the source component space of
// the control plane and the component space of a backend. The forward
// direction is used for limits, the reverse direction for usage
// aggregation.
package mapper

import (
	"fmt"

	"github.com/crossgate/crossgate/pkg/engine"
)

// Edge is one configured conversion from a source component to a backend
// component.
type Edge struct {
	// Source is the source component key.
	Source string `json:"source" yaml:"source" validate:"required"`

	// Target is the backend component key.
	Target string `json:"target" yaml:"target" validate:"required"`

	// Factor is the multiplier applied in the forward direction. Must be
	// strictly positive.
	Factor float64 `json:"factor" yaml:"factor" validate:"required,gt=0"`
}

// Mapper performs component value conversion over a validated edge set.
// A source key with no configured edges passes through unchanged with an
// implicit factor of 1.
type Mapper struct {
	// bySource groups edges by their source component key.
	bySource map[string][]Edge
}

// New builds a Mapper from the configured edges. Non-positive factors are
// rejected here, at load time, so conversion itself never fails.
func New(edges []Edge) (*Mapper, error) {
	bySource := make(map[string][]Edge, len(edges))
	for _, e := range edges {
		if e.Source == "" || e.Target == "" {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("component mapping edge %q -> %q has an empty key", e.Source, e.Target), nil).
				WithCode(engine.ErrCodeValidation)
		}
		if e.Factor <= 0 {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("component mapping %s -> %s has non-positive factor %v", e.Source, e.Target, e.Factor), nil).
				WithCode(engine.ErrCodeValidation)
		}
		bySource[e.Source] = append(bySource[e.Source], e)
	}
	return &Mapper{bySource: bySource}, nil
}

// Forward converts source quantities into backend quantities:
// target[t] = source[s] * factor(s,t) for every configured edge. Fan-out is
// supported; edges sharing a target key accumulate.
func (m *Mapper) Forward(source map[string]float64) map[string]float64 {
	target := make(map[string]float64, len(source))
	for key, value := range source {
		edges, ok := m.bySource[key]
		if !ok {
			// Pass-through with implicit factor 1.
			target[key] += value
			continue
		}
		for _, e := range edges {
			target[e.Target] += value * e.Factor
		}
	}
	return target
}

// Reverse aggregates backend quantities back into source quantities:
// source[s] = sum over s's declared edges of target[t] / factor(s,t).
// Summation is scoped to each source's own edges, which prevents double
// counting when multiple sources share overlapping target keys.
func (m *Mapper) Reverse(target map[string]float64) map[string]float64 {
	source := make(map[string]float64, len(target))
	claimed := make(map[string]bool)

	for key, edges := range m.bySource {
		var sum float64
		var seen bool
		for _, e := range edges {
			claimed[e.Target] = true
			if value, ok := target[e.Target]; ok {
				sum += value / e.Factor
				seen = true
			}
		}
		if seen {
			source[key] += sum
		}
	}

	// Backend keys no source declared map back to themselves.
	for key, value := range target {
		if !claimed[key] {
			source[key] += value
		}
	}
	return source
}

// Sources returns the source component keys with configured edges.
func (m *Mapper) Sources() []string {
	keys := make([]string, 0, len(m.bySource))
	for key := range m.bySource {
		keys = append(keys, key)
	}
	return keys
}
