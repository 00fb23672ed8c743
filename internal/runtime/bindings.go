package runtime

import (
	"encoding/json"

	"github.com/aretw0/arbor/pkg/cond"
	"github.com/aretw0/arbor/pkg/domain"
)

// resolveInputs evaluates the bindings of n. Each binding takes the first
// source, in declaration order, that succeeded and holds a value at the
// binding path; otherwise its default.
func resolveInputs(r *domain.Run, n domain.Node) (map[string]any, error) {
	if len(n.Inputs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(n.Inputs))
	for _, b := range n.Inputs {
		if v, ok := resolveBinding(r, b); ok {
			inputs[b.Name] = v
			continue
		}
		if !b.HasDefault() {
			return nil, &domain.UnresolvedInputError{NodeID: n.ID, Input: b.Name, Sources: b.Sources()}
		}
		inputs[b.Name] = b.Default
	}
	return inputs, nil
}

func resolveBinding(r *domain.Run, b domain.Binding) (any, bool) {
	for _, src := range b.Sources() {
		rn, ok := r.Nodes[src]
		if !ok || !rn.ProducedOutput() {
			continue
		}
		if b.Path == "" {
			return rn.Output, true
		}
		if v, ok := cond.Extract(rn.Output, b.Path); ok {
			return v, true
		}
	}
	return nil, false
}

// normalizeOutput converts an output to its JSON form, the form it has after
// a persistence round trip, so live and restored runs see identical values.
func normalizeOutput(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, domain.NewExecutorError(domain.KindFailed, "output is not JSON serializable: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, domain.NewExecutorError(domain.KindFailed, "output is not JSON serializable: %v", err)
	}
	return out, nil
}
