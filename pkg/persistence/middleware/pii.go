package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/aretw0/arbor/pkg/persistence"
	"github.com/aretw0/arbor/pkg/ports"
)

// Mask replaces redacted values.
const Mask = "***"

type piiMiddleware struct {
	next     ports.RunStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks, in every persisted
// event, the values of map keys matching one of the patterns. It must sit
// above encryption so that it sees plain documents.
//
// Masked values are gone for good: a restored run continues with them.
func NewPIIMiddleware(patterns []string) (Middleware, error) {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pii pattern %q: %w", p, err)
		}
		compiled[i] = re
	}
	return func(next ports.RunStore) ports.RunStore {
		return &piiMiddleware{next: next, patterns: compiled}
	}, nil
}

func (m *piiMiddleware) Put(ctx context.Context, runID string, data []byte) error {
	doc, err := persistence.Decode(data)
	if err != nil {
		return err
	}
	events := make([]domain.Event, len(doc.Events))
	for i, ev := range doc.Events {
		ev.Inputs = maskMap(ev.Inputs, m.patterns)
		ev.Output = maskValue(ev.Output, m.patterns)
		events[i] = ev
	}
	doc.Events = events
	masked, err := persistence.Encode(doc)
	if err != nil {
		return err
	}
	return m.next.Put(ctx, runID, masked)
}

func (m *piiMiddleware) Get(ctx context.Context, runID string) ([]byte, error) {
	return m.next.Get(ctx, runID)
}

func (m *piiMiddleware) Delete(ctx context.Context, runID string) error {
	return m.next.Delete(ctx, runID)
}

func (m *piiMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

// maskMap returns a masked copy; the engine's values are never touched.
func maskMap(in map[string]any, patterns []*regexp.Regexp) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if matchesAny(k, patterns) {
			out[k] = Mask
			continue
		}
		out[k] = maskValue(v, patterns)
	}
	return out
}

func maskValue(v any, patterns []*regexp.Regexp) any {
	switch x := v.(type) {
	case map[string]any:
		return maskMap(x, patterns)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = maskValue(e, patterns)
		}
		return out
	}
	return v
}

func matchesAny(k string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(k) {
			return true
		}
	}
	return false
}
