package middleware

import (
	"context"
	"regexp"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
)

// Mask replaces sensitive values in storage.
const Mask = "***"

type piiMiddleware struct {
	next     ports.CheckpointStore
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks values of state keys matching the patterns.
// Masking is one-way: resumed runs see the mask, not the original value.
func NewPIIMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		patterns[i] = re
	}
	return func(next ports.CheckpointStore) ports.CheckpointStore {
		return &piiMiddleware{next: next, patterns: patterns}
	}, nil
}

func (m *piiMiddleware) Save(ctx context.Context, cp *domain.Checkpoint) error {
	// Work on a deep copy so the engine's in-memory state keeps the real values.
	cloned := cp.Clone()
	m.mask(cloned.State)
	if cloned.PendingInterrupt != nil {
		m.mask(cloned.PendingInterrupt.State)
	}
	return m.next.Save(ctx, cloned)
}

func (m *piiMiddleware) LoadLatest(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	return m.next.LoadLatest(ctx, threadID)
}

func (m *piiMiddleware) LoadAt(ctx context.Context, threadID string, step int) (*domain.Checkpoint, error) {
	return m.next.LoadAt(ctx, threadID, step)
}

func (m *piiMiddleware) ListSteps(ctx context.Context, threadID string) ([]int, error) {
	return m.next.ListSteps(ctx, threadID)
}

func (m *piiMiddleware) Delete(ctx context.Context, threadID string) error {
	return m.next.Delete(ctx, threadID)
}

func (m *piiMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *piiMiddleware) mask(state domain.State) {
	maskMap(state, m.patterns)
}

// Helpers

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		masked := false
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = Mask
				masked = true
				break
			}
		}
		if !masked {
			maskValue(v, patterns)
		}
	}
}

func maskValue(v any, patterns []*regexp.Regexp) {
	switch val := v.(type) {
	case map[string]any:
		maskMap(val, patterns)
	case domain.State:
		maskMap(val, patterns)
	case []any:
		for _, item := range val {
			maskValue(item, patterns)
		}
	}
}
