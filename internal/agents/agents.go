// Package agents provides the built-in stage bodies. They are
// deterministic, self-contained stand-ins for the external forecasting,
// news, simulation and rendering services.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
	"go.uber.org/zap"
)

// base carries what every built-in agent needs.
type base struct {
	now    func() time.Time
	logger *zap.Logger
}

// Option customizes the built-in agents.
type Option func(*base)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(b *base) { b.now = now } }

func newBase(kind pipeline.Kind, logger *zap.Logger, opts []Option) base {
	b := base{now: time.Now, logger: logger.With(zap.String("agent_kind", string(kind)))}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// All returns one agent per stage kind.
func All(logger *zap.Logger, opts ...Option) []pipeline.Agent {
	return []pipeline.Agent{
		NewForecasting(logger, opts...),
		NewNews(logger, opts...),
		NewSimulation(logger, opts...),
		NewSummary(logger, opts...),
	}
}

// seeded returns a generator that is stable for the same inputs, so equal
// requests produce equal payloads.
func seeded(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum64()
	return rand.New(rand.NewPCG(sum, sum>>17|1))
}

// checkpoint reports cancellation as a pipeline cancellation error.
func checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrCancelled, err)
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("encode payload: %w", err))
	}
	return data, nil
}

// upstream decodes the payload of a predecessor stage when present.
func upstream[T any](in pipeline.Input, k pipeline.Kind) (*T, error) {
	raw, ok := in.Upstream[k]
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("decode %s payload: %w", k, err))
	}
	return &v, nil
}

func round(v float64, places int) float64 {
	p := 1.0
	for range places {
		p *= 10
	}
	if v < 0 {
		return -float64(int64(-v*p+0.5)) / p
	}
	return float64(int64(v*p+0.5)) / p
}
