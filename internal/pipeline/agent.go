package pipeline

import (
	"context"
	"encoding/json"
)

// Input is what a stage consumes: the workflow request plus the payloads of
// the predecessor stages that completed.
type Input struct {
	Request  AnalysisRequest          `json:"request"`
	Upstream map[Kind]json.RawMessage `json:"upstream,omitempty"`
}

// Agent is a stage body. Execute must observe ctx (the cancel signal) at
// least once per call and at bounded intervals during long work, and report
// progress only through progress. It returns the stage payload or an error
// classified with Transient, Permanent or Invalid.
type Agent interface {
	Kind() Kind
	Execute(ctx context.Context, in Input, s Settings, progress ProgressFunc) (json.RawMessage, error)
}

// Validator is implemented by agents that can reject an input before any
// attempt is made. A validation failure is never retried.
type Validator interface {
	Validate(in Input, s Settings) error
}

// Observer receives runner instrumentation. All methods must be cheap and
// non-blocking.
type Observer interface {
	CacheLookup(k Kind, hit bool)
	AgentRetry(k Kind, class ErrorClass)
	AgentFinished(k Kind, status Status, class ErrorClass, elapsed float64)
}

type nopObserver struct{}

func (nopObserver) CacheLookup(Kind, bool) {}
func (nopObserver) AgentRetry(Kind, ErrorClass) {}
func (nopObserver) AgentFinished(Kind, Status, ErrorClass, float64) {}
