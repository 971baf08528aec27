// Package pipeline defines the contract every analysis stage satisfies and
// the runner that wraps stage bodies with caching, timeouts and retries.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a pipeline stage.
type Kind string

const (
	KindForecasting Kind = "forecasting"
	KindNews        Kind = "news"
	KindSimulation  Kind = "simulation"
	KindSummary     Kind = "summary"
)

// Kinds lists every stage in slot order. Results are always read back in
// this order regardless of completion order.
var Kinds = []Kind{KindForecasting, KindNews, KindSimulation, KindSummary}

// Slot returns the fixed result index of k, or -1 for an unknown kind.
func (k Kind) Slot() int {
	for i, kind := range Kinds {
		if kind == k {
			return i
		}
	}
	return -1
}

// Valid reports whether k is one of the known stages.
func (k Kind) Valid() bool { return k.Slot() >= 0 }

// ParseKind converts a configuration or wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown agent kind %q", s)
	}
	return k, nil
}

// Status is the lifecycle state of a workflow or the outcome of a stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result is the immutable outcome of one stage execution.
type Result struct {
	Kind          Kind            `json:"agent_type"`
	Status        Status          `json:"status"`
	Payload       json.RawMessage `json:"result,omitempty"`
	ExecutionTime time.Duration   `json:"execution_time"`
	Error         string          `json:"error_message,omitempty"`
	ErrorClass    ErrorClass      `json:"error_class,omitempty"`
	Attempts      int             `json:"attempts"`
	Retries       int             `json:"retries"`
	CacheHit      bool            `json:"cache_hit,omitempty"`
	GeneratedAt   time.Time       `json:"generated_at"`
}

// Succeeded reports whether the stage produced a payload.
func (r Result) Succeeded() bool { return r.Status == StatusCompleted }

// Event is an ephemeral progress notification. Kind is empty for
// workflow-level status events.
type Event struct {
	WorkflowID      string    `json:"workflow_id"`
	Kind            Kind      `json:"agent_type,omitempty"`
	Percentage      float64   `json:"progress_percentage"`
	AgentPercentage float64   `json:"agent_percentage,omitempty"`
	Message         string    `json:"status_message"`
	Step            string    `json:"current_step,omitempty"`
	Status          Status    `json:"status,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ProgressFunc receives stage-local progress in the range [0,100].
type ProgressFunc func(percentage float64, message, step string)
