package workflow

import (
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
)

// Snapshot is a read-only copy of a workflow, safe to hand to other goroutines.
type Snapshot struct {
	ID           string                   `json:"analysis_id"`
	Status       pipeline.Status          `json:"status"`
	CurrentKind  pipeline.Kind            `json:"current_agent,omitempty"`
	Progress     float64                  `json:"progress"`
	AgentResults []pipeline.Result        `json:"agent_results"`
	Planned      []pipeline.Kind          `json:"planned_stages"`
	Required     []pipeline.Kind          `json:"required_stages"`
	Input        pipeline.AnalysisRequest `json:"input"`
	Report       *Report                  `json:"final_result,omitempty"`
	Error        string                   `json:"error_message,omitempty"`
	SubmittedAt  time.Time                `json:"submitted_at"`
	StartedAt    *time.Time               `json:"started_at,omitempty"`
	CompletedAt  *time.Time               `json:"completed_at,omitempty"`
	Transitions  []Transition             `json:"transitions"`
}

// Snapshot copies the current state.
func (w *Workflow) Snapshot() Snapshot {
	s := Snapshot{
		ID:           w.id,
		Status:       w.status,
		CurrentKind:  w.current,
		Progress:     w.progress,
		AgentResults: w.Results(),
		Planned:      w.Planned(),
		Required:     append([]pipeline.Kind(nil), w.required...),
		Input:        w.input,
		Error:        w.err,
		SubmittedAt:  w.submittedAt,
		Transitions:  append([]Transition(nil), w.history...),
	}
	if w.report != nil {
		r := *w.report
		s.Report = &r
	}
	if !w.startedAt.IsZero() {
		t := w.startedAt
		s.StartedAt = &t
	}
	if !w.completedAt.IsZero() {
		t := w.completedAt
		s.CompletedAt = &t
	}
	return s
}

// EstimatedCompletion extrapolates the finish time of a running workflow
// from its progress so far.
func (s Snapshot) EstimatedCompletion(now time.Time) *time.Time {
	if s.Status != pipeline.StatusRunning || s.StartedAt == nil || s.Progress <= 0 {
		return nil
	}
	elapsed := now.Sub(*s.StartedAt)
	total := time.Duration(float64(elapsed) * 100 / s.Progress)
	eta := s.StartedAt.Add(total)
	return &eta
}
