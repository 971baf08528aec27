package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
)

// Workflow is one analysis request and its accumulated stage results.
// It is not safe for concurrent use; the orchestrator serializes access.
type Workflow struct {
	id          string
	status      pipeline.Status
	current     pipeline.Kind
	progress    float64
	results     [4]*pipeline.Result
	planned     []pipeline.Kind
	required    []pipeline.Kind
	input       pipeline.AnalysisRequest
	report      *Report
	err         string
	submittedAt time.Time
	startedAt   time.Time
	completedAt time.Time
	sealed      bool
	history     []Transition
}

// New creates a pending workflow.
func New(id string, input pipeline.AnalysisRequest, planned, required []pipeline.Kind, now time.Time) *Workflow {
	return &Workflow{
		id:          id,
		status:      pipeline.StatusPending,
		planned:     slices.Clone(planned),
		required:    slices.Clone(required),
		input:       input,
		submittedAt: now,
	}
}

func (w *Workflow) ID() string               { return w.id }
func (w *Workflow) Status() pipeline.Status  { return w.status }
func (w *Workflow) Progress() float64        { return w.progress }
func (w *Workflow) Planned() []pipeline.Kind { return slices.Clone(w.planned) }
func (w *Workflow) Sealed() bool             { return w.sealed }
func (w *Workflow) CompletedAt() time.Time   { return w.completedAt }

// Input returns the request the workflow was submitted with.
func (w *Workflow) Input() pipeline.AnalysisRequest { return w.input }

// IsPlanned reports whether k is part of this workflow's pipeline.
func (w *Workflow) IsPlanned(k pipeline.Kind) bool { return slices.Contains(w.planned, k) }

// IsRequired reports whether a failure of k fails the workflow.
func (w *Workflow) IsRequired(k pipeline.Kind) bool { return slices.Contains(w.required, k) }

func (w *Workflow) apply(t Trigger, now time.Time) error {
	to, err := Next(w.status, t)
	if err != nil {
		return err
	}
	w.history = append(w.history, Transition{From: w.status, To: to, Trigger: t, At: now})
	w.status = to
	switch {
	case to == pipeline.StatusRunning:
		w.startedAt = now
	case to.Terminal():
		w.completedAt = now
		w.current = ""
	}
	return nil
}

// Admit moves a pending workflow to running.
func (w *Workflow) Admit(now time.Time) error { return w.apply(TriggerAdmit, now) }

// Complete marks a running workflow completed and its progress as 100.
func (w *Workflow) Complete(now time.Time) error {
	if err := w.apply(TriggerComplete, now); err != nil {
		return err
	}
	w.progress = 100
	return nil
}

// Fail marks a running workflow failed with reason.
func (w *Workflow) Fail(reason string, now time.Time) error {
	if err := w.apply(TriggerFail, now); err != nil {
		return err
	}
	w.err = reason
	return nil
}

// Cancel moves a pending or running workflow to cancelled.
func (w *Workflow) Cancel(reason string, now time.Time) error {
	if err := w.apply(TriggerCancel, now); err != nil {
		return err
	}
	w.err = reason
	return nil
}

// SetCurrent records the stage most recently reporting progress.
func (w *Workflow) SetCurrent(k pipeline.Kind) {
	if w.status == pipeline.StatusRunning {
		w.current = k
	}
}

// SetProgress raises progress to p. Lower values are ignored so progress
// never decreases, and values are clamped to [0,100].
func (w *Workflow) SetProgress(p float64) float64 {
	p = min(max(p, 0), 100)
	if p > w.progress && !w.status.Terminal() {
		w.progress = p
	}
	return w.progress
}

// Record stores a stage result in its slot. Results may still arrive while
// a cancelled workflow drains its in-flight stages, but never after Seal.
func (w *Workflow) Record(res pipeline.Result) error {
	slot := res.Kind.Slot()
	if slot < 0 {
		return fmt.Errorf("record result: unknown kind %q", res.Kind)
	}
	if w.sealed {
		return fmt.Errorf("%w: %s", ErrSealed, w.id)
	}
	if w.results[slot] != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateResult, res.Kind)
	}
	r := res
	w.results[slot] = &r
	return nil
}

// Result returns the recorded result for k, if any.
func (w *Workflow) Result(k pipeline.Kind) (pipeline.Result, bool) {
	slot := k.Slot()
	if slot < 0 || w.results[slot] == nil {
		return pipeline.Result{}, false
	}
	return *w.results[slot], true
}

// Results returns recorded results in slot order.
func (w *Workflow) Results() []pipeline.Result {
	out := make([]pipeline.Result, 0, len(w.results))
	for _, r := range w.results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// Seal builds the final report and makes the workflow read-only. It may
// only be called once the workflow is terminal.
func (w *Workflow) Seal() (Report, error) {
	if !w.status.Terminal() {
		return Report{}, fmt.Errorf("%w: seal in state %s", ErrInvalidTransition, w.status)
	}
	if w.sealed {
		return *w.report, nil
	}
	r := BuildReport(w.Results(), w.planned)
	w.report = &r
	w.sealed = true
	return r, nil
}
