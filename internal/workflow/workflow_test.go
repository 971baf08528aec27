package workflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestWorkflow() *Workflow {
	return New("wf-1", pipeline.AnalysisRequest{ProductCategory: "eggs"}, pipeline.Kinds, pipeline.Kinds, t0)
}

func TestNextTable(t *testing.T) {
	tests := []struct {
		from    pipeline.Status
		trigger Trigger
		want    pipeline.Status
		ok      bool
	}{
		{pipeline.StatusPending, TriggerAdmit, pipeline.StatusRunning, true},
		{pipeline.StatusPending, TriggerCancel, pipeline.StatusCancelled, true},
		{pipeline.StatusPending, TriggerComplete, "", false},
		{pipeline.StatusPending, TriggerFail, "", false},
		{pipeline.StatusRunning, TriggerComplete, pipeline.StatusCompleted, true},
		{pipeline.StatusRunning, TriggerFail, pipeline.StatusFailed, true},
		{pipeline.StatusRunning, TriggerCancel, pipeline.StatusCancelled, true},
		{pipeline.StatusRunning, TriggerAdmit, "", false},
		{pipeline.StatusCompleted, TriggerCancel, "", false},
		{pipeline.StatusFailed, TriggerAdmit, "", false},
		{pipeline.StatusCancelled, TriggerCancel, "", false},
	}
	for _, tt := range tests {
		got, err := Next(tt.from, tt.trigger)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("Next(%s,%s) = %s,%v want %s", tt.from, tt.trigger, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Next(%s,%s) should be rejected, got %s,%v", tt.from, tt.trigger, got, err)
		}
	}
}

func TestLifecycleTimestamps(t *testing.T) {
	w := newTestWorkflow()
	if w.Snapshot().StartedAt != nil || w.Snapshot().CompletedAt != nil {
		t.Fatal("pending workflow should have no start/completion time")
	}
	if err := w.Admit(t0.Add(time.Second)); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if w.Snapshot().CompletedAt != nil {
		t.Fatal("running workflow must not have completed_at")
	}
	if err := w.Complete(t0.Add(time.Minute)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	snap := w.Snapshot()
	if snap.CompletedAt == nil || !snap.CompletedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("completed_at = %v", snap.CompletedAt)
	}
	if snap.Progress != 100 {
		t.Errorf("completed progress = %v, want 100", snap.Progress)
	}
	if len(snap.Transitions) != 2 {
		t.Errorf("transitions = %v", snap.Transitions)
	}
	if err := w.Cancel("late", t0.Add(2*time.Minute)); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal workflow accepted cancel: %v", err)
	}
}

func TestRecordRejectsDuplicates(t *testing.T) {
	w := newTestWorkflow()
	_ = w.Admit(t0)
	res := pipeline.Result{Kind: pipeline.KindNews, Status: pipeline.StatusCompleted}
	if err := w.Record(res); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := w.Record(res); !errors.Is(err, ErrDuplicateResult) {
		t.Errorf("expected duplicate error, got %v", err)
	}
	if err := w.Record(pipeline.Result{Kind: "weather"}); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestResultsReadBackInSlotOrder(t *testing.T) {
	w := newTestWorkflow()
	_ = w.Admit(t0)
	for _, k := range []pipeline.Kind{pipeline.KindSummary, pipeline.KindNews, pipeline.KindForecasting} {
		_ = w.Record(pipeline.Result{Kind: k, Status: pipeline.StatusCompleted})
	}
	got := w.Results()
	want := []pipeline.Kind{pipeline.KindForecasting, pipeline.KindNews, pipeline.KindSummary}
	for i, r := range got {
		if r.Kind != want[i] {
			t.Fatalf("results out of slot order: %v", got)
		}
	}
}

func TestProgressNeverDecreases(t *testing.T) {
	w := newTestWorkflow()
	_ = w.Admit(t0)
	for _, p := range []float64{10, 5, 40, 39.9, 150} {
		w.SetProgress(p)
	}
	if w.Progress() != 100 {
		t.Errorf("progress = %v, want clamped 100", w.Progress())
	}
}

func TestCancelledWorkflowDrainsThenSeals(t *testing.T) {
	w := newTestWorkflow()
	_ = w.Admit(t0)
	_ = w.Record(pipeline.Result{Kind: pipeline.KindForecasting, Status: pipeline.StatusCompleted, Payload: json.RawMessage(`{}`)})
	if err := w.Cancel("user request", t0.Add(time.Second)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// An in-flight stage may still land before the driver seals.
	if err := w.Record(pipeline.Result{Kind: pipeline.KindNews, Status: pipeline.StatusCompleted, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("late result rejected before seal: %v", err)
	}
	rep, err := w.Seal()
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !rep.Has(pipeline.KindForecasting) || !rep.Has(pipeline.KindNews) {
		t.Errorf("report lost retained results: %+v", rep)
	}
	if err := w.Record(pipeline.Result{Kind: pipeline.KindSummary}); !errors.Is(err, ErrSealed) {
		t.Errorf("sealed workflow accepted a result: %v", err)
	}
	if w.Status() != pipeline.StatusCancelled {
		t.Errorf("status = %s", w.Status())
	}
}

func TestSealRequiresTerminal(t *testing.T) {
	w := newTestWorkflow()
	if _, err := w.Seal(); err == nil {
		t.Error("pending workflow sealed")
	}
}

func TestBuildReport(t *testing.T) {
	results := []pipeline.Result{
		{Kind: pipeline.KindSummary, Status: pipeline.StatusCompleted, Payload: json.RawMessage(`{"slides":[]}`)},
		{Kind: pipeline.KindNews, Status: pipeline.StatusFailed, Error: "feed down"},
		{Kind: pipeline.KindForecasting, Status: pipeline.StatusCompleted, Payload: json.RawMessage(`{"points":[]}`)},
	}
	planned := []pipeline.Kind{pipeline.KindForecasting, pipeline.KindNews, pipeline.KindSummary}

	rep := BuildReport(results, planned)
	if !rep.Degraded {
		t.Error("report with failed news should be degraded")
	}
	if len(rep.Missing) != 1 || rep.Missing[0] != pipeline.KindNews {
		t.Errorf("missing = %v", rep.Missing)
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0] != pipeline.KindSimulation {
		t.Errorf("skipped = %v", rep.Skipped)
	}
	if !rep.Has(pipeline.KindForecasting) || !rep.Has(pipeline.KindSummary) || rep.Has(pipeline.KindNews) {
		t.Errorf("unexpected payload presence: %+v", rep)
	}

	full := BuildReport(results[:1], []pipeline.Kind{pipeline.KindSummary})
	if full.Degraded || len(full.Missing) != 0 {
		t.Errorf("opted-out stages must not degrade the report: %+v", full)
	}
}

func TestEstimatedCompletion(t *testing.T) {
	started := t0
	s := Snapshot{Status: pipeline.StatusRunning, StartedAt: &started, Progress: 25}
	eta := s.EstimatedCompletion(t0.Add(time.Minute))
	if eta == nil || !eta.Equal(t0.Add(4*time.Minute)) {
		t.Errorf("eta = %v, want %v", eta, t0.Add(4*time.Minute))
	}
	s.Status = pipeline.StatusCompleted
	if s.EstimatedCompletion(t0) != nil {
		t.Error("terminal workflow has no eta")
	}
}
