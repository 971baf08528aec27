package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/nidhogg/synergy/internal/workflow"
	"go.uber.org/zap"
)

const afterSealTimeout = 30 * time.Second

// execution couples a workflow with everything needed to drive it.
type execution struct {
	mu        sync.Mutex
	wf        *workflow.Workflow
	settings  pipeline.SettingsTable
	ctx       context.Context
	cancel    context.CancelFunc
	weights   [4]float64
	fractions [4]float64
	// announced marks stages whose start event has been published.
	announced [4]bool
	// failure is set when a required stage fails; no stage starts after it.
	failure   string
	holdsSlot bool
}

func newExecution(parent context.Context, wf *workflow.Workflow, settings pipeline.SettingsTable) *execution {
	ctx, cancel := context.WithCancel(parent)
	return &execution{
		wf:       wf,
		settings: settings,
		ctx:      ctx,
		cancel:   cancel,
		weights:  weights(wf.Planned()),
	}
}

func (e *execution) snapshot() workflow.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wf.Snapshot()
}

// drive runs the stage graph of an admitted workflow until no stage is in
// flight and none may start, then settles the terminal state.
func (o *Orchestrator) drive(e *execution) {
	defer o.wg.Done()

	id := e.wf.ID()
	planned := e.wf.Planned()
	logger := o.logger.With(zap.String("workflow_id", id))
	started := make(map[pipeline.Kind]bool, len(planned))
	settled := make(map[pipeline.Kind]bool, len(planned))
	results := make(chan pipeline.Result, len(planned))
	inflight := 0

	for {
		e.mu.Lock()
		var launch []pipeline.Kind
		if e.wf.Status() == pipeline.StatusRunning && e.failure == "" {
			launch = ready(planned, started, settled)
		}
		inputs := make([]pipeline.Input, len(launch))
		for i, k := range launch {
			started[k] = true
			inputs[i] = e.inputFor(k)
			e.wf.SetCurrent(k)
		}
		e.mu.Unlock()

		for i, k := range launch {
			inflight++
			logger.Info("stage started", zap.String("agent_kind", string(k)))
			go func(k pipeline.Kind, in pipeline.Input) {
				results <- o.runner.Run(e.ctx, o.agents[k], in, e.settings.Get(k), o.stageProgress(e, k))
			}(k, inputs[i])
		}

		if inflight == 0 {
			break
		}
		res := <-results
		inflight--
		settled[res.Kind] = true
		o.record(e, res, logger)
	}

	o.finish(e, logger)
}

// inputFor collects the payloads of k's completed predecessors. e.mu must
// be held.
func (e *execution) inputFor(k pipeline.Kind) pipeline.Input {
	in := pipeline.Input{Request: e.wf.Input()}
	for _, d := range predecessors(k, e.wf.Planned()) {
		if r, ok := e.wf.Result(d); ok && r.Succeeded() {
			if in.Upstream == nil {
				in.Upstream = make(map[pipeline.Kind]json.RawMessage)
			}
			in.Upstream[d] = r.Payload
		}
	}
	return in
}

// stageProgress maps a stage's local percentage onto the workflow's
// weighted percentage. The stage's start event goes out with its first
// report, except when that report is a cache hit.
func (o *Orchestrator) stageProgress(e *execution, k pipeline.Kind) pipeline.ProgressFunc {
	return func(pct float64, message, step string) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.wf.Status().Terminal() {
			return
		}
		slot := k.Slot()
		if !e.announced[slot] {
			e.announced[slot] = true
			if step != pipeline.StepCache {
				o.publishLocked(e, pipeline.Event{
					Kind:    k,
					Message: fmt.Sprintf("starting %s stage", k),
					Step:    "start",
					Status:  pipeline.StatusRunning,
				})
			}
		}
		if f := pct / 100; f > e.fractions[slot] {
			e.fractions[slot] = min(f, 1)
		}
		o.publishLocked(e, pipeline.Event{
			Kind:            k,
			AgentPercentage: pct,
			Message:         message,
			Step:            step,
			Status:          pipeline.StatusRunning,
		})
	}
}

// record stores a stage result and decides whether the workflow can still
// complete.
func (o *Orchestrator) record(e *execution, res pipeline.Result, logger *zap.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()

	k := res.Kind
	running := e.wf.Status() == pipeline.StatusRunning
	if res.ErrorClass == pipeline.ClassCancelled {
		// A cancelled stage leaves its slot empty.
		logger.Info("stage cancelled", zap.String("agent_kind", string(k)))
		if running && e.wf.IsRequired(k) && e.failure == "" {
			e.failure = fmt.Sprintf("required stage %s was cancelled", k)
		}
		return
	}

	if err := e.wf.Record(res); err != nil {
		logger.Warn("stage result dropped", zap.String("agent_kind", string(k)), zap.Error(err))
		return
	}
	e.fractions[k.Slot()] = 1

	if !res.Succeeded() {
		logger.Warn("stage failed",
			zap.String("agent_kind", string(k)),
			zap.Bool("required", e.wf.IsRequired(k)),
			zap.String("error", res.Error))
		if running && e.wf.IsRequired(k) && e.failure == "" {
			e.failure = fmt.Sprintf("required stage %s failed: %s", k, res.Error)
		}
	}

	// A cache hit already reported its single 100% event.
	if !running || res.CacheHit {
		return
	}
	msg := fmt.Sprintf("%s stage completed", k)
	if !res.Succeeded() {
		msg = fmt.Sprintf("%s stage failed", k)
	}
	o.publishLocked(e, pipeline.Event{
		Kind:            k,
		AgentPercentage: 100,
		Message:         msg,
		Step:            "done",
		Status:          res.Status,
	})
}

// finish settles the terminal state, returns the slot and seals the
// workflow once every in-flight stage has reported.
func (o *Orchestrator) finish(e *execution, logger *zap.Logger) {
	o.mu.Lock()
	e.mu.Lock()
	now := o.now()
	if e.wf.Status() == pipeline.StatusRunning {
		var err error
		if e.failure != "" {
			err = e.wf.Fail(e.failure, now)
		} else {
			err = e.wf.Complete(now)
		}
		if err != nil {
			logger.Error("terminal transition rejected", zap.Error(err))
		}
		o.terminalLocked(e)
	}
	report, err := e.wf.Seal()
	snap := e.wf.Snapshot()
	e.mu.Unlock()

	o.releaseLocked(e)
	o.mu.Unlock()
	e.cancel()

	if err != nil {
		logger.Error("seal failed", zap.Error(err))
		return
	}
	logger.Info("workflow sealed",
		zap.String("status", string(snap.Status)),
		zap.Int("missing_stages", len(report.Missing)),
		zap.Bool("degraded", report.Degraded))
	o.afterSeal(snap)
}

// terminalLocked announces a terminal transition and closes the progress
// topic. e.mu must be held.
func (o *Orchestrator) terminalLocked(e *execution) {
	snap := e.wf.Snapshot()
	elapsed := 0.0
	if snap.StartedAt != nil && snap.CompletedAt != nil {
		elapsed = snap.CompletedAt.Sub(*snap.StartedAt).Seconds()
	}
	o.metrics.WorkflowFinished(snap.Status, elapsed)

	msg := fmt.Sprintf("workflow %s", snap.Status)
	if snap.Error != "" {
		msg = fmt.Sprintf("%s: %s", msg, snap.Error)
	}
	o.publishStatusLocked(e, msg)
	o.broadcaster.Close(snap.ID)
	o.logger.Info("workflow terminal",
		zap.String("workflow_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.Float64("duration_seconds", elapsed))
}

// afterSeal persists and announces a sealed workflow off the caller's path.
func (o *Orchestrator) afterSeal(snap workflow.Snapshot) {
	if o.recorder == nil && o.notifier == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), afterSealTimeout)
		defer cancel()
		logger := o.logger.With(zap.String("workflow_id", snap.ID))

		if o.recorder != nil {
			if err := o.recorder.SaveWorkflow(ctx, snap); err != nil {
				logger.Error("persist workflow failed", zap.Error(err))
			}
		}
		if o.notifier != nil {
			if err := o.notifier.Notify(ctx, snap); err != nil {
				logger.Warn("notify failed", zap.Error(err))
			}
		}
	}()
}

func (o *Orchestrator) publishStatus(e *execution, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o.publishStatusLocked(e, message)
}

func (o *Orchestrator) publishStatusLocked(e *execution, message string) {
	o.publishLocked(e, pipeline.Event{
		Message: message,
		Step:    "status",
		Status:  e.wf.Status(),
	})
}

// publishLocked stamps ev with the workflow's weighted progress and
// publishes it. Publishing never blocks, so it is safe under e.mu, which
// also keeps events of one workflow in order.
func (o *Orchestrator) publishLocked(e *execution, ev pipeline.Event) {
	var pct float64
	for i, w := range e.weights {
		pct += w * e.fractions[i]
	}
	ev.WorkflowID = e.wf.ID()
	ev.Percentage = e.wf.SetProgress(pct * 100)
	ev.Timestamp = o.now()
	o.broadcaster.Publish(ev)
}
