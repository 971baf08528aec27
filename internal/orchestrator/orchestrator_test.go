package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/synergy/internal/cache"
	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/nidhogg/synergy/internal/progress"
	"github.com/nidhogg/synergy/internal/workflow"
	"go.uber.org/zap"
)

type stageFunc func(ctx context.Context, in pipeline.Input, progress pipeline.ProgressFunc) (json.RawMessage, error)

type fakeAgent struct {
	kind  pipeline.Kind
	calls atomic.Int32
	fn    stageFunc
}

func (a *fakeAgent) Kind() pipeline.Kind { return a.kind }

func (a *fakeAgent) Execute(ctx context.Context, in pipeline.Input, _ pipeline.Settings, progress pipeline.ProgressFunc) (json.RawMessage, error) {
	a.calls.Add(1)
	if a.fn != nil {
		return a.fn(ctx, in, progress)
	}
	progress(50, "halfway", "work")
	return json.RawMessage(fmt.Sprintf(`{"stage":%q,"upstream":%d}`, a.kind, len(in.Upstream))), nil
}

type fakeAgents map[pipeline.Kind]*fakeAgent

func newFakeAgents() fakeAgents {
	out := make(fakeAgents)
	for _, k := range pipeline.Kinds {
		out[k] = &fakeAgent{kind: k}
	}
	return out
}

func (f fakeAgents) list() []pipeline.Agent {
	var out []pipeline.Agent
	for _, k := range pipeline.Kinds {
		out = append(out, f[k])
	}
	return out
}

// gate blocks a stage until released or cancelled.
type gate struct {
	ch      chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newGate() *gate { return &gate{ch: make(chan struct{}), entered: make(chan struct{}, 64)} }

func (g *gate) release() { g.once.Do(func() { close(g.ch) }) }

func (g *gate) fn(ctx context.Context, _ pipeline.Input, progress pipeline.ProgressFunc) (json.RawMessage, error) {
	g.entered <- struct{}{}
	progress(10, "waiting", "gate")
	select {
	case <-g.ch:
		return json.RawMessage(`{"gated":true}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testSettings() pipeline.SettingsTable {
	t := pipeline.DefaultSettingsTable()
	for k, s := range t {
		s.Timeout = 5 * time.Second
		s.MaxRetries = 0
		s.RetryDelay = 0
		s.CacheEnabled = false
		t[k] = s
	}
	return t
}

func newTestOrchestrator(t *testing.T, opts Options, agents fakeAgents, c cache.Cache, extra ...Option) *Orchestrator {
	t.Helper()
	if opts.Settings == nil {
		opts.Settings = testSettings()
	}
	o, err := New(opts, agents.list(), c, progress.NewBroadcaster(256, zap.NewNop()), zap.NewNop(), extra...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func request(category string) pipeline.AnalysisRequest {
	return pipeline.AnalysisRequest{ProductCategory: category, ForecastHorizon: 30}
}

func boolPtr(b bool) *bool { return &b }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want pipeline.Status) workflow.Snapshot {
	t.Helper()
	var snap workflow.Snapshot
	waitFor(t, fmt.Sprintf("%s to be %s", id, want), func() bool {
		var err error
		snap, err = o.Get(context.Background(), id)
		return err == nil && snap.Status == want && (!want.Terminal() || snap.Report != nil)
	})
	return snap
}

func TestSubmitRunsAllStages(t *testing.T) {
	agents := newFakeAgents()
	o := newTestOrchestrator(t, DefaultOptions(), agents, nil)

	id, err := o.Submit(context.Background(), request("eggs"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitStatus(t, o, id, pipeline.StatusCompleted)

	if snap.Progress != 100 {
		t.Errorf("progress = %v, want 100", snap.Progress)
	}
	if len(snap.AgentResults) != 4 {
		t.Fatalf("results = %d, want 4", len(snap.AgentResults))
	}
	for i, r := range snap.AgentResults {
		if r.Kind != pipeline.Kinds[i] {
			t.Errorf("slot %d holds %s", i, r.Kind)
		}
	}
	if snap.Report.Degraded || len(snap.Report.Missing) != 0 {
		t.Errorf("unexpected degraded report: %+v", snap.Report)
	}

	// Summary receives every upstream payload.
	var summary map[string]any
	_ = json.Unmarshal(snap.Report.Presentation, &summary)
	if summary["upstream"] != float64(3) {
		t.Errorf("summary upstream = %v, want 3", summary["upstream"])
	}
	if snap.CompletedAt == nil {
		t.Error("completed workflow without completed_at")
	}
}

func TestSimulationWaitsForForecasting(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn
	o := newTestOrchestrator(t, DefaultOptions(), agents, nil)

	id, _ := o.Submit(context.Background(), request("eggs"))
	<-g.entered
	waitFor(t, "news to finish", func() bool {
		snap, _ := o.Get(context.Background(), id)
		return len(snap.AgentResults) == 1
	})
	if n := agents[pipeline.KindSimulation].calls.Load(); n != 0 {
		t.Fatalf("simulation started before forecasting finished")
	}
	g.release()
	waitStatus(t, o, id, pipeline.StatusCompleted)
	if n := agents[pipeline.KindSimulation].calls.Load(); n != 1 {
		t.Errorf("simulation calls = %d", n)
	}
}

func TestConcurrencyBound(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn

	var (
		mu   sync.Mutex
		peak int
	)
	opts := DefaultOptions()
	opts.MaxConcurrent = 2
	o := newTestOrchestrator(t, opts, agents, nil)

	ids := make([]string, 6)
	for i := range ids {
		id, err := o.Submit(context.Background(), request(fmt.Sprintf("cat-%d", i)))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids[i] = id
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			running := 0
			for _, s := range o.resident() {
				if s.Status == pipeline.StatusRunning {
					running++
				}
			}
			mu.Lock()
			peak = max(peak, running)
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	if r, q := o.Stats(); r != 2 || q != 4 {
		t.Errorf("stats = %d running, %d queued", r, q)
	}
	g.release()
	for _, id := range ids {
		waitStatus(t, o, id, pipeline.StatusCompleted)
	}
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak running = %d, want <= 2", peak)
	}
}

func TestQueuedWorkflowAdmittedAfterFirstTerminates(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn

	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	o := newTestOrchestrator(t, opts, agents, nil)

	first, _ := o.Submit(context.Background(), request("first"))
	<-g.entered
	second, _ := o.Submit(context.Background(), request("second"))

	snap, _ := o.Get(context.Background(), second)
	if snap.Status != pipeline.StatusPending {
		t.Fatalf("second workflow status = %s, want pending", snap.Status)
	}
	time.Sleep(20 * time.Millisecond)
	if snap, _ := o.Get(context.Background(), second); snap.Status != pipeline.StatusPending {
		t.Fatalf("second workflow admitted while first still running")
	}

	g.release()
	firstSnap := waitStatus(t, o, first, pipeline.StatusCompleted)
	secondSnap := waitStatus(t, o, second, pipeline.StatusCompleted)
	if secondSnap.StartedAt.Before(*firstSnap.CompletedAt) {
		t.Errorf("second started %v before first completed %v", secondSnap.StartedAt, firstSnap.CompletedAt)
	}
}

func TestAdmissionIsFIFO(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn

	var (
		mu    sync.Mutex
		order []string
	)
	agents[pipeline.KindSummary].fn = func(_ context.Context, in pipeline.Input, _ pipeline.ProgressFunc) (json.RawMessage, error) {
		mu.Lock()
		order = append(order, in.Request.ProductCategory)
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	o := newTestOrchestrator(t, opts, agents, nil)

	var ids []string
	for _, c := range []string{"a", "b", "c", "d"} {
		id, err := o.Submit(context.Background(), request(c))
		if err != nil {
			t.Fatalf("submit %s: %v", c, err)
		}
		ids = append(ids, id)
	}
	g.release()
	for _, id := range ids {
		waitStatus(t, o, id, pipeline.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[a b c d]" {
		t.Errorf("admission order = %v", order)
	}
}

func TestCapacityExceeded(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn
	defer g.release()

	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	opts.QueueEnabled = false
	o := newTestOrchestrator(t, opts, agents, nil)

	if _, err := o.Submit(context.Background(), request("a")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := o.Submit(context.Background(), request("b")); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}

	opts.QueueEnabled = true
	opts.MaxQueue = 1
	q := newTestOrchestrator(t, opts, agents, nil)
	_, _ = q.Submit(context.Background(), request("a"))
	if _, err := q.Submit(context.Background(), request("b")); err != nil {
		t.Fatalf("queued submit: %v", err)
	}
	if _, err := q.Submit(context.Background(), request("c")); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("full queue should reject, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	o := newTestOrchestrator(t, DefaultOptions(), newFakeAgents(), nil)
	_, err := o.Submit(context.Background(), pipeline.AnalysisRequest{ForecastHorizon: 3})
	var verr *pipeline.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(o.resident()) != 0 {
		t.Error("invalid request created a workflow")
	}
}

func TestOptionalNewsFailureDegrades(t *testing.T) {
	agents := newFakeAgents()
	agents[pipeline.KindNews].fn = func(context.Context, pipeline.Input, pipeline.ProgressFunc) (json.RawMessage, error) {
		return nil, pipeline.Permanent(errors.New("feed offline"))
	}
	settings := testSettings()
	for _, k := range []pipeline.Kind{pipeline.KindNews, pipeline.KindSimulation} {
		s := settings[k]
		s.Required = false
		settings[k] = s
	}
	opts := DefaultOptions()
	opts.Settings = settings
	o := newTestOrchestrator(t, opts, agents, nil)

	req := request("eggs")
	req.IncludeSimulation = boolPtr(false)
	id, _ := o.Submit(context.Background(), req)
	snap := waitStatus(t, o, id, pipeline.StatusCompleted)

	rep := snap.Report
	if !rep.Has(pipeline.KindForecasting) || !rep.Has(pipeline.KindSummary) {
		t.Errorf("required stages missing from report: %+v", rep)
	}
	if len(rep.Missing) != 1 || rep.Missing[0] != pipeline.KindNews || !rep.Degraded {
		t.Errorf("news should be marked missing: %+v", rep)
	}
	if len(rep.Skipped) != 1 || rep.Skipped[0] != pipeline.KindSimulation {
		t.Errorf("simulation should be skipped: %+v", rep.Skipped)
	}
	news, ok := resultFor(snap, pipeline.KindNews)
	if !ok || news.Status != pipeline.StatusFailed || news.ErrorClass != pipeline.ClassPermanent {
		t.Errorf("news result = %+v", news)
	}
}

func resultFor(snap workflow.Snapshot, k pipeline.Kind) (pipeline.Result, bool) {
	for _, r := range snap.AgentResults {
		if r.Kind == k {
			return r, true
		}
	}
	return pipeline.Result{}, false
}

func TestRequiredFailureFailsWorkflow(t *testing.T) {
	agents := newFakeAgents()
	agents[pipeline.KindForecasting].fn = func(context.Context, pipeline.Input, pipeline.ProgressFunc) (json.RawMessage, error) {
		return nil, pipeline.Permanent(errors.New("model unavailable"))
	}
	o := newTestOrchestrator(t, DefaultOptions(), agents, nil)

	id, _ := o.Submit(context.Background(), request("eggs"))
	snap := waitStatus(t, o, id, pipeline.StatusFailed)

	if snap.Error == "" {
		t.Error("failed workflow without error")
	}
	if agents[pipeline.KindSimulation].calls.Load() != 0 || agents[pipeline.KindSummary].calls.Load() != 0 {
		t.Error("dependent stages started after a required failure")
	}
	// News is independent and may finish, so its result is retained.
	if _, ok := resultFor(snap, pipeline.KindForecasting); !ok {
		t.Error("failed forecasting result not recorded")
	}
	if r, q := o.Stats(); r != 0 || q != 0 {
		t.Errorf("slot not released: %d running, %d queued", r, q)
	}
}

func TestRetriesExhausted(t *testing.T) {
	agents := newFakeAgents()
	agents[pipeline.KindNews].fn = func(context.Context, pipeline.Input, pipeline.ProgressFunc) (json.RawMessage, error) {
		return nil, pipeline.Transient(errors.New("rate limited"))
	}
	settings := testSettings()
	s := settings[pipeline.KindNews]
	s.MaxRetries = 2
	s.Required = false
	settings[pipeline.KindNews] = s
	opts := DefaultOptions()
	opts.Settings = settings
	o := newTestOrchestrator(t, opts, agents, nil)

	id, _ := o.Submit(context.Background(), request("eggs"))
	snap := waitStatus(t, o, id, pipeline.StatusCompleted)
	news, _ := resultFor(snap, pipeline.KindNews)
	if news.Retries != 2 || agents[pipeline.KindNews].calls.Load() != 3 {
		t.Errorf("retries = %d, calls = %d", news.Retries, agents[pipeline.KindNews].calls.Load())
	}
}

func TestCancelMidForecasting(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn
	o := newTestOrchestrator(t, DefaultOptions(), agents, nil)

	id, _ := o.Submit(context.Background(), request("eggs"))
	<-g.entered
	waitFor(t, "news result", func() bool {
		snap, _ := o.Get(context.Background(), id)
		_, ok := resultFor(snap, pipeline.KindNews)
		return ok
	})

	if err := o.Cancel(id, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	snap := waitStatus(t, o, id, pipeline.StatusCancelled)

	if _, ok := resultFor(snap, pipeline.KindNews); !ok {
		t.Error("completed news result was discarded")
	}
	if _, ok := resultFor(snap, pipeline.KindForecasting); ok {
		t.Error("cancelled forecasting stage should be absent")
	}
	if agents[pipeline.KindSimulation].calls.Load() != 0 || agents[pipeline.KindSummary].calls.Load() != 0 {
		t.Error("a stage started after cancellation")
	}
	if err := o.Cancel(id, ""); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("second cancel = %v", err)
	}
	if err := o.Cancel("nope", ""); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("unknown cancel = %v", err)
	}
}

func TestCancelPendingFreesQueuePosition(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn

	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	o := newTestOrchestrator(t, opts, agents, nil)

	first, _ := o.Submit(context.Background(), request("a"))
	second, _ := o.Submit(context.Background(), request("b"))
	third, _ := o.Submit(context.Background(), request("c"))

	if err := o.Cancel(second, "changed my mind"); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	snap := waitStatus(t, o, second, pipeline.StatusCancelled)
	if snap.StartedAt != nil {
		t.Error("cancelled pending workflow has a start time")
	}

	g.release()
	waitStatus(t, o, first, pipeline.StatusCompleted)
	waitStatus(t, o, third, pipeline.StatusCompleted)
}

func TestCancelledSlotHeldUntilBodiesReturn(t *testing.T) {
	agents := newFakeAgents()
	var active, peak atomic.Int32
	entered := make(chan struct{}, 4)
	drained := make(chan struct{})
	agents[pipeline.KindForecasting].fn = func(ctx context.Context, in pipeline.Input, _ pipeline.ProgressFunc) (json.RawMessage, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		entered <- struct{}{}
		if in.Request.ProductCategory != "slow" {
			return json.RawMessage(`{}`), nil
		}
		<-ctx.Done()
		// Slow to stop: keeps running well after cancellation.
		<-drained
		return nil, ctx.Err()
	}

	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	o := newTestOrchestrator(t, opts, agents, nil)

	first, _ := o.Submit(context.Background(), request("slow"))
	<-entered
	second, _ := o.Submit(context.Background(), request("quick"))

	if err := o.Cancel(first, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if snap, _ := o.Get(context.Background(), first); snap.Status != pipeline.StatusCancelled {
		t.Fatalf("first status = %s, want cancelled", snap.Status)
	}

	time.Sleep(30 * time.Millisecond)
	if snap, _ := o.Get(context.Background(), second); snap.Status != pipeline.StatusPending {
		t.Fatalf("second admitted while the cancelled body was still running: %s", snap.Status)
	}
	if r, q := o.Stats(); r != 1 || q != 1 {
		t.Errorf("stats = %d running, %d queued", r, q)
	}

	close(drained)
	waitStatus(t, o, second, pipeline.StatusCompleted)
	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent forecasting bodies = %d, want 1", p)
	}
}

func TestCacheHitBypassesAgent(t *testing.T) {
	agents := newFakeAgents()
	settings := testSettings()
	for k, s := range settings {
		s.CacheEnabled = true
		s.CacheTTL = time.Hour
		settings[k] = s
	}
	opts := DefaultOptions()
	opts.Settings = settings
	o := newTestOrchestrator(t, opts, agents, cache.NewMemory(zap.NewNop()))

	first, _ := o.Submit(context.Background(), request("eggs"))
	waitStatus(t, o, first, pipeline.StatusCompleted)
	second, _ := o.Submit(context.Background(), request("eggs"))
	snap := waitStatus(t, o, second, pipeline.StatusCompleted)

	for _, k := range pipeline.Kinds {
		if n := agents[k].calls.Load(); n != 1 {
			t.Errorf("%s body ran %d times, want 1", k, n)
		}
	}
	for _, r := range snap.AgentResults {
		if !r.CacheHit || r.ExecutionTime != 0 {
			t.Errorf("%s: cache_hit=%v execution_time=%v", r.Kind, r.CacheHit, r.ExecutionTime)
		}
	}
}

// collectUntilTerminal gathers id's events from sub until its terminal
// status event.
func collectUntilTerminal(t *testing.T, sub *progress.Subscription, id string) []pipeline.Event {
	t.Helper()
	var events []pipeline.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed early")
			}
			if ev.WorkflowID != id {
				continue
			}
			events = append(events, ev)
			if ev.Step == "status" && ev.Status.Terminal() {
				return events
			}
		case <-timeout:
			t.Fatalf("no terminal event for %s", id)
		}
	}
}

func TestCacheHitPublishesSingleStageEvent(t *testing.T) {
	agents := newFakeAgents()
	settings := testSettings()
	for k, s := range settings {
		s.CacheEnabled = true
		s.CacheTTL = time.Hour
		settings[k] = s
	}
	opts := DefaultOptions()
	opts.Settings = settings
	o := newTestOrchestrator(t, opts, agents, cache.NewMemory(zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cold := o.broadcaster.SubscribeAll(ctx)
	first, _ := o.Submit(context.Background(), request("eggs"))
	coldEvents := collectUntilTerminal(t, cold, first)
	for _, k := range pipeline.Kinds {
		var steps []string
		for _, ev := range collectStage(coldEvents, k) {
			steps = append(steps, ev.Step)
		}
		if len(steps) != 3 || steps[0] != "start" || steps[2] != "done" {
			t.Errorf("cold %s steps = %v", k, steps)
		}
	}
	waitStatus(t, o, first, pipeline.StatusCompleted)

	warm := o.broadcaster.SubscribeAll(ctx)
	second, _ := o.Submit(context.Background(), request("eggs"))
	events := collectUntilTerminal(t, warm, second)

	for _, k := range pipeline.Kinds {
		stage := collectStage(events, k)
		if len(stage) != 1 {
			t.Errorf("%s published %d events on a cache hit, want 1: %+v", k, len(stage), stage)
			continue
		}
		if stage[0].Step != pipeline.StepCache || stage[0].AgentPercentage != 100 {
			t.Errorf("%s event = %+v", k, stage[0])
		}
	}
	if last := events[len(events)-1]; last.Status != pipeline.StatusCompleted || last.Percentage != 100 {
		t.Errorf("last event = %+v", last)
	}
}

func collectStage(events []pipeline.Event, k pipeline.Kind) []pipeline.Event {
	var out []pipeline.Event
	for _, ev := range events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func TestSettingsFrozenAtSubmit(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn
	agents[pipeline.KindNews].fn = func(context.Context, pipeline.Input, pipeline.ProgressFunc) (json.RawMessage, error) {
		return nil, pipeline.Permanent(errors.New("down"))
	}
	o := newTestOrchestrator(t, DefaultOptions(), agents, nil)

	id, _ := o.Submit(context.Background(), request("eggs"))
	<-g.entered

	relaxed := testSettings()
	s := relaxed[pipeline.KindNews]
	s.Required = false
	relaxed[pipeline.KindNews] = s
	o.SetSettings(relaxed)

	g.release()
	waitStatus(t, o, id, pipeline.StatusFailed)
}

func TestProgressStream(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn
	o := newTestOrchestrator(t, DefaultOptions(), agents, nil)

	id, _ := o.Submit(context.Background(), request("eggs"))
	sub, err := o.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	g.release()

	var events []pipeline.Event
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				break loop
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("progress stream did not end")
		}
	}

	if len(events) == 0 {
		t.Fatal("no events received")
	}
	for i := 1; i < len(events); i++ {
		if events[i].Percentage < events[i-1].Percentage {
			t.Fatalf("progress regressed at %d: %v -> %v", i, events[i-1].Percentage, events[i].Percentage)
		}
	}
	last := events[len(events)-1]
	if last.Status != pipeline.StatusCompleted || last.Percentage != 100 {
		t.Errorf("last event = %+v", last)
	}

	// Subscribing after the end yields a closed stream.
	late, err := o.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("late subscribe: %v", err)
	}
	if _, ok := <-late.Events(); ok {
		t.Error("late subscriber received an event")
	}
}

type memRecorder struct {
	mu    sync.Mutex
	snaps map[string]workflow.Snapshot
}

func (r *memRecorder) SaveWorkflow(_ context.Context, snap workflow.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps[snap.ID] = snap
	return nil
}

func (r *memRecorder) GetWorkflow(_ context.Context, id string) (workflow.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.snaps[id]
	if !ok {
		return workflow.Snapshot{}, workflow.ErrNotFound
	}
	return snap, nil
}

func (r *memRecorder) ListWorkflows(_ context.Context, status pipeline.Status, limit int) ([]workflow.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []workflow.Snapshot
	for _, snap := range r.snaps {
		if status == "" || snap.Status == status {
			out = append(out, snap)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type countingNotifier struct{ n atomic.Int32 }

func (c *countingNotifier) Notify(context.Context, workflow.Snapshot) error {
	c.n.Add(1)
	return nil
}

func TestSweepEvictsAndRecorderServes(t *testing.T) {
	var clock atomic.Int64
	clock.Store(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	now := func() time.Time { return time.Unix(0, clock.Load()).UTC() }

	rec := &memRecorder{snaps: make(map[string]workflow.Snapshot)}
	notifier := &countingNotifier{}
	opts := DefaultOptions()
	opts.Retention = time.Minute
	o := newTestOrchestrator(t, opts, newFakeAgents(), nil,
		WithClock(now), WithRecorder(rec), WithNotifier(notifier))

	id, _ := o.Submit(context.Background(), request("eggs"))
	waitStatus(t, o, id, pipeline.StatusCompleted)
	waitFor(t, "persisted snapshot", func() bool {
		_, err := rec.GetWorkflow(context.Background(), id)
		return err == nil && notifier.n.Load() == 1
	})

	if n := o.Sweep(); n != 0 {
		t.Fatalf("evicted %d before retention elapsed", n)
	}
	clock.Add(int64(2 * time.Minute))
	if n := o.Sweep(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if len(o.resident()) != 0 {
		t.Error("evicted workflow still in memory")
	}
	listed := o.List(context.Background(), "")
	if len(listed) != 1 || listed[0].ID != id || listed[0].Status != pipeline.StatusCompleted {
		t.Errorf("list after eviction = %+v", listed)
	}
	if got := o.List(context.Background(), pipeline.StatusFailed); len(got) != 0 {
		t.Errorf("status filter let through %+v", got)
	}

	snap, err := o.Get(context.Background(), id)
	if err != nil || snap.Status != pipeline.StatusCompleted {
		t.Fatalf("recorder fallback = %+v, %v", snap, err)
	}
	sub, err := o.Subscribe(context.Background(), id)
	if err != nil {
		t.Fatalf("subscribe evicted: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("evicted workflow stream should be closed")
	}
	if _, err := o.Get(context.Background(), "missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("missing id = %v", err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	agents := newFakeAgents()
	g := newGate()
	agents[pipeline.KindForecasting].fn = g.fn

	opts := DefaultOptions()
	opts.MaxConcurrent = 1
	o := newTestOrchestrator(t, opts, agents, nil)

	running, _ := o.Submit(context.Background(), request("a"))
	queued, _ := o.Submit(context.Background(), request("b"))
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := o.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("shutdown = %v, want deadline exceeded", err)
	}
	if _, err := o.Submit(context.Background(), request("c")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("submit after shutdown = %v", err)
	}
	waitStatus(t, o, queued, pipeline.StatusCancelled)
	waitStatus(t, o, running, pipeline.StatusCancelled)
}

func TestNewRejectsBadOptions(t *testing.T) {
	b := progress.NewBroadcaster(1, zap.NewNop())
	if _, err := New(Options{}, nil, nil, b, zap.NewNop()); err == nil {
		t.Error("zero MaxConcurrent accepted")
	}
	agents := newFakeAgents().list()
	if _, err := New(DefaultOptions(), append(agents, agents[0]), nil, b, zap.NewNop()); err == nil {
		t.Error("duplicate agent accepted")
	}
}
