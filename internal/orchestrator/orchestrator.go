// Package orchestrator admits analysis workflows against a global
// concurrency limit and drives each one through its stage graph.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/synergy/internal/cache"
	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/nidhogg/synergy/internal/progress"
	"github.com/nidhogg/synergy/internal/workflow"
	"go.uber.org/zap"
)

var (
	ErrCapacityExceeded = errors.New("orchestrator: no free slot and the admission queue is unavailable")
	ErrAlreadyTerminal  = errors.New("orchestrator: workflow already terminal")
	ErrShuttingDown     = errors.New("orchestrator: shutting down")
)

// Recorder persists terminal workflows and serves them after eviction.
type Recorder interface {
	SaveWorkflow(ctx context.Context, snap workflow.Snapshot) error
	GetWorkflow(ctx context.Context, id string) (workflow.Snapshot, error)
}

// Archive is a Recorder that can also enumerate stored workflows. When the
// recorder implements it, List includes workflows evicted from memory.
type Archive interface {
	ListWorkflows(ctx context.Context, status pipeline.Status, limit int) ([]workflow.Snapshot, error)
}

// archiveListLimit bounds how many stored workflows List merges in.
const archiveListLimit = 100

// Notifier is told about every workflow that reaches a terminal state.
type Notifier interface {
	Notify(ctx context.Context, snap workflow.Snapshot) error
}

// Metrics receives orchestrator and runner instrumentation.
type Metrics interface {
	pipeline.Observer
	WorkflowSubmitted()
	WorkflowRejected(reason string)
	WorkflowFinished(status pipeline.Status, seconds float64)
	SetActive(running, queued int)
}

type nopMetrics struct{}

func (nopMetrics) CacheLookup(pipeline.Kind, bool) {}
func (nopMetrics) AgentRetry(pipeline.Kind, pipeline.ErrorClass) {}
func (nopMetrics) AgentFinished(pipeline.Kind, pipeline.Status, pipeline.ErrorClass, float64) {}
func (nopMetrics) WorkflowSubmitted() {}
func (nopMetrics) WorkflowRejected(string) {}
func (nopMetrics) WorkflowFinished(pipeline.Status, float64) {}
func (nopMetrics) SetActive(int, int) {}

// Options bound the orchestrator's resources.
type Options struct {
	MaxConcurrent int
	QueueEnabled  bool
	MaxQueue      int
	// Retention is how long a terminal workflow stays in memory.
	Retention     time.Duration
	SweepInterval time.Duration
	Settings      pipeline.SettingsTable
}

// DefaultOptions mirrors the stock deployment.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: 5,
		QueueEnabled:  true,
		MaxQueue:      100,
		Retention:     time.Hour,
		SweepInterval: time.Minute,
		Settings:      pipeline.DefaultSettingsTable(),
	}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides time.Now for the orchestrator and its runner.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithRunnerOptions passes extra options to the stage runner.
func WithRunnerOptions(opts ...pipeline.RunnerOption) Option {
	return func(o *Orchestrator) { o.runnerOpts = append(o.runnerOpts, opts...) }
}

// Orchestrator owns every workflow's lifecycle. Lock order is o.mu before
// any execution's mu.
type Orchestrator struct {
	mu       sync.Mutex
	opts     Options
	settings pipeline.SettingsTable
	execs    map[string]*execution
	queue    []*execution
	running  int
	closed   bool

	agents      map[pipeline.Kind]pipeline.Agent
	runner      *pipeline.Runner
	runnerOpts  []pipeline.RunnerOption
	broadcaster *progress.Broadcaster
	recorder    Recorder
	notifier    Notifier
	metrics     Metrics
	now         func() time.Time
	logger      *zap.Logger

	// base parents every workflow context; abort cancels them all.
	base  context.Context
	abort context.CancelFunc
	wg    sync.WaitGroup
}

// New creates an orchestrator. c may be nil to run without a cache.
func New(opts Options, agents []pipeline.Agent, c cache.Cache, b *progress.Broadcaster, logger *zap.Logger, options ...Option) (*Orchestrator, error) {
	if opts.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent workflows must be positive, got %d", opts.MaxConcurrent)
	}
	if opts.QueueEnabled && opts.MaxQueue <= 0 {
		return nil, fmt.Errorf("max queue must be positive when queueing is enabled, got %d", opts.MaxQueue)
	}
	if opts.Settings == nil {
		opts.Settings = pipeline.DefaultSettingsTable()
	}

	byKind := make(map[pipeline.Kind]pipeline.Agent, len(agents))
	for _, a := range agents {
		if !a.Kind().Valid() {
			return nil, fmt.Errorf("agent with unknown kind %q", a.Kind())
		}
		if _, dup := byKind[a.Kind()]; dup {
			return nil, fmt.Errorf("duplicate agent for %s", a.Kind())
		}
		byKind[a.Kind()] = a
	}

	base, abort := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:        opts,
		settings:    opts.Settings.Clone(),
		execs:       make(map[string]*execution),
		agents:      byKind,
		broadcaster: b,
		metrics:     nopMetrics{},
		now:         time.Now,
		logger:      logger.With(zap.String("component", "orchestrator")),
		base:        base,
		abort:       abort,
	}
	for _, opt := range options {
		opt(o)
	}
	runnerOpts := append([]pipeline.RunnerOption{
		pipeline.WithObserver(o.metrics),
		pipeline.WithClock(o.now),
	}, o.runnerOpts...)
	o.runner = pipeline.NewRunner(c, logger, runnerOpts...)
	return o, nil
}

// SetSettings replaces the per-kind settings used for workflows submitted
// from now on. Workflows already submitted keep the table they resolved.
func (o *Orchestrator) SetSettings(t pipeline.SettingsTable) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = t.Clone()
}

// Submit validates req and creates a workflow. It starts right away when a
// slot is free and otherwise waits in FIFO order.
func (o *Orchestrator) Submit(ctx context.Context, req pipeline.AnalysisRequest) (string, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		o.metrics.WorkflowRejected("validation")
		return "", err
	}
	planned := req.Planned()
	for _, k := range planned {
		if _, ok := o.agents[k]; !ok {
			return "", fmt.Errorf("no agent registered for stage %s", k)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", ErrShuttingDown
	}
	admit := o.running < o.opts.MaxConcurrent && len(o.queue) == 0
	if !admit && (!o.opts.QueueEnabled || len(o.queue) >= o.opts.MaxQueue) {
		o.metrics.WorkflowRejected("capacity")
		return "", ErrCapacityExceeded
	}

	settings := o.settings.Clone()
	var required []pipeline.Kind
	for _, k := range settings.Required() {
		if slices.Contains(planned, k) {
			required = append(required, k)
		}
	}

	id := uuid.New().String()
	e := newExecution(o.base, workflow.New(id, req, planned, required, o.now()), settings)
	o.execs[id] = e
	o.metrics.WorkflowSubmitted()

	logger := o.logger.With(zap.String("workflow_id", id))
	if admit {
		o.admitLocked(e)
	} else {
		o.queue = append(o.queue, e)
		logger.Info("workflow queued", zap.Int("position", len(o.queue)))
		o.publishStatus(e, "queued for execution")
	}
	o.metrics.SetActive(o.running, len(o.queue))
	logger.Info("workflow submitted",
		zap.String("product_category", req.ProductCategory),
		zap.Int("stages", len(planned)))
	return id, nil
}

// admitLocked moves e to running and starts its driver. o.mu must be held.
func (o *Orchestrator) admitLocked(e *execution) {
	e.mu.Lock()
	err := e.wf.Admit(o.now())
	if err == nil {
		e.holdsSlot = true
		o.publishStatusLocked(e, "workflow started")
	}
	e.mu.Unlock()
	if err != nil {
		o.logger.Warn("admission rejected", zap.String("workflow_id", e.wf.ID()), zap.Error(err))
		return
	}

	o.running++
	o.wg.Add(1)
	go o.drive(e)
	o.logger.Info("workflow admitted", zap.String("workflow_id", e.wf.ID()), zap.Int("running", o.running))
}

// releaseLocked returns e's slot and admits waiting workflows in order.
// o.mu must be held and e.mu must not be.
func (o *Orchestrator) releaseLocked(e *execution) {
	if !e.holdsSlot {
		return
	}
	e.holdsSlot = false
	o.running--
	for o.running < o.opts.MaxConcurrent && len(o.queue) > 0 && !o.closed {
		next := o.queue[0]
		o.queue = o.queue[1:]
		o.admitLocked(next)
	}
	o.metrics.SetActive(o.running, len(o.queue))
}

// Get returns a snapshot of the workflow, falling back to the recorder for
// workflows already evicted from memory.
func (o *Orchestrator) Get(ctx context.Context, id string) (workflow.Snapshot, error) {
	o.mu.Lock()
	e, ok := o.execs[id]
	o.mu.Unlock()
	if ok {
		return e.snapshot(), nil
	}
	if o.recorder == nil {
		return workflow.Snapshot{}, workflow.ErrNotFound
	}
	snap, err := o.recorder.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return workflow.Snapshot{}, workflow.ErrNotFound
		}
		return workflow.Snapshot{}, fmt.Errorf("load workflow %s: %w", id, err)
	}
	return snap, nil
}

// List returns workflows with the given status, or every status when it is
// empty, oldest first. Workflows evicted from memory are included from the
// recorder when it is an Archive; an archive failure only narrows the
// result to what is in memory.
func (o *Orchestrator) List(ctx context.Context, status pipeline.Status) []workflow.Snapshot {
	resident := o.resident()
	out := make([]workflow.Snapshot, 0, len(resident))
	seen := make(map[string]bool, len(resident))
	for _, s := range resident {
		seen[s.ID] = true
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}

	archive, ok := o.recorder.(Archive)
	if !ok {
		return out
	}
	stored, err := archive.ListWorkflows(ctx, status, archiveListLimit)
	if err != nil {
		o.logger.Warn("list archived workflows failed", zap.Error(err))
		return out
	}
	for _, s := range stored {
		if !seen[s.ID] {
			seen[s.ID] = true
			out = append(out, s)
		}
	}
	sortSnapshots(out)
	return out
}

// resident returns every workflow still in memory, oldest first.
func (o *Orchestrator) resident() []workflow.Snapshot {
	o.mu.Lock()
	execs := make([]*execution, 0, len(o.execs))
	for _, e := range o.execs {
		execs = append(execs, e)
	}
	o.mu.Unlock()

	out := make([]workflow.Snapshot, 0, len(execs))
	for _, e := range execs {
		out = append(out, e.snapshot())
	}
	sortSnapshots(out)
	return out
}

func sortSnapshots(snaps []workflow.Snapshot) {
	slices.SortFunc(snaps, func(a, b workflow.Snapshot) int {
		if c := a.SubmittedAt.Compare(b.SubmittedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Stats reports current slot usage.
func (o *Orchestrator) Stats() (running, queued int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running, len(o.queue)
}

// Cancel stops a pending or running workflow. In-flight stages are asked
// to stop and their eventual results are still recorded until the
// workflow is sealed. The workflow's slot is returned only once those
// stages have come back, so queued work never overlaps them.
func (o *Orchestrator) Cancel(id, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.execs[id]
	if !ok {
		return workflow.ErrNotFound
	}
	return o.cancelLocked(e, reason)
}

func (o *Orchestrator) cancelLocked(e *execution, reason string) error {
	e.mu.Lock()
	from := e.wf.Status()
	if err := e.wf.Cancel(reason, o.now()); err != nil {
		e.mu.Unlock()
		return ErrAlreadyTerminal
	}
	e.cancel()
	o.terminalLocked(e)

	var snap workflow.Snapshot
	sealed := false
	if from == pipeline.StatusPending {
		// No driver was ever started, so nothing else will seal it.
		if _, err := e.wf.Seal(); err == nil {
			sealed = true
			snap = e.wf.Snapshot()
		}
	}
	e.mu.Unlock()

	if from == pipeline.StatusPending {
		o.queue = slices.DeleteFunc(o.queue, func(q *execution) bool { return q == e })
		o.metrics.SetActive(o.running, len(o.queue))
	}
	// A running workflow keeps its slot until finish, after its in-flight
	// stage bodies have returned.
	o.logger.Info("workflow cancelled",
		zap.String("workflow_id", e.wf.ID()),
		zap.String("from", string(from)),
		zap.String("reason", reason))
	if sealed {
		o.afterSeal(snap)
	}
	return nil
}

// Subscribe streams progress for id until it terminates or ctx ends.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (*progress.Subscription, error) {
	o.mu.Lock()
	_, ok := o.execs[id]
	o.mu.Unlock()
	if ok {
		return o.broadcaster.Subscribe(ctx, id), nil
	}
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	return progress.Closed(id), nil
}

// Shutdown stops admitting work, cancels queued workflows and waits for
// running ones. When ctx ends first, running workflows are cancelled and
// Shutdown returns without waiting for their stages to notice.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, e := range slices.Clone(o.queue) {
		_ = o.cancelLocked(e, "shutting down")
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.abort()
		return nil
	case <-ctx.Done():
	}

	o.mu.Lock()
	for _, e := range o.execs {
		_ = o.cancelLocked(e, "shutting down")
	}
	o.mu.Unlock()
	o.abort()
	return ctx.Err()
}
