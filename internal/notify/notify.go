// Package notify announces finished workflows on chat platforms.
package notify

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
	"github.com/nidhogg/synergy/internal/workflow"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Notifier delivers a terminal workflow to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, snap workflow.Snapshot) error
}

// Message is the platform-neutral rendering of a snapshot.
type Message struct {
	Title   string
	Content string
	Status  pipeline.Status
}

// Format renders snap as a short status report.
func Format(snap workflow.Snapshot) Message {
	title := fmt.Sprintf("Analysis %s: %s", snap.Status, snap.Input.ProductCategory)

	var b strings.Builder
	fmt.Fprintf(&b, "Workflow %s", snap.ID)
	if snap.StartedAt != nil && snap.CompletedAt != nil {
		fmt.Fprintf(&b, " finished in %s", snap.CompletedAt.Sub(*snap.StartedAt).Round(time.Second))
	}
	b.WriteString(".\n")
	for _, r := range snap.AgentResults {
		mark := "ok"
		if !r.Succeeded() {
			mark = "failed"
		}
		if r.CacheHit {
			mark += " (cached)"
		}
		fmt.Fprintf(&b, "- %s: %s\n", r.Kind, mark)
	}
	if snap.Report != nil && len(snap.Report.Missing) > 0 {
		missing := make([]string, len(snap.Report.Missing))
		for i, k := range snap.Report.Missing {
			missing[i] = string(k)
		}
		fmt.Fprintf(&b, "Missing stages: %s\n", strings.Join(missing, ", "))
	}
	if snap.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", snap.Error)
	}
	return Message{Title: title, Content: strings.TrimRight(b.String(), "\n"), Status: snap.Status}
}

// Record tracks one delivered notification.
type Record struct {
	WorkflowID string          `json:"workflow_id"`
	Status     pipeline.Status `json:"status"`
	SentAt     time.Time       `json:"sent_at"`
	Targets    []string        `json:"targets"`
}

const historyLimit = 100

// Multi fans a notification out to every configured destination.
type Multi struct {
	targets  []Notifier
	statuses []pipeline.Status

	mu      sync.Mutex
	history []Record
	logger  *zap.Logger
}

// NewMulti creates a fan-out over targets. Only workflows ending in one of
// statuses are announced; no statuses means every terminal status.
func NewMulti(targets []Notifier, statuses []pipeline.Status, logger *zap.Logger) *Multi {
	return &Multi{
		targets:  targets,
		statuses: statuses,
		logger:   logger.With(zap.String("component", "notify")),
	}
}

// Len reports the number of destinations.
func (m *Multi) Len() int { return len(m.targets) }

// Notify delivers snap to every destination concurrently and joins their
// errors.
func (m *Multi) Notify(ctx context.Context, snap workflow.Snapshot) error {
	if len(m.targets) == 0 {
		return nil
	}
	if len(m.statuses) > 0 && !slices.Contains(m.statuses, snap.Status) {
		return nil
	}

	errs := make([]error, len(m.targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range m.targets {
		g.Go(func() error {
			if err := t.Notify(gctx, snap); err != nil {
				m.logger.Warn("notification failed",
					zap.String("target", t.Name()),
					zap.String("workflow_id", snap.ID),
					zap.Error(err))
				errs[i] = fmt.Errorf("%s: %w", t.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		sent   []string
		failed []error
	)
	for i, err := range errs {
		if err != nil {
			failed = append(failed, err)
			continue
		}
		sent = append(sent, m.targets[i].Name())
	}

	m.mu.Lock()
	m.history = append(m.history, Record{WorkflowID: snap.ID, Status: snap.Status, SentAt: time.Now(), Targets: sent})
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.mu.Unlock()

	return joinErrors(failed)
}

// History returns recent deliveries, newest last.
func (m *Multi) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

func joinErrors(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%d notifications failed: %s", len(errs), strings.Join(msgs, "; "))
}
