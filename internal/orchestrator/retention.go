package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Run evicts terminal workflows older than the retention window until ctx
// ends.
func (o *Orchestrator) Run(ctx context.Context) {
	interval := o.opts.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.Sweep(); n > 0 {
				o.logger.Debug("evicted workflows", zap.Int("count", n))
			}
		}
	}
}

// Sweep evicts sealed workflows whose retention has elapsed and returns how
// many were removed.
func (o *Orchestrator) Sweep() int {
	cutoff := o.now().Add(-o.opts.Retention)

	o.mu.Lock()
	var evicted []string
	for id, e := range o.execs {
		e.mu.Lock()
		expired := e.wf.Sealed() && !e.wf.CompletedAt().After(cutoff)
		e.mu.Unlock()
		if expired {
			delete(o.execs, id)
			evicted = append(evicted, id)
		}
	}
	o.mu.Unlock()

	for _, id := range evicted {
		o.broadcaster.Forget(id)
	}
	return len(evicted)
}
