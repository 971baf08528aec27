package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/synergy/internal/cache"
	"go.uber.org/zap"
)

// StepCache is the progress step reported for a result served from cache.
const StepCache = "cache"

// Runner executes an Agent under the uniform stage policy: cache lookup,
// timeout-bounded attempts, fixed-delay retries, and a cache write on
// success only. Faults never escape Run; they become failed Results.
type Runner struct {
	cache    cache.Cache
	observer Observer
	logger   *zap.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithObserver attaches instrumentation.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithSleep overrides the retry delay implementation.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

// NewRunner creates a runner. c may be nil to disable caching entirely.
func NewRunner(c cache.Cache, logger *zap.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		cache:    c,
		observer: nopObserver{},
		logger:   logger.With(zap.String("component", "runner")),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes a through the cache, timeout and retry policy. ctx is the
// workflow cancel signal.
func (r *Runner) Run(ctx context.Context, a Agent, in Input, s Settings, progress ProgressFunc) Result {
	kind := a.Kind()
	logger := r.logger.With(zap.String("agent_kind", string(kind)))
	sink := monotonic(progress)
	start := r.now()

	if v, ok := a.(Validator); ok {
		if err := v.Validate(in, s); err != nil {
			logger.Warn("agent input rejected", zap.Error(err))
			return r.failure(kind, start, Invalid(err), ClassValidation, 0)
		}
	}

	var key string
	if s.CacheEnabled && r.cache != nil {
		var err error
		key, err = cache.Fingerprint(string(kind), in)
		if err != nil {
			logger.Warn("fingerprint failed, caching disabled for this run", zap.Error(err))
		} else if res, ok := r.lookup(ctx, kind, key, logger); ok {
			sink(100, "served from cache", StepCache)
			return res
		}
	}

	var (
		lastErr  error
		class    ErrorClass
		attempts int
	)
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			r.observer.AgentRetry(kind, class)
			logger.Warn("retrying agent",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", s.RetryDelay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, s.RetryDelay); err != nil {
				lastErr, class = fmt.Errorf("%w during retry delay", ErrCancelled), ClassCancelled
				break
			}
		}
		if ctx.Err() != nil {
			lastErr, class = ErrCancelled, ClassCancelled
			break
		}

		attempts++
		payload, err := r.attempt(ctx, a, in, s, sink)
		if err == nil {
			res := Result{
				Kind:          kind,
				Status:        StatusCompleted,
				Payload:       payload,
				ExecutionTime: r.now().Sub(start),
				Attempts:      attempts,
				Retries:       attempts - 1,
				GeneratedAt:   r.now(),
			}
			if key != "" {
				if err := r.cache.Put(ctx, key, payload, s.CacheTTL); err != nil {
					logger.Warn("cache write failed", zap.Error(err))
				}
			}
			r.observer.AgentFinished(kind, StatusCompleted, "", res.ExecutionTime.Seconds())
			logger.Info("agent completed",
				zap.Int("attempts", attempts),
				zap.Duration("execution_time", res.ExecutionTime))
			return res
		}

		lastErr, class = err, ClassOf(err)
		if ctx.Err() != nil {
			class = ClassCancelled
		}
		if !class.Retryable() {
			break
		}
	}

	logger.Error("agent failed",
		zap.String("error_class", string(class)),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return r.failure(kind, start, lastErr, class, attempts)
}

func (r *Runner) lookup(ctx context.Context, kind Kind, key string, logger *zap.Logger) (Result, bool) {
	payload, err := r.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.Warn("cache read failed", zap.Error(err))
		}
		r.observer.CacheLookup(kind, false)
		return Result{}, false
	}
	r.observer.CacheLookup(kind, true)
	r.observer.AgentFinished(kind, StatusCompleted, "", 0)
	logger.Debug("cache hit", zap.String("fingerprint", key))
	return Result{
		Kind:        kind,
		Status:      StatusCompleted,
		Payload:     payload,
		CacheHit:    true,
		GeneratedAt: r.now(),
	}, true
}

// attempt runs one timeout-bounded call, converting panics into permanent
// failures and deadline overruns into transient ones.
func (r *Runner) attempt(ctx context.Context, a Agent, in Input, s Settings, sink ProgressFunc) (payload []byte, err error) {
	actx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			payload, err = nil, Permanent(fmt.Errorf("agent panic: %v", p))
		}
	}()

	payload, err = a.Execute(actx, in, s, sink)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, Transient(fmt.Errorf("attempt timed out after %s: %w", s.Timeout, err))
	}
	return payload, err
}

func (r *Runner) failure(kind Kind, start time.Time, err error, class ErrorClass, attempts int) Result {
	retries := max(attempts-1, 0)
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	if attempts > 0 {
		msg = fmt.Sprintf("%s (attempts: %d, retries: %d)", msg, attempts, retries)
	}
	res := Result{
		Kind:          kind,
		Status:        StatusFailed,
		ExecutionTime: r.now().Sub(start),
		Error:         msg,
		ErrorClass:    class,
		Attempts:      attempts,
		Retries:       retries,
		GeneratedAt:   r.now(),
	}
	r.observer.AgentFinished(kind, StatusFailed, class, res.ExecutionTime.Seconds())
	return res
}

// monotonic clamps stage progress into [0,100] and never lets it go back,
// including across retry attempts.
func monotonic(next ProgressFunc) ProgressFunc {
	if next == nil {
		return func(float64, string, string) {}
	}
	var (
		mu   sync.Mutex
		last float64
	)
	return func(pct float64, message, step string) {
		mu.Lock()
		defer mu.Unlock()
		pct = min(max(pct, 0), 100)
		if pct < last {
			pct = last
		}
		last = pct
		next(pct, message, step)
	}
}
