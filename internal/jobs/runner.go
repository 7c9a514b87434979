package jobs

import (
	"context"
	"log/slog"
	"time"
)

// Job is a unit of periodic maintenance.
type Job struct {
	// Type labels metrics and logs; use one of the JobType constants.
	Type string
	// Interval between runs. The first run happens immediately.
	Interval time.Duration
	// Timeout bounds a single run (0 = no limit beyond the runner context).
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Runner executes jobs on their intervals until its context is cancelled.
type Runner struct {
	metrics *Metrics
	logger  *slog.Logger
}

// NewRunner returns a Runner. Both arguments may be nil.
func NewRunner(metrics *Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{metrics: metrics, logger: logger}
}

// Start launches every job in its own goroutine and returns immediately.
func (r *Runner) Start(ctx context.Context, jobs ...Job) {
	for _, j := range jobs {
		go r.Loop(ctx, j)
	}
}

// Loop runs j immediately and then every j.Interval until ctx is cancelled.
// It blocks.
func (r *Runner) Loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx, j)
	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx, j)
		case <-ctx.Done():
			r.logger.Info("stopping background job", "job_type", j.Type)
			return
		}
	}
}

// RunOnce executes a single run of j and records its outcome.
func (r *Runner) RunOnce(ctx context.Context, j Job) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.Run(ctx)
	elapsed := time.Since(start)
	r.metrics.ObserveRun(j.Type, elapsed, err)

	if err != nil {
		r.logger.ErrorContext(ctx, "background job failed",
			"job_type", j.Type, "error_type", classify(err), "duration_ms", elapsed.Milliseconds(), "error", err)
		return err
	}
	r.logger.DebugContext(ctx, "background job finished", "job_type", j.Type, "duration_ms", elapsed.Milliseconds())
	return nil
}
