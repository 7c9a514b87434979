package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_RunOnce(t *testing.T) {
	tests := []struct {
		name       string
		run        func(ctx context.Context) error
		timeout    time.Duration
		wantStatus string
		wantErrTyp string
	}{
		{
			name:       "success",
			run:        func(context.Context) error { return nil },
			wantStatus: StatusSuccess,
		},
		{
			name:       "failure",
			run:        func(context.Context) error { return errors.New("database unavailable") },
			wantStatus: StatusFailure,
			wantErrTyp: ErrorTypeFailed,
		},
		{
			name: "timeout",
			run: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			timeout:    10 * time.Millisecond,
			wantStatus: StatusFailure,
			wantErrTyp: ErrorTypeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reg := registered(t)
			r := NewRunner(m, nil)

			err := r.RunOnce(context.Background(), Job{
				Type:     JobTypeIdempotencyCleanup,
				Interval: time.Hour,
				Timeout:  tt.timeout,
				Run:      tt.run,
			})
			if (err != nil) != (tt.wantStatus == StatusFailure) {
				t.Fatalf("RunOnce() error = %v", err)
			}

			runs := series(t, reg, MetricBackgroundJobsTotal, map[string]string{"status": tt.wantStatus})
			if runs == nil || runs.GetCounter().GetValue() != 1 {
				t.Errorf("expected one run with status %s", tt.wantStatus)
			}
			if tt.wantErrTyp != "" {
				errs := series(t, reg, MetricBackgroundJobErrorsTotal, map[string]string{"error_type": tt.wantErrTyp})
				if errs == nil || errs.GetCounter().GetValue() != 1 {
					t.Errorf("expected one error of type %s", tt.wantErrTyp)
				}
			}
		})
	}
}

func TestRunner_LoopRunsImmediatelyAndStops(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Loop(ctx, Job{
			Type:     JobTypeRateLimitCleanup,
			Interval: 20 * time.Millisecond,
			Run: func(context.Context) error {
				runs.Add(1)
				return nil
			},
		})
		close(done)
	}()

	time.Sleep(70 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Loop() did not stop within timeout")
	}
	if got := runs.Load(); got < 2 {
		t.Errorf("expected at least 2 runs, got %d", got)
	}
}

func TestRunner_StartRunsEveryJob(t *testing.T) {
	r := NewRunner(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan string, 2)
	job := func(jobType string) Job {
		return Job{
			Type:     jobType,
			Interval: time.Hour,
			Run: func(context.Context) error {
				seen <- jobType
				return nil
			},
		}
	}
	r.Start(ctx, job(JobTypeIdempotencyCleanup), job(JobTypeWebhookEventPrune))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case jt := <-seen:
			got[jt] = true
		case <-time.After(time.Second):
			t.Fatal("job did not run")
		}
	}
	if !got[JobTypeIdempotencyCleanup] || !got[JobTypeWebhookEventPrune] {
		t.Errorf("unexpected runs: %v", got)
	}
}
