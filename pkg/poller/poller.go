// Package poller drives one remote analysis job to a terminal status.
//
// The loop is sequential: submit, then check status, sleep, check status again.
// Sleeping is the only point where it yields. The wall-clock start is captured
// once at submission and the timeout is measured against it.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/user/scanrelay/pkg/engine"
)

const (
	maxMultiplier = 5.0
	growthFactor  = 1.5
)

// warm-up multipliers used after the first three status checks
var rampMultipliers = []float64{1.05, 1.10, 1.15}

// SubmitFunc submits the work once and returns the created job
type SubmitFunc func(ctx context.Context) (engine.Job, error)

// FetchFunc reports the job status. The finding set is only meaningful on Succeeded.
type FetchFunc func(ctx context.Context, job engine.Job) (engine.Status, engine.FindingSet, error)

// Result is what a successful run returns
type Result struct {
	Job      engine.Job
	Findings engine.FindingSet
	Attempts int
	Elapsed  time.Duration
}

// Poller holds the polling policy. Now and Sleep are replaceable for tests.
type Poller struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// New creates a poller with real clock and sleep
func New(interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		Interval: interval,
		Timeout:  timeout,
		Logger:   logger,
		Now:      time.Now,
		Sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NextMultiplier returns the backoff multiplier to use after the given attempt
// (1-based) given the multiplier in effect before it
func NextMultiplier(attempt int, current float64) float64 {
	if attempt >= 1 && attempt <= len(rampMultipliers) {
		return rampMultipliers[attempt-1]
	}
	return math.Min(current*growthFactor, maxMultiplier)
}

// Delays returns the sleep before each of the next n status checks, starting with attempt 2
func Delays(interval time.Duration, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	multiplier := 1.0
	for attempt := 1; attempt <= n; attempt++ {
		multiplier = NextMultiplier(attempt, multiplier)
		out = append(out, scale(interval, multiplier))
	}
	return out
}

func scale(d time.Duration, m float64) time.Duration {
	return time.Duration(math.Round(float64(d) * m))
}

// Run submits the job and polls until a terminal status, a transport failure or the timeout
func (p *Poller) Run(ctx context.Context, submit SubmitFunc, fetch FetchFunc) (Result, error) {
	ctx, span := otel.Tracer("github.com/user/scanrelay/pkg/poller").Start(ctx, "poller.run")
	defer span.End()

	job, err := submit(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return Result{}, &TransportError{Op: "submit", Err: err}
	}
	start := p.Now()
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = start
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	log := p.Logger.With("job_id", job.ID)
	log.Info("job submitted", "interval", p.Interval, "timeout", p.Timeout)

	multiplier := 1.0
	attempts := 0
	for {
		elapsed := p.Now().Sub(start)
		if elapsed > p.Timeout {
			err := &TimeoutError{JobID: job.ID, Timeout: p.Timeout, Attempts: attempts, Elapsed: elapsed}
			log.Error("job timed out", "attempts", attempts, "elapsed", elapsed)
			span.RecordError(err)
			span.SetStatus(codes.Error, "timeout")
			return Result{}, err
		}

		attempts++
		status, findings, err := fetch(ctx, job)
		if err != nil {
			elapsed = p.Now().Sub(start)
			log.Error("status check failed", "attempt", attempts, "elapsed", elapsed, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "status check failed")
			return Result{}, &TransportError{Op: "status", JobID: job.ID, Attempts: attempts, Elapsed: elapsed, Err: err}
		}

		switch status {
		case engine.StatusSucceeded:
			elapsed = p.Now().Sub(start)
			if len(findings) == 0 {
				log.Warn("job succeeded without findings in response", "attempts", attempts, "elapsed", elapsed)
				findings = engine.FindingSet{}
			}
			log.Info("job succeeded", "attempts", attempts, "elapsed", elapsed, "subjects", len(findings))
			span.SetAttributes(attribute.Int("poll.attempts", attempts))
			span.SetStatus(codes.Ok, "succeeded")
			return Result{Job: job, Findings: findings, Attempts: attempts, Elapsed: elapsed}, nil
		case engine.StatusFailed, engine.StatusCancelled:
			elapsed = p.Now().Sub(start)
			err := &StatusError{JobID: job.ID, Status: status, Attempts: attempts, Elapsed: elapsed}
			log.Error("job ended unsuccessfully", "status", status, "attempts", attempts, "elapsed", elapsed)
			span.RecordError(err)
			span.SetStatus(codes.Error, string(status))
			return Result{}, err
		default:
			// anything else, including statuses we have never seen, means keep waiting
		}

		multiplier = NextMultiplier(attempts, multiplier)
		delay := scale(p.Interval, multiplier)
		log.Debug("job in progress", "status", status, "attempt", attempts, "next_check_in", delay)
		if err := p.Sleep(ctx, delay); err != nil {
			return Result{}, fmt.Errorf("wait for job %s: %w", job.ID, err)
		}
	}
}
