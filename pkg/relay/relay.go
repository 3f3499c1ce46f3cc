// Package relay runs one CI step end to end: collect artifacts, upload them,
// wait for the analysis job, reconcile against what was already published and
// publish the new batches.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/user/scanrelay/pkg/analysis"
	"github.com/user/scanrelay/pkg/engine"
	"github.com/user/scanrelay/pkg/metrics"
	"github.com/user/scanrelay/pkg/poller"
	"github.com/user/scanrelay/pkg/store"
	"github.com/user/scanrelay/pkg/tracker"
	"github.com/user/scanrelay/pkg/wrappers"
)

// Analyzer is the analysis service surface used by a run
type Analyzer interface {
	UploadAll(ctx context.Context, artifacts []analysis.Artifact) ([]string, error)
	SubmitJob(ctx context.Context, req analysis.Request) (engine.Job, error)
	GetJobStatus(ctx context.Context, job engine.Job) (engine.Status, engine.FindingSet, error)
}

// Publisher is the issue tracker surface used by a run
type Publisher interface {
	Existing(ctx context.Context, label string) ([]tracker.Published, error)
	Publish(ctx context.Context, b engine.Batch, ref store.Ref) (string, error)
}

// Relay wires the collaborators of one run. Tracker may be nil, in which
// case numbering relies on the snapshot store alone and nothing is published.
type Relay struct {
	Scope      string
	Collectors []wrappers.Collector
	Analyzer   Analyzer
	Poller     *poller.Poller
	Store      store.Store
	Tracker    Publisher
	Reconciler *engine.Reconciler
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	DryRun     bool

	PushURL    string
	MetricsJob string
}

// PublishedBatch is the outcome for one batch
type PublishedBatch struct {
	Number   int
	Total    int
	Subjects int
	Findings int
	Ref      string
	IssueID  string
}

// Report summarizes a run
type Report struct {
	JobID       string
	Attempts    int
	Elapsed     time.Duration
	Subjects    int
	Findings    int
	Unavailable int
	Orphaned    int
	DryRun      bool
	Batches     []PublishedBatch
}

// Run executes the whole step. Job failures come back as the poller's typed
// errors, which carry the job ID, attempt count and elapsed time.
func (r *Relay) Run(ctx context.Context) (*Report, error) {
	logger := r.logger()
	ctx, span := otel.Tracer("scanrelay/relay").Start(ctx, "relay.run")
	defer span.End()
	span.SetAttributes(attribute.String("scope", r.Scope), attribute.Bool("dry_run", r.DryRun))

	artifacts, err := wrappers.CollectAll(ctx, r.Collectors)
	if err != nil {
		return nil, err
	}
	logger.Info("uploading artifacts", "scope", r.Scope, "count", len(artifacts))
	uploadIDs, err := r.Analyzer.UploadAll(ctx, artifacts)
	if err != nil {
		return nil, fmt.Errorf("upload artifacts: %w", err)
	}

	result, err := r.Poller.Run(ctx,
		func(ctx context.Context) (engine.Job, error) {
			return r.Analyzer.SubmitJob(ctx, analysis.Request{Scope: r.Scope, UploadIDs: uploadIDs})
		},
		r.Analyzer.GetJobStatus,
	)
	if err != nil {
		r.observeFailure(err)
		r.push()
		return nil, err
	}
	r.observeJob("succeeded", result.Attempts, result.Elapsed)
	logger.Info("job finished", "job_id", result.Job.ID, "attempts", result.Attempts, "elapsed", result.Elapsed.Round(time.Millisecond),
		"subjects", len(result.Findings), "findings", result.Findings.CountFindings())

	report, err := r.Publish(ctx, result.Findings)
	if report != nil {
		report.JobID = result.Job.ID
		report.Attempts = result.Attempts
		report.Elapsed = result.Elapsed
	}
	r.push()
	if err != nil {
		return report, err
	}
	logger.Info("run complete", "job_id", report.JobID, "attempts", report.Attempts, "elapsed", report.Elapsed.Round(time.Millisecond),
		"batches", len(report.Batches), "dry_run", report.DryRun)
	return report, nil
}

// Publish reconciles a finding set against prior state and publishes the new
// batches. Each snapshot is stored before its issue so the issue can carry the ref.
func (r *Relay) Publish(ctx context.Context, current engine.FindingSet) (*Report, error) {
	logger := r.logger()
	report := &Report{
		Subjects: len(current.NonEmpty()),
		Findings: current.CountFindings(),
		DryRun:   r.DryRun,
	}

	var published []tracker.Published
	if r.Tracker != nil {
		var err error
		published, err = r.Tracker.Existing(ctx, r.Scope)
		if err != nil {
			return report, fmt.Errorf("recover published batches: %w", err)
		}
	}
	highest := tracker.HighestBatch(published)

	prior := store.LoadPrior(ctx, r.Store, r.Scope, tracker.Refs(published), logger)
	report.Unavailable = prior.Unavailable
	snapshots := prior.Snapshots
	if r.Tracker != nil {
		snapshots, report.Orphaned = dropOrphans(prior, published, logger)
	}
	if r.Metrics != nil && prior.Unavailable > 0 {
		r.Metrics.SnapshotsUnavailable.WithLabelValues(r.Scope).Add(float64(prior.Unavailable))
	}

	batches := r.reconciler().ReconcileAfter(r.Scope, current, snapshots, highest)
	for _, b := range batches {
		pb := PublishedBatch{Number: b.Number, Total: b.Total, Subjects: len(b.Subjects), Findings: b.CountFindings()}
		if r.DryRun {
			logger.Info("would publish batch", "scope", r.Scope, "batch", b.Number, "total", b.Total, "subjects", pb.Subjects, "findings", pb.Findings)
			report.Batches = append(report.Batches, pb)
			continue
		}

		ref, err := r.Store.Store(ctx, b)
		if err != nil {
			return report, fmt.Errorf("store snapshot for batch %d: %w", b.Number, err)
		}
		pb.Ref = ref.URI
		if r.Tracker != nil {
			id, err := r.Tracker.Publish(ctx, b, ref)
			if err != nil {
				return report, err
			}
			pb.IssueID = id
		}
		report.Batches = append(report.Batches, pb)
		if r.Metrics != nil {
			r.Metrics.BatchesPublished.WithLabelValues(r.Scope).Inc()
			r.Metrics.SubjectsReported.WithLabelValues(r.Scope).Add(float64(pb.Subjects))
		}
	}
	return report, nil
}

// dropOrphans keeps only snapshots that a published issue points at. The
// rest belong to runs that stored a snapshot but never published its issue,
// whatever number they carry.
func dropOrphans(prior store.Prior, published []tracker.Published, logger *slog.Logger) ([]*engine.Snapshot, int) {
	linked := make(map[string]bool, len(published))
	for _, ref := range tracker.Refs(published) {
		linked[ref.URI] = true
	}
	var kept []*engine.Snapshot
	orphaned := 0
	for i, s := range prior.Snapshots {
		if !linked[prior.Loaded[i].URI] {
			orphaned++
			logger.Warn("ignoring snapshot with no published issue", "scope", s.Scope, "batch", s.Number, "ref", prior.Loaded[i].URI)
			continue
		}
		kept = append(kept, s)
	}
	return kept, orphaned
}

// observeFailure records the failed job. The poller has already logged it.
func (r *Relay) observeFailure(err error) {
	var (
		timeoutErr   *poller.TimeoutError
		statusErr    *poller.StatusError
		transportErr *poller.TransportError
	)
	switch {
	case errors.As(err, &timeoutErr):
		r.observeJob("timeout", timeoutErr.Attempts, timeoutErr.Elapsed)
	case errors.As(err, &statusErr):
		r.observeJob(strings.ToLower(string(statusErr.Status)), statusErr.Attempts, statusErr.Elapsed)
	case errors.As(err, &transportErr):
		r.observeJob("transport_error", transportErr.Attempts, transportErr.Elapsed)
	default:
		r.logger().Error("job polling stopped", "error", err)
	}
}

func (r *Relay) observeJob(outcome string, attempts int, elapsed time.Duration) {
	if r.Metrics != nil {
		r.Metrics.ObserveJob(r.Scope, outcome, attempts, elapsed)
	}
}

func (r *Relay) push() {
	if r.Metrics == nil || r.PushURL == "" {
		return
	}
	job := r.MetricsJob
	if job == "" {
		job = "scanrelay"
	}
	if err := r.Metrics.Push(r.PushURL, job, map[string]string{"scope": store.ScopeDir(r.Scope)}); err != nil {
		r.logger().Warn("metrics push failed", "error", err)
	}
}

func (r *Relay) reconciler() *engine.Reconciler {
	if r.Reconciler != nil {
		return r.Reconciler
	}
	return engine.NewReconciler(r.logger())
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
