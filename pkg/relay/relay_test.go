package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/scanrelay/pkg/analysis"
	"github.com/user/scanrelay/pkg/engine"
	"github.com/user/scanrelay/pkg/metrics"
	"github.com/user/scanrelay/pkg/poller"
	"github.com/user/scanrelay/pkg/store"
	"github.com/user/scanrelay/pkg/tracker"
	"github.com/user/scanrelay/pkg/wrappers"
)

type fakeAnalyzer struct {
	uploadErr error
	statuses  []engine.Status
	findings  engine.FindingSet
	submits   int
	polls     int
}

func (f *fakeAnalyzer) UploadAll(ctx context.Context, artifacts []analysis.Artifact) ([]string, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	ids := make([]string, len(artifacts))
	for i := range artifacts {
		ids[i] = "up-" + strconv.Itoa(i)
	}
	return ids, nil
}

func (f *fakeAnalyzer) SubmitJob(ctx context.Context, req analysis.Request) (engine.Job, error) {
	f.submits++
	return engine.Job{ID: "job-" + strconv.Itoa(f.submits)}, nil
}

func (f *fakeAnalyzer) GetJobStatus(ctx context.Context, job engine.Job) (engine.Status, engine.FindingSet, error) {
	s := f.statuses[f.polls%len(f.statuses)]
	f.polls++
	if s == engine.StatusSucceeded {
		return s, f.findings, nil
	}
	return s, nil, nil
}

// fakeTracker keeps issues in memory and embeds refs the way the GitHub publisher does
type fakeTracker struct {
	mu     sync.Mutex
	issues map[int]tracker.Published
	fail   bool
}

func newFakeTracker() *fakeTracker { return &fakeTracker{issues: make(map[int]tracker.Published)} }

func (f *fakeTracker) Existing(ctx context.Context, label string) ([]tracker.Published, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tracker.Published
	for _, p := range f.issues {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeTracker) Publish(ctx context.Context, b engine.Batch, ref store.Ref) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("tracker down")
	}
	f.issues[b.Number] = tracker.Published{Batch: b.Number, Issue: b.Number, Title: b.Title(""), Ref: ref}
	return strconv.Itoa(b.Number), nil
}

func findingSet(n int, ids ...string) engine.FindingSet {
	var set engine.FindingSet
	for i := 0; i < n; i++ {
		sf := engine.SubjectFindings{Subject: engine.Subject{ID: fmt.Sprintf("img-%02d", i), Scheme: "image"}}
		for _, id := range ids {
			sf.Findings = append(sf.Findings, engine.Finding{ID: id})
		}
		set = append(set, sf)
	}
	return set
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRelay(a *fakeAnalyzer, st store.Store, tr Publisher) *Relay {
	logger := quietLogger()
	p := poller.New(time.Second, time.Minute, logger)
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return &Relay{
		Scope:      "security",
		Collectors: []wrappers.Collector{},
		Analyzer:   a,
		Poller:     p,
		Store:      st,
		Tracker:    tr,
		Reconciler: engine.NewReconciler(logger),
		Metrics:    metrics.New(),
		Logger:     logger,
	}
}

func TestRunPublishesThenGoesQuiet(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := newFakeTracker()

	// 1. First run: 12 new subjects become two batches
	a := &fakeAnalyzer{
		statuses: []engine.Status{engine.StatusRunning, engine.StatusSucceeded},
		findings: findingSet(12, "CVE-A", "CVE-B"),
	}
	r := newRelay(a, st, tr)
	report, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", report.JobID)
	assert.Equal(t, 2, report.Attempts)
	require.Len(t, report.Batches, 2)
	assert.Equal(t, 10, report.Batches[0].Subjects)
	assert.Equal(t, 2, report.Batches[1].Subjects)
	assert.Equal(t, 2, report.Batches[1].Total)
	assert.Len(t, tr.issues, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Metrics.BatchesPublished.WithLabelValues("security")))

	// 2. Same findings again: nothing new
	a.polls = 0
	report, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Batches)

	// 3. One subject gains a finding: batch 3 of 3 with just that finding
	a.polls = 0
	a.findings[4].Findings = append(a.findings[4].Findings, engine.Finding{ID: "CVE-C"})
	report, err = r.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 3, report.Batches[0].Number)
	assert.Equal(t, 3, report.Batches[0].Total)
	assert.Equal(t, 1, report.Batches[0].Findings)
}

func TestRunJobFailure(t *testing.T) {
	st := store.NewMemoryStore()
	tr := newFakeTracker()
	a := &fakeAnalyzer{statuses: []engine.Status{engine.StatusFailed}}
	r := newRelay(a, st, tr)

	report, err := r.Run(context.Background())
	assert.Nil(t, report)
	var statusErr *poller.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "job-1", statusErr.JobID)
	assert.Equal(t, 1, a.polls)
	assert.Empty(t, tr.issues)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.PollAttempts.WithLabelValues("security", "failed")))
}

func TestRunUploadFailureSkipsSubmit(t *testing.T) {
	a := &fakeAnalyzer{uploadErr: errors.New("413 too large")}
	r := newRelay(a, store.NewMemoryStore(), newFakeTracker())

	_, err := r.Run(context.Background())
	assert.ErrorContains(t, err, "413 too large")
	assert.Zero(t, a.submits)
}

func TestDryRunStoresNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := newFakeTracker()
	r := newRelay(&fakeAnalyzer{}, st, tr)
	r.DryRun = true

	report, err := r.Publish(ctx, findingSet(3, "CVE-A"))
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Empty(t, report.Batches[0].Ref)
	assert.Empty(t, tr.issues)
	refs, err := st.List(ctx, "security")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestOrphanedSnapshotIsIgnored(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := newFakeTracker()
	tr.fail = true
	r := newRelay(&fakeAnalyzer{}, st, tr)

	// 1. Snapshot stored but the issue never got created
	_, err := r.Publish(ctx, findingSet(1, "CVE-A"))
	require.ErrorContains(t, err, "tracker down")
	refs, err := st.List(ctx, "security")
	require.NoError(t, err)
	require.Len(t, refs, 1)

	// 2. The next run reports the same findings again as batch 1
	tr.fail = false
	report, err := r.Publish(ctx, findingSet(1, "CVE-A"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 1, report.Batches[0].Number)
}

func subject(id string, findingIDs ...string) engine.SubjectFindings {
	sf := engine.SubjectFindings{Subject: engine.Subject{ID: id, Scheme: "image"}}
	for _, f := range findingIDs {
		sf.Findings = append(sf.Findings, engine.Finding{ID: f})
	}
	return sf
}

func TestOrphanStaysIgnoredAfterItsNumberIsPublished(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := newFakeTracker()
	r := newRelay(&fakeAnalyzer{}, st, tr)

	// 1. img-a is stored as batch 1 but never published
	tr.fail = true
	_, err := r.Publish(ctx, engine.FindingSet{subject("img-a", "CVE-A")})
	require.ErrorContains(t, err, "tracker down")

	// 2. A different subject takes batch 1 for real
	tr.fail = false
	report, err := r.Publish(ctx, engine.FindingSet{subject("img-b", "CVE-B")})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 1, report.Batches[0].Number)

	// 3. img-a was never shown in an issue, so it is still new
	report, err = r.Publish(ctx, engine.FindingSet{subject("img-a", "CVE-A"), subject("img-b", "CVE-B")})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Orphaned)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 2, report.Batches[0].Number)
	assert.Equal(t, 1, report.Batches[0].Subjects)
	assert.Equal(t, 1, report.Batches[0].Findings)
	require.Contains(t, tr.issues, 2)
}

func TestUnavailableSnapshotReReports(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := newFakeTracker()
	r := newRelay(&fakeAnalyzer{}, st, tr)

	_, err := r.Publish(ctx, findingSet(1, "CVE-A"))
	require.NoError(t, err)
	refs, err := st.List(ctx, "security")
	require.NoError(t, err)
	st.Corrupt(refs[0], []byte("garbage"))

	report, err := r.Publish(ctx, findingSet(1, "CVE-A"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Unavailable)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 2, report.Batches[0].Number)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Metrics.SnapshotsUnavailable.WithLabelValues("security")))
}

func TestWithoutTrackerStoreDrivesNumbering(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r := newRelay(&fakeAnalyzer{}, st, nil)

	_, err := r.Publish(ctx, findingSet(1, "CVE-A"))
	require.NoError(t, err)
	report, err := r.Publish(ctx, findingSet(2, "CVE-A"))
	require.NoError(t, err)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, 2, report.Batches[0].Number)
	assert.Equal(t, 1, report.Batches[0].Subjects)
}
