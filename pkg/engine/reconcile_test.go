package engine

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietReconciler() *Reconciler {
	return NewReconciler(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func subject(id string, findingIDs ...string) SubjectFindings {
	sf := SubjectFindings{Subject: Subject{ID: id, Scheme: "k8s"}}
	for _, f := range findingIDs {
		sf.Findings = append(sf.Findings, Finding{ID: f, Severity: SevHigh})
	}
	return sf
}

// snapshotsFor mimics what a run persists: one snapshot per published batch
func snapshotsFor(batches []Batch) []*Snapshot {
	out := make([]*Snapshot, 0, len(batches))
	for _, b := range batches {
		out = append(out, NewSnapshot(b, time.Unix(1700000000, 0)))
	}
	return out
}

func TestReconcileSingleNewSubject(t *testing.T) {
	r := quietReconciler()

	batches := r.Reconcile("scope", FindingSet{subject("s1", "i1")}, nil)

	require.Len(t, batches, 1)
	assert.Equal(t, 1, batches[0].Number)
	assert.Equal(t, 1, batches[0].Total)
	require.Len(t, batches[0].Subjects, 1)
	assert.Equal(t, "s1", batches[0].Subjects[0].Subject.ID)
	assert.Equal(t, []string{"i1"}, batches[0].Subjects[0].FindingIDs())
}

func TestReconcileIsIdempotent(t *testing.T) {
	r := quietReconciler()
	current := FindingSet{subject("a", "1", "2"), subject("b", "3"), subject("c", "4")}

	first := r.Reconcile("scope", current, nil)
	require.Len(t, first, 1)

	second := r.Reconcile("scope", current, snapshotsFor(first))
	assert.Empty(t, second)
}

func TestReconcilePartialNovelty(t *testing.T) {
	r := quietReconciler()
	prior := snapshotsFor(r.Reconcile("scope", FindingSet{subject("s1", "A", "B")}, nil))

	batches := r.Reconcile("scope", FindingSet{subject("s1", "A", "B", "C")}, prior)

	require.Len(t, batches, 1)
	require.Len(t, batches[0].Subjects, 1)
	assert.Equal(t, []string{"C"}, batches[0].Subjects[0].FindingIDs())
	assert.Equal(t, 2, batches[0].Number)
}

func TestReconcileDecreaseIsNotRemoval(t *testing.T) {
	r := quietReconciler()
	prior := snapshotsFor(r.Reconcile("scope", FindingSet{subject("s1", "A", "B")}, nil))

	batches := r.Reconcile("scope", FindingSet{subject("s1", "A")}, prior)

	assert.Empty(t, batches)
}

func TestReconcileBatchSizeAndNumbering(t *testing.T) {
	r := quietReconciler()
	var current FindingSet
	for i := 0; i < 25; i++ {
		current = append(current, subject(fmt.Sprintf("subject-%02d", i), fmt.Sprintf("f-%d", i)))
	}

	batches := r.Reconcile("scope", current, nil)
	require.Len(t, batches, 3)
	for i, want := range []int{10, 10, 5} {
		assert.Len(t, batches[i].Subjects, want)
		assert.Equal(t, i+1, batches[i].Number)
		assert.Equal(t, 3, batches[i].Total)
	}

	existing := []*Snapshot{{Scope: "scope", Number: 1, Subjects: []SubjectFindings{subject("unrelated", "x")}}}
	batches = r.Reconcile("scope", current, existing)
	require.Len(t, batches, 3)
	for i, b := range batches {
		assert.Equal(t, i+2, b.Number)
		assert.Equal(t, 4, b.Total)
	}
}

func TestBatchesDoNotShareSubjects(t *testing.T) {
	var current FindingSet
	for i := 0; i < 12; i++ {
		current = append(current, subject(fmt.Sprintf("subject-%02d", i), "f"))
	}
	batches := quietReconciler().Reconcile("scope", current, nil)
	require.Len(t, batches, 2)

	batches[0].Subjects = append(batches[0].Subjects, subject("extra", "g"))
	assert.Equal(t, "subject-10", batches[1].Subjects[0].Subject.ID)
}

func TestReconcileUsesTrackerNumbering(t *testing.T) {
	r := quietReconciler()

	batches := r.ReconcileAfter("scope", FindingSet{subject("s1", "i1")}, nil, 7)

	require.Len(t, batches, 1)
	assert.Equal(t, 8, batches[0].Number)
	assert.Equal(t, 8, batches[0].Total)
}

func TestReconcileStableOrdering(t *testing.T) {
	r := quietReconciler()
	current := FindingSet{subject("zeta", "1"), subject("alpha", "2"), subject("mid", "3")}
	reversed := FindingSet{current[2], current[1], current[0]}

	a := r.Reconcile("scope", current, nil)
	b := r.Reconcile("scope", reversed, nil)

	require.Len(t, a, 1)
	assert.Equal(t, a, b)
	ids := []string{}
	for _, sf := range a[0].Subjects {
		ids = append(ids, sf.Subject.ID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}

func TestReconcileSkipsEmptySubjectsAndMissingSnapshots(t *testing.T) {
	r := quietReconciler()
	prior := snapshotsFor(r.Reconcile("scope", FindingSet{subject("s1", "A")}, nil))
	prior = append([]*Snapshot{nil}, prior...)

	batches := r.Reconcile("scope", FindingSet{subject("s1", "A"), subject("empty")}, prior)
	assert.Empty(t, batches)

	// with the snapshot gone, the same finding is reported again
	batches = r.Reconcile("scope", FindingSet{subject("s1", "A")}, []*Snapshot{nil})
	require.Len(t, batches, 1)
	assert.Equal(t, 1, batches[0].Number)
}

func TestPriorIndexMergesHistory(t *testing.T) {
	older := &Snapshot{Number: 1, Subjects: []SubjectFindings{{
		Subject:  Subject{ID: "img", Name: "old-name", AssetID: "sha256:abc"},
		Findings: []Finding{{ID: "A"}},
	}}}
	newer := &Snapshot{Number: 3, Subjects: []SubjectFindings{{
		Subject:  Subject{ID: "img", Name: "new-name", AssetID: "sha256:abc"},
		Findings: []Finding{{ID: "B"}},
	}}}

	idx := BuildPriorIndex([]*Snapshot{newer, older})

	subj, ids, ok := idx.Lookup("sha256:abc")
	require.True(t, ok)
	assert.Equal(t, "new-name", subj.Name)
	assert.Contains(t, ids, "A")
	assert.Contains(t, ids, "B")
	assert.Equal(t, 3, idx.MaxBatch())
	assert.Equal(t, 2, idx.Snapshots())
}
