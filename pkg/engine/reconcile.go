package engine

import (
	"log/slog"
	"sort"
)

// Reconciler turns a fresh finding set into the batches that still need publishing
type Reconciler struct {
	BatchSize int
	Logger    *slog.Logger
}

// NewReconciler creates a reconciler with the default batch size
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{BatchSize: BatchSize, Logger: logger}
}

// Reconcile computes new batches using only the snapshot history for numbering
func (r *Reconciler) Reconcile(scope string, current FindingSet, prior []*Snapshot) []Batch {
	return r.ReconcileAfter(scope, current, prior, 0)
}

// ReconcileAfter computes new batches. highestPublished is the largest batch
// number recovered from the tracker; numbering continues from the larger of it
// and the highest snapshot number. It never fails: missing snapshots only make
// more findings look new.
func (r *Reconciler) ReconcileAfter(scope string, current FindingSet, prior []*Snapshot, highestPublished int) []Batch {
	for i, s := range prior {
		if s == nil {
			r.Logger.Warn("prior snapshot unavailable, treating its findings as new", "scope", scope, "position", i)
		}
	}
	idx := BuildPriorIndex(prior)

	survivors := r.Delta(current, idx)
	if len(survivors) == 0 {
		r.Logger.Info("no new findings to publish", "scope", scope, "subjects", len(current), "known_subjects", idx.Len())
		return nil
	}

	maxExisting := idx.MaxBatch()
	if highestPublished > maxExisting {
		maxExisting = highestPublished
	}
	return r.slice(scope, survivors, maxExisting)
}

// Delta returns the subjects that carry findings not present in the index,
// each reduced to those new findings, in stable order
func (r *Reconciler) Delta(current FindingSet, idx *PriorIndex) []SubjectFindings {
	var survivors []SubjectFindings
	for _, sf := range current.NonEmpty() {
		key := sf.Subject.Key()
		_, seen, ok := idx.Lookup(key)
		if !ok {
			survivors = append(survivors, sf)
			continue
		}

		var fresh []Finding
		for _, f := range sf.Findings {
			if _, dup := seen[f.ID]; !dup {
				fresh = append(fresh, f)
			}
		}
		if len(fresh) == 0 {
			// fewer findings than before is not actionable here; closure is a separate flow
			r.Logger.Debug("subject unchanged", "subject", sf.Subject.ID, "key", key)
			continue
		}
		r.Logger.Debug("subject has new findings", "subject", sf.Subject.ID, "key", key, "new", len(fresh))
		survivors = append(survivors, SubjectFindings{Subject: sf.Subject, Findings: fresh})
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i].Subject, survivors[j].Subject
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Key() < b.Key()
	})
	return survivors
}

func (r *Reconciler) slice(scope string, subjects []SubjectFindings, maxExisting int) []Batch {
	size := r.BatchSize
	if size < 1 {
		size = BatchSize
	}

	count := (len(subjects) + size - 1) / size
	total := count + maxExisting
	batches := make([]Batch, 0, count)
	for i := 0; i < count; i++ {
		end := (i + 1) * size
		if end > len(subjects) {
			end = len(subjects)
		}
		batches = append(batches, Batch{
			Scope:    scope,
			Number:   maxExisting + i + 1,
			Total:    total,
			Subjects: subjects[i*size : end : end],
		})
	}
	r.Logger.Info("reconciled findings into batches",
		"scope", scope,
		"subjects", len(subjects),
		"batches", count,
		"first_batch", maxExisting+1,
		"total_batches", total,
	)
	return batches
}
