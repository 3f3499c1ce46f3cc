package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// BatchSize is the maximum number of subjects published together
const BatchSize = 10

// Batch is a fixed-capacity group of subjects published as one tracker entry.
// Total counts every batch ever published for the scope, including this run's.
type Batch struct {
	Scope    string            `json:"scope"`
	Number   int               `json:"number"`
	Total    int               `json:"total"`
	Subjects []SubjectFindings `json:"subjects"`
}

// Title renders the tracker title. The "Batch N of M" marker is parsed back by ParseBatchNumber.
func (b Batch) Title(prefix string) string {
	if prefix == "" {
		return fmt.Sprintf("Batch %d of %d", b.Number, b.Total)
	}
	return fmt.Sprintf("%s Batch %d of %d", prefix, b.Number, b.Total)
}

// CountFindings returns the number of findings included in the batch
func (b Batch) CountFindings() int {
	return FindingSet(b.Subjects).CountFindings()
}

var batchMarker = regexp.MustCompile(`(?i)\bbatch\s+(\d+)(?:\s+of\s+(\d+))?`)

// ParseBatchNumber recovers N from a title containing "Batch N" or "Batch N of M"
func ParseBatchNumber(title string) (int, bool) {
	m := batchMarker.FindStringSubmatch(title)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// Snapshot is the durable record of what a batch reported.
// Compact snapshots carry finding IDs only.
type Snapshot struct {
	Scope     string            `json:"scope"`
	Number    int               `json:"number"`
	CreatedAt time.Time         `json:"created_at"`
	Compact   bool              `json:"compact,omitempty"`
	Subjects  []SubjectFindings `json:"subjects"`
}

// NewSnapshot records the content of a batch at creation time
func NewSnapshot(b Batch, now time.Time) *Snapshot {
	subjects := make([]SubjectFindings, len(b.Subjects))
	copy(subjects, b.Subjects)
	return &Snapshot{
		Scope:     b.Scope,
		Number:    b.Number,
		CreatedAt: now.UTC(),
		Subjects:  subjects,
	}
}

// Compacted returns a copy that keeps only subject identity and finding IDs
func (s *Snapshot) Compacted() *Snapshot {
	out := &Snapshot{
		Scope:     s.Scope,
		Number:    s.Number,
		CreatedAt: s.CreatedAt,
		Compact:   true,
		Subjects:  make([]SubjectFindings, 0, len(s.Subjects)),
	}
	for _, sf := range s.Subjects {
		findings := make([]Finding, 0, len(sf.Findings))
		for _, f := range sf.Findings {
			findings = append(findings, Finding{ID: f.ID})
		}
		out.Subjects = append(out.Subjects, SubjectFindings{Subject: sf.Subject, Findings: findings})
	}
	return out
}
