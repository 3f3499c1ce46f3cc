package engine

import (
	"sort"
	"sync"
)

// priorEntry is what earlier batches already said about one subject
type priorEntry struct {
	Subject    Subject
	FindingIDs map[string]struct{}
	LastBatch  int
}

// PriorIndex merges previously published snapshots into a per-subject view
type PriorIndex struct {
	mu        sync.RWMutex
	entries   map[string]*priorEntry
	maxBatch  int
	snapshots int
}

// NewPriorIndex creates an empty index
func NewPriorIndex() *PriorIndex {
	return &PriorIndex{entries: make(map[string]*priorEntry)}
}

// BuildPriorIndex merges snapshots in ascending batch order so the most recent
// subject record wins. Nil snapshots are ignored.
func BuildPriorIndex(snapshots []*Snapshot) *PriorIndex {
	ordered := make([]*Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if s != nil {
			ordered = append(ordered, s)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Number != ordered[j].Number {
			return ordered[i].Number < ordered[j].Number
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	idx := NewPriorIndex()
	for _, s := range ordered {
		idx.Add(s)
	}
	return idx
}

// Add ingests one snapshot. Finding IDs are unioned, never dropped.
func (p *PriorIndex) Add(s *Snapshot) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.snapshots++
	if s.Number > p.maxBatch {
		p.maxBatch = s.Number
	}
	for _, sf := range s.Subjects {
		key := sf.Subject.Key()
		e, ok := p.entries[key]
		if !ok {
			e = &priorEntry{FindingIDs: make(map[string]struct{})}
			p.entries[key] = e
		}
		if s.Number >= e.LastBatch {
			e.Subject = sf.Subject
			e.LastBatch = s.Number
		}
		for _, f := range sf.Findings {
			if f.ID == "" {
				continue
			}
			e.FindingIDs[f.ID] = struct{}{}
		}
	}
}

// Lookup returns the merged record for a subject key
func (p *PriorIndex) Lookup(key string) (Subject, map[string]struct{}, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[key]
	if !ok {
		return Subject{}, nil, false
	}
	return e.Subject, e.FindingIDs, true
}

// MaxBatch is the highest batch number seen in any snapshot
func (p *PriorIndex) MaxBatch() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxBatch
}

// Len returns the number of distinct subjects known
func (p *PriorIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Snapshots returns how many snapshots were merged
func (p *PriorIndex) Snapshots() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshots
}
