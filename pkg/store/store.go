// Package store keeps one snapshot per published batch so later runs can
// reconstruct what was already reported. Stores are append-only.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/user/scanrelay/pkg/engine"
)

var (
	// ErrSnapshotUnavailable means a snapshot could not be read. Callers treat it as "no prior data".
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")
	// ErrSnapshotTooLarge means even the compact encoding exceeds the store limit
	ErrSnapshotTooLarge = errors.New("snapshot exceeds size limit")
)

// DefaultMaxBytes is the largest encoded snapshot accepted by default
const DefaultMaxBytes = 64 * 1024

// Ref addresses one stored snapshot. URI is what gets embedded in the published issue.
type Ref struct {
	Scope  string
	Number int
	URI    string
}

func (r Ref) String() string { return r.URI }

// Store is the snapshot persistence contract
type Store interface {
	List(ctx context.Context, scope string) ([]Ref, error)
	Fetch(ctx context.Context, ref Ref) (*engine.Snapshot, error)
	Store(ctx context.Context, batch engine.Batch) (Ref, error)
}

var unsafeScope = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ScopeDir turns a tracker label into a path-safe directory name
func ScopeDir(scope string) string {
	s := strings.Trim(unsafeScope.ReplaceAllString(scope, "-"), "-.")
	if s == "" {
		return "default"
	}
	return s
}

var objectPattern = regexp.MustCompile(`^batch-(\d+)-[A-Za-z0-9]+\.json$`)

// objectName is unique per write so concurrent runs never overwrite each other
func objectName(number int, suffix string) string {
	return fmt.Sprintf("batch-%04d-%s.json", number, suffix)
}

// parseObjectName extracts the batch number from a base name
func parseObjectName(base string) (int, bool) {
	m := objectPattern.FindStringSubmatch(base)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func sortRefs(refs []Ref) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].Number != refs[j].Number {
			return refs[i].Number < refs[j].Number
		}
		return refs[i].URI < refs[j].URI
	})
}
