package store

import (
	"context"
	"log/slog"

	"github.com/user/scanrelay/pkg/engine"
)

// Prior is the history recovered for one scope. Loaded[i] is the ref
// Snapshots[i] was fetched from.
type Prior struct {
	Snapshots   []*engine.Snapshot
	Loaded      []Ref
	Refs        []Ref
	Unavailable int
}

// LoadPrior lists and fetches every snapshot for scope, plus any refs found
// elsewhere (for example embedded in published issues). It never fails: a
// listing error or an unreadable snapshot is logged and skipped so the
// reconciler errs toward re-reporting.
func LoadPrior(ctx context.Context, st Store, scope string, known []Ref, logger *slog.Logger) Prior {
	if logger == nil {
		logger = slog.Default()
	}

	refs, err := st.List(ctx, scope)
	if err != nil {
		logger.Warn("could not list prior snapshots, continuing without them", "scope", scope, "error", err)
		refs = nil
	}

	seen := make(map[string]bool, len(refs)+len(known))
	var all []Ref
	for _, r := range append(refs, known...) {
		if r.URI == "" || seen[r.URI] {
			continue
		}
		seen[r.URI] = true
		all = append(all, r)
	}
	sortRefs(all)

	prior := Prior{Refs: all}
	for _, ref := range all {
		snap, err := st.Fetch(ctx, ref)
		if err != nil || snap == nil {
			prior.Unavailable++
			logger.Warn("prior snapshot unavailable, its findings will count as new",
				"scope", scope, "batch", ref.Number, "ref", ref.URI, "error", err)
			continue
		}
		if snap.Number == 0 {
			snap.Number = ref.Number
		}
		prior.Snapshots = append(prior.Snapshots, snap)
		prior.Loaded = append(prior.Loaded, ref)
	}
	logger.Debug("loaded prior snapshots", "scope", scope, "refs", len(all), "loaded", len(prior.Snapshots), "unavailable", prior.Unavailable)
	return prior
}
