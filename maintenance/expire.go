package maintenance

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"arctic-lake/iceberg"
	"arctic-lake/metrics"
)

// ExpireSnapshots removes snapshots older than retention that no ref retains
// and drops tags past their max ref age. Files are left for orphan removal.
// It returns the expired snapshot ids in ascending order.
func (e *Engine) ExpireSnapshots(ctx context.Context, ident iceberg.Identifier, retention time.Duration) ([]int64, error) {
	if err := e.checkRetention(retention); err != nil {
		return nil, err
	}

	var expired []int64
	var droppedRefs []string
	m := iceberg.MutationFunc(func(ctx context.Context, env *iceberg.CommitEnv, base *iceberg.TableMetadata) (*iceberg.TableMetadata, error) {
		expired, droppedRefs = expiredSnapshots(base, env.Now, retention)
		return iceberg.RemoveSnapshots{SnapshotIDs: expired, Refs: droppedRefs}.Apply(ctx, env, base)
	})

	if _, err := e.catalog.Commit(ctx, ident, m); err != nil {
		return nil, err
	}

	metrics.SnapshotsExpired.Add(float64(len(expired)))
	e.logger.Info("expired snapshots",
		zap.Stringer("table", ident),
		zap.Duration("retention", retention),
		zap.Int("expired", len(expired)),
		zap.Strings("dropped_refs", droppedRefs))
	return expired, nil
}

// expiredSnapshots decides which snapshots and refs to drop as of now.
func expiredSnapshots(meta *iceberg.TableMetadata, now time.Time, retention time.Duration) ([]int64, []string) {
	nowMs := now.UnixMilli()
	defaultMaxRefAge := meta.PropertyInt(iceberg.PropertyMaxRefAgeMs, 0)
	defaultMinKeep := int(meta.PropertyInt(iceberg.PropertyMinSnapshotsToKeep, iceberg.DefaultMinSnapshotsToKeep))
	defaultMaxAge := meta.PropertyInt(iceberg.PropertyMaxSnapshotAgeMs, retention.Milliseconds())

	var droppedRefs []string
	retained := map[string]iceberg.SnapshotRef{}
	for name, ref := range meta.Refs {
		maxRefAge := defaultMaxRefAge
		if ref.MaxRefAgeMs != nil {
			maxRefAge = *ref.MaxRefAgeMs
		}
		snap := meta.SnapshotByID(ref.SnapshotID)
		if name != iceberg.MainBranch && ref.Type == iceberg.TagRef && maxRefAge > 0 &&
			snap != nil && nowMs-snap.TimestampMs > maxRefAge {
			droppedRefs = append(droppedRefs, name)
			continue
		}
		retained[name] = ref
	}
	slices.Sort(droppedRefs)

	keep := map[int64]bool{}
	for _, ref := range retained {
		keep[ref.SnapshotID] = true
		if ref.Type != iceberg.BranchRef {
			continue
		}
		minKeep := defaultMinKeep
		if ref.MinSnapshotsToKeep != nil {
			minKeep = *ref.MinSnapshotsToKeep
		}
		maxAge := defaultMaxAge
		if ref.MaxSnapshotAgeMs != nil {
			maxAge = *ref.MaxSnapshotAgeMs
		}
		for i, s := range meta.Ancestors(ref.SnapshotID) {
			if i >= minKeep && nowMs-s.TimestampMs > maxAge {
				break
			}
			keep[s.SnapshotID] = true
		}
	}

	threshold := nowMs - retention.Milliseconds()
	var expired []int64
	for _, s := range meta.Snapshots {
		if keep[s.SnapshotID] || s.TimestampMs >= threshold {
			continue
		}
		expired = append(expired, s.SnapshotID)
	}
	slices.Sort(expired)
	return expired, droppedRefs
}
