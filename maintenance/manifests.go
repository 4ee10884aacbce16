package maintenance

import (
	"context"

	"go.uber.org/zap"

	"arctic-lake/iceberg"
	"arctic-lake/metrics"
)

// OptimizeManifests rewrites the manifests of main into as few manifests per
// spec as the manifest target size allows. It is a no-op when nothing would change.
func (e *Engine) OptimizeManifests(ctx context.Context, ident iceberg.Identifier) (*iceberg.Table, error) {
	// Set by the attempt that committed, since retries re-apply the rewrite.
	var rewrote bool
	rewrite := iceberg.MutationFunc(func(ctx context.Context, env *iceberg.CommitEnv, base *iceberg.TableMetadata) (*iceberg.TableMetadata, error) {
		next, err := iceberg.RewriteManifests{}.Apply(ctx, env, base)
		rewrote = err == nil && next != base
		return next, err
	})

	tbl, err := e.catalog.Commit(ctx, ident, rewrite)
	if err != nil {
		return nil, err
	}
	snapshot := tbl.CurrentSnapshot()
	if !rewrote || snapshot == nil {
		e.logger.Info("manifests already optimal", zap.Stringer("table", ident))
		return tbl, nil
	}

	metrics.MaintenanceFiles.WithLabelValues(ProcOptimizeManifests).Inc()
	e.logger.Info("optimized manifests",
		zap.Stringer("table", ident),
		zap.Int64("snapshot_id", snapshot.SnapshotID),
		zap.String("manifests_replaced", snapshot.Summary[iceberg.SummaryManifestsReplaced]),
		zap.String("manifests_created", snapshot.Summary[iceberg.SummaryManifestsCreated]))
	return tbl, nil
}

// DropExtendedStats removes every statistics file reference in one
// metadata-only commit. The statistics files become orphans.
func (e *Engine) DropExtendedStats(ctx context.Context, ident iceberg.Identifier) (*iceberg.Table, error) {
	tbl, err := e.catalog.Commit(ctx, ident, iceberg.RemoveStatistics{})
	if err != nil {
		return nil, err
	}
	metrics.MaintenanceFiles.WithLabelValues(ProcDropExtendedStats).Inc()
	e.logger.Info("dropped extended statistics", zap.Stringer("table", ident))
	return tbl, nil
}
