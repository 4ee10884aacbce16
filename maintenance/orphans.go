package maintenance

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"arctic-lake/iceberg"
	"arctic-lake/metrics"
)

type OrphanResult struct {
	Files  []string
	DryRun bool
}

// RemoveOrphanFiles deletes objects under the table location that no retained
// metadata references and that are older than retention. Any failure to read
// metadata aborts the run before anything is deleted.
func (e *Engine) RemoveOrphanFiles(ctx context.Context, ident iceberg.Identifier, retention time.Duration, dryRun bool) (OrphanResult, error) {
	if err := e.checkRetention(retention); err != nil {
		return OrphanResult{}, err
	}

	tbl, err := e.catalog.LoadTable(ctx, ident)
	if err != nil {
		return OrphanResult{}, err
	}
	reachable, err := e.reachableFiles(ctx, tbl)
	if err != nil {
		return OrphanResult{}, fmt.Errorf("collecting reachable files: %w", err)
	}

	location := tbl.Metadata.Location
	objects, err := e.catalog.Storage().List(ctx, location+"/")
	if err != nil {
		return OrphanResult{}, fmt.Errorf("%w: listing %s: %w", iceberg.ErrStorage, location, err)
	}

	pointers := path.Join(location, "metadata", "pointer") + "/"
	cutoff := e.catalog.Now().Add(-retention)
	result := OrphanResult{DryRun: dryRun}
	for _, obj := range objects {
		if reachable[obj.Path] || strings.HasPrefix(obj.Path, pointers) {
			continue
		}
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		result.Files = append(result.Files, obj.Path)
	}
	if dryRun || len(result.Files) == 0 {
		e.logger.Info("orphan file scan",
			zap.Stringer("table", ident),
			zap.Int("orphans", len(result.Files)),
			zap.Bool("dry_run", dryRun))
		return result, nil
	}

	current, err := e.catalog.LoadTable(ctx, ident)
	if err != nil {
		return OrphanResult{}, err
	}
	if current.MetadataLocation != tbl.MetadataLocation {
		return OrphanResult{}, fmt.Errorf("%w: %s changed during orphan scan", iceberg.ErrCommitConflict, ident)
	}

	var errs []error
	deleted := result.Files[:0]
	for _, p := range result.Files {
		if err := e.catalog.Storage().Delete(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%w: deleting %s: %w", iceberg.ErrStorage, p, err))
			continue
		}
		deleted = append(deleted, p)
	}
	result.Files = deleted

	metrics.MaintenanceFiles.WithLabelValues(ProcRemoveOrphanFiles).Add(float64(len(deleted)))
	e.logger.Info("removed orphan files",
		zap.Stringer("table", ident),
		zap.Int("deleted", len(deleted)),
		zap.Int("failed", len(errs)))
	return result, errors.Join(errs...)
}

func (e *Engine) reachableFiles(ctx context.Context, tbl *iceberg.Table) (map[string]bool, error) {
	st := e.catalog.Storage()
	meta := tbl.Metadata

	reachable := map[string]bool{tbl.MetadataLocation: true}
	for _, entry := range meta.MetadataLog {
		reachable[entry.MetadataFile] = true
	}
	for _, stats := range meta.Statistics {
		reachable[stats.StatisticsPath] = true
	}

	seen := map[string]bool{}
	var manifests []iceberg.ManifestFile
	for _, snap := range meta.Snapshots {
		reachable[snap.ManifestList] = true
		list, err := iceberg.LoadManifestList(ctx, st, snap.ManifestList)
		if err != nil {
			return nil, err
		}
		for _, mf := range list {
			if !seen[mf.ManifestPath] {
				seen[mf.ManifestPath] = true
				manifests = append(manifests, mf)
			}
		}
	}

	perManifest, err := iceberg.ReadManifests(ctx, st, manifests)
	if err != nil {
		return nil, err
	}
	for i, entries := range perManifest {
		reachable[manifests[i].ManifestPath] = true
		for _, entry := range entries {
			reachable[entry.DataFile.FilePath] = true
		}
	}
	return reachable, nil
}
