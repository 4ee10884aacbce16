package maintenance

import (
	"context"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"arctic-lake/iceberg"
	"arctic-lake/metrics"
)

type OptimizeOptions struct {
	// FileSizeThreshold selects files smaller than this size. Zero uses the
	// engine default.
	FileSizeThreshold int64
	// PartitionFilter restricts compaction to partitions equal to every value.
	// Keys name partition fields or identity source columns.
	PartitionFilter map[string]string
}

type OptimizeResult struct {
	SnapshotID     int64
	RewrittenFiles int
	AddedFiles     int
	Records        int64
}

// Optimize merges small data files of the default spec within each partition
// into files up to the table's target size and commits one replace snapshot.
func (e *Engine) Optimize(ctx context.Context, ident iceberg.Identifier, opts OptimizeOptions) (OptimizeResult, error) {
	threshold := opts.FileSizeThreshold
	if threshold <= 0 {
		threshold = e.fileSizeThreshold
	}

	tbl, err := e.catalog.LoadTable(ctx, ident)
	if err != nil {
		return OptimizeResult{}, err
	}
	meta := tbl.Metadata
	spec := meta.DefaultSpec()
	if len(opts.PartitionFilter) > 0 && !iceberg.FilterConstrainsSpec(meta, spec, opts.PartitionFilter) {
		return OptimizeResult{}, fmt.Errorf("%w: filter %v does not select partitions of spec %d",
			iceberg.ErrValidation, opts.PartitionFilter, spec.SpecID)
	}
	if tbl.CurrentSnapshot() == nil {
		return OptimizeResult{}, nil
	}

	files, err := e.catalog.Scan(ctx, tbl, iceberg.ScanOptions{PartitionFilter: opts.PartitionFilter})
	if err != nil {
		return OptimizeResult{}, fmt.Errorf("planning compaction: %w", err)
	}

	groups := groupSmallFiles(spec, files, threshold)
	target := meta.PropertyInt(iceberg.PropertyTargetFileSize, iceberg.DefaultTargetFileSize)

	var sources, outputs []iceberg.DataFile
	for _, group := range groups {
		for _, bin := range binPack(group, target) {
			out, err := iceberg.RewriteDataFiles(ctx, e.catalog.Storage(), meta, bin)
			if err != nil {
				return OptimizeResult{}, fmt.Errorf("rewriting %d files: %w", len(bin), err)
			}
			sources = append(sources, bin...)
			outputs = append(outputs, out)
		}
	}
	if len(sources) == 0 {
		e.logger.Info("nothing to optimize",
			zap.Stringer("table", ident),
			zap.String("threshold", humanize.Bytes(uint64(threshold))))
		return OptimizeResult{}, nil
	}

	committed, err := e.catalog.Commit(ctx, ident, compaction(meta.CurrentSchemaID, sources, outputs))
	if err != nil {
		return OptimizeResult{}, err
	}

	result := OptimizeResult{
		SnapshotID:     committed.CurrentSnapshot().SnapshotID,
		RewrittenFiles: len(sources),
		AddedFiles:     len(outputs),
	}
	for _, f := range outputs {
		result.Records += f.RecordCount
	}
	metrics.MaintenanceFiles.WithLabelValues(ProcOptimize).Add(float64(len(sources)))
	e.logger.Info("optimized table",
		zap.Stringer("table", ident),
		zap.Int64("snapshot_id", result.SnapshotID),
		zap.Int("rewritten_files", result.RewrittenFiles),
		zap.Int("added_files", result.AddedFiles),
		zap.Int64("records", result.Records))
	return result, nil
}

// compaction replaces sources with outputs, failing with ErrCompactionConflict
// when a concurrent commit already removed one of the sources or changed the
// schema the outputs were written with.
func compaction(schemaID int, sources, outputs []iceberg.DataFile) iceberg.Mutation {
	return iceberg.MutationFunc(func(ctx context.Context, env *iceberg.CommitEnv, base *iceberg.TableMetadata) (*iceberg.TableMetadata, error) {
		if base.CurrentSchemaID != schemaID {
			return nil, fmt.Errorf("%w: schema changed from %d to %d while rewriting", iceberg.ErrCompactionConflict, schemaID, base.CurrentSchemaID)
		}
		live, err := iceberg.PlanFiles(ctx, env.Storage, base, iceberg.ScanOptions{})
		if err != nil {
			return nil, err
		}
		present := make(map[string]bool, len(live))
		for _, f := range live {
			present[f.FilePath] = true
		}
		for _, f := range sources {
			if !present[f.FilePath] {
				return nil, fmt.Errorf("%w: %s was removed by a concurrent commit", iceberg.ErrCompactionConflict, f.FilePath)
			}
		}

		update := iceberg.SnapshotUpdate{
			Operation: iceberg.OpReplace,
			Adds:      outputs,
			Deletes:   sources,
			Summary:   map[string]string{"optimize": "true"},
		}
		return update.Apply(ctx, env, base)
	})
}

// groupSmallFiles buckets files below threshold by partition tuple, keeping
// only groups with something to merge. Groups are ordered by partition key.
func groupSmallFiles(spec iceberg.PartitionSpec, files []iceberg.DataFile, threshold int64) [][]iceberg.DataFile {
	byKey := map[string][]iceberg.DataFile{}
	for _, f := range files {
		if f.SpecID != spec.SpecID || f.FileSizeBytes >= threshold {
			continue
		}
		key := spec.PartitionKey(f.Partition)
		byKey[key] = append(byKey[key], f)
	}

	keys := make([]string, 0, len(byKey))
	for k, group := range byKey {
		if len(group) >= 2 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	groups := make([][]iceberg.DataFile, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, byKey[k])
	}
	return groups
}

// binPack splits a partition's files into bins whose total size stays within
// target. Bins holding a single file are dropped.
func binPack(files []iceberg.DataFile, target int64) [][]iceberg.DataFile {
	sorted := append([]iceberg.DataFile(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FileSizeBytes < sorted[j].FileSizeBytes })

	var (
		bins    [][]iceberg.DataFile
		current []iceberg.DataFile
		size    int64
	)
	for _, f := range sorted {
		if len(current) > 0 && size+f.FileSizeBytes > target {
			bins = append(bins, current)
			current, size = nil, 0
		}
		current = append(current, f)
		size += f.FileSizeBytes
	}
	if len(current) > 0 {
		bins = append(bins, current)
	}

	out := bins[:0]
	for _, b := range bins {
		if len(b) >= 2 {
			out = append(out, b)
		}
	}
	return out
}
