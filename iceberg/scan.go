package iceberg

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"arctic-lake/storage"
)

const manifestReadConcurrency = 8

// ScanOptions selects the snapshot to read. SnapshotID wins over Ref, Ref over
// AsOf; with none set the head of main is read.
type ScanOptions struct {
	SnapshotID      *int64
	Ref             string
	AsOf            *time.Time
	PartitionFilter map[string]string
}

func ResolveSnapshot(meta *TableMetadata, opts ScanOptions) (*Snapshot, error) {
	switch {
	case opts.SnapshotID != nil:
		snap := meta.SnapshotByID(*opts.SnapshotID)
		if snap == nil {
			return nil, notFound("snapshot", fmt.Sprint(*opts.SnapshotID))
		}
		return snap, nil
	case opts.Ref != "":
		if _, ok := meta.Refs[opts.Ref]; !ok {
			return nil, notFound("ref", opts.Ref)
		}
		return meta.SnapshotByRef(opts.Ref), nil
	case opts.AsOf != nil:
		snap := meta.SnapshotAsOf(*opts.AsOf)
		if snap == nil {
			return nil, notFound("snapshot as of", opts.AsOf.Format(time.RFC3339))
		}
		return snap, nil
	}
	return meta.CurrentSnapshot(), nil
}

// Scan plans a read: the data files live in the selected snapshot whose
// partition matches the filter.
func (c *Catalog) Scan(ctx context.Context, tbl *Table, opts ScanOptions) ([]DataFile, error) {
	if err := c.authorize(ctx, ActionRead, tbl.Identifier.String()); err != nil {
		return nil, err
	}
	return PlanFiles(ctx, c.storage, tbl.Metadata, opts)
}

func PlanFiles(ctx context.Context, st storage.Storage, meta *TableMetadata, opts ScanOptions) ([]DataFile, error) {
	snap, err := ResolveSnapshot(meta, opts)
	if err != nil || snap == nil {
		return nil, err
	}
	entries, err := LiveEntries(ctx, st, meta, snap, opts.PartitionFilter)
	if err != nil {
		return nil, err
	}
	files := make([]DataFile, 0, len(entries))
	for _, e := range entries {
		files = append(files, e.DataFile)
	}
	return files, nil
}

// LiveEntries returns the non-deleted manifest entries of a snapshot.
func LiveEntries(ctx context.Context, st storage.Storage, meta *TableMetadata, snap *Snapshot, filter map[string]string) ([]ManifestEntry, error) {
	manifests, err := LoadManifestList(ctx, st, snap.ManifestList)
	if err != nil {
		return nil, err
	}

	var candidates []ManifestFile
	filters := make(map[int]map[string]string)
	for _, mf := range manifests {
		spec, ok := meta.SpecByID(mf.PartitionSpecID)
		if !ok {
			return nil, validationErr("manifest %s uses unknown spec %d", mf.ManifestPath, mf.PartitionSpecID)
		}
		if _, ok := filters[spec.SpecID]; !ok {
			filters[spec.SpecID] = bindFilter(meta, spec, filter)
		}
		if mf.MightMatch(spec, filters[spec.SpecID]) {
			candidates = append(candidates, mf)
		}
	}

	perManifest, err := ReadManifests(ctx, st, candidates)
	if err != nil {
		return nil, err
	}

	var live []ManifestEntry
	for i, entries := range perManifest {
		specFilter := filters[candidates[i].PartitionSpecID]
		for _, e := range entries {
			if e.IsLive() && partitionMatches(e.DataFile.Partition, specFilter) {
				live = append(live, e)
			}
		}
	}
	return live, nil
}

// ReadManifests loads manifests concurrently, keeping input order.
func ReadManifests(ctx context.Context, st storage.Storage, manifests []ManifestFile) ([][]ManifestEntry, error) {
	out := make([][]ManifestEntry, len(manifests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manifestReadConcurrency)
	for i, mf := range manifests {
		g.Go(func() error {
			entries, err := LoadManifest(gctx, st, mf)
			if err != nil {
				return err
			}
			out[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// bindFilter maps filter keys to partition field names of spec. Keys may name
// a partition field or the source column of an identity field; keys that do
// not constrain this spec are dropped.
func bindFilter(meta *TableMetadata, spec PartitionSpec, filter map[string]string) map[string]string {
	if len(filter) == 0 {
		return nil
	}
	schema := meta.CurrentSchema()
	bound := make(map[string]string, len(filter))
	for key, value := range filter {
		if _, ok := spec.FieldByName(key); ok {
			bound[key] = value
			continue
		}
		col, ok := schema.FieldByName(key)
		if !ok {
			continue
		}
		for _, pf := range spec.Fields {
			if pf.SourceID == col.ID && pf.Transform == TransformIdentity {
				bound[pf.Name] = value
			}
		}
	}
	return bound
}

// FilterConstrainsSpec reports whether every filter key binds to a partition
// field of spec.
func FilterConstrainsSpec(meta *TableMetadata, spec PartitionSpec, filter map[string]string) bool {
	for key, value := range filter {
		if len(bindFilter(meta, spec, map[string]string{key: value})) == 0 {
			return false
		}
	}
	return true
}

func partitionMatches(partition, filter map[string]string) bool {
	for name, want := range filter {
		got, ok := partition[name]
		if !ok || ComparePartitionValues(got, want) != 0 {
			return false
		}
	}
	return true
}
