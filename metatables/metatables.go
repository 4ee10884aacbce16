// Package metatables projects table metadata into read-only relations such
// as t$history or t$files.
package metatables

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"arctic-lake/iceberg"
	"arctic-lake/storage"
)

const (
	History      = "history"
	Snapshots    = "snapshots"
	Manifests    = "manifests"
	AllManifests = "all_manifests"
	Entries      = "entries"
	AllEntries   = "all_entries"
	Files        = "files"
	Partitions   = "partitions"
	Refs         = "refs"
	Properties   = "properties"
)

var Views = []string{History, Snapshots, Manifests, AllManifests, Entries, AllEntries, Files, Partitions, Refs, Properties}

type Column struct {
	Name string
	Type string
}

// Result is a projected relation. Row values are nil, bool, int, int64,
// string, time.Time, map[string]string or map[string]int64.
type Result struct {
	Columns []Column
	Rows    [][]any
}

// ParseTableName splits "t$view" into the table and the view name.
func ParseTableName(name string) (table, view string, ok bool) {
	i := strings.LastIndexByte(name, '$')
	if i <= 0 || i == len(name)-1 {
		return name, "", false
	}
	view = strings.ToLower(name[i+1:])
	for _, v := range Views {
		if v == view {
			return name[:i], view, true
		}
	}
	return name, "", false
}

type Projector struct {
	storage storage.Storage
}

func NewProjector(st storage.Storage) *Projector {
	return &Projector{storage: st}
}

// Project computes view over tbl. Snapshot-scoped views read snapshotID, or
// the head of main when it is nil.
func (p *Projector) Project(ctx context.Context, tbl *iceberg.Table, view string, snapshotID *int64) (*Result, error) {
	meta := tbl.Metadata
	switch view {
	case History:
		return history(meta), nil
	case Snapshots:
		return snapshots(meta), nil
	case Refs:
		return refs(meta), nil
	case Properties:
		return properties(meta), nil
	case AllManifests:
		return p.allManifests(ctx, meta)
	case AllEntries:
		return p.allEntries(ctx, meta)
	case Manifests, Entries, Files, Partitions:
	default:
		return nil, fmt.Errorf("%w: unknown metadata table %q", iceberg.ErrNotFound, view)
	}

	snap, err := iceberg.ResolveSnapshot(meta, iceberg.ScanOptions{SnapshotID: snapshotID})
	if err != nil {
		return nil, err
	}

	switch view {
	case Manifests:
		return p.manifests(ctx, meta, snap)
	case Entries:
		return p.entries(ctx, meta, snap)
	case Files:
		return p.files(ctx, meta, snap)
	default:
		return p.partitions(ctx, meta, snap)
	}
}

func millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optionalID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func history(meta *iceberg.TableMetadata) *Result {
	res := &Result{Columns: []Column{
		{"made_current_at", "timestamptz"},
		{"snapshot_id", "long"},
		{"parent_id", "long"},
		{"is_current_ancestor", "boolean"},
	}}

	var head int64 = -1
	if snap := meta.CurrentSnapshot(); snap != nil {
		head = snap.SnapshotID
	}
	for _, entry := range meta.SnapshotLog {
		snap := meta.SnapshotByID(entry.SnapshotID)
		if snap == nil {
			continue
		}
		res.Rows = append(res.Rows, []any{
			millis(entry.TimestampMs),
			snap.SnapshotID,
			optionalID(snap.ParentSnapshotID),
			head >= 0 && meta.IsAncestor(snap.SnapshotID, head),
		})
	}
	return res
}

func snapshots(meta *iceberg.TableMetadata) *Result {
	res := &Result{Columns: []Column{
		{"committed_at", "timestamptz"},
		{"snapshot_id", "long"},
		{"parent_id", "long"},
		{"operation", "string"},
		{"manifest_list", "string"},
		{"summary", "map<string,string>"},
	}}
	for _, s := range meta.Snapshots {
		res.Rows = append(res.Rows, []any{
			millis(s.TimestampMs),
			s.SnapshotID,
			optionalID(s.ParentSnapshotID),
			string(s.Operation()),
			s.ManifestList,
			s.Summary,
		})
	}
	return res
}

func refs(meta *iceberg.TableMetadata) *Result {
	res := &Result{Columns: []Column{
		{"name", "string"},
		{"type", "string"},
		{"snapshot_id", "long"},
		{"max_reference_age_in_ms", "long"},
		{"min_snapshots_to_keep", "int"},
		{"max_snapshot_age_in_ms", "long"},
	}}

	names := make([]string, 0, len(meta.Refs))
	for name := range meta.Refs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ref := meta.Refs[name]
		var minKeep any
		if ref.MinSnapshotsToKeep != nil {
			minKeep = *ref.MinSnapshotsToKeep
		}
		res.Rows = append(res.Rows, []any{
			name,
			strings.ToUpper(string(ref.Type)),
			ref.SnapshotID,
			optionalID(ref.MaxRefAgeMs),
			minKeep,
			optionalID(ref.MaxSnapshotAgeMs),
		})
	}
	return res
}

func properties(meta *iceberg.TableMetadata) *Result {
	res := &Result{Columns: []Column{{"key", "string"}, {"value", "string"}}}

	props := map[string]string{
		"format-version":                   strconv.Itoa(meta.FormatVersion),
		iceberg.PropertyFormat:             "parquet",
		iceberg.PropertyParquetCompression: "zstd",
	}
	for k, v := range meta.Properties {
		props[k] = v
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		res.Rows = append(res.Rows, []any{k, props[k]})
	}
	return res
}
