package metatables

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arctic-lake/iceberg"
	"arctic-lake/storage"
)

type fixture struct {
	ctx       context.Context
	storage   *storage.MemoryStorage
	catalog   *iceberg.Catalog
	projector *Projector
	ident     iceberg.Identifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	st := storage.NewMemoryStorage(storage.WithClock(clock))
	cat := iceberg.NewCatalog(st, iceberg.NewBlobRegistry(st, "wh"),
		iceberg.WithWarehouse("wh"),
		iceberg.WithClock(clock))

	ctx := context.Background()
	require.NoError(t, cat.CreateNamespace(ctx, "db", nil))
	ident := iceberg.Identifier{Namespace: "db", Name: "events"}
	schema := iceberg.Schema{Fields: []iceberg.Field{
		{Name: "id", Type: "long", Required: true},
		{Name: "name", Type: "string"},
		{Name: "partition_key", Type: "int"},
	}}
	_, err := cat.CreateTable(ctx, ident, schema,
		iceberg.WithPartitioning(iceberg.UnboundPartitionField{SourceName: "partition_key", Transform: "identity"}))
	require.NoError(t, err)

	return &fixture{ctx: ctx, storage: st, catalog: cat, projector: NewProjector(st), ident: ident}
}

func (f *fixture) insert(t *testing.T, records ...map[string]any) *iceberg.Table {
	t.Helper()
	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	files, err := iceberg.WriteRecords(f.ctx, f.storage, tbl.Metadata, records)
	require.NoError(t, err)
	tbl, err = f.catalog.Commit(f.ctx, f.ident, iceberg.AppendFiles(files...))
	require.NoError(t, err)
	return tbl
}

func (f *fixture) project(t *testing.T, view string, snapshotID *int64) *Result {
	t.Helper()
	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	res, err := f.projector.Project(f.ctx, tbl, view, snapshotID)
	require.NoError(t, err)
	return res
}

func row(id int64, key int32) map[string]any {
	return map[string]any{"id": id, "name": "n", "partition_key": key}
}

func column(t *testing.T, res *Result, name string) int {
	t.Helper()
	for i, c := range res.Columns {
		if c.Name == name {
			return i
		}
	}
	t.Fatalf("column %s not found", name)
	return -1
}

func TestParseTableName(t *testing.T) {
	tests := []struct {
		in    string
		table string
		view  string
		ok    bool
	}{
		{"events$history", "events", History, true},
		{"events$FILES", "events", Files, true},
		{"db.events$all_entries", "db.events", AllEntries, true},
		{"events", "events", "", false},
		{"events$", "events$", "", false},
		{"$history", "$history", "", false},
		{"events$nope", "events$nope", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			table, view, ok := ParseTableName(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.table, table)
			assert.Equal(t, tt.view, view)
		})
	}
}

func TestHistoryAndFiles(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1), row(2, 1))
	f.insert(t, row(3, 2), row(4, 2))

	history := f.project(t, History, nil)
	require.GreaterOrEqual(t, len(history.Rows), 2)
	ancestor := column(t, history, "is_current_ancestor")
	for _, r := range history.Rows {
		assert.Equal(t, true, r[ancestor])
	}
	assert.Nil(t, history.Rows[0][column(t, history, "parent_id")])

	files := f.project(t, Files, nil)
	require.Len(t, files.Rows, 2)
	var total int64
	for _, r := range files.Rows {
		total += r[column(t, files, "record_count")].(int64)
		assert.Equal(t, iceberg.ContentData, r[column(t, files, "content")])
	}
	assert.Equal(t, int64(4), total)
}

func TestHistoryAfterRollback(t *testing.T) {
	f := newFixture(t)
	first := f.insert(t, row(1, 1)).CurrentSnapshot().SnapshotID
	second := f.insert(t, row(2, 1)).CurrentSnapshot().SnapshotID

	_, err := f.catalog.Commit(f.ctx, f.ident, iceberg.Rollback{SnapshotID: first})
	require.NoError(t, err)

	history := f.project(t, History, nil)
	require.Len(t, history.Rows, 3)
	id := column(t, history, "snapshot_id")
	ancestor := column(t, history, "is_current_ancestor")
	got := map[int64]bool{}
	for _, r := range history.Rows {
		got[r[id].(int64)] = r[ancestor].(bool)
	}
	assert.True(t, got[first])
	assert.False(t, got[second])

	files := f.project(t, Files, nil)
	assert.Len(t, files.Rows, 1)

	files = f.project(t, Files, &second)
	assert.Len(t, files.Rows, 2)
}

func TestSnapshotsAndRefs(t *testing.T) {
	f := newFixture(t)
	tbl := f.insert(t, row(1, 1))
	snap := tbl.CurrentSnapshot().SnapshotID
	_, err := f.catalog.Commit(f.ctx, f.ident, iceberg.SetRef{Name: "v1", Ref: iceberg.SnapshotRef{SnapshotID: snap, Type: iceberg.TagRef}})
	require.NoError(t, err)

	snapshots := f.project(t, Snapshots, nil)
	require.Len(t, snapshots.Rows, 1)
	assert.Equal(t, "append", snapshots.Rows[0][column(t, snapshots, "operation")])

	refs := f.project(t, Refs, nil)
	require.Len(t, refs.Rows, 2)
	assert.Equal(t, []any{"main", "BRANCH", snap, nil, nil, nil}, refs.Rows[0])
	assert.Equal(t, "v1", refs.Rows[1][0])
	assert.Equal(t, "TAG", refs.Rows[1][1])
}

func TestManifestsAndEntries(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1), row(2, 2))
	tbl := f.insert(t, row(3, 3))

	files, err := f.catalog.Scan(f.ctx, tbl, iceberg.ScanOptions{PartitionFilter: map[string]string{"partition_key": "1"}})
	require.NoError(t, err)
	require.Len(t, files, 1)
	_, err = f.catalog.Commit(f.ctx, f.ident, iceberg.DeleteFiles(files...))
	require.NoError(t, err)

	manifests := f.project(t, Manifests, nil)
	require.NotEmpty(t, manifests.Rows)
	summaries := manifests.Rows[len(manifests.Rows)-1][column(t, manifests, "partition_summaries")].(map[string]string)
	assert.Contains(t, summaries, "partition_key.lower_bound")

	all := f.project(t, AllManifests, nil)
	assert.Greater(t, len(all.Rows), len(manifests.Rows))
	paths := map[string]bool{}
	for _, r := range all.Rows {
		p := r[column(t, all, "path")].(string)
		assert.False(t, paths[p], "duplicate manifest %s", p)
		paths[p] = true
	}

	entries := f.project(t, Entries, nil)
	require.Len(t, entries.Rows, 2)
	for _, r := range entries.Rows {
		assert.NotEqual(t, int(iceberg.EntryDeleted), r[column(t, entries, "status")])
	}

	allEntries := f.project(t, AllEntries, nil)
	var deleted int
	for _, r := range allEntries.Rows {
		if r[column(t, allEntries, "status")] == int(iceberg.EntryDeleted) {
			deleted++
		}
	}
	assert.Equal(t, 1, deleted)
}

func TestPartitions(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1), row(2, 1), row(3, 2))
	f.insert(t, row(4, 1))

	res := f.project(t, Partitions, nil)
	require.Len(t, res.Rows, 2)
	byPartition := map[string][]any{}
	for _, r := range res.Rows {
		byPartition[r[0].(map[string]string)["partition_key"]] = r
	}
	assert.Equal(t, int64(3), byPartition["1"][column(t, res, "record_count")])
	assert.Equal(t, 2, byPartition["1"][column(t, res, "file_count")])
	assert.Equal(t, int64(1), byPartition["2"][column(t, res, "record_count")])
}

func TestProperties(t *testing.T) {
	f := newFixture(t)
	_, err := f.catalog.Commit(f.ctx, f.ident, iceberg.SetProperties(map[string]string{"owner": "etl"}))
	require.NoError(t, err)

	res := f.project(t, Properties, nil)
	props := map[string]string{}
	for _, r := range res.Rows {
		props[r[0].(string)] = r[1].(string)
	}
	assert.Equal(t, "2", props["format-version"])
	assert.Equal(t, "etl", props["owner"])
	assert.Equal(t, "parquet", props[iceberg.PropertyFormat])
}

func TestEmptyTableAndUnknownView(t *testing.T) {
	f := newFixture(t)
	for _, view := range Views {
		res := f.project(t, view, nil)
		assert.NotEmpty(t, res.Columns, view)
		if view != Properties && view != Refs {
			assert.Empty(t, res.Rows, view)
		}
	}

	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	_, err = f.projector.Project(f.ctx, tbl, "bogus", nil)
	require.ErrorIs(t, err, iceberg.ErrNotFound)

	missing := int64(42)
	_, err = f.projector.Project(f.ctx, tbl, Files, &missing)
	require.ErrorIs(t, err, iceberg.ErrNotFound)
}
