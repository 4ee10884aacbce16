package maintenance

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"arctic-lake/iceberg"
	"arctic-lake/metrics"
	"arctic-lake/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx     context.Context
	clock   *clock
	storage *storage.MemoryStorage
	catalog *iceberg.Catalog
	engine  *Engine
	ident   iceberg.Identifier
}

func newFixture(t *testing.T, opts ...iceberg.TableOption) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	st := storage.NewMemoryStorage(storage.WithClock(c.Now))
	cat := iceberg.NewCatalog(st, iceberg.NewBlobRegistry(st, "wh"),
		iceberg.WithWarehouse("wh"),
		iceberg.WithClock(c.Now),
		iceberg.WithRetryWait(time.Millisecond, 5*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, cat.CreateNamespace(ctx, "db", nil))
	ident := iceberg.Identifier{Namespace: "db", Name: "t"}
	schema := iceberg.Schema{Fields: []iceberg.Field{
		{Name: "id", Type: "long", Required: true},
		{Name: "name", Type: "string"},
		{Name: "partition_key", Type: "int"},
	}}
	_, err := cat.CreateTable(ctx, ident, schema, opts...)
	require.NoError(t, err)

	return &fixture{ctx: ctx, clock: c, storage: st, catalog: cat, engine: NewEngine(cat), ident: ident}
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

func (f *fixture) live(t *testing.T) []iceberg.DataFile {
	t.Helper()
	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	files, err := f.catalog.Scan(f.ctx, tbl, iceberg.ScanOptions{})
	require.NoError(t, err)
	return files
}

func row(id int64, key int32) map[string]any {
	return map[string]any{"id": id, "name": fmt.Sprintf("row-%d", id), "partition_key": key}
}

func countByPartition(files []iceberg.DataFile) (map[string]int, int64) {
	counts := map[string]int{}
	var records int64
	for _, f := range files {
		counts[f.Partition["partition_key"]]++
		records += f.RecordCount
	}
	return counts, records
}

func TestOptimizePartitionFilter(t *testing.T) {
	f := newFixture(t, iceberg.WithPartitioning(iceberg.UnboundPartitionField{SourceName: "partition_key", Transform: "identity"}))
	f.insert(t, row(1, 1))
	f.insert(t, row(2, 1))
	f.insert(t, row(3, 2))
	f.insert(t, row(4, 2))

	res, err := f.engine.Optimize(f.ctx, f.ident, OptimizeOptions{PartitionFilter: map[string]string{"partition_key": "1"}})
	require.NoError(t, err)
	require.Equal(t, 2, res.RewrittenFiles)
	require.Equal(t, 1, res.AddedFiles)
	require.Equal(t, int64(2), res.Records)

	counts, records := countByPartition(f.live(t))
	require.Equal(t, int64(4), records)
	require.Equal(t, 1, counts["1"])
	require.Equal(t, 2, counts["2"])

	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	require.Equal(t, string(iceberg.OpReplace), tbl.CurrentSnapshot().Summary[iceberg.SummaryOperation])
	require.Equal(t, "4", tbl.CurrentSnapshot().Summary[iceberg.SummaryTotalRecords])
}

func TestOptimizeWholeTable(t *testing.T) {
	f := newFixture(t)
	for i := range 5 {
		f.insert(t, row(int64(i), int32(i)))
	}

	res, err := f.engine.Optimize(f.ctx, f.ident, OptimizeOptions{})
	require.NoError(t, err)
	require.Equal(t, 5, res.RewrittenFiles)

	live := f.live(t)
	require.Len(t, live, 1)
	require.Equal(t, int64(5), live[0].RecordCount)

	res, err = f.engine.Optimize(f.ctx, f.ident, OptimizeOptions{})
	require.NoError(t, err)
	require.Zero(t, res.RewrittenFiles)
}

func TestOptimizeThresholdSkipsLargeFiles(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1))
	f.insert(t, row(2, 1))

	res, err := f.engine.Optimize(f.ctx, f.ident, OptimizeOptions{FileSizeThreshold: 1})
	require.NoError(t, err)
	require.Zero(t, res.RewrittenFiles)
	require.Len(t, f.live(t), 2)
}

func TestOptimizeRejectsUnpartitionedFilter(t *testing.T) {
	f := newFixture(t, iceberg.WithPartitioning(iceberg.UnboundPartitionField{SourceName: "partition_key", Transform: "identity"}))
	f.insert(t, row(1, 1))

	_, err := f.engine.Optimize(f.ctx, f.ident, OptimizeOptions{PartitionFilter: map[string]string{"name": "x"}})
	require.ErrorIs(t, err, iceberg.ErrValidation)
}

func TestCompactionConflict(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1))
	f.insert(t, row(2, 1))
	sources := f.live(t)

	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	merged, err := iceberg.RewriteDataFiles(f.ctx, f.storage, tbl.Metadata, sources)
	require.NoError(t, err)

	_, err = f.catalog.Commit(f.ctx, f.ident, iceberg.DeleteFiles(sources[0]))
	require.NoError(t, err)

	_, err = f.catalog.Commit(f.ctx, f.ident, compaction(tbl.Metadata.CurrentSchemaID, sources, []iceberg.DataFile{merged}))
	require.ErrorIs(t, err, iceberg.ErrCompactionConflict)
}

func TestCompactionConflictOnSchemaChange(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1))
	f.insert(t, row(2, 1))
	sources := f.live(t)

	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	merged, err := iceberg.RewriteDataFiles(f.ctx, f.storage, tbl.Metadata, sources)
	require.NoError(t, err)

	evolved, err := f.catalog.Commit(f.ctx, f.ident, iceberg.NewSchemaUpdate().AddColumn("region", "string", false, ""))
	require.NoError(t, err)
	require.NotEqual(t, tbl.Metadata.CurrentSchemaID, evolved.Metadata.CurrentSchemaID)

	_, err = f.catalog.Commit(f.ctx, f.ident, compaction(tbl.Metadata.CurrentSchemaID, sources, []iceberg.DataFile{merged}))
	require.ErrorIs(t, err, iceberg.ErrCompactionConflict)
	require.Len(t, f.live(t), 2)
}

func TestBinPack(t *testing.T) {
	files := []iceberg.DataFile{
		{FilePath: "a", FileSizeBytes: 40},
		{FilePath: "b", FileSizeBytes: 10},
		{FilePath: "c", FileSizeBytes: 30},
		{FilePath: "d", FileSizeBytes: 90},
	}
	bins := binPack(files, 50)
	require.Len(t, bins, 1)
	require.Equal(t, []string{"b", "c"}, []string{bins[0][0].FilePath, bins[0][1].FilePath})
}

func TestOptimizeManifests(t *testing.T) {
	f := newFixture(t)
	for i := range 3 {
		f.insert(t, row(int64(i), 1))
	}

	tbl, err := f.engine.OptimizeManifests(f.ctx, f.ident)
	require.NoError(t, err)
	require.Equal(t, "3", tbl.CurrentSnapshot().Summary[iceberg.SummaryManifestsReplaced])
	require.Len(t, f.live(t), 3)

	again, err := f.engine.OptimizeManifests(f.ctx, f.ident)
	require.NoError(t, err)
	require.Equal(t, tbl.Version, again.Version)
}

func TestOptimizeManifestsWithoutCurrentSnapshot(t *testing.T) {
	f := newFixture(t)
	for i := range 3 {
		f.insert(t, row(int64(i), 1))
	}
	schema := iceberg.Schema{Fields: []iceberg.Field{{Name: "id", Type: "long", Required: true}}}
	replaced, err := f.catalog.ReplaceTable(f.ctx, f.ident, schema)
	require.NoError(t, err)
	require.Nil(t, replaced.CurrentSnapshot())

	counter := metrics.MaintenanceFiles.WithLabelValues(ProcOptimizeManifests)
	before := testutil.ToFloat64(counter)

	tbl, err := f.engine.OptimizeManifests(f.ctx, f.ident)
	require.NoError(t, err)
	require.Nil(t, tbl.CurrentSnapshot())
	require.Equal(t, replaced.Version, tbl.Version)
	require.Equal(t, before, testutil.ToFloat64(counter))
}

func TestExpireSnapshots(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1))
	f.insert(t, row(2, 1))
	tbl := f.insert(t, row(3, 1))
	first := tbl.Metadata.Snapshots[0].SnapshotID

	_, err := f.catalog.Commit(f.ctx, f.ident, iceberg.SetRef{
		Name: "v1", Ref: iceberg.SnapshotRef{SnapshotID: first, Type: iceberg.TagRef},
	})
	require.NoError(t, err)

	_, err = f.engine.ExpireSnapshots(f.ctx, f.ident, time.Hour)
	require.ErrorIs(t, err, iceberg.ErrRetentionTooLow)

	expired, err := f.engine.ExpireSnapshots(f.ctx, f.ident, 7*24*time.Hour)
	require.NoError(t, err)
	require.Empty(t, expired)

	f.clock.Advance(8 * 24 * time.Hour)
	f.insert(t, row(4, 1))

	expired, err = f.engine.ExpireSnapshots(f.ctx, f.ident, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []int64{tbl.Metadata.Snapshots[1].SnapshotID, tbl.Metadata.Snapshots[2].SnapshotID}, expired)

	tbl, err = f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	require.NotNil(t, tbl.Metadata.SnapshotByID(first), "tag head is retained")
	require.Len(t, tbl.Metadata.Snapshots, 2)
	require.Len(t, f.live(t), 4)
}

func TestExpireDropsOldTags(t *testing.T) {
	f := newFixture(t)
	tbl := f.insert(t, row(1, 1))
	maxAge := int64(time.Hour / time.Millisecond)
	_, err := f.catalog.Commit(f.ctx, f.ident, iceberg.SetRef{
		Name: "nightly", Ref: iceberg.SnapshotRef{SnapshotID: tbl.CurrentSnapshot().SnapshotID, Type: iceberg.TagRef, MaxRefAgeMs: &maxAge},
	})
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	f.insert(t, row(2, 1))

	expired, err := f.engine.ExpireSnapshots(f.ctx, f.ident, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, []int64{tbl.CurrentSnapshot().SnapshotID}, expired)

	tbl, err = f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	require.NotContains(t, tbl.Metadata.Refs, "nightly")
}

func TestExpireKeepsMinSnapshots(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1))
	f.insert(t, row(2, 1))
	f.insert(t, row(3, 1))

	_, err := f.catalog.Commit(f.ctx, f.ident, iceberg.SetProperties(map[string]string{
		iceberg.PropertyMinSnapshotsToKeep: "2",
	}))
	require.NoError(t, err)
	f.clock.Advance(30 * 24 * time.Hour)

	expired, err := f.engine.ExpireSnapshots(f.ctx, f.ident, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 1)
}

func TestRemoveOrphanFiles(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1))
	f.insert(t, row(2, 1))

	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	orphan := tbl.Metadata.Location + "/data/orphan.parquet"
	require.NoError(t, f.storage.Write(f.ctx, orphan, bytes.NewReader([]byte("junk"))))

	_, err = f.engine.RemoveOrphanFiles(f.ctx, f.ident, time.Minute, false)
	require.ErrorIs(t, err, iceberg.ErrRetentionTooLow)

	res, err := f.engine.RemoveOrphanFiles(f.ctx, f.ident, 7*24*time.Hour, false)
	require.NoError(t, err)
	require.Empty(t, res.Files, "young files are kept")

	f.clock.Advance(8 * 24 * time.Hour)
	fresh := tbl.Metadata.Location + "/data/in-flight.parquet"
	require.NoError(t, f.storage.Write(f.ctx, fresh, bytes.NewReader([]byte("new"))))

	res, err = f.engine.RemoveOrphanFiles(f.ctx, f.ident, 7*24*time.Hour, true)
	require.NoError(t, err)
	require.Equal(t, []string{orphan}, res.Files)
	_, err = f.storage.Read(f.ctx, orphan)
	require.NoError(t, err)

	res, err = f.engine.RemoveOrphanFiles(f.ctx, f.ident, 7*24*time.Hour, false)
	require.NoError(t, err)
	require.Equal(t, []string{orphan}, res.Files)

	_, err = f.storage.Read(f.ctx, orphan)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.storage.Read(f.ctx, fresh)
	require.NoError(t, err)

	for _, file := range f.live(t) {
		_, err := f.storage.Read(f.ctx, file.FilePath)
		require.NoError(t, err)
	}
}

func TestRemoveOrphanFilesAfterOptimizeAndExpire(t *testing.T) {
	f := newFixture(t)
	f.insert(t, row(1, 1))
	f.insert(t, row(2, 1))
	sources := f.live(t)

	_, err := f.engine.Optimize(f.ctx, f.ident, OptimizeOptions{})
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	expired, err := f.engine.ExpireSnapshots(f.ctx, f.ident, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 2)

	res, err := f.engine.RemoveOrphanFiles(f.ctx, f.ident, 7*24*time.Hour, false)
	require.NoError(t, err)

	removed := strings.Join(res.Files, "\n")
	for _, src := range sources {
		require.Contains(t, removed, src.FilePath)
	}
	live := f.live(t)
	require.Len(t, live, 1)
	_, err = f.storage.Read(f.ctx, live[0].FilePath)
	require.NoError(t, err)
}

func TestDropExtendedStats(t *testing.T) {
	f := newFixture(t)
	tbl := f.insert(t, row(1, 1))
	snap := tbl.CurrentSnapshot().SnapshotID

	_, err := f.catalog.Commit(f.ctx, f.ident, iceberg.SetStatistics{File: iceberg.StatisticsFile{
		SnapshotID:     snap,
		StatisticsPath: tbl.Metadata.Location + "/metadata/stats.puffin",
	}})
	require.NoError(t, err)

	tbl, err = f.engine.DropExtendedStats(f.ctx, f.ident)
	require.NoError(t, err)
	require.Empty(t, tbl.Metadata.Statistics)
}

func TestExpireDroppedTables(t *testing.T) {
	c := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	st := storage.NewMemoryStorage(storage.WithClock(c.Now))
	cat := iceberg.NewCatalog(st, iceberg.NewBlobRegistry(st, "wh"),
		iceberg.WithWarehouse("wh"),
		iceberg.WithClock(c.Now),
		iceberg.WithSoftDelete(24*time.Hour))
	engine := NewEngine(cat)

	ctx := context.Background()
	require.NoError(t, cat.CreateNamespace(ctx, "db", nil))
	ident := iceberg.Identifier{Namespace: "db", Name: "t"}
	tbl, err := cat.CreateTable(ctx, ident, iceberg.Schema{Fields: []iceberg.Field{
		{Name: "id", Type: "long", Required: true},
	}})
	require.NoError(t, err)
	require.NoError(t, cat.DropTable(ctx, ident, true))

	before := testutil.ToFloat64(metrics.DroppedTablesExpired)
	expired, err := engine.ExpireDroppedTables(ctx)
	require.NoError(t, err)
	require.Empty(t, expired)

	c.Advance(25 * time.Hour)
	expired, err = engine.ExpireDroppedTables(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, tbl.Metadata.TableUUID, expired[0].TableUUID)
	require.Equal(t, before+1, testutil.ToFloat64(metrics.DroppedTablesExpired))

	objects, err := st.List(ctx, tbl.Metadata.Location+"/")
	require.NoError(t, err)
	require.Empty(t, objects)
}
