package iceberg

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScanTimeTravel(t *testing.T) {
	e := newTestEnv(t)
	ident := Identifier{Namespace: "db", Name: "events"}
	e.createTable(t, "events")
	tbl := appendN(t, e, ident, 3)

	first := tbl.Metadata.Snapshots[0]
	files, err := e.catalog.Scan(e.ctx, tbl, ScanOptions{SnapshotID: &first.SnapshotID})
	require.NoError(t, err)
	require.Len(t, files, 1)

	asOf := time.UnixMilli(tbl.Metadata.Snapshots[1].TimestampMs)
	files, err = e.catalog.Scan(e.ctx, tbl, ScanOptions{AsOf: &asOf})
	require.NoError(t, err)
	require.Len(t, files, 2)

	missing := int64(404)
	_, err = e.catalog.Scan(e.ctx, tbl, ScanOptions{SnapshotID: &missing})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = e.catalog.Scan(e.ctx, tbl, ScanOptions{Ref: "nope"})
	require.ErrorIs(t, err, ErrNotFound)

	early := time.UnixMilli(first.TimestampMs - 1)
	_, err = e.catalog.Scan(e.ctx, tbl, ScanOptions{AsOf: &early})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestScanEmptyTable(t *testing.T) {
	e := newTestEnv(t)
	tbl := e.createTable(t, "events")
	files, err := e.catalog.Scan(e.ctx, tbl, ScanOptions{})
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestScanPrunesManifestsByPartition(t *testing.T) {
	e := newTestEnv(t)
	ident := Identifier{Namespace: "db", Name: "events"}
	e.createTable(t, "events", WithPartitioning(UnboundPartitionField{SourceName: "partition_key", Transform: "identity", Name: "pk"}))

	var tbl *Table
	for i := range 4 {
		var err error
		tbl, err = e.catalog.Commit(e.ctx, ident, AppendFiles(
			fakeFile(fmt.Sprintf("data/p%d.parquet", i), 1, map[string]string{"pk": fmt.Sprint(i)}),
		))
		require.NoError(t, err)
	}

	// An identity partition can be filtered by its source column name too.
	for _, key := range []string{"pk", "partition_key"} {
		files, err := e.catalog.Scan(e.ctx, tbl, ScanOptions{PartitionFilter: map[string]string{key: "3"}})
		require.NoError(t, err)
		require.Len(t, files, 1)
		require.Equal(t, "data/p3.parquet", files[0].FilePath)
	}

	files, err := e.catalog.Scan(e.ctx, tbl, ScanOptions{PartitionFilter: map[string]string{"pk": "9"}})
	require.NoError(t, err)
	require.Empty(t, files)

	spec := tbl.Metadata.DefaultSpec()
	require.True(t, FilterConstrainsSpec(tbl.Metadata, spec, map[string]string{"partition_key": "1"}))
	require.True(t, FilterConstrainsSpec(tbl.Metadata, spec, map[string]string{"pk": "1"}))
	require.False(t, FilterConstrainsSpec(tbl.Metadata, spec, map[string]string{"name": "x"}))
}
