package replication

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arctic-lake/config"
	"arctic-lake/iceberg"
	"arctic-lake/schema"
	"arctic-lake/storage"
)

func ordersSchema(extra ...schema.Column) *schema.TableSchema {
	cols := []schema.Column{
		{Name: "id", TypeOID: pgtype.Int8OID},
		{Name: "name", TypeOID: pgtype.TextOID, Nullable: true},
		{Name: "partition_key", TypeOID: pgtype.Int4OID, Nullable: true},
	}
	return &schema.TableSchema{Schema: "public", Name: "orders", Columns: append(cols, extra...)}
}

func textColumn(s string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Length: uint32(len(s)), Data: []byte(s)}
}

func TestMapTupleToRecord(t *testing.T) {
	rel := &schema.TableSchema{Schema: "public", Name: "mixed", Columns: []schema.Column{
		{Name: "id", TypeOID: pgtype.Int8OID},
		{Name: "name", TypeOID: pgtype.TextOID},
		{Name: "active", TypeOID: pgtype.BoolOID},
		{Name: "amount", TypeOID: pgtype.NumericOID},
		{Name: "ref", TypeOID: pgtype.UUIDOID},
		{Name: "created_at", TypeOID: pgtype.TimestamptzOID},
		{Name: "note", TypeOID: pgtype.TextOID},
		{Name: "blob", TypeOID: pgtype.TextOID},
	}}
	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("42"),
		textColumn("widget"),
		textColumn("t"),
		textColumn("12.50"),
		textColumn("a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"),
		textColumn("2024-05-01 12:00:00+00"),
		{DataType: pglogrepl.TupleDataTypeNull},
		{DataType: pglogrepl.TupleDataTypeToast},
	}}

	record, err := mapTupleToRecord(pgtype.NewMap(), tuple, rel)
	require.NoError(t, err)
	assert.Equal(t, int64(42), record["id"])
	assert.Equal(t, "widget", record["name"])
	assert.Equal(t, true, record["active"])
	assert.Equal(t, "12.50", record["amount"])
	assert.Equal(t, "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", record["ref"])
	assert.True(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).Equal(record["created_at"].(time.Time)))
	assert.Contains(t, record, "note")
	assert.Nil(t, record["note"])
	assert.NotContains(t, record, "blob")
}

func TestMapTupleToRecordErrors(t *testing.T) {
	rel := &schema.TableSchema{Schema: "public", Name: "t", Columns: []schema.Column{{Name: "id", TypeOID: pgtype.Int8OID}}}

	_, err := mapTupleToRecord(pgtype.NewMap(), nil, rel)
	require.Error(t, err)

	_, err = mapTupleToRecord(pgtype.NewMap(), &pglogrepl.TupleData{}, rel)
	require.Error(t, err)

	_, err = mapTupleToRecord(pgtype.NewMap(), &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{textColumn("x")}}, rel)
	require.Error(t, err)

	_, err = mapTupleToRecord(pgtype.NewMap(), &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{{DataType: 'z'}}}, rel)
	require.Error(t, err)
}

func TestNormalizeValue(t *testing.T) {
	v, err := normalizeValue(pgtype.Time{Microseconds: 3_600_000_000, Valid: true})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, v)

	v, err = normalizeValue(map[string]any{"a": 1.0})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)

	v, err = normalizeValue(pgtype.Time{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestParsePartitionField(t *testing.T) {
	tests := []struct {
		in   string
		want iceberg.UnboundPartitionField
		err  bool
	}{
		{in: "region", want: iceberg.UnboundPartitionField{SourceName: "region", Transform: "identity"}},
		{in: "day(created_at)", want: iceberg.UnboundPartitionField{SourceName: "created_at", Transform: "day"}},
		{in: " bucket[16](id) ", want: iceberg.UnboundPartitionField{SourceName: "id", Transform: "bucket[16]"}},
		{in: "", err: true},
		{in: "day(", err: true},
		{in: "(id)", err: true},
		{in: "day()", err: true},
		{in: "fortnight(created_at)", err: true},
	}
	for _, tt := range tests {
		got, err := ParsePartitionField(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

type sinkFixture struct {
	ctx     context.Context
	catalog *iceberg.Catalog
	sink    *Sink
	ident   iceberg.Identifier
}

func newSinkFixture(t *testing.T) *sinkFixture {
	t.Helper()
	st := storage.NewMemoryStorage()
	cat := iceberg.NewCatalog(st, iceberg.NewBlobRegistry(st, "wh"), iceberg.WithWarehouse("wh"))
	sink, err := NewSink(cat, []config.Table{{Schema: "public", Name: "orders", Partitioning: []string{"partition_key"}}})
	require.NoError(t, err)
	return &sinkFixture{
		ctx:     context.Background(),
		catalog: cat,
		sink:    sink,
		ident:   iceberg.Identifier{Namespace: "public", Name: "orders"},
	}
}

func order(id int64, key int32) map[string]any {
	return map[string]any{"id": id, "name": "n", "partition_key": key}
}

func TestNewSinkRejectsBadPartitioning(t *testing.T) {
	st := storage.NewMemoryStorage()
	cat := iceberg.NewCatalog(st, iceberg.NewBlobRegistry(st, "wh"))
	_, err := NewSink(cat, []config.Table{{Schema: "public", Name: "orders", Partitioning: []string{"nope(x)"}}})
	require.ErrorIs(t, err, iceberg.ErrValidation)
}

func TestSinkCommitCreatesTable(t *testing.T) {
	f := newSinkFixture(t)
	source := ordersSchema()

	require.NoError(t, f.sink.Insert(f.ctx, 1, source, order(1, 1)))
	require.NoError(t, f.sink.Insert(f.ctx, 1, source, order(2, 2)))
	assert.Equal(t, int64(2), f.sink.Pending())

	require.NoError(t, f.sink.Commit(f.ctx, pglogrepl.LSN(0x16B3748)))
	assert.Zero(t, f.sink.Pending())

	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	require.Len(t, tbl.Metadata.DefaultSpec().Fields, 1)
	snap := tbl.CurrentSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "0/16B3748", snap.Summary[SummarySourceLSN])
	assert.Equal(t, "2", snap.Summary[iceberg.SummaryAddedRecords])

	files, err := f.catalog.Scan(f.ctx, tbl, iceberg.ScanOptions{})
	require.NoError(t, err)
	assert.Len(t, files, 2)

	// An empty transaction commits nothing.
	require.NoError(t, f.sink.Commit(f.ctx, pglogrepl.LSN(0x16B3800)))
	again, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	assert.Equal(t, tbl.Version, again.Version)
}

func TestSinkEvolvesSchemaMidTransaction(t *testing.T) {
	f := newSinkFixture(t)

	require.NoError(t, f.sink.Insert(f.ctx, 1, ordersSchema(), order(1, 1)))

	evolved := ordersSchema(schema.Column{Name: "email", TypeOID: pgtype.TextOID, Nullable: true})
	require.NoError(t, f.sink.Relation(f.ctx, 1, evolved))

	row := order(2, 1)
	row["email"] = "a@example.com"
	require.NoError(t, f.sink.Insert(f.ctx, 1, evolved, row))
	require.NoError(t, f.sink.Commit(f.ctx, pglogrepl.LSN(100)))

	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	_, ok := tbl.Metadata.CurrentSchema().FieldByName("email")
	assert.True(t, ok)
	require.Len(t, tbl.Metadata.Snapshots, 1)
	assert.Equal(t, "2", tbl.CurrentSnapshot().Summary[iceberg.SummaryAddedRecords])
}

func TestSinkRollback(t *testing.T) {
	f := newSinkFixture(t)
	require.NoError(t, f.sink.Insert(f.ctx, 1, ordersSchema(), order(1, 1)))
	f.sink.Rollback()
	assert.Zero(t, f.sink.Pending())

	require.NoError(t, f.sink.Commit(f.ctx, pglogrepl.LSN(100)))
	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	assert.Nil(t, tbl.CurrentSnapshot())
}

func TestSinkRejectsUnknownColumn(t *testing.T) {
	f := newSinkFixture(t)
	row := order(1, 1)
	row["bogus"] = 1
	err := f.sink.Insert(f.ctx, 1, ordersSchema(), row)
	require.ErrorIs(t, err, iceberg.ErrValidation)
}
