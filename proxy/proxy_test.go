package proxy

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"arctic-lake/iceberg"
	"arctic-lake/maintenance"
	"arctic-lake/metatables"
	"arctic-lake/storage"
)

type fixture struct {
	ctx     context.Context
	storage *storage.MemoryStorage
	catalog *iceberg.Catalog
	engine  *maintenance.Engine
	proxy   *DuckDBProxy
	ident   iceberg.Identifier
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
	require.NoError(t, cat.CreateNamespace(ctx, DefaultNamespace, nil))
	ident := iceberg.Identifier{Namespace: DefaultNamespace, Name: "orders"}
	_, err := cat.CreateTable(ctx, ident, iceberg.Schema{Fields: []iceberg.Field{
		{Name: "id", Type: "long", Required: true},
		{Name: "partition_key", Type: "int"},
	}}, iceberg.WithPartitioning(iceberg.UnboundPartitionField{SourceName: "partition_key", Transform: "identity"}))
	require.NoError(t, err)

	engine := maintenance.NewEngine(cat)
	return &fixture{
		ctx:     ctx,
		storage: st,
		catalog: cat,
		engine:  engine,
		proxy: &DuckDBProxy{
			logger:    zap.NewNop(),
			catalog:   cat,
			engine:    engine,
			projector: metatables.NewProjector(st),
			namespace: DefaultNamespace,
		},
		ident: ident,
	}
}

func (f *fixture) insert(t *testing.T, records ...map[string]any) {
	t.Helper()
	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	files, err := iceberg.WriteRecords(f.ctx, f.storage, tbl.Metadata, records)
	require.NoError(t, err)
	_, err = f.catalog.Commit(f.ctx, f.ident, iceberg.AppendFiles(files...))
	require.NoError(t, err)
}

func TestParseCommand(t *testing.T) {
	cmd, ok, err := ParseCommand(`ALTER TABLE db.orders EXECUTE optimize(file_size_threshold => '10MB') WHERE partition_key = 1 AND "region" = 'eu';`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, &Command{
		Table:     "db.orders",
		Procedure: maintenance.ProcOptimize,
		Args:      map[string]string{"file_size_threshold": "10MB"},
		Where:     map[string]string{"partition_key": "1", "region": "eu"},
	}, cmd)

	cmd, ok, err = ParseCommand("alter table orders execute EXPIRE_SNAPSHOTS(retention_threshold => '7d')")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, maintenance.ProcExpireSnapshots, cmd.Procedure)
	assert.Equal(t, "7d", cmd.Args["retention_threshold"])

	cmd, ok, err = ParseCommand(`ALTER TABLE "orders" EXECUTE optimize_manifests`)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "orders", cmd.Table)
	assert.Empty(t, cmd.Args)

	_, ok, err = ParseCommand("SELECT * FROM orders")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseCommand("ALTER TABLE orders EXECUTE optimize('10MB')")
	assert.True(t, ok)
	require.ErrorIs(t, err, iceberg.ErrValidation)

	_, ok, err = ParseCommand("ALTER TABLE orders EXECUTE optimize WHERE partition_key > 1")
	assert.True(t, ok)
	require.ErrorIs(t, err, iceberg.ErrValidation)
}

func TestResolveTable(t *testing.T) {
	assert.Equal(t, iceberg.Identifier{Namespace: "public", Name: "orders"}, ResolveTable("orders", "public"))
	assert.Equal(t, iceberg.Identifier{Namespace: "a.b", Name: "orders"}, ResolveTable("a.b.orders", "public"))
}

func TestExecuteOptimize(t *testing.T) {
	f := newFixture(t)
	f.insert(t, map[string]any{"id": int64(1), "partition_key": int32(1)})
	f.insert(t, map[string]any{"id": int64(2), "partition_key": int32(1)})
	f.insert(t, map[string]any{"id": int64(3), "partition_key": int32(2)})
	f.insert(t, map[string]any{"id": int64(4), "partition_key": int32(2)})

	cmd, _, err := ParseCommand("ALTER TABLE orders EXECUTE optimize WHERE partition_key = 1")
	require.NoError(t, err)
	summary, err := Execute(f.ctx, f.engine, ResolveTable(cmd.Table, DefaultNamespace), cmd)
	require.NoError(t, err)
	assert.Equal(t, "optimize: rewrote 2 files into 1 (2 records)", summary)

	tbl, err := f.catalog.LoadTable(f.ctx, f.ident)
	require.NoError(t, err)
	files, err := f.catalog.Scan(f.ctx, tbl, iceberg.ScanOptions{})
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestExecuteErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		query string
		err   error
	}{
		{"ALTER TABLE orders EXECUTE expire_snapshots(retention_threshold => '1h')", iceberg.ErrRetentionTooLow},
		{"ALTER TABLE orders EXECUTE remove_orphan_files(retention_threshold => '1d')", iceberg.ErrRetentionTooLow},
		{"ALTER TABLE orders EXECUTE expire_snapshots WHERE partition_key = 1", iceberg.ErrValidation},
		{"ALTER TABLE orders EXECUTE optimize(file_size_threshold => 'lots')", iceberg.ErrValidation},
		{"ALTER TABLE orders EXECUTE remove_orphan_files(dry_run => 'maybe')", iceberg.ErrValidation},
		{"ALTER TABLE orders EXECUTE vacuum", iceberg.ErrValidation},
		{"ALTER TABLE missing EXECUTE optimize_manifests", iceberg.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			cmd, ok, err := ParseCommand(tt.query)
			require.NoError(t, err)
			require.True(t, ok)
			_, err = Execute(f.ctx, f.engine, ResolveTable(cmd.Table, DefaultNamespace), cmd)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestExecuteMaintenanceProcedures(t *testing.T) {
	f := newFixture(t)
	f.insert(t, map[string]any{"id": int64(1), "partition_key": int32(1)})

	for query, want := range map[string]string{
		"ALTER TABLE orders EXECUTE optimize_manifests":                     "optimize_manifests: table at version",
		"ALTER TABLE orders EXECUTE expire_snapshots":                       "expire_snapshots: expired 0 snapshots",
		"ALTER TABLE orders EXECUTE remove_orphan_files(dry_run => 'true')": "remove_orphan_files: found 0 orphan files",
		"ALTER TABLE public.orders EXECUTE drop_extended_stats":             "drop_extended_stats: statistics removed",
	} {
		cmd, ok, err := ParseCommand(query)
		require.NoError(t, err)
		require.True(t, ok)
		summary, err := Execute(f.ctx, f.engine, ResolveTable(cmd.Table, DefaultNamespace), cmd)
		require.NoError(t, err, query)
		assert.True(t, strings.HasPrefix(summary, want), "%s: %s", query, summary)
	}
}

func TestPlanQueryScansTable(t *testing.T) {
	f := newFixture(t)
	f.insert(t,
		map[string]any{"id": int64(1), "partition_key": int32(1)},
		map[string]any{"id": int64(2), "partition_key": int32(2)})

	plan, err := f.proxy.planQuery(f.ctx, "SELECT count(*) FROM orders o JOIN range(3) r ON o.id = r.range")
	require.NoError(t, err)
	assert.Equal(t, `SELECT count(*) FROM "orders" o JOIN range(3) r ON o.id = r.range`, plan.sql)
	assert.False(t, plan.metadata)
	require.Len(t, plan.relations, 1)
	assert.Contains(t, plan.relations[0].create, `CREATE OR REPLACE TEMP VIEW "orders" AS SELECT * FROM read_parquet([`)
	assert.Equal(t, 2, strings.Count(plan.relations[0].create, "'memory://"))
}

func TestPlanQueryEmptyTable(t *testing.T) {
	f := newFixture(t)
	plan, err := f.proxy.planQuery(f.ctx, "SELECT * FROM public.orders")
	require.NoError(t, err)
	assert.Equal(t, `SELECT * FROM "orders"`, plan.sql)
	require.Len(t, plan.relations, 1)
	assert.Contains(t, plan.relations[0].create, `CAST(NULL AS BIGINT) AS "id", CAST(NULL AS INTEGER) AS "partition_key" WHERE false`)
}

func TestPlanQueryMetadataTable(t *testing.T) {
	f := newFixture(t)
	f.insert(t, map[string]any{"id": int64(1), "partition_key": int32(1)})

	plan, err := f.proxy.planQuery(f.ctx, `SELECT snapshot_id FROM "orders$history" h JOIN "orders$snapshots" s USING (snapshot_id)`)
	require.NoError(t, err)
	assert.True(t, plan.metadata)
	assert.Equal(t, `SELECT snapshot_id FROM "orders$history" h JOIN "orders$snapshots" s USING (snapshot_id)`, plan.sql)
	require.Len(t, plan.relations, 2)
	assert.Equal(t, `CREATE OR REPLACE TEMP TABLE "orders$history" ("made_current_at" TIMESTAMPTZ, "snapshot_id" BIGINT, "parent_id" BIGINT, "is_current_ancestor" BOOLEAN)`, plan.relations[0].create)
	require.Len(t, plan.relations[0].result.Rows, 1)

	_, err = f.proxy.planQuery(f.ctx, `SELECT * FROM "missing$history"`)
	require.ErrorIs(t, err, iceberg.ErrNotFound)
}

func TestMetadataValue(t *testing.T) {
	v, err := metadataValue(map[string]string{"operation": "append"})
	require.NoError(t, err)
	assert.Equal(t, `{"operation":"append"}`, v)

	v, err = metadataValue(int64(7))
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestEncodeValue(t *testing.T) {
	assert.Nil(t, encodeValue(nil))
	assert.Equal(t, "t", string(encodeValue(true)))
	assert.Equal(t, "42", string(encodeValue(int64(42))))
	assert.Equal(t, "1.5", string(encodeValue(1.5)))
	assert.Equal(t, `\x0aff`, string(encodeValue([]byte{0x0a, 0xff})))
	assert.Equal(t, "2024-05-01 12:00:00Z", string(encodeValue(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))))
}

func TestMapDataTypeToOID(t *testing.T) {
	assert.Equal(t, uint32(pgtype.Int8OID), mapDataTypeToOID("BIGINT"))
	assert.Equal(t, uint32(pgtype.TimestamptzOID), mapDataTypeToOID("TIMESTAMP WITH TIME ZONE"))
	assert.Equal(t, uint32(pgtype.NumericOID), mapDataTypeToOID("DECIMAL(10,2)"))
	assert.Equal(t, uint32(pgtype.TextOID), mapDataTypeToOID("MAP(VARCHAR, VARCHAR)"))
}

func TestCommandTagAndSQLState(t *testing.T) {
	assert.Equal(t, "SELECT 3", commandTag("select * from t", 3))
	assert.Equal(t, "SELECT 0", commandTag("WITH x AS (SELECT 1) SELECT * FROM x", 0))
	assert.Equal(t, "CREATE", commandTag("create table t (a int)", 0))

	assert.Equal(t, "42P01", sqlState(fmt.Errorf("x: %w", iceberg.ErrNotFound)))
	assert.Equal(t, "40001", sqlState(iceberg.ErrCommitConflict))
	assert.Equal(t, "XX000", sqlState(fmt.Errorf("boom")))
}
