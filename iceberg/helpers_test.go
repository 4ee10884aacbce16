package iceberg

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arctic-lake/storage"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances by one second per call so every commit gets a distinct timestamp.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	ctx     context.Context
	storage *storage.MemoryStorage
	clock   *testClock
	catalog *Catalog
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := newTestClock()
	st := storage.NewMemoryStorage(storage.WithClock(clock.Now))
	opts = append([]Option{
		WithWarehouse("wh"),
		WithClock(clock.Now),
		WithRetryWait(time.Millisecond, 5*time.Millisecond),
	}, opts...)
	cat := NewCatalog(st, NewBlobRegistry(st, "wh"), opts...)

	ctx := context.Background()
	require.NoError(t, cat.CreateNamespace(ctx, "db", nil))
	return &testEnv{ctx: ctx, storage: st, clock: clock, catalog: cat}
}

func testSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "id", Type: "long", Required: true},
		{Name: "name", Type: "string"},
		{Name: "partition_key", Type: "int"},
	}}
}

func (e *testEnv) createTable(t *testing.T, name string, opts ...TableOption) *Table {
	t.Helper()
	tbl, err := e.catalog.CreateTable(e.ctx, Identifier{Namespace: "db", Name: name}, testSchema(), opts...)
	require.NoError(t, err)
	return tbl
}

func fakeFile(path string, records int64, partition map[string]string) DataFile {
	return DataFile{
		FilePath:      path,
		FileFormat:    FileFormatParquet,
		Partition:     partition,
		RecordCount:   records,
		FileSizeBytes: records * 100,
	}
}

func livePaths(t *testing.T, e *testEnv, tbl *Table) []string {
	t.Helper()
	files, err := e.catalog.Scan(e.ctx, tbl, ScanOptions{})
	require.NoError(t, err)
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.FilePath)
	}
	return paths
}

func appendN(t *testing.T, e *testEnv, ident Identifier, n int) *Table {
	t.Helper()
	var tbl *Table
	for i := range n {
		var err error
		tbl, err = e.catalog.Commit(e.ctx, ident, AppendFiles(fakeFile(fmt.Sprintf("data/%s-%d.parquet", ident.Name, i), 2, nil)))
		require.NoError(t, err)
	}
	return tbl
}
