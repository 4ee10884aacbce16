package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	local, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"local":  local,
	}
}

func TestStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.Write(ctx, "wh/t1/data/a.parquet", strings.NewReader("hello")))
			require.NoError(t, st.Write(ctx, "wh/t1/data/a.parquet", strings.NewReader("hello again")))

			data, err := ReadAll(ctx, st, "wh/t1/data/a.parquet")
			require.NoError(t, err)
			require.Equal(t, "hello again", string(data))

			_, err = st.Read(ctx, "wh/t1/missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStorageWriteIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.WriteIfAbsent(ctx, "ptr/v1", strings.NewReader("first")))

			err := st.WriteIfAbsent(ctx, "ptr/v1", strings.NewReader("second"))
			require.ErrorIs(t, err, ErrAlreadyExists)

			data, err := ReadAll(ctx, st, "ptr/v1")
			require.NoError(t, err)
			require.Equal(t, "first", string(data))
		})
	}
}

func TestStorageListAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"wh/t1/a", "wh/t1/sub/b", "wh/t10/c", "other/d"} {
				require.NoError(t, st.Write(ctx, key, bytes.NewReader([]byte(key))))
			}

			objects, err := st.List(ctx, "wh/t1/")
			require.NoError(t, err)

			var paths []string
			for _, obj := range objects {
				paths = append(paths, obj.Path)
				require.Equal(t, int64(len(obj.Path)), obj.Size)
			}
			require.ElementsMatch(t, []string{"wh/t1/a", "wh/t1/sub/b"}, paths)

			require.NoError(t, st.Delete(ctx, "wh/t1/a"))
			require.NoError(t, st.Delete(ctx, "wh/t1/a"))

			objects, err = st.List(ctx, "wh/t1/")
			require.NoError(t, err)
			require.Len(t, objects, 1)

			objects, err = st.List(ctx, "nothing-here/")
			require.NoError(t, err)
			require.Empty(t, objects)
		})
	}
}

func TestMemoryStorageClock(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := NewMemoryStorage(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, "a", strings.NewReader("x")))
	st.Touch("a", now.Add(-48*time.Hour))

	objects, err := st.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, now.Add(-48*time.Hour), objects[0].LastModified)
}

func TestBuffer(t *testing.T) {
	buf := NewBuffer()
	_, err := buf.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, int64(3), buf.Size())

	data, err := io.ReadAll(buf.Reader())
	require.NoError(t, err)
	require.Equal(t, "abc", string(data))

	buf.Reset()
	require.Zero(t, buf.Size())
	require.Empty(t, buf.Bytes())
}
