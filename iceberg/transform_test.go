package iceberg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTransform(t *testing.T) {
	for _, s := range []string{"identity", "bucket[16]", "truncate[4]", "year", "month", "day", "hour", "void"} {
		tr, err := ParseTransform(s)
		require.NoError(t, err)
		require.Equal(t, s, tr.String())
	}

	for _, s := range []string{"bucket", "bucket[0]", "truncate[x]", "zorder", "bucket[3"} {
		_, err := ParseTransform(s)
		require.ErrorIs(t, err, ErrValidation, s)
	}
}

func TestTransformApply(t *testing.T) {
	ts := time.Date(2024, 2, 29, 13, 30, 0, 0, time.UTC)
	tests := []struct {
		transform string
		value     any
		want      string
	}{
		{"identity", int32(7), "7"},
		{"identity", "abc", "abc"},
		{"truncate[10]", int64(27), "20"},
		{"truncate[10]", int64(-1), "-10"},
		{"truncate[2]", "héllo", "hé"},
		{"year", ts, "54"},
		{"month", ts, "649"},
		{"day", ts, "2024-02-29"},
		{"hour", ts, "474781"},
		// Reference values from the table format's bucket hashing vectors.
		{"bucket[100]", int32(34), "79"},
		{"bucket[100]", "iceberg", "89"},
	}
	for _, tt := range tests {
		tr, err := ParseTransform(tt.transform)
		require.NoError(t, err)
		got, ok, err := tr.Apply(tt.value)
		require.NoError(t, err, tt.transform)
		require.True(t, ok)
		require.Equal(t, tt.want, got, "%s(%v)", tt.transform, tt.value)
	}

	void, _ := ParseTransform("void")
	_, ok, err := void.Apply(int32(1))
	require.NoError(t, err)
	require.False(t, ok)

	identity, _ := ParseTransform("identity")
	_, ok, err = identity.Apply(nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestComparePartitionValues(t *testing.T) {
	require.Equal(t, -1, ComparePartitionValues("2", "10"))
	require.Equal(t, 0, ComparePartitionValues("1", "1"))
	require.Equal(t, 1, ComparePartitionValues("b", "a"))
	require.Equal(t, -1, ComparePartitionValues("1.5", "2"))
}

func TestBindPartitionSpec(t *testing.T) {
	schema := testSchemaWithIDs()
	spec, last, err := BindPartitionSpec(schema, 0, PartitionFieldIDStart-1, []UnboundPartitionField{
		{SourceName: "partition_key", Transform: "identity"},
		{SourceName: "id", Transform: "bucket[8]"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1001, last)
	require.Equal(t, []PartitionField{
		{SourceID: 3, FieldID: 1000, Name: "partition_key", Transform: "identity"},
		{SourceID: 1, FieldID: 1001, Name: "id_bucket_8", Transform: "bucket[8]"},
	}, spec.Fields)

	_, _, err = BindPartitionSpec(schema, 0, 999, []UnboundPartitionField{{SourceName: "missing", Transform: "identity"}}, nil)
	require.ErrorIs(t, err, ErrValidation)

	_, _, err = BindPartitionSpec(schema, 0, 999, []UnboundPartitionField{{SourceName: "name", Transform: "day"}}, nil)
	require.ErrorIs(t, err, ErrValidation)

	values, err := spec.PartitionValues(schema, map[string]any{"id": int64(5), "partition_key": int32(2)})
	require.NoError(t, err)
	require.Equal(t, "2", values["partition_key"])
	require.Contains(t, values, "id_bucket_8")
	require.Equal(t, "partition_key=2/id_bucket_8="+values["id_bucket_8"], spec.PartitionPath(values))
}
