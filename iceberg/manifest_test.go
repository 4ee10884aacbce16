package iceberg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func partitionedSpec() PartitionSpec {
	return PartitionSpec{SpecID: 0, Fields: []PartitionField{
		{SourceID: 3, FieldID: 1000, Name: "partition_key", Transform: "identity"},
	}}
}

func TestManifestRoundTrip(t *testing.T) {
	schema := testSchemaWithIDs()
	spec := partitionedSpec()
	entries := []ManifestEntry{
		{
			Status: EntryAdded, SnapshotID: 7, SequenceNumber: 7, FileSequenceNumber: 7,
			DataFile: DataFile{
				FilePath: "wh/t/data/partition_key=1/a.parquet", FileFormat: FileFormatParquet,
				Partition: map[string]string{"partition_key": "1"}, RecordCount: 10, FileSizeBytes: 1024,
				Metrics: FileMetrics{
					ColumnSizes:     map[int]int64{1: 80},
					ValueCounts:     map[int]int64{1: 10, 2: 10},
					NullValueCounts: map[int]int64{1: 0, 2: 3},
					LowerBounds:     map[int][]byte{1: {1, 0, 0, 0, 0, 0, 0, 0}},
					UpperBounds:     map[int][]byte{1: {9, 0, 0, 0, 0, 0, 0, 0}},
				},
			},
		},
		{
			Status: EntryDeleted, SnapshotID: 8, SequenceNumber: 3, FileSequenceNumber: 3,
			DataFile: DataFile{
				FilePath: "wh/t/data/partition_key=5/b.parquet", FileFormat: FileFormatParquet,
				Partition: map[string]string{"partition_key": "5"}, RecordCount: 4, FileSizeBytes: 512,
			},
		},
	}

	data, err := WriteManifest(schema, spec, entries)
	require.NoError(t, err)

	decoded, err := ReadManifest(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	first := decoded[0]
	require.Equal(t, EntryAdded, first.Status)
	require.Equal(t, int64(7), first.SnapshotID)
	require.Equal(t, int64(7), first.SequenceNumber)
	require.Equal(t, entries[0].DataFile.FilePath, first.DataFile.FilePath)
	require.Equal(t, map[string]string{"partition_key": "1"}, first.DataFile.Partition)
	require.Equal(t, int64(10), first.DataFile.RecordCount)
	require.Equal(t, int64(3), first.DataFile.Metrics.NullValueCounts[2])
	require.Equal(t, []byte{9, 0, 0, 0, 0, 0, 0, 0}, first.DataFile.Metrics.UpperBounds[1])
	require.True(t, first.IsLive())

	require.Equal(t, EntryDeleted, decoded[1].Status)
	require.False(t, decoded[1].IsLive())
}

func TestManifestListRoundTrip(t *testing.T) {
	spec := partitionedSpec()
	entries := []ManifestEntry{
		{Status: EntryAdded, SnapshotID: 2, SequenceNumber: 2,
			DataFile: DataFile{FilePath: "a", Partition: map[string]string{"partition_key": "3"}, RecordCount: 2}},
		{Status: EntryExisting, SnapshotID: 1, SequenceNumber: 1,
			DataFile: DataFile{FilePath: "b", Partition: map[string]string{"partition_key": "12"}, RecordCount: 5}},
		{Status: EntryDeleted, SnapshotID: 2, SequenceNumber: 1,
			DataFile: DataFile{FilePath: "c", Partition: map[string]string{"partition_key": "40"}, RecordCount: 1}},
	}
	mf := NewManifestFile("wh/t/metadata/m1.avro", 321, spec, 2, 2, entries)
	require.Equal(t, 1, mf.AddedFilesCount)
	require.Equal(t, 1, mf.ExistingFilesCount)
	require.Equal(t, 1, mf.DeletedFilesCount)
	require.Equal(t, int64(5), mf.ExistingRowsCount)
	require.Equal(t, int64(1), mf.MinSequenceNumber)
	require.Equal(t, 2, mf.LiveFilesCount())

	parent := int64(1)
	data, err := WriteManifestList(2, &parent, 2, []ManifestFile{mf})
	require.NoError(t, err)

	decoded, err := ReadManifestList(data)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	got := decoded[0]
	require.Equal(t, mf.ManifestPath, got.ManifestPath)
	require.Equal(t, mf.ManifestLength, got.ManifestLength)
	require.Equal(t, mf.AddedSnapshotID, got.AddedSnapshotID)
	require.Len(t, got.Partitions, 1)
	require.Equal(t, "3", string(got.Partitions[0].LowerBound))
	require.Equal(t, "12", string(got.Partitions[0].UpperBound))
}

func TestManifestMightMatch(t *testing.T) {
	spec := partitionedSpec()
	entries := []ManifestEntry{
		{Status: EntryAdded, DataFile: DataFile{FilePath: "a", Partition: map[string]string{"partition_key": "3"}}},
		{Status: EntryAdded, DataFile: DataFile{FilePath: "b", Partition: map[string]string{"partition_key": "12"}}},
	}
	mf := NewManifestFile("m", 1, spec, 1, 1, entries)

	require.True(t, mf.MightMatch(spec, nil))
	require.True(t, mf.MightMatch(spec, map[string]string{"partition_key": "7"}))
	require.False(t, mf.MightMatch(spec, map[string]string{"partition_key": "2"}))
	require.False(t, mf.MightMatch(spec, map[string]string{"partition_key": "13"}))

	deleted := NewManifestFile("m2", 1, spec, 2, 2, []ManifestEntry{
		{Status: EntryDeleted, DataFile: DataFile{FilePath: "a", Partition: map[string]string{"partition_key": "3"}}},
	})
	require.False(t, deleted.MightMatch(spec, nil))
}
