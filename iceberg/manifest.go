package iceberg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"

	"github.com/hamba/avro/v2/ocf"
)

type EntryStatus int

const (
	EntryExisting EntryStatus = 0
	EntryAdded    EntryStatus = 1
	EntryDeleted  EntryStatus = 2
)

func (s EntryStatus) String() string {
	switch s {
	case EntryExisting:
		return "EXISTING"
	case EntryAdded:
		return "ADDED"
	case EntryDeleted:
		return "DELETED"
	}
	return strconv.Itoa(int(s))
}

const ContentData = 0

type ManifestEntry struct {
	Status             EntryStatus
	SnapshotID         int64
	SequenceNumber     int64
	FileSequenceNumber int64
	DataFile           DataFile
}

func (e ManifestEntry) IsLive() bool {
	return e.Status != EntryDeleted
}

type DataFile struct {
	Content       int
	FilePath      string
	FileFormat    string
	SpecID        int
	Partition     map[string]string
	RecordCount   int64
	FileSizeBytes int64
	Metrics       FileMetrics
}

type FileMetrics struct {
	ColumnSizes     map[int]int64
	ValueCounts     map[int]int64
	NullValueCounts map[int]int64
	LowerBounds     map[int][]byte
	UpperBounds     map[int][]byte
}

// ManifestFile is one row of a manifest list.
type ManifestFile struct {
	ManifestPath       string         `avro:"manifest_path"`
	ManifestLength     int64          `avro:"manifest_length"`
	PartitionSpecID    int            `avro:"partition_spec_id"`
	Content            int            `avro:"content"`
	SequenceNumber     int64          `avro:"sequence_number"`
	MinSequenceNumber  int64          `avro:"min_sequence_number"`
	AddedSnapshotID    int64          `avro:"added_snapshot_id"`
	AddedFilesCount    int            `avro:"added_files_count"`
	ExistingFilesCount int            `avro:"existing_files_count"`
	DeletedFilesCount  int            `avro:"deleted_files_count"`
	AddedRowsCount     int64          `avro:"added_rows_count"`
	ExistingRowsCount  int64          `avro:"existing_rows_count"`
	DeletedRowsCount   int64          `avro:"deleted_rows_count"`
	Partitions         []FieldSummary `avro:"partitions"`
}

type FieldSummary struct {
	ContainsNull bool   `avro:"contains_null"`
	ContainsNaN  *bool  `avro:"contains_nan"`
	LowerBound   []byte `avro:"lower_bound"`
	UpperBound   []byte `avro:"upper_bound"`
}

func (m ManifestFile) LiveFilesCount() int {
	return m.AddedFilesCount + m.ExistingFilesCount
}

const manifestEntrySchema = `{
	"type": "record",
	"name": "manifest_entry",
	"fields": [
		{"name": "status", "type": "int"},
		{"name": "snapshot_id", "type": ["null", "long"], "default": null},
		{"name": "sequence_number", "type": ["null", "long"], "default": null},
		{"name": "file_sequence_number", "type": ["null", "long"], "default": null},
		{"name": "data_file", "type": {
			"type": "record",
			"name": "r2",
			"fields": [
				{"name": "content", "type": "int"},
				{"name": "file_path", "type": "string"},
				{"name": "file_format", "type": "string"},
				{"name": "partition", "type": {"type": "map", "values": "string"}},
				{"name": "record_count", "type": "long"},
				{"name": "file_size_in_bytes", "type": "long"},
				{"name": "column_sizes", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k117_v118",
					"fields": [{"name": "key", "type": "int"}, {"name": "value", "type": "long"}]
				}, "logicalType": "map"}], "default": null},
				{"name": "value_counts", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k119_v120",
					"fields": [{"name": "key", "type": "int"}, {"name": "value", "type": "long"}]
				}, "logicalType": "map"}], "default": null},
				{"name": "null_value_counts", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k121_v122",
					"fields": [{"name": "key", "type": "int"}, {"name": "value", "type": "long"}]
				}, "logicalType": "map"}], "default": null},
				{"name": "lower_bounds", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k126_v127",
					"fields": [{"name": "key", "type": "int"}, {"name": "value", "type": "bytes"}]
				}, "logicalType": "map"}], "default": null},
				{"name": "upper_bounds", "type": ["null", {"type": "array", "items": {
					"type": "record", "name": "k128_v129",
					"fields": [{"name": "key", "type": "int"}, {"name": "value", "type": "bytes"}]
				}, "logicalType": "map"}], "default": null}
			]
		}}
	]
}`

const manifestListSchema = `{
	"type": "record",
	"name": "manifest_file",
	"fields": [
		{"name": "manifest_path", "type": "string"},
		{"name": "manifest_length", "type": "long"},
		{"name": "partition_spec_id", "type": "int"},
		{"name": "content", "type": "int"},
		{"name": "sequence_number", "type": "long"},
		{"name": "min_sequence_number", "type": "long"},
		{"name": "added_snapshot_id", "type": "long"},
		{"name": "added_files_count", "type": "int"},
		{"name": "existing_files_count", "type": "int"},
		{"name": "deleted_files_count", "type": "int"},
		{"name": "added_rows_count", "type": "long"},
		{"name": "existing_rows_count", "type": "long"},
		{"name": "deleted_rows_count", "type": "long"},
		{"name": "partitions", "type": ["null", {"type": "array", "items": {
			"type": "record", "name": "r508",
			"fields": [
				{"name": "contains_null", "type": "boolean"},
				{"name": "contains_nan", "type": ["null", "boolean"], "default": null},
				{"name": "lower_bound", "type": ["null", "bytes"], "default": null},
				{"name": "upper_bound", "type": ["null", "bytes"], "default": null}
			]
		}}], "default": null}
	]
}`

type manifestEntryRecord struct {
	Status             int              `avro:"status"`
	SnapshotID         *int64           `avro:"snapshot_id"`
	SequenceNumber     *int64           `avro:"sequence_number"`
	FileSequenceNumber *int64           `avro:"file_sequence_number"`
	DataFile           dataFileRecord   `avro:"data_file"`
}

type dataFileRecord struct {
	Content         int               `avro:"content"`
	FilePath        string            `avro:"file_path"`
	FileFormat      string            `avro:"file_format"`
	Partition       map[string]string `avro:"partition"`
	RecordCount     int64             `avro:"record_count"`
	FileSizeBytes   int64             `avro:"file_size_in_bytes"`
	ColumnSizes     []intLongKV       `avro:"column_sizes"`
	ValueCounts     []intLongKV       `avro:"value_counts"`
	NullValueCounts []intLongKV       `avro:"null_value_counts"`
	LowerBounds     []intBytesKV      `avro:"lower_bounds"`
	UpperBounds     []intBytesKV      `avro:"upper_bounds"`
}

type intLongKV struct {
	Key   int   `avro:"key"`
	Value int64 `avro:"value"`
}

type intBytesKV struct {
	Key   int    `avro:"key"`
	Value []byte `avro:"value"`
}

// WriteManifest encodes entries of a single partition spec as an Avro OCF file.
func WriteManifest(schema Schema, spec PartitionSpec, entries []ManifestEntry) ([]byte, error) {
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	specJSON, err := json.Marshal(spec.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal partition spec: %w", err)
	}

	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(manifestEntrySchema, &buf,
		ocf.WithMetadata(map[string][]byte{
			"schema":            schemaJSON,
			"schema-id":         []byte(strconv.Itoa(schema.SchemaID)),
			"partition-spec":    specJSON,
			"partition-spec-id": []byte(strconv.Itoa(spec.SpecID)),
			"format-version":    []byte(strconv.Itoa(FormatVersion)),
			"content":           []byte("data"),
		}),
		ocf.WithCodec(ocf.Deflate),
	)
	if err != nil {
		return nil, fmt.Errorf("create manifest encoder: %w", err)
	}

	for _, entry := range entries {
		if err := enc.Encode(toEntryRecord(entry)); err != nil {
			return nil, fmt.Errorf("encode manifest entry: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close manifest encoder: %w", err)
	}
	return buf.Bytes(), nil
}

func ReadManifest(data []byte) ([]ManifestEntry, error) {
	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}

	specID := 0
	if raw, ok := dec.Metadata()["partition-spec-id"]; ok {
		if specID, err = strconv.Atoi(string(raw)); err != nil {
			return nil, fmt.Errorf("invalid partition-spec-id %q: %w", raw, err)
		}
	}

	var entries []ManifestEntry
	for dec.HasNext() {
		var rec manifestEntryRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode manifest entry: %w", err)
		}
		entry := fromEntryRecord(rec)
		entry.DataFile.SpecID = specID
		entries = append(entries, entry)
	}
	if err := dec.Error(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return entries, nil
}

func WriteManifestList(snapshotID int64, parentID *int64, sequenceNumber int64, manifests []ManifestFile) ([]byte, error) {
	parent := "null"
	if parentID != nil {
		parent = strconv.FormatInt(*parentID, 10)
	}

	var buf bytes.Buffer
	enc, err := ocf.NewEncoder(manifestListSchema, &buf,
		ocf.WithMetadata(map[string][]byte{
			"snapshot-id":        []byte(strconv.FormatInt(snapshotID, 10)),
			"parent-snapshot-id": []byte(parent),
			"sequence-number":    []byte(strconv.FormatInt(sequenceNumber, 10)),
			"format-version":     []byte(strconv.Itoa(FormatVersion)),
		}),
		ocf.WithCodec(ocf.Deflate),
	)
	if err != nil {
		return nil, fmt.Errorf("create manifest list encoder: %w", err)
	}

	for _, mf := range manifests {
		if err := enc.Encode(mf); err != nil {
			return nil, fmt.Errorf("encode manifest list entry: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close manifest list encoder: %w", err)
	}
	return buf.Bytes(), nil
}

func ReadManifestList(data []byte) ([]ManifestFile, error) {
	dec, err := ocf.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open manifest list: %w", err)
	}

	var manifests []ManifestFile
	for dec.HasNext() {
		var mf ManifestFile
		if err := dec.Decode(&mf); err != nil {
			return nil, fmt.Errorf("decode manifest list entry: %w", err)
		}
		manifests = append(manifests, mf)
	}
	if err := dec.Error(); err != nil {
		return nil, fmt.Errorf("read manifest list: %w", err)
	}
	return manifests, nil
}

// NewManifestFile summarizes the entries written to a manifest.
func NewManifestFile(path string, length int64, spec PartitionSpec, snapshotID, sequenceNumber int64, entries []ManifestEntry) ManifestFile {
	mf := ManifestFile{
		ManifestPath:      path,
		ManifestLength:    length,
		PartitionSpecID:   spec.SpecID,
		Content:           ContentData,
		SequenceNumber:    sequenceNumber,
		MinSequenceNumber: sequenceNumber,
		AddedSnapshotID:   snapshotID,
	}

	for _, e := range entries {
		switch e.Status {
		case EntryAdded:
			mf.AddedFilesCount++
			mf.AddedRowsCount += e.DataFile.RecordCount
		case EntryExisting:
			mf.ExistingFilesCount++
			mf.ExistingRowsCount += e.DataFile.RecordCount
		case EntryDeleted:
			mf.DeletedFilesCount++
			mf.DeletedRowsCount += e.DataFile.RecordCount
		}
		if e.IsLive() && e.SequenceNumber < mf.MinSequenceNumber {
			mf.MinSequenceNumber = e.SequenceNumber
		}
	}

	mf.Partitions = summarizePartitions(spec, entries)
	return mf
}

func summarizePartitions(spec PartitionSpec, entries []ManifestEntry) []FieldSummary {
	if len(spec.Fields) == 0 {
		return nil
	}

	summaries := make([]FieldSummary, len(spec.Fields))
	for i, f := range spec.Fields {
		var lower, upper string
		seen := false
		for _, e := range entries {
			if !e.IsLive() {
				continue
			}
			v, ok := e.DataFile.Partition[f.Name]
			if !ok {
				summaries[i].ContainsNull = true
				continue
			}
			if !seen || ComparePartitionValues(v, lower) < 0 {
				lower = v
			}
			if !seen || ComparePartitionValues(v, upper) > 0 {
				upper = v
			}
			seen = true
		}
		if seen {
			summaries[i].LowerBound = []byte(lower)
			summaries[i].UpperBound = []byte(upper)
		}
	}
	return summaries
}

// MightMatch reports whether a manifest may hold files whose partition
// equals every filter value. Filter keys are partition field names.
func (m ManifestFile) MightMatch(spec PartitionSpec, filter map[string]string) bool {
	if m.LiveFilesCount() == 0 {
		return false
	}
	for i, f := range spec.Fields {
		want, ok := filter[f.Name]
		if !ok || i >= len(m.Partitions) {
			continue
		}
		s := m.Partitions[i]
		if s.LowerBound == nil || s.UpperBound == nil {
			if !s.ContainsNull {
				return false
			}
			continue
		}
		if ComparePartitionValues(want, string(s.LowerBound)) < 0 || ComparePartitionValues(want, string(s.UpperBound)) > 0 {
			return false
		}
	}
	return true
}

func toEntryRecord(e ManifestEntry) manifestEntryRecord {
	snapshotID, seq, fileSeq := e.SnapshotID, e.SequenceNumber, e.FileSequenceNumber
	df := e.DataFile
	partition := df.Partition
	if partition == nil {
		partition = map[string]string{}
	}
	return manifestEntryRecord{
		Status:             int(e.Status),
		SnapshotID:         &snapshotID,
		SequenceNumber:     &seq,
		FileSequenceNumber: &fileSeq,
		DataFile: dataFileRecord{
			Content:         df.Content,
			FilePath:        df.FilePath,
			FileFormat:      df.FileFormat,
			Partition:       partition,
			RecordCount:     df.RecordCount,
			FileSizeBytes:   df.FileSizeBytes,
			ColumnSizes:     toLongKVs(df.Metrics.ColumnSizes),
			ValueCounts:     toLongKVs(df.Metrics.ValueCounts),
			NullValueCounts: toLongKVs(df.Metrics.NullValueCounts),
			LowerBounds:     toBytesKVs(df.Metrics.LowerBounds),
			UpperBounds:     toBytesKVs(df.Metrics.UpperBounds),
		},
	}
}

func fromEntryRecord(rec manifestEntryRecord) ManifestEntry {
	e := ManifestEntry{
		Status: EntryStatus(rec.Status),
		DataFile: DataFile{
			Content:       rec.DataFile.Content,
			FilePath:      rec.DataFile.FilePath,
			FileFormat:    rec.DataFile.FileFormat,
			Partition:     rec.DataFile.Partition,
			RecordCount:   rec.DataFile.RecordCount,
			FileSizeBytes: rec.DataFile.FileSizeBytes,
			Metrics: FileMetrics{
				ColumnSizes:     fromLongKVs(rec.DataFile.ColumnSizes),
				ValueCounts:     fromLongKVs(rec.DataFile.ValueCounts),
				NullValueCounts: fromLongKVs(rec.DataFile.NullValueCounts),
				LowerBounds:     fromBytesKVs(rec.DataFile.LowerBounds),
				UpperBounds:     fromBytesKVs(rec.DataFile.UpperBounds),
			},
		},
	}
	if e.DataFile.Partition == nil {
		e.DataFile.Partition = map[string]string{}
	}
	if rec.SnapshotID != nil {
		e.SnapshotID = *rec.SnapshotID
	}
	if rec.SequenceNumber != nil {
		e.SequenceNumber = *rec.SequenceNumber
	}
	if rec.FileSequenceNumber != nil {
		e.FileSequenceNumber = *rec.FileSequenceNumber
	}
	return e
}

func toLongKVs(m map[int]int64) []intLongKV {
	if len(m) == 0 {
		return nil
	}
	kvs := make([]intLongKV, 0, len(m))
	for k, v := range m {
		kvs = append(kvs, intLongKV{Key: k, Value: v})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs
}

func fromLongKVs(kvs []intLongKV) map[int]int64 {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[int]int64, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}

func toBytesKVs(m map[int][]byte) []intBytesKV {
	if len(m) == 0 {
		return nil
	}
	kvs := make([]intBytesKV, 0, len(m))
	for k, v := range m {
		kvs = append(kvs, intBytesKV{Key: k, Value: slices.Clone(v)})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs
}

func fromBytesKVs(kvs []intBytesKV) map[int][]byte {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[int][]byte, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value
	}
	return m
}
