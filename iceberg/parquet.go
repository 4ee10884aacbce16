package iceberg

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"arctic-lake/storage"
)

const FileFormatParquet = "PARQUET"

// ParquetSchema maps a table schema onto a flat parquet schema. Decimals and
// uuids are stored as strings.
func ParquetSchema(schema Schema) (*parquet.Schema, error) {
	root := make(parquet.Group)

	for _, field := range schema.Fields {
		var node parquet.Node

		switch {
		case field.Type == "int":
			node = parquet.Int(32)
		case field.Type == "long":
			node = parquet.Int(64)
		case field.Type == "string", field.Type == "uuid", strings.HasPrefix(field.Type, "decimal"):
			node = parquet.String()
		case field.Type == "double":
			node = parquet.Leaf(parquet.DoubleType)
		case field.Type == "float":
			node = parquet.Leaf(parquet.FloatType)
		case field.Type == "boolean":
			node = parquet.Leaf(parquet.BooleanType)
		case field.Type == "date":
			node = parquet.Date()
		case field.Type == "time":
			node = parquet.Time(parquet.Microsecond)
		case field.Type == "timestamp", field.Type == "timestamptz":
			node = parquet.Timestamp(parquet.Microsecond)
		case field.Type == "binary":
			node = parquet.Leaf(parquet.ByteArrayType)
		default:
			return nil, fmt.Errorf("unsupported type: %s", field.Type)
		}

		if !field.Required {
			node = parquet.Optional(node)
		}
		root[field.Name] = node
	}

	return parquet.NewSchema("table", root), nil
}

func parquetCodec(name string) compress.Codec {
	switch strings.ToLower(name) {
	case "snappy":
		return &parquet.Snappy
	case "gzip":
		return &parquet.Gzip
	case "uncompressed", "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// coerceValue converts a decoded source value to the Go type the parquet
// column of the given table type expects.
func coerceValue(typ string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case typ == "int":
		if n, ok := asInt64(v); ok && n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n), nil
		}
	case typ == "long":
		if n, ok := asInt64(v); ok {
			return n, nil
		}
	case typ == "float":
		switch f := v.(type) {
		case float32:
			return f, nil
		case float64:
			return float32(f), nil
		}
		if n, ok := asInt64(v); ok {
			return float32(n), nil
		}
	case typ == "double":
		switch f := v.(type) {
		case float32:
			return float64(f), nil
		case float64:
			return f, nil
		}
		if n, ok := asInt64(v); ok {
			return float64(n), nil
		}
	case typ == "boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case typ == "string", typ == "uuid", strings.HasPrefix(typ, "decimal"):
		return formatValue(v), nil
	case typ == "binary":
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case typ == "date":
		if n, ok := asInt64(v); ok {
			return int32(n), nil
		}
		ts, err := asTime(v)
		if err == nil {
			return int32(ts.Unix() / 86400), nil
		}
	case typ == "time":
		switch t := v.(type) {
		case time.Duration:
			return t.Microseconds(), nil
		}
		if n, ok := asInt64(v); ok {
			return n, nil
		}
	case typ == "timestamp", typ == "timestamptz":
		if n, ok := asInt64(v); ok {
			return n, nil
		}
		ts, err := asTime(v)
		if err == nil {
			return ts.UnixMicro(), nil
		}
	}
	return nil, validationErr("cannot store %T in %s column", v, typ)
}

// encodeBound renders a coerced value in the single-value binary form used
// for manifest lower and upper bounds. Types without an ordering return nil.
func encodeBound(typ string, v any) []byte {
	switch val := v.(type) {
	case int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(val))
	case int64:
		return binary.LittleEndian.AppendUint64(nil, uint64(val))
	case float32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(val))
	case float64:
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(val))
	case bool:
		if val {
			return []byte{1}
		}
		return []byte{0}
	case string:
		if typ != "string" {
			return nil
		}
		return []byte(val)
	case []byte:
		return bytes.Clone(val)
	}
	return nil
}

// compareBounds orders two encoded bounds of the same column type.
func compareBounds(typ string, a, b []byte) int {
	switch {
	case typ == "int" || typ == "date":
		if len(a) == 4 && len(b) == 4 {
			return cmpOrdered(int32(binary.LittleEndian.Uint32(a)), int32(binary.LittleEndian.Uint32(b)))
		}
	case typ == "long" || typ == "time" || typ == "timestamp" || typ == "timestamptz":
		if len(a) == 8 && len(b) == 8 {
			return cmpOrdered(int64(binary.LittleEndian.Uint64(a)), int64(binary.LittleEndian.Uint64(b)))
		}
	case typ == "float":
		if len(a) == 4 && len(b) == 4 {
			return cmpOrdered(math.Float32frombits(binary.LittleEndian.Uint32(a)), math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
	case typ == "double":
		if len(a) == 8 && len(b) == 8 {
			return cmpOrdered(math.Float64frombits(binary.LittleEndian.Uint64(a)), math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
	}
	return bytes.Compare(a, b)
}

func cmpOrdered[T int32 | int64 | float32 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// columnSizes reads the footer of a written file and sums the compressed
// size of each column chunk per field id.
func columnSizes(data []byte, schema Schema) (map[int]int64, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening parquet footer: %w", err)
	}

	sizes := make(map[int]int64)
	for _, rg := range f.Metadata().RowGroups {
		for _, chunk := range rg.Columns {
			if len(chunk.MetaData.PathInSchema) == 0 {
				continue
			}
			if field, ok := schema.FieldByName(chunk.MetaData.PathInSchema[0]); ok {
				sizes[field.ID] += chunk.MetaData.TotalCompressedSize
			}
		}
	}
	return sizes, nil
}

func dataFilePath(location string, spec PartitionSpec, partition map[string]string) string {
	name := uuid.NewString() + ".parquet"
	if len(spec.Fields) == 0 {
		return path.Join(dataDir(location), name)
	}
	return path.Join(dataDir(location), spec.PartitionPath(partition), name)
}

// RewriteDataFiles copies the rows of sources, which must share one partition,
// into a single new parquet file written with the current schema.
func RewriteDataFiles(ctx context.Context, st storage.Storage, meta *TableMetadata, sources []DataFile) (DataFile, error) {
	if len(sources) == 0 {
		return DataFile{}, validationErr("no files to rewrite")
	}
	schema := meta.CurrentSchema()
	pschema, err := ParquetSchema(schema)
	if err != nil {
		return DataFile{}, err
	}

	buf := storage.NewBuffer()
	writer := parquet.NewWriter(buf, pschema,
		parquet.Compression(parquetCodec(meta.Property(PropertyParquetCompression, "zstd"))))

	var expected, copied int64
	for _, src := range sources {
		data, err := storage.ReadAll(ctx, st, src.FilePath)
		if err != nil {
			return DataFile{}, storageErr("reading data file", err)
		}
		reader := parquet.NewReader(bytes.NewReader(data), pschema)
		n, err := parquet.CopyRows(writer, reader)
		reader.Close()
		if err != nil {
			return DataFile{}, fmt.Errorf("copying rows from %s: %w", src.FilePath, err)
		}
		expected += src.RecordCount
		copied += n
	}
	if err := writer.Close(); err != nil {
		return DataFile{}, fmt.Errorf("closing parquet writer: %w", err)
	}
	if copied != expected {
		return DataFile{}, validationErr("rewrite copied %d rows, expected %d", copied, expected)
	}

	spec, _ := meta.SpecByID(sources[0].SpecID)
	data := buf.Bytes()
	out := DataFile{
		Content:       ContentData,
		FilePath:      dataFilePath(meta.Location, spec, sources[0].Partition),
		FileFormat:    FileFormatParquet,
		SpecID:        sources[0].SpecID,
		Partition:     maps.Clone(sources[0].Partition),
		RecordCount:   copied,
		FileSizeBytes: int64(len(data)),
		Metrics:       mergeMetrics(schema, sources),
	}
	if sizes, err := columnSizes(data, schema); err == nil {
		out.Metrics.ColumnSizes = sizes
	}

	if err := st.Write(ctx, out.FilePath, bytes.NewReader(data)); err != nil {
		return DataFile{}, storageErr("writing data file", err)
	}
	return out, nil
}

// mergeMetrics combines the column metrics of files being merged. Bounds are
// kept only for columns every source has bounds for.
func mergeMetrics(schema Schema, files []DataFile) FileMetrics {
	m := FileMetrics{
		ValueCounts:     map[int]int64{},
		NullValueCounts: map[int]int64{},
		LowerBounds:     map[int][]byte{},
		UpperBounds:     map[int][]byte{},
	}
	for _, field := range schema.Fields {
		var lower, upper []byte
		complete := true
		for i, f := range files {
			m.ValueCounts[field.ID] += f.Metrics.ValueCounts[field.ID]
			m.NullValueCounts[field.ID] += f.Metrics.NullValueCounts[field.ID]

			lo, hasLo := f.Metrics.LowerBounds[field.ID]
			hi, hasHi := f.Metrics.UpperBounds[field.ID]
			if !hasLo || !hasHi {
				complete = false
				continue
			}
			if i == 0 || compareBounds(field.Type, lo, lower) < 0 {
				lower = lo
			}
			if i == 0 || compareBounds(field.Type, hi, upper) > 0 {
				upper = hi
			}
		}
		if complete && lower != nil {
			m.LowerBounds[field.ID] = lower
			m.UpperBounds[field.ID] = upper
		}
	}
	return m
}
