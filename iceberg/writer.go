package iceberg

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"arctic-lake/storage"
)

const rowGroupRows = 16384

// DataWriter writes records into parquet data files, one open file per
// partition tuple, rolling files at the table's target file size. The files
// it returns are not part of the table until committed.
type DataWriter struct {
	storage       storage.Storage
	location      string
	schema        Schema
	spec          PartitionSpec
	parquetSchema *parquet.Schema
	codec         compress.Codec
	targetSize    int64
	open          map[string]*fileWriter
	done          []DataFile
}

type fileWriter struct {
	partition map[string]string
	path      string
	buf       *storage.Buffer
	writer    *parquet.GenericWriter[map[string]any]
	records   int64
	stats     map[int]*columnStats
}

type columnStats struct {
	values int64
	nulls  int64
	lower  []byte
	upper  []byte
}

func NewDataWriter(st storage.Storage, meta *TableMetadata) (*DataWriter, error) {
	schema := meta.CurrentSchema()
	pschema, err := ParquetSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("creating parquet schema: %w", err)
	}
	return &DataWriter{
		storage:       st,
		location:      meta.Location,
		schema:        schema,
		spec:          meta.DefaultSpec(),
		parquetSchema: pschema,
		codec:         parquetCodec(meta.Property(PropertyParquetCompression, "zstd")),
		targetSize:    meta.PropertyInt(PropertyTargetFileSize, DefaultTargetFileSize),
		open:          make(map[string]*fileWriter),
	}, nil
}

// Write buffers one record keyed by column name. Unknown columns are rejected.
func (w *DataWriter) Write(ctx context.Context, record map[string]any) error {
	for name := range record {
		if _, ok := w.schema.FieldByName(name); !ok {
			return validationErr("unknown column %q", name)
		}
	}

	partition, err := w.spec.PartitionValues(w.schema, record)
	if err != nil {
		return err
	}

	row := make(map[string]any, len(w.schema.Fields))
	for _, f := range w.schema.Fields {
		v, err := coerceValue(f.Type, record[f.Name])
		if err != nil {
			return fmt.Errorf("column %s: %w", f.Name, err)
		}
		if v == nil && f.Required {
			return validationErr("required column %q is null", f.Name)
		}
		row[f.Name] = v
	}

	key := w.spec.PartitionKey(partition)
	fw, ok := w.open[key]
	if !ok {
		fw = w.newFileWriter(partition)
		w.open[key] = fw
	}

	if _, err := fw.writer.Write([]map[string]any{row}); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	fw.records++
	fw.observe(w.schema, row)

	if fw.records%rowGroupRows == 0 {
		if err := fw.writer.Flush(); err != nil {
			return fmt.Errorf("flushing row group: %w", err)
		}
		if fw.buf.Size() >= w.targetSize {
			delete(w.open, key)
			return w.finish(ctx, fw)
		}
	}
	return nil
}

func (w *DataWriter) newFileWriter(partition map[string]string) *fileWriter {
	buf := storage.NewBuffer()
	return &fileWriter{
		partition: partition,
		path:      dataFilePath(w.location, w.spec, partition),
		buf:       buf,
		writer:    parquet.NewGenericWriter[map[string]any](buf, w.parquetSchema, parquet.Compression(w.codec)),
		stats:     make(map[int]*columnStats),
	}
}

func (fw *fileWriter) observe(schema Schema, row map[string]any) {
	for _, f := range schema.Fields {
		s, ok := fw.stats[f.ID]
		if !ok {
			s = &columnStats{}
			fw.stats[f.ID] = s
		}
		s.values++
		v := row[f.Name]
		if v == nil {
			s.nulls++
			continue
		}
		b := encodeBound(f.Type, v)
		if b == nil {
			continue
		}
		if s.lower == nil || compareBounds(f.Type, b, s.lower) < 0 {
			s.lower = b
		}
		if s.upper == nil || compareBounds(f.Type, b, s.upper) > 0 {
			s.upper = b
		}
	}
}

func (w *DataWriter) finish(ctx context.Context, fw *fileWriter) error {
	if err := fw.writer.Close(); err != nil {
		return fmt.Errorf("closing parquet writer: %w", err)
	}
	data := fw.buf.Bytes()
	if err := w.storage.Write(ctx, fw.path, bytes.NewReader(data)); err != nil {
		return storageErr("writing data file", err)
	}

	metrics := FileMetrics{
		ValueCounts:     make(map[int]int64, len(fw.stats)),
		NullValueCounts: make(map[int]int64, len(fw.stats)),
		LowerBounds:     make(map[int][]byte),
		UpperBounds:     make(map[int][]byte),
	}
	for id, s := range fw.stats {
		metrics.ValueCounts[id] = s.values
		metrics.NullValueCounts[id] = s.nulls
		if s.lower != nil {
			metrics.LowerBounds[id] = s.lower
			metrics.UpperBounds[id] = s.upper
		}
	}
	if sizes, err := columnSizes(data, w.schema); err == nil {
		metrics.ColumnSizes = sizes
	}

	w.done = append(w.done, DataFile{
		Content:       ContentData,
		FilePath:      fw.path,
		FileFormat:    FileFormatParquet,
		SpecID:        w.spec.SpecID,
		Partition:     maps.Clone(fw.partition),
		RecordCount:   fw.records,
		FileSizeBytes: int64(len(data)),
		Metrics:       metrics,
	})
	return nil
}

// Close flushes every open file and returns all files written, ordered by path.
func (w *DataWriter) Close(ctx context.Context) ([]DataFile, error) {
	keys := make([]string, 0, len(w.open))
	for k := range w.open {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fw := w.open[k]
		delete(w.open, k)
		if fw.records == 0 {
			continue
		}
		if err := w.finish(ctx, fw); err != nil {
			return nil, err
		}
	}

	files := w.done
	w.done = nil
	sort.Slice(files, func(i, j int) bool { return files[i].FilePath < files[j].FilePath })
	return files, nil
}

// WriteRecords writes records into new data files without committing them.
func WriteRecords(ctx context.Context, st storage.Storage, meta *TableMetadata, records []map[string]any) ([]DataFile, error) {
	w, err := NewDataWriter(st, meta)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := w.Write(ctx, r); err != nil {
			return nil, err
		}
	}
	return w.Close(ctx)
}
