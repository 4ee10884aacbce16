package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"

	"arctic-lake/config"
	"arctic-lake/iceberg"
	"arctic-lake/metrics"
	"arctic-lake/schema"
)

// SummarySourceLSN records the source commit position on ingested snapshots.
const SummarySourceLSN = "arctic.source-lsn"

// Sink buffers the rows of one source transaction per relation and commits
// them as one append snapshot per table when the transaction commits.
type Sink struct {
	catalog      *iceberg.Catalog
	logger       *zap.Logger
	partitioning map[string][]iceberg.UnboundPartitionField
	batches      map[uint32]*tableBatch
}

type tableBatch struct {
	source  *schema.TableSchema
	writer  *iceberg.DataWriter
	files   []iceberg.DataFile
	records int64
}

func NewSink(cat *iceberg.Catalog, tables []config.Table) (*Sink, error) {
	partitioning := map[string][]iceberg.UnboundPartitionField{}
	for _, t := range tables {
		for _, f := range t.Partitioning {
			field, err := ParsePartitionField(f)
			if err != nil {
				return nil, fmt.Errorf("table %s.%s: %w", t.Schema, t.Name, err)
			}
			partitioning[t.Schema+"."+t.Name] = append(partitioning[t.Schema+"."+t.Name], field)
		}
	}
	return &Sink{
		catalog:      cat,
		logger:       cat.Logger().Named("sink"),
		partitioning: partitioning,
		batches:      map[uint32]*tableBatch{},
	}, nil
}

// Relation records a changed source schema. An open writer for the relation
// is closed so later rows are written against the evolved table schema.
func (s *Sink) Relation(ctx context.Context, relationID uint32, source *schema.TableSchema) error {
	b, ok := s.batches[relationID]
	if !ok {
		return nil
	}
	if err := b.rotate(ctx); err != nil {
		return err
	}
	b.source = source
	return nil
}

func (s *Sink) Insert(ctx context.Context, relationID uint32, source *schema.TableSchema, record map[string]any) error {
	b, ok := s.batches[relationID]
	if !ok {
		b = &tableBatch{source: source}
		s.batches[relationID] = b
	}
	if b.writer == nil {
		tbl, err := s.ensureTable(ctx, b.source)
		if err != nil {
			return err
		}
		w, err := iceberg.NewDataWriter(s.catalog.Storage(), tbl.Metadata)
		if err != nil {
			return err
		}
		b.writer = w
	}
	if err := b.writer.Write(ctx, record); err != nil {
		return fmt.Errorf("writing row for %s: %w", b.source.Identifier(), err)
	}
	b.records++
	return nil
}

// Pending reports the number of buffered rows.
func (s *Sink) Pending() int64 {
	var n int64
	for _, b := range s.batches {
		n += b.records
	}
	return n
}

// Commit appends every buffered relation to its table. Tables are committed
// in name order; a failure leaves the remaining batches buffered.
func (s *Sink) Commit(ctx context.Context, lsn pglogrepl.LSN) error {
	ids := make([]uint32, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.batches[ids[i]].source.Identifier().String() < s.batches[ids[j]].source.Identifier().String()
	})

	for _, id := range ids {
		b := s.batches[id]
		if err := b.rotate(ctx); err != nil {
			return err
		}
		ident := b.source.Identifier()
		if len(b.files) > 0 {
			update := iceberg.AppendFiles(b.files...)
			update.Summary = map[string]string{SummarySourceLSN: lsn.String()}
			tbl, err := s.catalog.Commit(ctx, ident, update)
			if err != nil {
				return fmt.Errorf("committing %s: %w", ident, err)
			}
			metrics.RecordsIngested.WithLabelValues(ident.String()).Add(float64(b.records))
			s.logger.Debug("committed source transaction",
				zap.Stringer("table", ident),
				zap.Stringer("lsn", lsn),
				zap.Int64("records", b.records),
				zap.Int64("snapshot_id", tbl.CurrentSnapshot().SnapshotID))
		}
		delete(s.batches, id)
	}
	return nil
}

// Rollback drops buffered rows. Files already written become orphans.
func (s *Sink) Rollback() {
	for id, b := range s.batches {
		s.logger.Debug("discarding buffered rows",
			zap.Stringer("table", b.source.Identifier()),
			zap.Int64("records", b.records))
		delete(s.batches, id)
	}
}

func (b *tableBatch) rotate(ctx context.Context) error {
	if b.writer == nil {
		return nil
	}
	files, err := b.writer.Close(ctx)
	if err != nil {
		return fmt.Errorf("closing writer for %s: %w", b.source.Identifier(), err)
	}
	b.files = append(b.files, files...)
	b.writer = nil
	return nil
}

// ensureTable loads the table for source, creating it and its namespace on
// first sight and evolving its schema when the source gained columns.
func (s *Sink) ensureTable(ctx context.Context, source *schema.TableSchema) (*iceberg.Table, error) {
	ident := source.Identifier()
	tbl, err := s.catalog.LoadTable(ctx, ident)
	if errors.Is(err, iceberg.ErrNotFound) {
		tbl, err = s.createTable(ctx, source)
	}
	if err != nil {
		return nil, err
	}

	if u := schema.Evolution(tbl.Metadata.CurrentSchema(), source); u != nil {
		tbl, err = s.catalog.Commit(ctx, ident, u)
		if err != nil {
			return nil, fmt.Errorf("evolving schema of %s: %w", ident, err)
		}
		s.logger.Info("evolved table schema", zap.Stringer("table", ident), zap.Int("schema_id", tbl.Metadata.CurrentSchemaID))
	}
	return tbl, nil
}

func (s *Sink) createTable(ctx context.Context, source *schema.TableSchema) (*iceberg.Table, error) {
	ident := source.Identifier()
	if err := s.catalog.CreateNamespace(ctx, ident.Namespace, nil); err != nil && !errors.Is(err, iceberg.ErrAlreadyExists) {
		return nil, err
	}
	tbl, err := s.catalog.CreateTable(ctx, ident, source.IcebergSchema(),
		iceberg.WithPartitioning(s.partitioning[source.Schema+"."+source.Name]...))
	if errors.Is(err, iceberg.ErrAlreadyExists) {
		return s.catalog.LoadTable(ctx, ident)
	}
	return tbl, err
}
