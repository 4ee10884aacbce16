package iceberg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arctic-lake/metrics"
	"arctic-lake/storage"
)

// Table is a loaded table: the metadata document that was current at Version.
type Table struct {
	Identifier       Identifier
	Metadata         *TableMetadata
	MetadataLocation string
	Version          int64
}

func (t *Table) CurrentSnapshot() *Snapshot {
	return t.Metadata.CurrentSnapshot()
}

type Catalog struct {
	registry   Registry
	storage    storage.Storage
	warehouse  string
	authorizer Authorizer
	logger     *zap.Logger
	now        func() time.Time
	retries    int
	minWait    time.Duration
	maxWait    time.Duration
	softDelete time.Duration
}

type Option func(*Catalog)

func WithWarehouse(warehouse string) Option {
	return func(c *Catalog) {
		c.warehouse = strings.Trim(warehouse, "/")
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

func WithAuthorizer(a Authorizer) Option {
	return func(c *Catalog) {
		c.authorizer = a
	}
}

// WithCommitRetries overrides commit.retry.num-retries for every table.
func WithCommitRetries(n int) Option {
	return func(c *Catalog) {
		c.retries = n
	}
}

// WithRetryWait overrides commit.retry.min-wait-ms and max-wait-ms.
func WithRetryWait(minWait, maxWait time.Duration) Option {
	return func(c *Catalog) {
		c.minWait = minWait
		c.maxWait = maxWait
	}
}

// WithSoftDelete makes DropTable keep dropped tables restorable for
// expiration before they are forgotten. Zero drops tables immediately.
func WithSoftDelete(expiration time.Duration) Option {
	return func(c *Catalog) {
		c.softDelete = expiration
	}
}

func NewCatalog(st storage.Storage, registry Registry, opts ...Option) *Catalog {
	c := &Catalog{
		registry:   registry,
		storage:    st,
		warehouse:  "warehouse",
		authorizer: AllowAll,
		logger:     zap.NewNop(),
		now:        time.Now,
		retries:    -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Catalog) Storage() storage.Storage { return c.storage }

func (c *Catalog) Logger() *zap.Logger { return c.logger }

func (c *Catalog) Now() time.Time { return c.now() }

func (c *Catalog) CreateNamespace(ctx context.Context, ns string, props map[string]string) error {
	if err := validateNamespace(ns); err != nil {
		return err
	}
	if err := c.authorize(ctx, ActionCreate, ns); err != nil {
		return err
	}
	if i := strings.LastIndexByte(ns, '.'); i > 0 {
		exists, err := c.registry.NamespaceExists(ctx, ns[:i])
		if err != nil {
			return err
		}
		if !exists {
			return notFound("namespace", ns[:i])
		}
	}
	if err := c.registry.CreateNamespace(ctx, ns, props); err != nil {
		return err
	}
	c.logger.Info("created namespace", zap.String("namespace", ns))
	return nil
}

// ListNamespaces returns the direct children of parent, or the top-level
// namespaces when parent is empty.
func (c *Catalog) ListNamespaces(ctx context.Context, parent string) ([]string, error) {
	if err := c.authorize(ctx, ActionRead, parent); err != nil {
		return nil, err
	}
	all, err := c.registry.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}

	var children []string
	for _, ns := range all {
		rest := ns
		if parent != "" {
			if !strings.HasPrefix(ns, parent+".") {
				continue
			}
			rest = strings.TrimPrefix(ns, parent+".")
		}
		if !strings.Contains(rest, ".") {
			children = append(children, ns)
		}
	}
	return children, nil
}

func (c *Catalog) NamespaceProperties(ctx context.Context, ns string) (map[string]string, error) {
	if err := c.authorize(ctx, ActionRead, ns); err != nil {
		return nil, err
	}
	return c.registry.NamespaceProperties(ctx, ns)
}

func (c *Catalog) DropNamespace(ctx context.Context, ns string) error {
	if err := c.authorize(ctx, ActionDrop, ns); err != nil {
		return err
	}
	tables, err := c.registry.ListTables(ctx, ns)
	if err != nil {
		return err
	}
	children, err := c.ListNamespaces(ctx, ns)
	if err != nil {
		return err
	}
	if len(tables) > 0 || len(children) > 0 {
		return fmt.Errorf("%w: %s has %d tables and %d namespaces", ErrNamespaceNotEmpty, ns, len(tables), len(children))
	}
	return c.registry.DropNamespace(ctx, ns)
}

type tableOptions struct {
	partitioning []UnboundPartitionField
	properties   map[string]string
	location     string
}

type TableOption func(*tableOptions)

func WithPartitioning(fields ...UnboundPartitionField) TableOption {
	return func(o *tableOptions) {
		o.partitioning = fields
	}
}

func WithProperties(props map[string]string) TableOption {
	return func(o *tableOptions) {
		o.properties = props
	}
}

func WithLocation(location string) TableOption {
	return func(o *tableOptions) {
		o.location = strings.TrimSuffix(location, "/")
	}
}

func (c *Catalog) CreateTable(ctx context.Context, ident Identifier, schema Schema, opts ...TableOption) (*Table, error) {
	if err := ident.validate(); err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, ActionCreate, ident.String()); err != nil {
		return nil, err
	}
	exists, err := c.registry.NamespaceExists(ctx, ident.Namespace)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound("namespace", ident.Namespace)
	}

	var o tableOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateProperties(o.properties); err != nil {
		return nil, err
	}

	tableUUID := uuid.NewString()
	location := o.location
	if location == "" {
		location = path.Join(c.warehouse, strings.ReplaceAll(ident.Namespace, ".", "/"), ident.Name+"-"+tableUUID)
	}

	meta, err := newTableMetadata(tableUUID, location, schema, o.partitioning, o.properties, c.now())
	if err != nil {
		return nil, err
	}

	metadataLocation, err := c.writeMetadata(ctx, meta, 0)
	if err != nil {
		return nil, err
	}
	ptr := Pointer{Location: location, MetadataLocation: metadataLocation, Version: 1}
	if err := c.registry.RegisterTable(ctx, ident, ptr); err != nil {
		return nil, err
	}

	c.logger.Info("created table", zap.Stringer("table", ident), zap.String("location", location))
	return &Table{Identifier: ident, Metadata: meta, MetadataLocation: metadataLocation, Version: ptr.Version}, nil
}

func newTableMetadata(tableUUID, location string, schema Schema, partitioning []UnboundPartitionField, props map[string]string, now time.Time) (*TableMetadata, error) {
	bound, lastColumnID, err := assignFieldIDs(schema, Schema{}, 0)
	if err != nil {
		return nil, err
	}
	spec, lastPartitionID, err := BindPartitionSpec(bound, 0, PartitionFieldIDStart-1, partitioning, nil)
	if err != nil {
		return nil, err
	}

	properties := defaultProperties()
	for k, v := range props {
		properties[k] = v
	}

	meta := &TableMetadata{
		FormatVersion:   FormatVersion,
		TableUUID:       tableUUID,
		Location:        location,
		LastUpdatedMs:   now.UnixMilli(),
		LastColumnID:    lastColumnID,
		Schemas:         []Schema{bound},
		CurrentSchemaID: bound.SchemaID,
		PartitionSpecs:  []PartitionSpec{spec},
		DefaultSpecID:   spec.SpecID,
		LastPartitionID: lastPartitionID,
		Properties:      properties,
	}
	meta.normalize()
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

func (c *Catalog) LoadTable(ctx context.Context, ident Identifier) (*Table, error) {
	if err := c.authorize(ctx, ActionRead, ident.String()); err != nil {
		return nil, err
	}
	return c.loadTable(ctx, ident)
}

func (c *Catalog) loadTable(ctx context.Context, ident Identifier) (*Table, error) {
	ptr, err := c.registry.LoadPointer(ctx, ident)
	if err != nil {
		return nil, err
	}
	meta, err := c.ReadMetadata(ctx, ptr.MetadataLocation)
	if err != nil {
		return nil, err
	}
	return &Table{Identifier: ident, Metadata: meta, MetadataLocation: ptr.MetadataLocation, Version: ptr.Version}, nil
}

// ReadMetadata loads a metadata document by path.
func (c *Catalog) ReadMetadata(ctx context.Context, location string) (*TableMetadata, error) {
	data, err := storage.ReadAll(ctx, c.storage, location)
	if err != nil {
		return nil, storageErr("reading metadata", err)
	}
	return DecodeMetadata(data)
}

func (c *Catalog) TableExists(ctx context.Context, ident Identifier) (bool, error) {
	if err := c.authorize(ctx, ActionRead, ident.String()); err != nil {
		return false, err
	}
	if _, err := c.registry.LoadPointer(ctx, ident); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Catalog) ListTables(ctx context.Context, ns string) ([]Identifier, error) {
	if err := c.authorize(ctx, ActionRead, ns); err != nil {
		return nil, err
	}
	exists, err := c.registry.NamespaceExists(ctx, ns)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound("namespace", ns)
	}
	return c.registry.ListTables(ctx, ns)
}

func (c *Catalog) RenameTable(ctx context.Context, from, to Identifier) error {
	if err := to.validate(); err != nil {
		return err
	}
	if err := c.authorize(ctx, ActionAlter, from.String()); err != nil {
		return err
	}
	if err := c.authorize(ctx, ActionCreate, to.String()); err != nil {
		return err
	}
	exists, err := c.registry.NamespaceExists(ctx, to.Namespace)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("namespace", to.Namespace)
	}
	if err := c.registry.RenameTable(ctx, from, to); err != nil {
		return err
	}
	c.logger.Info("renamed table", zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

// DropTable unregisters a table. With purge every object under its location
// is deleted as well. When soft deletion is enabled the table is only marked
// dropped; its files stay until the expiration passes and
// PurgeExpiredTables runs.
func (c *Catalog) DropTable(ctx context.Context, ident Identifier, purge bool) error {
	if err := c.authorize(ctx, ActionDrop, ident.String()); err != nil {
		return err
	}
	if c.softDelete > 0 {
		return c.softDropTable(ctx, ident, purge)
	}

	ptr, err := c.registry.DropTable(ctx, ident)
	if err != nil {
		return err
	}
	c.logger.Info("dropped table", zap.Stringer("table", ident), zap.Bool("purge", purge))
	if !purge {
		return nil
	}
	return c.deleteLocation(ctx, ptr.Location)
}

func (c *Catalog) softDropTable(ctx context.Context, ident Identifier, purge bool) error {
	tbl, err := c.loadTable(ctx, ident)
	if err != nil {
		return err
	}
	now := c.now()
	dropped := DroppedTable{
		TableUUID:  tbl.Metadata.TableUUID,
		Identifier: ident,
		Location:   tbl.Metadata.Location,
		DroppedAt:  now,
		ExpiresAt:  now.Add(c.softDelete),
		Purge:      purge,
	}
	if err := c.registry.SoftDropTable(ctx, dropped); err != nil {
		return err
	}
	c.logger.Info("soft-dropped table",
		zap.Stringer("table", ident),
		zap.String("table_uuid", dropped.TableUUID),
		zap.Time("expires_at", dropped.ExpiresAt),
		zap.Bool("purge", purge))
	return nil
}

func (c *Catalog) deleteLocation(ctx context.Context, location string) error {
	objects, err := c.storage.List(ctx, location+"/")
	if err != nil {
		return storageErr("listing table files", err)
	}
	var errs []error
	for _, obj := range objects {
		if err := c.storage.Delete(ctx, obj.Path); err != nil {
			errs = append(errs, storageErr("purging "+obj.Path, err))
		}
	}
	return errors.Join(errs...)
}

// ListDroppedTables returns the soft-deleted tables of ns, soonest to expire
// first. An empty ns lists every namespace.
func (c *Catalog) ListDroppedTables(ctx context.Context, ns string) ([]DroppedTable, error) {
	if err := c.authorize(ctx, ActionRead, ns); err != nil {
		return nil, err
	}
	all, err := c.registry.ListDroppedTables(ctx)
	if err != nil {
		return nil, err
	}
	if ns == "" {
		return all, nil
	}
	var tables []DroppedTable
	for _, d := range all {
		if d.Identifier.Namespace == ns {
			tables = append(tables, d)
		}
	}
	return tables, nil
}

func (c *Catalog) droppedTable(ctx context.Context, tableUUID string) (DroppedTable, error) {
	all, err := c.registry.ListDroppedTables(ctx)
	if err != nil {
		return DroppedTable{}, err
	}
	for _, d := range all {
		if d.TableUUID == tableUUID {
			return d, nil
		}
	}
	return DroppedTable{}, notFound("dropped table", tableUUID)
}

// UndropTable restores a soft-deleted table under its former identifier. It
// fails with ErrAlreadyExists when the name has been reused meanwhile.
func (c *Catalog) UndropTable(ctx context.Context, tableUUID string) (*Table, error) {
	dropped, err := c.droppedTable(ctx, tableUUID)
	if err != nil {
		return nil, err
	}
	ident := dropped.Identifier
	if err := c.authorize(ctx, ActionCreate, ident.String()); err != nil {
		return nil, err
	}
	exists, err := c.registry.NamespaceExists(ctx, ident.Namespace)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound("namespace", ident.Namespace)
	}
	if _, err := c.registry.UndropTable(ctx, tableUUID); err != nil {
		return nil, err
	}
	c.logger.Info("undropped table", zap.Stringer("table", ident), zap.String("table_uuid", tableUUID))
	return c.loadTable(ctx, ident)
}

// PurgeDroppedTable forgets a soft-deleted table now, ignoring its
// expiration, and deletes its files if the drop asked for a purge.
func (c *Catalog) PurgeDroppedTable(ctx context.Context, tableUUID string) error {
	dropped, err := c.droppedTable(ctx, tableUUID)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, ActionDrop, dropped.Identifier.String()); err != nil {
		return err
	}
	return c.purgeDropped(ctx, dropped)
}

// PurgeExpiredTables forgets every soft-deleted table whose expiration has
// passed and returns them. Failures are joined; the remaining tables are
// still processed.
func (c *Catalog) PurgeExpiredTables(ctx context.Context) ([]DroppedTable, error) {
	all, err := c.registry.ListDroppedTables(ctx)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var (
		purged []DroppedTable
		errs   []error
	)
	for _, d := range all {
		if d.ExpiresAt.After(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		if err := c.purgeDropped(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("purging %s (%s): %w", d.Identifier, d.TableUUID, err))
			continue
		}
		purged = append(purged, d)
	}
	return purged, errors.Join(errs...)
}

func (c *Catalog) purgeDropped(ctx context.Context, d DroppedTable) error {
	// An undrop that lost its record cleanup leaves the table live.
	ptr, err := c.registry.LoadPointer(ctx, d.Identifier)
	live := err == nil && ptr.Location == d.Location
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if d.Purge && !live {
		if err := c.deleteLocation(ctx, d.Location); err != nil {
			return err
		}
	}
	if err := c.registry.ForgetDroppedTable(ctx, d.TableUUID); err != nil {
		return err
	}
	c.logger.Info("expired dropped table",
		zap.Stringer("table", d.Identifier),
		zap.String("table_uuid", d.TableUUID),
		zap.Bool("purged", d.Purge && !live))
	return nil
}

// ReplaceTable implements CREATE OR REPLACE on an existing table.
func (c *Catalog) ReplaceTable(ctx context.Context, ident Identifier, schema Schema, opts ...TableOption) (*Table, error) {
	var o tableOptions
	for _, opt := range opts {
		opt(&o)
	}
	return c.Commit(ctx, ident, ReplaceTable{Schema: schema, Partitioning: o.partitioning, Properties: o.properties})
}

// CommitTable applies m to base and swaps the table pointer from base.Version
// to the new document. It makes exactly one attempt.
func (c *Catalog) CommitTable(ctx context.Context, ident Identifier, base *Table, m Mutation) (*Table, error) {
	if err := c.authorize(ctx, ActionAlter, ident.String()); err != nil {
		return nil, err
	}

	start := c.now()
	next, err := c.commitOnce(ctx, ident, base, m, start)
	metrics.CommitDuration.Observe(c.now().Sub(start).Seconds())
	switch {
	case err == nil:
		metrics.Commits.WithLabelValues(metrics.ResultSuccess).Inc()
	case errors.Is(err, ErrCommitConflict):
		metrics.Commits.WithLabelValues(metrics.ResultConflict).Inc()
	default:
		metrics.Commits.WithLabelValues(metrics.ResultError).Inc()
	}
	return next, err
}

func (c *Catalog) commitOnce(ctx context.Context, ident Identifier, base *Table, m Mutation, now time.Time) (*Table, error) {
	env := &CommitEnv{Storage: c.storage, Now: now, Logger: c.logger}
	updated, err := m.Apply(ctx, env, base.Metadata)
	if err != nil {
		return nil, err
	}
	if updated == base.Metadata {
		return base, nil
	}

	next := updated.Clone()
	if next.Location != base.Metadata.Location || next.TableUUID != base.Metadata.TableUUID {
		return nil, validationErr("table location and uuid cannot change")
	}
	next.LastUpdatedMs = max(now.UnixMilli(), base.Metadata.LastUpdatedMs)
	next.MetadataLog = append(next.MetadataLog, MetadataLogEntry{
		TimestampMs:  base.Metadata.LastUpdatedMs,
		MetadataFile: base.MetadataLocation,
	})

	var pruned []MetadataLogEntry
	keep := int(max(1, next.PropertyInt(PropertyPreviousVersionsMax, DefaultPreviousVersionsMax)))
	if len(next.MetadataLog) > keep {
		cut := len(next.MetadataLog) - keep
		pruned = next.MetadataLog[:cut]
		next.MetadataLog = next.MetadataLog[cut:]
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	metadataLocation, err := c.writeMetadata(ctx, next, base.Version)
	if err != nil {
		return nil, err
	}
	expected := Pointer{Location: base.Metadata.Location, MetadataLocation: base.MetadataLocation, Version: base.Version}
	ptr, err := c.registry.SwapPointer(ctx, ident, expected, metadataLocation)
	if err != nil {
		return nil, err
	}

	if next.PropertyBool(PropertyDeleteAfterCommit, false) {
		for _, entry := range pruned {
			if err := c.storage.Delete(ctx, entry.MetadataFile); err != nil {
				c.logger.Warn("failed to delete old metadata file", zap.String("path", entry.MetadataFile), zap.Error(err))
			}
		}
	}

	return &Table{Identifier: ident, Metadata: next, MetadataLocation: metadataLocation, Version: ptr.Version}, nil
}

func (c *Catalog) writeMetadata(ctx context.Context, meta *TableMetadata, version int64) (string, error) {
	codec := meta.Property(PropertyMetadataCompression, CodecNone)
	data, err := EncodeMetadata(meta, codec)
	if err != nil {
		return "", err
	}
	location := path.Join(metadataDir(meta.Location), metadataFileName(version, codec))
	if err := c.storage.WriteIfAbsent(ctx, location, bytes.NewReader(data)); err != nil {
		return "", storageErr("writing metadata", err)
	}
	return location, nil
}

// Commit loads the latest state and applies m, retrying on commit conflicts
// with jittered exponential backoff.
func (c *Catalog) Commit(ctx context.Context, ident Identifier, m Mutation) (*Table, error) {
	for attempt := 0; ; attempt++ {
		base, err := c.LoadTable(ctx, ident)
		if err != nil {
			return nil, err
		}

		next, err := c.CommitTable(ctx, ident, base, m)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrCommitConflict) {
			return nil, err
		}

		retries := c.retries
		if retries < 0 {
			retries = int(base.Metadata.PropertyInt(PropertyCommitNumRetries, DefaultCommitNumRetries))
		}
		if attempt >= retries {
			return nil, fmt.Errorf("commit to %s failed after %d attempts: %w", ident, attempt+1, err)
		}

		wait := c.retryWait(base.Metadata, attempt)
		metrics.CommitRetries.Inc()
		c.logger.Info("retrying commit after conflict",
			zap.Stringer("table", ident),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Catalog) retryWait(meta *TableMetadata, attempt int) time.Duration {
	minWait, maxWait := c.minWait, c.maxWait
	if minWait <= 0 {
		minWait = time.Duration(meta.PropertyInt(PropertyCommitMinWaitMs, DefaultCommitMinWaitMs)) * time.Millisecond
	}
	if maxWait <= 0 {
		maxWait = time.Duration(meta.PropertyInt(PropertyCommitMaxWaitMs, DefaultCommitMaxWaitMs)) * time.Millisecond
	}
	return jitter(attempt, minWait, maxWait)
}

// jitter returns a delay drawn from [base, min(cap, base*2^attempt)].
func jitter(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	if exp > float64(cap) || exp <= 0 {
		exp = float64(cap)
	}
	if exp <= float64(base) {
		return base
	}
	return base + time.Duration(rand.Int64N(int64(exp)-int64(base)))
}
