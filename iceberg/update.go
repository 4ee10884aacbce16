package iceberg

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"arctic-lake/storage"
)

// CommitEnv carries what a mutation needs for one commit attempt.
type CommitEnv struct {
	Storage storage.Storage
	Now     time.Time
	Logger  *zap.Logger
}

func (e *CommitEnv) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Mutation derives a new metadata document from base. It must not modify base
// and must re-derive its validity on every call, since retries re-apply it to
// a fresher base. Returning base itself means there is nothing to commit.
type Mutation interface {
	Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error)
}

type MutationFunc func(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error)

func (f MutationFunc) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	return f(ctx, env, base)
}

// Mutations applies each mutation to the result of the previous one.
type Mutations []Mutation

func (ms Mutations) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	current := base
	for _, m := range ms {
		next, err := m.Apply(ctx, env, current)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

var decimalType = regexp.MustCompile(`^decimal\((\d+),\s*(\d+)\)$`)

var primitiveTypes = map[string]bool{
	"boolean": true, "int": true, "long": true, "float": true, "double": true,
	"date": true, "time": true, "timestamp": true, "timestamptz": true,
	"string": true, "uuid": true, "binary": true,
}

func validType(t string) bool {
	if primitiveTypes[t] {
		return true
	}
	m := decimalType.FindStringSubmatch(t)
	if m == nil {
		return false
	}
	p, _ := strconv.Atoi(m[1])
	s, _ := strconv.Atoi(m[2])
	return p >= 1 && p <= 38 && s <= p
}

func canPromote(from, to string) bool {
	if from == to {
		return true
	}
	switch {
	case from == "int" && to == "long", from == "float" && to == "double":
		return true
	}
	fm, tm := decimalType.FindStringSubmatch(from), decimalType.FindStringSubmatch(to)
	if fm == nil || tm == nil || fm[2] != tm[2] {
		return false
	}
	fp, _ := strconv.Atoi(fm[1])
	tp, _ := strconv.Atoi(tm[1])
	return tp >= fp
}

type schemaChangeKind int

const (
	addColumn schemaChangeKind = iota
	renameColumn
	dropColumn
	updateColumnType
	moveFirst
	moveAfter
)

type schemaChange struct {
	kind     schemaChangeKind
	name     string
	arg      string
	required bool
	doc      string
}

// SchemaUpdate evolves the current schema. Column ids are never reused.
type SchemaUpdate struct {
	changes []schemaChange
}

func NewSchemaUpdate() *SchemaUpdate {
	return &SchemaUpdate{}
}

func (u *SchemaUpdate) AddColumn(name, typ string, required bool, doc string) *SchemaUpdate {
	u.changes = append(u.changes, schemaChange{kind: addColumn, name: name, arg: typ, required: required, doc: doc})
	return u
}

func (u *SchemaUpdate) RenameColumn(name, newName string) *SchemaUpdate {
	u.changes = append(u.changes, schemaChange{kind: renameColumn, name: name, arg: newName})
	return u
}

func (u *SchemaUpdate) DropColumn(name string) *SchemaUpdate {
	u.changes = append(u.changes, schemaChange{kind: dropColumn, name: name})
	return u
}

func (u *SchemaUpdate) UpdateColumnType(name, typ string) *SchemaUpdate {
	u.changes = append(u.changes, schemaChange{kind: updateColumnType, name: name, arg: typ})
	return u
}

func (u *SchemaUpdate) MoveFirst(name string) *SchemaUpdate {
	u.changes = append(u.changes, schemaChange{kind: moveFirst, name: name})
	return u
}

func (u *SchemaUpdate) MoveAfter(name, after string) *SchemaUpdate {
	u.changes = append(u.changes, schemaChange{kind: moveAfter, name: name, arg: after})
	return u
}

func (u *SchemaUpdate) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	current := base.CurrentSchema()
	fields := slices.Clone(current.Fields)
	lastColumnID := base.LastColumnID

	index := func(name string) int {
		return slices.IndexFunc(fields, func(f Field) bool { return f.Name == name })
	}

	for _, c := range u.changes {
		i := index(c.name)
		if c.kind != addColumn && i < 0 {
			return nil, validationErr("column %q does not exist", c.name)
		}

		switch c.kind {
		case addColumn:
			if i >= 0 {
				return nil, validationErr("column %q already exists", c.name)
			}
			if !validType(c.arg) {
				return nil, validationErr("invalid type %q for column %q", c.arg, c.name)
			}
			if c.required {
				return nil, validationErr("cannot add required column %q without a default", c.name)
			}
			lastColumnID++
			fields = append(fields, Field{ID: lastColumnID, Name: c.name, Type: c.arg, Doc: c.doc})
		case renameColumn:
			if c.arg == "" || index(c.arg) >= 0 {
				return nil, validationErr("cannot rename %q to %q", c.name, c.arg)
			}
			fields[i].Name = c.arg
		case dropColumn:
			id := fields[i].ID
			for _, pf := range base.DefaultSpec().Fields {
				if pf.SourceID == id {
					return nil, validationErr("column %q is a partition source", c.name)
				}
			}
			if len(fields) == 1 {
				return nil, validationErr("cannot drop the last column %q", c.name)
			}
			fields = slices.Delete(fields, i, i+1)
		case updateColumnType:
			if !validType(c.arg) || !canPromote(fields[i].Type, c.arg) {
				return nil, validationErr("cannot change column %q from %s to %s", c.name, fields[i].Type, c.arg)
			}
			fields[i].Type = c.arg
		case moveFirst:
			f := fields[i]
			fields = slices.Insert(slices.Delete(fields, i, i+1), 0, f)
		case moveAfter:
			if c.arg == c.name {
				return nil, validationErr("cannot move %q after itself", c.name)
			}
			f := fields[i]
			fields = slices.Delete(fields, i, i+1)
			j := index(c.arg)
			if j < 0 {
				return nil, validationErr("column %q does not exist", c.arg)
			}
			fields = slices.Insert(fields, j+1, f)
		}
	}

	return withSchema(base, Schema{Fields: fields}, lastColumnID), nil
}

// withSchema makes schema current, reusing an existing schema id when the
// fields already exist in history.
func withSchema(base *TableMetadata, schema Schema, lastColumnID int) *TableMetadata {
	if schema.sameFields(base.CurrentSchema()) && lastColumnID == base.LastColumnID {
		return base
	}

	next := base.Clone()
	next.LastColumnID = max(next.LastColumnID, lastColumnID)
	for _, s := range base.Schemas {
		if s.sameFields(schema) {
			next.CurrentSchemaID = s.SchemaID
			return next
		}
	}
	schema.SchemaID = base.nextSchemaID()
	next.Schemas = append(next.Schemas, schema)
	next.CurrentSchemaID = schema.SchemaID
	return next
}

// SpecUpdate replaces the default partition spec.
type SpecUpdate struct {
	Fields []UnboundPartitionField
}

func (u SpecUpdate) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	spec, lastPartitionID, err := BindPartitionSpec(base.CurrentSchema(), base.nextSpecID(), base.LastPartitionID, u.Fields, base.PartitionSpecs)
	if err != nil {
		return nil, err
	}
	return withSpec(base, spec, lastPartitionID), nil
}

func withSpec(base *TableMetadata, spec PartitionSpec, lastPartitionID int) *TableMetadata {
	if spec.sameFields(base.DefaultSpec()) {
		return base
	}

	next := base.Clone()
	next.LastPartitionID = max(next.LastPartitionID, lastPartitionID)
	for _, s := range base.PartitionSpecs {
		if s.sameFields(spec) {
			next.DefaultSpecID = s.SpecID
			return next
		}
	}
	next.PartitionSpecs = append(next.PartitionSpecs, spec)
	next.DefaultSpecID = spec.SpecID
	return next
}

type PropertiesUpdate struct {
	Set    map[string]string
	Remove []string
}

func SetProperties(props map[string]string) PropertiesUpdate {
	return PropertiesUpdate{Set: props}
}

func RemoveProperties(keys ...string) PropertiesUpdate {
	return PropertiesUpdate{Remove: keys}
}

func (u PropertiesUpdate) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	if err := validateProperties(u.Set); err != nil {
		return nil, err
	}
	for _, k := range u.Remove {
		if _, ok := u.Set[k]; ok {
			return nil, validationErr("property %s both set and removed", k)
		}
	}

	changed := false
	for _, k := range u.Remove {
		_, ok := base.Properties[k]
		changed = changed || ok
	}
	for k, v := range u.Set {
		old, ok := base.Properties[k]
		changed = changed || !ok || old != v
	}
	if !changed {
		return base, nil
	}

	next := base.Clone()
	for _, k := range u.Remove {
		delete(next.Properties, k)
	}
	for k, v := range u.Set {
		next.Properties[k] = v
	}
	return next, nil
}

// SetRef creates or moves a branch or tag.
type SetRef struct {
	Name string
	Ref  SnapshotRef
}

func (u SetRef) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	if u.Name == "" {
		return nil, validationErr("ref name is empty")
	}
	if base.SnapshotByID(u.Ref.SnapshotID) == nil {
		return nil, validationErr("ref %s points at unknown snapshot %d", u.Name, u.Ref.SnapshotID)
	}
	if u.Ref.Type != BranchRef && u.Ref.Type != TagRef {
		return nil, validationErr("ref %s has invalid type %q", u.Name, u.Ref.Type)
	}
	if u.Name == MainBranch && u.Ref.Type != BranchRef {
		return nil, validationErr("%s must be a branch", MainBranch)
	}
	if existing, ok := base.Refs[u.Name]; ok && existing.Type != u.Ref.Type {
		return nil, validationErr("ref %s is a %s", u.Name, existing.Type)
	}

	next := base.Clone()
	previous, had := base.Refs[u.Name]
	next.Refs[u.Name] = u.Ref
	if u.Name == MainBranch && (!had || previous.SnapshotID != u.Ref.SnapshotID) {
		next.SnapshotLog = append(next.SnapshotLog, SnapshotLogEntry{TimestampMs: env.Now.UnixMilli(), SnapshotID: u.Ref.SnapshotID})
	}
	return next, nil
}

type RemoveRef struct {
	Name string
}

func (u RemoveRef) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	if u.Name == MainBranch {
		return nil, validationErr("cannot remove %s", MainBranch)
	}
	if _, ok := base.Refs[u.Name]; !ok {
		return nil, validationErr("ref %s does not exist", u.Name)
	}
	next := base.Clone()
	delete(next.Refs, u.Name)
	return next, nil
}

// Rollback moves main back to one of its ancestors.
type Rollback struct {
	SnapshotID int64
}

func (u Rollback) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	current := base.CurrentSnapshot()
	if current == nil || !base.IsAncestor(u.SnapshotID, current.SnapshotID) {
		return nil, validationErr("snapshot %d is not an ancestor of %s", u.SnapshotID, MainBranch)
	}
	ref := base.Refs[MainBranch]
	ref.SnapshotID = u.SnapshotID
	return SetRef{Name: MainBranch, Ref: ref}.Apply(ctx, env, base)
}

type SetStatistics struct {
	File StatisticsFile
}

func (u SetStatistics) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	if base.SnapshotByID(u.File.SnapshotID) == nil {
		return nil, validationErr("statistics for unknown snapshot %d", u.File.SnapshotID)
	}
	if u.File.StatisticsPath == "" {
		return nil, validationErr("statistics file without path")
	}
	next := base.Clone()
	next.Statistics = slices.DeleteFunc(next.Statistics, func(s StatisticsFile) bool {
		return s.SnapshotID == u.File.SnapshotID
	})
	next.Statistics = append(next.Statistics, u.File)
	return next, nil
}

// RemoveStatistics drops statistics of the given snapshots, or all of them
// when SnapshotIDs is empty.
type RemoveStatistics struct {
	SnapshotIDs []int64
}

func (u RemoveStatistics) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	if len(base.Statistics) == 0 {
		return base, nil
	}
	next := base.Clone()
	next.Statistics = slices.DeleteFunc(next.Statistics, func(s StatisticsFile) bool {
		return len(u.SnapshotIDs) == 0 || slices.Contains(u.SnapshotIDs, s.SnapshotID)
	})
	if len(next.Statistics) == len(base.Statistics) {
		return base, nil
	}
	return next, nil
}

// RemoveSnapshots drops refs and then snapshots from history. A snapshot that
// is still the head of a remaining ref cannot be removed.
type RemoveSnapshots struct {
	SnapshotIDs []int64
	Refs        []string
}

func (u RemoveSnapshots) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	if len(u.SnapshotIDs) == 0 && len(u.Refs) == 0 {
		return base, nil
	}

	next := base.Clone()
	for _, name := range u.Refs {
		if name == MainBranch {
			return nil, validationErr("cannot remove %s", MainBranch)
		}
		delete(next.Refs, name)
	}

	remove := make(map[int64]bool, len(u.SnapshotIDs))
	for _, id := range u.SnapshotIDs {
		remove[id] = true
	}
	for name, ref := range next.Refs {
		if remove[ref.SnapshotID] {
			return nil, validationErr("snapshot %d is the head of ref %s", ref.SnapshotID, name)
		}
	}

	next.Snapshots = slices.DeleteFunc(next.Snapshots, func(s Snapshot) bool { return remove[s.SnapshotID] })
	next.SnapshotLog = slices.DeleteFunc(next.SnapshotLog, func(e SnapshotLogEntry) bool { return remove[e.SnapshotID] })
	next.Statistics = slices.DeleteFunc(next.Statistics, func(s StatisticsFile) bool { return remove[s.SnapshotID] })
	return next, nil
}

// ReplaceTable swaps schema, partitioning and contents while keeping history.
// Main is detached; when Adds is non-empty a parentless snapshot becomes main.
type ReplaceTable struct {
	Schema       Schema
	Partitioning []UnboundPartitionField
	Properties   map[string]string
	Adds         []DataFile
}

func (u ReplaceTable) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	if err := validateProperties(u.Properties); err != nil {
		return nil, err
	}

	schema, lastColumnID, err := assignFieldIDs(u.Schema, base.CurrentSchema(), base.LastColumnID)
	if err != nil {
		return nil, err
	}
	next := withSchema(base, schema, lastColumnID)

	spec, lastPartitionID, err := BindPartitionSpec(next.CurrentSchema(), next.nextSpecID(), next.LastPartitionID, u.Partitioning, next.PartitionSpecs)
	if err != nil {
		return nil, err
	}
	next = withSpec(next, spec, lastPartitionID)

	next = next.Clone()
	for k, v := range u.Properties {
		next.Properties[k] = v
	}
	delete(next.Refs, MainBranch)

	if len(u.Adds) == 0 {
		return next, nil
	}
	p := newProducer(env, next, OpOverwrite, MainBranch)
	p.freshStart = true
	return p.commitFiles(ctx, u.Adds, nil)
}

// assignFieldIDs keeps ids of columns that exist in previous with the same
// name and type and gives every other column a fresh id.
func assignFieldIDs(schema Schema, previous Schema, lastColumnID int) (Schema, int, error) {
	if len(schema.Fields) == 0 {
		return Schema{}, 0, validationErr("schema has no columns")
	}
	out := Schema{Fields: make([]Field, 0, len(schema.Fields))}
	names := map[string]bool{}
	for _, f := range schema.Fields {
		if f.Name == "" || names[f.Name] {
			return Schema{}, 0, validationErr("invalid or duplicate column name %q", f.Name)
		}
		if !validType(f.Type) {
			return Schema{}, 0, validationErr("invalid type %q for column %q", f.Type, f.Name)
		}
		names[f.Name] = true

		if old, ok := previous.FieldByName(f.Name); ok && old.Type == f.Type {
			f.ID = old.ID
		} else {
			lastColumnID++
			f.ID = lastColumnID
		}
		out.Fields = append(out.Fields, f)
	}
	return out, lastColumnID, nil
}
