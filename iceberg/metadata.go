package iceberg

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"
)

const (
	FormatVersion         = 2
	MainBranch            = "main"
	PartitionFieldIDStart = 1000
)

type Operation string

const (
	OpAppend    Operation = "append"
	OpReplace   Operation = "replace"
	OpOverwrite Operation = "overwrite"
	OpDelete    Operation = "delete"
)

type RefType string

const (
	BranchRef RefType = "branch"
	TagRef    RefType = "tag"
)

type Schema struct {
	SchemaID int     `json:"schema-id"`
	Fields   []Field `json:"fields"`
}

type Field struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Doc      string `json:"doc,omitempty"`
}

func (s Schema) FieldByID(id int) (Field, bool) {
	for _, f := range s.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func (s Schema) FieldByName(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s Schema) HighestFieldID() int {
	highest := 0
	for _, f := range s.Fields {
		highest = max(highest, f.ID)
	}
	return highest
}

func (s Schema) sameFields(other Schema) bool {
	return slices.Equal(s.Fields, other.Fields)
}

type PartitionSpec struct {
	SpecID int              `json:"spec-id"`
	Fields []PartitionField `json:"fields"`
}

type PartitionField struct {
	SourceID  int    `json:"source-id"`
	FieldID   int    `json:"field-id"`
	Name      string `json:"name"`
	Transform string `json:"transform"`
}

func (p PartitionSpec) IsUnpartitioned() bool {
	for _, f := range p.Fields {
		if f.Transform != "void" {
			return false
		}
	}
	return true
}

func (p PartitionSpec) FieldByName(name string) (PartitionField, bool) {
	for _, f := range p.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return PartitionField{}, false
}

func (p PartitionSpec) sameFields(other PartitionSpec) bool {
	if len(p.Fields) != len(other.Fields) {
		return false
	}
	for i, f := range p.Fields {
		o := other.Fields[i]
		if f.SourceID != o.SourceID || f.Name != o.Name || f.Transform != o.Transform {
			return false
		}
	}
	return true
}

type Snapshot struct {
	SnapshotID       int64             `json:"snapshot-id"`
	ParentSnapshotID *int64            `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64             `json:"sequence-number"`
	TimestampMs      int64             `json:"timestamp-ms"`
	ManifestList     string            `json:"manifest-list"`
	Summary          map[string]string `json:"summary"`
	SchemaID         *int              `json:"schema-id,omitempty"`
}

func (s Snapshot) Operation() Operation {
	return Operation(s.Summary["operation"])
}

func (s Snapshot) Timestamp() time.Time {
	return time.UnixMilli(s.TimestampMs).UTC()
}

type SnapshotRef struct {
	SnapshotID         int64   `json:"snapshot-id"`
	Type               RefType `json:"type"`
	MinSnapshotsToKeep *int    `json:"min-snapshots-to-keep,omitempty"`
	MaxSnapshotAgeMs   *int64  `json:"max-snapshot-age-ms,omitempty"`
	MaxRefAgeMs        *int64  `json:"max-ref-age-ms,omitempty"`
}

type SnapshotLogEntry struct {
	TimestampMs int64 `json:"timestamp-ms"`
	SnapshotID  int64 `json:"snapshot-id"`
}

type MetadataLogEntry struct {
	TimestampMs  int64  `json:"timestamp-ms"`
	MetadataFile string `json:"metadata-file"`
}

type StatisticsFile struct {
	SnapshotID            int64          `json:"snapshot-id"`
	StatisticsPath        string         `json:"statistics-path"`
	FileSizeInBytes       int64          `json:"file-size-in-bytes"`
	FileFooterSizeInBytes int64          `json:"file-footer-size-in-bytes"`
	BlobMetadata          []BlobMetadata `json:"blob-metadata"`
}

type BlobMetadata struct {
	Type           string            `json:"type"`
	SnapshotID     int64             `json:"snapshot-id"`
	SequenceNumber int64             `json:"sequence-number"`
	Fields         []int             `json:"fields"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// TableMetadata is an immutable document once committed. Derivations always
// start from Clone; slice elements are never modified in place.
type TableMetadata struct {
	FormatVersion      int                    `json:"format-version"`
	TableUUID          string                 `json:"table-uuid"`
	Location           string                 `json:"location"`
	LastSequenceNumber int64                  `json:"last-sequence-number"`
	LastUpdatedMs      int64                  `json:"last-updated-ms"`
	LastColumnID       int                    `json:"last-column-id"`
	Schemas            []Schema               `json:"schemas"`
	CurrentSchemaID    int                    `json:"current-schema-id"`
	PartitionSpecs     []PartitionSpec        `json:"partition-specs"`
	DefaultSpecID      int                    `json:"default-spec-id"`
	LastPartitionID    int                    `json:"last-partition-id"`
	Properties         map[string]string      `json:"properties"`
	Snapshots          []Snapshot             `json:"snapshots"`
	SnapshotLog        []SnapshotLogEntry     `json:"snapshot-log"`
	MetadataLog        []MetadataLogEntry     `json:"metadata-log"`
	Refs               map[string]SnapshotRef `json:"refs"`
	Statistics         []StatisticsFile       `json:"statistics"`
}

type metadataDocument TableMetadata

func (m TableMetadata) MarshalJSON() ([]byte, error) {
	current := int64(-1)
	if ref, ok := m.Refs[MainBranch]; ok {
		current = ref.SnapshotID
	}
	return json.Marshal(struct {
		metadataDocument
		CurrentSnapshotID int64 `json:"current-snapshot-id"`
	}{metadataDocument(*m.Clone()), current})
}

func (m *TableMetadata) UnmarshalJSON(data []byte) error {
	doc := struct {
		*metadataDocument
		CurrentSnapshotID *int64 `json:"current-snapshot-id"`
	}{metadataDocument: (*metadataDocument)(m)}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	m.normalize()

	// Documents written without refs still name their current snapshot.
	if doc.CurrentSnapshotID != nil && *doc.CurrentSnapshotID >= 0 {
		if _, ok := m.Refs[MainBranch]; !ok {
			m.Refs[MainBranch] = SnapshotRef{SnapshotID: *doc.CurrentSnapshotID, Type: BranchRef}
		}
	}
	return nil
}

func (m *TableMetadata) normalize() {
	if m.Schemas == nil {
		m.Schemas = []Schema{}
	}
	for i := range m.Schemas {
		if m.Schemas[i].Fields == nil {
			m.Schemas[i].Fields = []Field{}
		}
	}
	if m.PartitionSpecs == nil {
		m.PartitionSpecs = []PartitionSpec{}
	}
	for i := range m.PartitionSpecs {
		if m.PartitionSpecs[i].Fields == nil {
			m.PartitionSpecs[i].Fields = []PartitionField{}
		}
	}
	if m.Properties == nil {
		m.Properties = map[string]string{}
	}
	if m.Snapshots == nil {
		m.Snapshots = []Snapshot{}
	}
	if m.SnapshotLog == nil {
		m.SnapshotLog = []SnapshotLogEntry{}
	}
	if m.MetadataLog == nil {
		m.MetadataLog = []MetadataLogEntry{}
	}
	if m.Refs == nil {
		m.Refs = map[string]SnapshotRef{}
	}
	if m.Statistics == nil {
		m.Statistics = []StatisticsFile{}
	}
}

func (m *TableMetadata) Clone() *TableMetadata {
	c := *m
	c.Schemas = slices.Clone(m.Schemas)
	c.PartitionSpecs = slices.Clone(m.PartitionSpecs)
	c.Properties = maps.Clone(m.Properties)
	c.Snapshots = slices.Clone(m.Snapshots)
	c.SnapshotLog = slices.Clone(m.SnapshotLog)
	c.MetadataLog = slices.Clone(m.MetadataLog)
	c.Refs = maps.Clone(m.Refs)
	c.Statistics = slices.Clone(m.Statistics)
	c.normalize()
	return &c
}

func (m *TableMetadata) CurrentSchema() Schema {
	s, _ := m.SchemaByID(m.CurrentSchemaID)
	return s
}

func (m *TableMetadata) SchemaByID(id int) (Schema, bool) {
	for _, s := range m.Schemas {
		if s.SchemaID == id {
			return s, true
		}
	}
	return Schema{}, false
}

func (m *TableMetadata) DefaultSpec() PartitionSpec {
	s, _ := m.SpecByID(m.DefaultSpecID)
	return s
}

func (m *TableMetadata) SpecByID(id int) (PartitionSpec, bool) {
	for _, s := range m.PartitionSpecs {
		if s.SpecID == id {
			return s, true
		}
	}
	return PartitionSpec{}, false
}

func (m *TableMetadata) SnapshotByID(id int64) *Snapshot {
	for i := range m.Snapshots {
		if m.Snapshots[i].SnapshotID == id {
			return &m.Snapshots[i]
		}
	}
	return nil
}

func (m *TableMetadata) SnapshotByRef(name string) *Snapshot {
	ref, ok := m.Refs[name]
	if !ok {
		return nil
	}
	return m.SnapshotByID(ref.SnapshotID)
}

// CurrentSnapshot is the head of main, or nil for a table without data.
func (m *TableMetadata) CurrentSnapshot() *Snapshot {
	return m.SnapshotByRef(MainBranch)
}

// Ancestors walks the parent chain starting at id (inclusive) until a parent
// is missing from the retained history.
func (m *TableMetadata) Ancestors(id int64) []Snapshot {
	var chain []Snapshot
	seen := map[int64]bool{}
	for snap := m.SnapshotByID(id); snap != nil && !seen[snap.SnapshotID]; {
		seen[snap.SnapshotID] = true
		chain = append(chain, *snap)
		if snap.ParentSnapshotID == nil {
			break
		}
		snap = m.SnapshotByID(*snap.ParentSnapshotID)
	}
	return chain
}

func (m *TableMetadata) IsAncestor(ancestorID, ofID int64) bool {
	for _, s := range m.Ancestors(ofID) {
		if s.SnapshotID == ancestorID {
			return true
		}
	}
	return false
}

// SnapshotAsOf returns the snapshot that was current on main at ts.
func (m *TableMetadata) SnapshotAsOf(ts time.Time) *Snapshot {
	var found *Snapshot
	for _, entry := range m.SnapshotLog {
		if entry.TimestampMs > ts.UnixMilli() {
			break
		}
		if snap := m.SnapshotByID(entry.SnapshotID); snap != nil {
			found = snap
		}
	}
	return found
}

func (m *TableMetadata) Property(key, def string) string {
	if v, ok := m.Properties[key]; ok {
		return v
	}
	return def
}

func (m *TableMetadata) PropertyInt(key string, def int64) int64 {
	v, ok := m.Properties[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (m *TableMetadata) PropertyBool(key string, def bool) bool {
	v, ok := m.Properties[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (m *TableMetadata) nextSchemaID() int {
	next := 0
	for _, s := range m.Schemas {
		next = max(next, s.SchemaID+1)
	}
	return next
}

func (m *TableMetadata) nextSpecID() int {
	next := 0
	for _, s := range m.PartitionSpecs {
		next = max(next, s.SpecID+1)
	}
	return next
}

// Validate checks the structural invariants of a document.
func (m *TableMetadata) Validate() error {
	if m.FormatVersion != FormatVersion {
		return validationErr("unsupported format version %d", m.FormatVersion)
	}
	if _, ok := m.SchemaByID(m.CurrentSchemaID); !ok {
		return validationErr("current schema %d does not exist", m.CurrentSchemaID)
	}
	if _, ok := m.SpecByID(m.DefaultSpecID); !ok {
		return validationErr("default partition spec %d does not exist", m.DefaultSpecID)
	}
	for _, s := range m.Schemas {
		if s.HighestFieldID() > m.LastColumnID {
			return validationErr("schema %d uses field id above last-column-id %d", s.SchemaID, m.LastColumnID)
		}
	}
	for _, spec := range m.PartitionSpecs {
		for _, f := range spec.Fields {
			if f.FieldID > m.LastPartitionID {
				return validationErr("partition field %s id %d above last-partition-id", f.Name, f.FieldID)
			}
		}
	}

	ids := make(map[int64]bool, len(m.Snapshots))
	for _, snap := range m.Snapshots {
		if ids[snap.SnapshotID] {
			return validationErr("duplicate snapshot id %d", snap.SnapshotID)
		}
		ids[snap.SnapshotID] = true
		if snap.SequenceNumber > m.LastSequenceNumber {
			return validationErr("snapshot %d sequence number %d above last-sequence-number", snap.SnapshotID, snap.SequenceNumber)
		}
		if snap.SchemaID != nil {
			if _, ok := m.SchemaByID(*snap.SchemaID); !ok {
				return validationErr("snapshot %d references unknown schema %d", snap.SnapshotID, *snap.SchemaID)
			}
		}
	}
	for name, ref := range m.Refs {
		if !ids[ref.SnapshotID] {
			return validationErr("ref %s points at unknown snapshot %d", name, ref.SnapshotID)
		}
		if ref.Type != BranchRef && ref.Type != TagRef {
			return validationErr("ref %s has invalid type %q", name, ref.Type)
		}
	}
	if ref, ok := m.Refs[MainBranch]; ok && ref.Type != BranchRef {
		return validationErr("%s must be a branch", MainBranch)
	}
	return nil
}

func (m *TableMetadata) String() string {
	return fmt.Sprintf("table %s (seq %d, %d snapshots)", m.TableUUID, m.LastSequenceNumber, len(m.Snapshots))
}
