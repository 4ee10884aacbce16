package iceberg

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arctic-lake/storage"
)

// Snapshot summary keys.
const (
	SummaryOperation         = "operation"
	SummaryAddedDataFiles    = "added-data-files"
	SummaryDeletedDataFiles  = "deleted-data-files"
	SummaryAddedRecords      = "added-records"
	SummaryDeletedRecords    = "deleted-records"
	SummaryAddedFileSize     = "added-files-size"
	SummaryRemovedFileSize   = "removed-files-size"
	SummaryTotalDataFiles    = "total-data-files"
	SummaryTotalRecords      = "total-records"
	SummaryTotalFileSize     = "total-files-size"
	SummaryChangedPartitions = "changed-partition-count"
	SummaryManifestsCreated  = "manifests-created"
	SummaryManifestsReplaced = "manifests-replaced"
	SummaryManifestsKept     = "manifests-kept"
	SummaryEntriesProcessed  = "entries-processed"
)

// SnapshotUpdate adds and removes data files on a branch in one snapshot.
// Deletes are matched by file path against the live files of the branch head.
type SnapshotUpdate struct {
	Operation Operation
	Ref       string
	Adds      []DataFile
	Deletes   []DataFile
	Summary   map[string]string
}

func AppendFiles(files ...DataFile) SnapshotUpdate {
	return SnapshotUpdate{Operation: OpAppend, Adds: files}
}

func DeleteFiles(files ...DataFile) SnapshotUpdate {
	return SnapshotUpdate{Operation: OpDelete, Deletes: files}
}

func OverwriteFiles(deletes, adds []DataFile) SnapshotUpdate {
	return SnapshotUpdate{Operation: OpOverwrite, Adds: adds, Deletes: deletes}
}

func (u SnapshotUpdate) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	if err := u.validateOperation(); err != nil {
		return nil, err
	}
	p := newProducer(env, base, u.Operation, u.Ref)
	p.extraSummary = u.Summary
	return p.commitFiles(ctx, u.Adds, u.Deletes)
}

func (u SnapshotUpdate) validateOperation() error {
	switch u.Operation {
	case OpAppend:
		if len(u.Deletes) > 0 {
			return validationErr("append cannot delete files")
		}
		if len(u.Adds) == 0 {
			return validationErr("append without data files")
		}
	case OpDelete:
		if len(u.Adds) > 0 {
			return validationErr("delete cannot add files")
		}
		if len(u.Deletes) == 0 {
			return validationErr("delete without data files")
		}
	case OpOverwrite:
		if len(u.Adds) == 0 && len(u.Deletes) == 0 {
			return validationErr("overwrite without changes")
		}
	case OpReplace:
		if len(u.Deletes) == 0 {
			return validationErr("replace without rewritten files")
		}
		var removed, added int64
		for _, f := range u.Deletes {
			removed += f.RecordCount
		}
		for _, f := range u.Adds {
			added += f.RecordCount
		}
		if removed != added {
			return validationErr("replace changes record count from %d to %d", removed, added)
		}
	default:
		return validationErr("unknown snapshot operation %q", u.Operation)
	}
	return nil
}

type snapshotProducer struct {
	env          *CommitEnv
	base         *TableMetadata
	op           Operation
	ref          string
	freshStart   bool
	snapshotID   int64
	sequence     int64
	commitUUID   string
	manifestSeq  int
	extraSummary map[string]string
}

func newProducer(env *CommitEnv, base *TableMetadata, op Operation, ref string) *snapshotProducer {
	if ref == "" {
		ref = MainBranch
	}
	seq := base.LastSequenceNumber + 1
	return &snapshotProducer{
		env:        env,
		base:       base,
		op:         op,
		ref:        ref,
		snapshotID: seq,
		sequence:   seq,
		commitUUID: uuid.NewString(),
	}
}

func (p *snapshotProducer) parent() (*Snapshot, error) {
	ref, ok := p.base.Refs[p.ref]
	if !ok || p.freshStart {
		return nil, nil
	}
	if ref.Type != BranchRef {
		return nil, validationErr("cannot commit to tag %s", p.ref)
	}
	parent := p.base.SnapshotByID(ref.SnapshotID)
	if parent == nil {
		return nil, validationErr("ref %s points at unknown snapshot %d", p.ref, ref.SnapshotID)
	}
	return parent, nil
}

func (p *snapshotProducer) commitFiles(ctx context.Context, adds, deletes []DataFile) (*TableMetadata, error) {
	if p.base.SnapshotByID(p.snapshotID) != nil {
		return nil, validationErr("snapshot id %d already exists", p.snapshotID)
	}
	parent, err := p.parent()
	if err != nil {
		return nil, err
	}

	spec := p.base.DefaultSpec()
	added := make([]DataFile, 0, len(adds))
	seen := map[string]bool{}
	for _, f := range adds {
		if err := validateDataFile(f, spec); err != nil {
			return nil, err
		}
		if seen[f.FilePath] {
			return nil, validationErr("data file %s added twice", f.FilePath)
		}
		seen[f.FilePath] = true
		f.SpecID = spec.SpecID
		added = append(added, f)
	}

	toDelete := make(map[string]bool, len(deletes))
	for _, f := range deletes {
		toDelete[f.FilePath] = true
	}

	var parentManifests []ManifestFile
	if parent != nil {
		if parentManifests, err = p.readManifestList(ctx, parent.ManifestList); err != nil {
			return nil, err
		}
	}

	var (
		kept, rewritten []ManifestFile
		removedFiles    []DataFile
	)
	for _, mf := range parentManifests {
		if len(toDelete) == 0 {
			kept = append(kept, mf)
			continue
		}
		out, removed, err := p.rewriteForDeletes(ctx, mf, toDelete)
		if err != nil {
			return nil, err
		}
		removedFiles = append(removedFiles, removed...)
		if out != nil {
			rewritten = append(rewritten, *out)
		} else if len(removed) == 0 {
			kept = append(kept, mf)
		}
	}

	if len(removedFiles) != len(toDelete) {
		found := make(map[string]bool, len(removedFiles))
		for _, f := range removedFiles {
			found[f.FilePath] = true
		}
		for filePath := range toDelete {
			if !found[filePath] {
				return nil, validationErr("data file %s is not live on %s", filePath, p.ref)
			}
		}
	}

	var manifests []ManifestFile
	if len(added) > 0 {
		entries := make([]ManifestEntry, 0, len(added))
		for _, f := range added {
			entries = append(entries, ManifestEntry{
				Status:             EntryAdded,
				SnapshotID:         p.snapshotID,
				SequenceNumber:     p.sequence,
				FileSequenceNumber: p.sequence,
				DataFile:           f,
			})
		}
		mf, err := p.writeManifest(ctx, spec, entries)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, mf)
	}
	manifests = append(manifests, rewritten...)
	manifests = append(manifests, kept...)

	summary := p.filesSummary(parent, added, removedFiles)
	return p.finish(ctx, parent, manifests, summary)
}

// rewriteForDeletes returns nil when the manifest loses every live entry or
// holds none of the deleted files.
func (p *snapshotProducer) rewriteForDeletes(ctx context.Context, mf ManifestFile, toDelete map[string]bool) (*ManifestFile, []DataFile, error) {
	entries, err := p.readManifest(ctx, mf)
	if err != nil {
		return nil, nil, err
	}

	var (
		removed []DataFile
		live    int
	)
	for _, e := range entries {
		if !e.IsLive() {
			continue
		}
		live++
		if toDelete[e.DataFile.FilePath] {
			removed = append(removed, e.DataFile)
		}
	}
	if len(removed) == 0 || len(removed) == live {
		return nil, removed, nil
	}

	spec, ok := p.base.SpecByID(mf.PartitionSpecID)
	if !ok {
		return nil, nil, validationErr("manifest %s uses unknown spec %d", mf.ManifestPath, mf.PartitionSpecID)
	}

	out := make([]ManifestEntry, 0, live)
	for _, e := range entries {
		if !e.IsLive() {
			continue
		}
		if toDelete[e.DataFile.FilePath] {
			e.Status = EntryDeleted
			e.SnapshotID = p.snapshotID
		} else {
			e.Status = EntryExisting
		}
		out = append(out, e)
	}

	written, err := p.writeManifest(ctx, spec, out)
	if err != nil {
		return nil, nil, err
	}
	return &written, removed, nil
}

func (p *snapshotProducer) filesSummary(parent *Snapshot, added, removed []DataFile) map[string]string {
	var addedRecords, addedSize, removedRecords, removedSize int64
	partitions := map[string]bool{}
	for _, f := range added {
		addedRecords += f.RecordCount
		addedSize += f.FileSizeBytes
		partitions[p.partitionKey(f)] = true
	}
	for _, f := range removed {
		removedRecords += f.RecordCount
		removedSize += f.FileSizeBytes
		partitions[p.partitionKey(f)] = true
	}

	var totalFiles, totalRecords, totalSize int64
	if parent != nil {
		totalFiles = summaryInt(parent.Summary, SummaryTotalDataFiles)
		totalRecords = summaryInt(parent.Summary, SummaryTotalRecords)
		totalSize = summaryInt(parent.Summary, SummaryTotalFileSize)
	}

	summary := map[string]string{
		SummaryOperation:         string(p.op),
		SummaryAddedDataFiles:    strconv.Itoa(len(added)),
		SummaryDeletedDataFiles:  strconv.Itoa(len(removed)),
		SummaryAddedRecords:      strconv.FormatInt(addedRecords, 10),
		SummaryDeletedRecords:    strconv.FormatInt(removedRecords, 10),
		SummaryAddedFileSize:     strconv.FormatInt(addedSize, 10),
		SummaryRemovedFileSize:   strconv.FormatInt(removedSize, 10),
		SummaryTotalDataFiles:    strconv.FormatInt(totalFiles+int64(len(added)-len(removed)), 10),
		SummaryTotalRecords:      strconv.FormatInt(totalRecords+addedRecords-removedRecords, 10),
		SummaryTotalFileSize:     strconv.FormatInt(totalSize+addedSize-removedSize, 10),
		SummaryChangedPartitions: strconv.Itoa(len(partitions)),
	}
	for k, v := range p.extraSummary {
		if _, reserved := summary[k]; !reserved {
			summary[k] = v
		}
	}
	return summary
}

func (p *snapshotProducer) partitionKey(f DataFile) string {
	spec, _ := p.base.SpecByID(f.SpecID)
	spec.SpecID = f.SpecID
	return spec.PartitionKey(f.Partition)
}

// finish writes the manifest list and derives the new metadata document.
func (p *snapshotProducer) finish(ctx context.Context, parent *Snapshot, manifests []ManifestFile, summary map[string]string) (*TableMetadata, error) {
	var parentID *int64
	if parent != nil {
		id := parent.SnapshotID
		parentID = &id
	}

	listData, err := WriteManifestList(p.snapshotID, parentID, p.sequence, manifests)
	if err != nil {
		return nil, err
	}
	listPath := path.Join(metadataDir(p.base.Location), fmt.Sprintf("snap-%d-%s.avro", p.snapshotID, p.commitUUID))
	if err := p.env.Storage.Write(ctx, listPath, bytes.NewReader(listData)); err != nil {
		return nil, storageErr("writing manifest list", err)
	}

	schemaID := p.base.CurrentSchemaID
	snapshot := Snapshot{
		SnapshotID:       p.snapshotID,
		ParentSnapshotID: parentID,
		SequenceNumber:   p.sequence,
		TimestampMs:      p.env.Now.UnixMilli(),
		ManifestList:     listPath,
		Summary:          summary,
		SchemaID:         &schemaID,
	}

	next := p.base.Clone()
	next.Snapshots = append(next.Snapshots, snapshot)
	next.LastSequenceNumber = p.sequence

	ref := SnapshotRef{Type: BranchRef}
	if existing, ok := next.Refs[p.ref]; ok {
		ref = existing
	}
	ref.SnapshotID = p.snapshotID
	next.Refs[p.ref] = ref
	if p.ref == MainBranch {
		next.SnapshotLog = append(next.SnapshotLog, SnapshotLogEntry{TimestampMs: snapshot.TimestampMs, SnapshotID: snapshot.SnapshotID})
	}

	p.env.logger().Debug("produced snapshot",
		zap.Int64("snapshot_id", snapshot.SnapshotID),
		zap.String("operation", string(p.op)),
		zap.String("ref", p.ref),
		zap.Int("manifests", len(manifests)))
	return next, nil
}

func (p *snapshotProducer) writeManifest(ctx context.Context, spec PartitionSpec, entries []ManifestEntry) (ManifestFile, error) {
	data, err := WriteManifest(p.base.CurrentSchema(), spec, entries)
	if err != nil {
		return ManifestFile{}, err
	}
	p.manifestSeq++
	manifestPath := path.Join(metadataDir(p.base.Location), fmt.Sprintf("%s-m%d.avro", p.commitUUID, p.manifestSeq))
	if err := p.env.Storage.Write(ctx, manifestPath, bytes.NewReader(data)); err != nil {
		return ManifestFile{}, storageErr("writing manifest", err)
	}
	return NewManifestFile(manifestPath, int64(len(data)), spec, p.snapshotID, p.sequence, entries), nil
}

func (p *snapshotProducer) readManifestList(ctx context.Context, listPath string) ([]ManifestFile, error) {
	return LoadManifestList(ctx, p.env.Storage, listPath)
}

func (p *snapshotProducer) readManifest(ctx context.Context, mf ManifestFile) ([]ManifestEntry, error) {
	return LoadManifest(ctx, p.env.Storage, mf)
}

// LoadManifestList reads and decodes a manifest list from storage.
func LoadManifestList(ctx context.Context, st storage.Storage, listPath string) ([]ManifestFile, error) {
	data, err := storage.ReadAll(ctx, st, listPath)
	if err != nil {
		return nil, storageErr("reading manifest list", err)
	}
	manifests, err := ReadManifestList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStorage, listPath, err)
	}
	return manifests, nil
}

// LoadManifest reads a manifest and stamps each data file with the manifest's spec id.
func LoadManifest(ctx context.Context, st storage.Storage, mf ManifestFile) ([]ManifestEntry, error) {
	data, err := storage.ReadAll(ctx, st, mf.ManifestPath)
	if err != nil {
		return nil, storageErr("reading manifest", err)
	}
	entries, err := ReadManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrStorage, mf.ManifestPath, err)
	}
	for i := range entries {
		entries[i].DataFile.SpecID = mf.PartitionSpecID
	}
	return entries, nil
}

func validateDataFile(f DataFile, spec PartitionSpec) error {
	if f.FilePath == "" {
		return validationErr("data file without path")
	}
	if f.Content != ContentData {
		return validationErr("data file %s has unsupported content %d", f.FilePath, f.Content)
	}
	if f.RecordCount < 0 || f.FileSizeBytes < 0 {
		return validationErr("data file %s has negative counts", f.FilePath)
	}
	for name := range f.Partition {
		if _, ok := spec.FieldByName(name); !ok {
			return validationErr("data file %s has partition value %q outside spec %d", f.FilePath, name, spec.SpecID)
		}
	}
	return nil
}

func summaryInt(summary map[string]string, key string) int64 {
	n, _ := strconv.ParseInt(summary[key], 10, 64)
	return n
}

// RewriteManifests regroups the live entries of a branch head into manifests
// of at most TargetSizeBytes, without changing file membership.
type RewriteManifests struct {
	Ref             string
	TargetSizeBytes int64
}

const defaultManifestTargetSize = 8 << 20

func (r RewriteManifests) Apply(ctx context.Context, env *CommitEnv, base *TableMetadata) (*TableMetadata, error) {
	p := newProducer(env, base, OpReplace, r.Ref)
	parent, err := p.parent()
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return base, nil
	}

	existing, err := p.readManifestList(ctx, parent.ManifestList)
	if err != nil {
		return nil, err
	}

	perSpec := map[int]int{}
	for _, mf := range existing {
		perSpec[mf.PartitionSpecID]++
	}
	compact := true
	for _, n := range perSpec {
		if n > 1 {
			compact = false
		}
	}
	if compact {
		return base, nil
	}

	var (
		totalBytes   int64
		totalEntries int64
		bySpec       = map[int][]ManifestEntry{}
		specOrder    []int
	)
	for _, mf := range existing {
		entries, err := p.readManifest(ctx, mf)
		if err != nil {
			return nil, err
		}
		totalBytes += mf.ManifestLength
		totalEntries += int64(len(entries))
		if _, ok := bySpec[mf.PartitionSpecID]; !ok {
			specOrder = append(specOrder, mf.PartitionSpecID)
		}
		for _, e := range entries {
			if !e.IsLive() {
				continue
			}
			e.Status = EntryExisting
			bySpec[mf.PartitionSpecID] = append(bySpec[mf.PartitionSpecID], e)
		}
	}

	target := r.TargetSizeBytes
	if target <= 0 {
		target = base.PropertyInt(PropertyManifestTargetSize, defaultManifestTargetSize)
	}
	perManifest := int64(1 << 30)
	if totalEntries > 0 && totalBytes > 0 {
		perManifest = max(1, target/max(1, totalBytes/totalEntries))
	}

	var manifests []ManifestFile
	for _, specID := range specOrder {
		spec, ok := base.SpecByID(specID)
		if !ok {
			return nil, validationErr("manifest uses unknown spec %d", specID)
		}
		entries := bySpec[specID]
		for start := 0; start < len(entries); start += int(perManifest) {
			end := min(len(entries), start+int(perManifest))
			mf, err := p.writeManifest(ctx, spec, entries[start:end])
			if err != nil {
				return nil, err
			}
			manifests = append(manifests, mf)
		}
	}

	summary := map[string]string{
		SummaryOperation:         string(OpReplace),
		SummaryManifestsCreated:  strconv.Itoa(len(manifests)),
		SummaryManifestsReplaced: strconv.Itoa(len(existing)),
		SummaryManifestsKept:     "0",
		SummaryEntriesProcessed:  strconv.FormatInt(totalEntries, 10),
		SummaryTotalDataFiles:    parent.Summary[SummaryTotalDataFiles],
		SummaryTotalRecords:      parent.Summary[SummaryTotalRecords],
		SummaryTotalFileSize:     parent.Summary[SummaryTotalFileSize],
	}
	return p.finish(ctx, parent, manifests, summary)
}
