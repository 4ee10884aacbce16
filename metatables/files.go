package metatables

import (
	"context"
	"encoding/hex"
	"sort"
	"strconv"

	"arctic-lake/iceberg"
)

var manifestColumns = []Column{
	{"content", "int"},
	{"path", "string"},
	{"length", "long"},
	{"partition_spec_id", "int"},
	{"added_snapshot_id", "long"},
	{"added_data_files_count", "int"},
	{"existing_data_files_count", "int"},
	{"deleted_data_files_count", "int"},
	{"added_rows_count", "long"},
	{"existing_rows_count", "long"},
	{"deleted_rows_count", "long"},
	{"partition_summaries", "map<string,string>"},
}

func manifestRow(mf iceberg.ManifestFile, spec iceberg.PartitionSpec) []any {
	summaries := map[string]string{}
	for i, f := range spec.Fields {
		if i >= len(mf.Partitions) {
			break
		}
		s := mf.Partitions[i]
		if s.LowerBound != nil {
			summaries[f.Name+".lower_bound"] = string(s.LowerBound)
			summaries[f.Name+".upper_bound"] = string(s.UpperBound)
		}
		if s.ContainsNull {
			summaries[f.Name+".contains_null"] = "true"
		}
	}
	return []any{
		mf.Content,
		mf.ManifestPath,
		mf.ManifestLength,
		mf.PartitionSpecID,
		mf.AddedSnapshotID,
		mf.AddedFilesCount,
		mf.ExistingFilesCount,
		mf.DeletedFilesCount,
		mf.AddedRowsCount,
		mf.ExistingRowsCount,
		mf.DeletedRowsCount,
		summaries,
	}
}

func (p *Projector) manifests(ctx context.Context, meta *iceberg.TableMetadata, snap *iceberg.Snapshot) (*Result, error) {
	res := &Result{Columns: manifestColumns}
	if snap == nil {
		return res, nil
	}
	list, err := iceberg.LoadManifestList(ctx, p.storage, snap.ManifestList)
	if err != nil {
		return nil, err
	}
	for _, mf := range list {
		spec, _ := meta.SpecByID(mf.PartitionSpecID)
		res.Rows = append(res.Rows, manifestRow(mf, spec))
	}
	return res, nil
}

type reachableManifest struct {
	manifest iceberg.ManifestFile
	snapshot int64
}

// reachableManifests walks every retained snapshot, keeping the first
// snapshot that references each manifest path.
func (p *Projector) reachableManifests(ctx context.Context, meta *iceberg.TableMetadata) ([]reachableManifest, error) {
	seen := map[string]bool{}
	var out []reachableManifest
	for _, snap := range meta.Snapshots {
		list, err := iceberg.LoadManifestList(ctx, p.storage, snap.ManifestList)
		if err != nil {
			return nil, err
		}
		for _, mf := range list {
			if seen[mf.ManifestPath] {
				continue
			}
			seen[mf.ManifestPath] = true
			out = append(out, reachableManifest{manifest: mf, snapshot: snap.SnapshotID})
		}
	}
	return out, nil
}

func (p *Projector) allManifests(ctx context.Context, meta *iceberg.TableMetadata) (*Result, error) {
	all, err := p.reachableManifests(ctx, meta)
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: append(append([]Column{}, manifestColumns...), Column{"reference_snapshot_id", "long"})}
	for _, rm := range all {
		spec, _ := meta.SpecByID(rm.manifest.PartitionSpecID)
		res.Rows = append(res.Rows, append(manifestRow(rm.manifest, spec), rm.snapshot))
	}
	return res, nil
}

var entryColumns = []Column{
	{"status", "int"},
	{"snapshot_id", "long"},
	{"sequence_number", "long"},
	{"file_sequence_number", "long"},
	{"file_path", "string"},
	{"partition", "map<string,string>"},
	{"record_count", "long"},
}

func entryRow(e iceberg.ManifestEntry) []any {
	return []any{
		int(e.Status),
		e.SnapshotID,
		e.SequenceNumber,
		e.FileSequenceNumber,
		e.DataFile.FilePath,
		partitionValue(e.DataFile.Partition),
		e.DataFile.RecordCount,
	}
}

func partitionValue(p map[string]string) map[string]string {
	if p == nil {
		return map[string]string{}
	}
	return p
}

func (p *Projector) entries(ctx context.Context, meta *iceberg.TableMetadata, snap *iceberg.Snapshot) (*Result, error) {
	res := &Result{Columns: entryColumns}
	if snap == nil {
		return res, nil
	}
	live, err := iceberg.LiveEntries(ctx, p.storage, meta, snap, nil)
	if err != nil {
		return nil, err
	}
	for _, e := range live {
		res.Rows = append(res.Rows, entryRow(e))
	}
	return res, nil
}

func (p *Projector) allEntries(ctx context.Context, meta *iceberg.TableMetadata) (*Result, error) {
	all, err := p.reachableManifests(ctx, meta)
	if err != nil {
		return nil, err
	}
	manifests := make([]iceberg.ManifestFile, len(all))
	for i, rm := range all {
		manifests[i] = rm.manifest
	}
	perManifest, err := iceberg.ReadManifests(ctx, p.storage, manifests)
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: entryColumns}
	for _, entries := range perManifest {
		for _, e := range entries {
			res.Rows = append(res.Rows, entryRow(e))
		}
	}
	return res, nil
}

func (p *Projector) files(ctx context.Context, meta *iceberg.TableMetadata, snap *iceberg.Snapshot) (*Result, error) {
	res := &Result{Columns: []Column{
		{"content", "int"},
		{"file_path", "string"},
		{"file_format", "string"},
		{"spec_id", "int"},
		{"partition", "map<string,string>"},
		{"record_count", "long"},
		{"file_size_in_bytes", "long"},
		{"column_sizes", "map<int,long>"},
		{"value_counts", "map<int,long>"},
		{"null_value_counts", "map<int,long>"},
		{"lower_bounds", "map<int,binary>"},
		{"upper_bounds", "map<int,binary>"},
	}}
	if snap == nil {
		return res, nil
	}
	live, err := iceberg.LiveEntries(ctx, p.storage, meta, snap, nil)
	if err != nil {
		return nil, err
	}
	for _, e := range live {
		f := e.DataFile
		res.Rows = append(res.Rows, []any{
			f.Content,
			f.FilePath,
			f.FileFormat,
			f.SpecID,
			partitionValue(f.Partition),
			f.RecordCount,
			f.FileSizeBytes,
			keyedCounts(f.Metrics.ColumnSizes),
			keyedCounts(f.Metrics.ValueCounts),
			keyedCounts(f.Metrics.NullValueCounts),
			keyedBounds(f.Metrics.LowerBounds),
			keyedBounds(f.Metrics.UpperBounds),
		})
	}
	return res, nil
}

func keyedCounts(m map[int]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	return out
}

func keyedBounds(m map[int][]byte) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = hex.EncodeToString(v)
	}
	return out
}

func (p *Projector) partitions(ctx context.Context, meta *iceberg.TableMetadata, snap *iceberg.Snapshot) (*Result, error) {
	res := &Result{Columns: []Column{
		{"partition", "map<string,string>"},
		{"spec_id", "int"},
		{"record_count", "long"},
		{"file_count", "int"},
		{"total_data_file_size_in_bytes", "long"},
	}}
	if snap == nil {
		return res, nil
	}
	live, err := iceberg.LiveEntries(ctx, p.storage, meta, snap, nil)
	if err != nil {
		return nil, err
	}

	type partitionStats struct {
		partition map[string]string
		specID    int
		records   int64
		files     int
		size      int64
	}
	byKey := map[string]*partitionStats{}
	for _, e := range live {
		f := e.DataFile
		spec, _ := meta.SpecByID(f.SpecID)
		spec.SpecID = f.SpecID
		key := spec.PartitionKey(f.Partition)
		s, ok := byKey[key]
		if !ok {
			s = &partitionStats{partition: partitionValue(f.Partition), specID: f.SpecID}
			byKey[key] = s
		}
		s.records += f.RecordCount
		s.files++
		s.size += f.FileSizeBytes
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := byKey[k]
		res.Rows = append(res.Rows, []any{s.partition, s.specID, s.records, s.files, s.size})
	}
	return res, nil
}
