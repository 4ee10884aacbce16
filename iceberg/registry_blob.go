package iceberg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"arctic-lake/storage"
)

const pointerDir = "pointer"

// BlobRegistry keeps the catalog in the blob store itself. Pointer versions
// are write-once objects, so advancing a table is a create-if-absent of the
// next version object.
//
// Each pointer version also records the identifier the table had when it was
// written. Name entries only map an identifier to a location; an entry whose
// location's latest pointer names another identifier is stale and does not
// resolve. Renames therefore commit with a pointer swap.
type BlobRegistry struct {
	storage storage.Storage
	root    string
}

type tableEntry struct {
	Location string `json:"location"`
}

type pointerBody struct {
	MetadataLocation string     `json:"metadata-location"`
	Identifier       Identifier `json:"identifier"`
}

func NewBlobRegistry(st storage.Storage, warehouse string) *BlobRegistry {
	return &BlobRegistry{
		storage: st,
		root:    path.Join(warehouse, "_catalog"),
	}
}

func (r *BlobRegistry) namespacePath(ns string) string {
	return path.Join(r.root, "namespaces", ns+".json")
}

func (r *BlobRegistry) tablePath(ident Identifier) string {
	return path.Join(r.root, "tables", ident.Namespace, ident.Name+".json")
}

func (r *BlobRegistry) droppedPath(tableUUID string) string {
	return path.Join(r.root, "dropped", tableUUID+".json")
}

func pointerPath(location string, version int64) string {
	return path.Join(metadataDir(location), pointerDir, fmt.Sprintf("v%020d", version))
}

func (r *BlobRegistry) CreateNamespace(ctx context.Context, ns string, props map[string]string) error {
	if props == nil {
		props = map[string]string{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encoding namespace properties: %w", err)
	}
	if err := r.storage.WriteIfAbsent(ctx, r.namespacePath(ns), bytes.NewReader(data)); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return alreadyExists("namespace", ns)
		}
		return storageErr("creating namespace", err)
	}
	return nil
}

func (r *BlobRegistry) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	if _, err := r.NamespaceProperties(ctx, ns); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *BlobRegistry) NamespaceProperties(ctx context.Context, ns string) (map[string]string, error) {
	data, err := storage.ReadAll(ctx, r.storage, r.namespacePath(ns))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound("namespace", ns)
		}
		return nil, storageErr("reading namespace", err)
	}
	props := map[string]string{}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("%w: decoding namespace %s: %w", ErrStorage, ns, err)
	}
	return props, nil
}

func (r *BlobRegistry) ListNamespaces(ctx context.Context) ([]string, error) {
	prefix := path.Join(r.root, "namespaces") + "/"
	objects, err := r.storage.List(ctx, prefix)
	if err != nil {
		return nil, storageErr("listing namespaces", err)
	}

	var namespaces []string
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Path, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		namespaces = append(namespaces, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(namespaces)
	return namespaces, nil
}

func (r *BlobRegistry) DropNamespace(ctx context.Context, ns string) error {
	exists, err := r.NamespaceExists(ctx, ns)
	if err != nil {
		return err
	}
	if !exists {
		return notFound("namespace", ns)
	}
	if err := r.storage.Delete(ctx, r.namespacePath(ns)); err != nil {
		return storageErr("dropping namespace", err)
	}
	return nil
}

func (r *BlobRegistry) writeEntry(ctx context.Context, ident Identifier, location string, overwrite bool) error {
	data, err := json.Marshal(tableEntry{Location: location})
	if err != nil {
		return fmt.Errorf("encoding table entry: %w", err)
	}
	if overwrite {
		err = r.storage.Write(ctx, r.tablePath(ident), bytes.NewReader(data))
	} else {
		err = r.storage.WriteIfAbsent(ctx, r.tablePath(ident), bytes.NewReader(data))
	}
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return alreadyExists("table", ident.String())
		}
		return storageErr("writing table entry", err)
	}
	return nil
}

// RegisterTable writes the first pointer version, then the name entry. A stale
// entry left behind by an interrupted rename is replaced.
func (r *BlobRegistry) RegisterTable(ctx context.Context, ident Identifier, ptr Pointer) error {
	if err := r.writePointer(ctx, ptr.Location, ptr.Version, pointerBody{MetadataLocation: ptr.MetadataLocation, Identifier: ident}); err != nil {
		return err
	}

	err := r.writeEntry(ctx, ident, ptr.Location, false)
	if !errors.Is(err, ErrAlreadyExists) {
		return err
	}
	if _, loadErr := r.LoadPointer(ctx, ident); !errors.Is(loadErr, ErrNotFound) {
		return err
	}
	return r.writeEntry(ctx, ident, ptr.Location, true)
}

func (r *BlobRegistry) location(ctx context.Context, ident Identifier) (string, error) {
	data, err := storage.ReadAll(ctx, r.storage, r.tablePath(ident))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", notFound("table", ident.String())
		}
		return "", storageErr("reading table entry", err)
	}
	var entry tableEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", fmt.Errorf("%w: decoding table entry %s: %w", ErrStorage, ident, err)
	}
	return entry.Location, nil
}

func (r *BlobRegistry) latestVersion(ctx context.Context, location string) (int64, error) {
	prefix := path.Join(metadataDir(location), pointerDir) + "/"
	objects, err := r.storage.List(ctx, prefix)
	if err != nil {
		return 0, storageErr("listing pointer versions", err)
	}

	latest := int64(0)
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Path, prefix)
		if !strings.HasPrefix(name, "v") {
			continue
		}
		v, err := strconv.ParseInt(name[1:], 10, 64)
		if err != nil {
			continue
		}
		latest = max(latest, v)
	}
	return latest, nil
}

func (r *BlobRegistry) readPointer(ctx context.Context, location string, version int64) (pointerBody, error) {
	data, err := storage.ReadAll(ctx, r.storage, pointerPath(location, version))
	if err != nil {
		return pointerBody{}, storageErr("reading pointer", err)
	}
	var body pointerBody
	if err := json.Unmarshal(data, &body); err != nil {
		return pointerBody{}, fmt.Errorf("%w: decoding pointer v%d of %s: %w", ErrStorage, version, location, err)
	}
	return body, nil
}

func (r *BlobRegistry) LoadPointer(ctx context.Context, ident Identifier) (Pointer, error) {
	location, err := r.location(ctx, ident)
	if err != nil {
		return Pointer{}, err
	}
	latest, err := r.latestVersion(ctx, location)
	if err != nil {
		return Pointer{}, err
	}
	if latest == 0 {
		return Pointer{}, notFound("metadata pointer for", ident.String())
	}

	body, err := r.readPointer(ctx, location, latest)
	if err != nil {
		return Pointer{}, err
	}
	if body.Identifier != ident {
		return Pointer{}, notFound("table", ident.String())
	}
	return Pointer{Location: location, MetadataLocation: body.MetadataLocation, Version: latest}, nil
}

func (r *BlobRegistry) SwapPointer(ctx context.Context, ident Identifier, expected Pointer, metadataLocation string) (Pointer, error) {
	location, err := r.location(ctx, ident)
	if err != nil {
		return Pointer{}, err
	}
	if location != expected.Location {
		return Pointer{}, conflict("%s now refers to the table at %s", ident, location)
	}

	body, err := r.readPointer(ctx, location, expected.Version)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Pointer{}, conflict("%s has no pointer version %d", ident, expected.Version)
		}
		return Pointer{}, err
	}
	if body.MetadataLocation != expected.MetadataLocation || body.Identifier != ident {
		return Pointer{}, conflict("%s version %d is not the expected metadata", ident, expected.Version)
	}

	next := expected.Version + 1
	if err := r.writePointer(ctx, location, next, pointerBody{MetadataLocation: metadataLocation, Identifier: ident}); err != nil {
		return Pointer{}, err
	}
	return Pointer{Location: location, MetadataLocation: metadataLocation, Version: next}, nil
}

func (r *BlobRegistry) writePointer(ctx context.Context, location string, version int64, body pointerBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding pointer: %w", err)
	}
	if err := r.storage.WriteIfAbsent(ctx, pointerPath(location, version), bytes.NewReader(data)); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return conflict("pointer version %d already taken", version)
		}
		return storageErr("writing pointer", err)
	}
	return nil
}

// ListTables returns the identifiers in ns that resolve to a table.
func (r *BlobRegistry) ListTables(ctx context.Context, ns string) ([]Identifier, error) {
	prefix := path.Join(r.root, "tables", ns) + "/"
	objects, err := r.storage.List(ctx, prefix)
	if err != nil {
		return nil, storageErr("listing tables", err)
	}

	var tables []Identifier
	for _, obj := range objects {
		name := strings.TrimPrefix(obj.Path, prefix)
		if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ident := Identifier{Namespace: ns, Name: strings.TrimSuffix(name, ".json")}
		if _, err := r.LoadPointer(ctx, ident); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		tables = append(tables, ident)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

// RenameTable reserves the new name, then commits the rename as a pointer
// version naming to. The old entry is removed last; if that step is lost the
// entry no longer resolves.
func (r *BlobRegistry) RenameTable(ctx context.Context, from, to Identifier) error {
	ptr, err := r.LoadPointer(ctx, from)
	if err != nil {
		return err
	}

	if err := r.writeEntry(ctx, to, ptr.Location, false); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			return err
		}
		if _, loadErr := r.LoadPointer(ctx, to); !errors.Is(loadErr, ErrNotFound) {
			return err
		}
		if err := r.writeEntry(ctx, to, ptr.Location, true); err != nil {
			return err
		}
	}

	body := pointerBody{MetadataLocation: ptr.MetadataLocation, Identifier: to}
	if err := r.writePointer(ctx, ptr.Location, ptr.Version+1, body); err != nil {
		_ = r.storage.Delete(ctx, r.tablePath(to))
		return fmt.Errorf("renaming %s: %w", from, err)
	}
	if err := r.storage.Delete(ctx, r.tablePath(from)); err != nil {
		return storageErr("removing old table entry", err)
	}
	return nil
}

func (r *BlobRegistry) DropTable(ctx context.Context, ident Identifier) (Pointer, error) {
	ptr, err := r.LoadPointer(ctx, ident)
	if err != nil {
		return Pointer{}, err
	}
	if err := r.storage.Delete(ctx, r.tablePath(ident)); err != nil {
		return Pointer{}, storageErr("dropping table", err)
	}
	return ptr, nil
}

// SoftDropTable records the table as dropped before removing its name entry,
// so an interrupted drop leaves the table live rather than lost.
func (r *BlobRegistry) SoftDropTable(ctx context.Context, dropped DroppedTable) error {
	ptr, err := r.LoadPointer(ctx, dropped.Identifier)
	if err != nil {
		return err
	}
	if ptr.Location != dropped.Location {
		return conflict("%s now refers to the table at %s", dropped.Identifier, ptr.Location)
	}

	data, err := json.Marshal(dropped)
	if err != nil {
		return fmt.Errorf("encoding dropped table: %w", err)
	}
	if err := r.storage.WriteIfAbsent(ctx, r.droppedPath(dropped.TableUUID), bytes.NewReader(data)); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return alreadyExists("dropped table", dropped.TableUUID)
		}
		return storageErr("recording dropped table", err)
	}
	if err := r.storage.Delete(ctx, r.tablePath(dropped.Identifier)); err != nil {
		return storageErr("dropping table", err)
	}
	return nil
}

func (r *BlobRegistry) readDropped(ctx context.Context, key string) (DroppedTable, error) {
	data, err := storage.ReadAll(ctx, r.storage, key)
	if err != nil {
		return DroppedTable{}, storageErr("reading dropped table", err)
	}
	var dropped DroppedTable
	if err := json.Unmarshal(data, &dropped); err != nil {
		return DroppedTable{}, fmt.Errorf("%w: decoding dropped table %s: %w", ErrStorage, key, err)
	}
	return dropped, nil
}

func (r *BlobRegistry) ListDroppedTables(ctx context.Context) ([]DroppedTable, error) {
	prefix := path.Join(r.root, "dropped") + "/"
	objects, err := r.storage.List(ctx, prefix)
	if err != nil {
		return nil, storageErr("listing dropped tables", err)
	}

	var tables []DroppedTable
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Path, ".json") {
			continue
		}
		dropped, err := r.readDropped(ctx, obj.Path)
		if err != nil {
			return nil, err
		}
		tables = append(tables, dropped)
	}
	sortDropped(tables)
	return tables, nil
}

func sortDropped(tables []DroppedTable) {
	sort.Slice(tables, func(i, j int) bool {
		if !tables[i].ExpiresAt.Equal(tables[j].ExpiresAt) {
			return tables[i].ExpiresAt.Before(tables[j].ExpiresAt)
		}
		return tables[i].TableUUID < tables[j].TableUUID
	})
}

func (r *BlobRegistry) UndropTable(ctx context.Context, tableUUID string) (DroppedTable, error) {
	dropped, err := r.readDropped(ctx, r.droppedPath(tableUUID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return DroppedTable{}, notFound("dropped table", tableUUID)
		}
		return DroppedTable{}, err
	}

	if err := r.writeEntry(ctx, dropped.Identifier, dropped.Location, false); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			return DroppedTable{}, err
		}
		// Left behind by an interrupted drop, the table is already live.
		if location, locErr := r.location(ctx, dropped.Identifier); locErr != nil || location != dropped.Location {
			return DroppedTable{}, err
		}
	}
	if err := r.ForgetDroppedTable(ctx, tableUUID); err != nil {
		return DroppedTable{}, err
	}
	return dropped, nil
}

func (r *BlobRegistry) ForgetDroppedTable(ctx context.Context, tableUUID string) error {
	if err := r.storage.Delete(ctx, r.droppedPath(tableUUID)); err != nil {
		return storageErr("removing dropped table", err)
	}
	return nil
}
