package iceberg

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Identifier struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// ParseIdentifier splits "ns.sub.table" at the last dot.
func ParseIdentifier(s string) (Identifier, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return Identifier{}, validationErr("invalid table identifier %q", s)
	}
	ident := Identifier{Namespace: s[:i], Name: s[i+1:]}
	if err := ident.validate(); err != nil {
		return Identifier{}, err
	}
	return ident, nil
}

func (i Identifier) String() string {
	return i.Namespace + "." + i.Name
}

func (i Identifier) validate() error {
	if err := validateNamespace(i.Namespace); err != nil {
		return err
	}
	if i.Name == "" || strings.ContainsAny(i.Name, "./") {
		return validationErr("invalid table name %q", i.Name)
	}
	return nil
}

func validateNamespace(ns string) error {
	if ns == "" || strings.Contains(ns, "/") {
		return validationErr("invalid namespace %q", ns)
	}
	for _, part := range strings.Split(ns, ".") {
		if part == "" {
			return validationErr("invalid namespace %q", ns)
		}
	}
	return nil
}

// Pointer is the registry's view of a table: where it lives and which
// metadata document is current at which version.
type Pointer struct {
	Location         string
	MetadataLocation string
	Version          int64
}

// DroppedTable is a soft-deleted table. Until ExpiresAt it can be restored
// under its former identifier; afterwards it is forgotten and, when Purge is
// set, its files are deleted.
type DroppedTable struct {
	TableUUID  string     `json:"table-uuid"`
	Identifier Identifier `json:"identifier"`
	Location   string     `json:"location"`
	DroppedAt  time.Time  `json:"dropped-at"`
	ExpiresAt  time.Time  `json:"expires-at"`
	Purge      bool       `json:"purge"`
}

// Registry holds namespaces and the current-metadata pointer of every table.
// SwapPointer is the commit point: it must succeed for exactly one caller per
// expected pointer and fail with ErrCommitConflict for all others, including
// callers whose pointer belongs to a table that has since been dropped,
// renamed away or replaced by another table under the same identifier.
type Registry interface {
	CreateNamespace(ctx context.Context, namespace string, properties map[string]string) error
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
	NamespaceProperties(ctx context.Context, namespace string) (map[string]string, error)
	ListNamespaces(ctx context.Context) ([]string, error)
	DropNamespace(ctx context.Context, namespace string) error

	RegisterTable(ctx context.Context, ident Identifier, ptr Pointer) error
	LoadPointer(ctx context.Context, ident Identifier) (Pointer, error)
	SwapPointer(ctx context.Context, ident Identifier, expected Pointer, metadataLocation string) (Pointer, error)
	ListTables(ctx context.Context, namespace string) ([]Identifier, error)
	RenameTable(ctx context.Context, from, to Identifier) error
	DropTable(ctx context.Context, ident Identifier) (Pointer, error)

	// SoftDropTable unregisters the table at dropped.Identifier, which must
	// still live at dropped.Location, and records it as dropped.
	SoftDropTable(ctx context.Context, dropped DroppedTable) error
	ListDroppedTables(ctx context.Context) ([]DroppedTable, error)
	// UndropTable registers a dropped table under its former identifier again.
	UndropTable(ctx context.Context, tableUUID string) (DroppedTable, error)
	// ForgetDroppedTable removes the dropped record. Files are not touched.
	ForgetDroppedTable(ctx context.Context, tableUUID string) error
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCommitConflict, fmt.Sprintf(format, args...))
}

func notFound(kind, name string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, name)
}

func alreadyExists(kind, name string) error {
	return fmt.Errorf("%w: %s %s", ErrAlreadyExists, kind, name)
}
