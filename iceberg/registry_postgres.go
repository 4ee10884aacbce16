package iceberg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS arctic_namespaces (
	name       TEXT PRIMARY KEY,
	properties JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS arctic_tables (
	namespace         TEXT NOT NULL REFERENCES arctic_namespaces (name),
	name              TEXT NOT NULL,
	location          TEXT NOT NULL,
	metadata_location TEXT NOT NULL,
	version           BIGINT NOT NULL,
	PRIMARY KEY (namespace, name)
);
CREATE TABLE IF NOT EXISTS arctic_dropped_tables (
	table_uuid        TEXT PRIMARY KEY,
	namespace         TEXT NOT NULL,
	name              TEXT NOT NULL,
	location          TEXT NOT NULL,
	metadata_location TEXT NOT NULL,
	version           BIGINT NOT NULL,
	dropped_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL,
	purge             BOOLEAN NOT NULL
);`

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresRegistry keeps pointers in a Postgres table and advances them with
// a conditional UPDATE on the expected location, metadata location and
// version.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to registry database: %w", err)
	}
	r := &PostgresRegistry{pool: pool}
	if err := r.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PostgresRegistry) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, registrySchema); err != nil {
		return fmt.Errorf("creating registry schema: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Close() {
	r.pool.Close()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func (r *PostgresRegistry) CreateNamespace(ctx context.Context, ns string, props map[string]string) error {
	if props == nil {
		props = map[string]string{}
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO arctic_namespaces (name, properties) VALUES ($1, $2)`, ns, props)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return alreadyExists("namespace", ns)
		}
		return fmt.Errorf("%w: creating namespace: %w", ErrStorage, err)
	}
	return nil
}

func (r *PostgresRegistry) NamespaceExists(ctx context.Context, ns string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM arctic_namespaces WHERE name = $1)`, ns).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: checking namespace: %w", ErrStorage, err)
	}
	return exists, nil
}

func (r *PostgresRegistry) NamespaceProperties(ctx context.Context, ns string) (map[string]string, error) {
	props := map[string]string{}
	err := r.pool.QueryRow(ctx, `SELECT properties FROM arctic_namespaces WHERE name = $1`, ns).Scan(&props)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound("namespace", ns)
		}
		return nil, fmt.Errorf("%w: reading namespace: %w", ErrStorage, err)
	}
	return props, nil
}

func (r *PostgresRegistry) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT name FROM arctic_namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing namespaces: %w", ErrStorage, err)
	}
	namespaces, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: listing namespaces: %w", ErrStorage, err)
	}
	return namespaces, nil
}

func (r *PostgresRegistry) DropNamespace(ctx context.Context, ns string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM arctic_namespaces WHERE name = $1`, ns)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", ErrNamespaceNotEmpty, ns)
		}
		return fmt.Errorf("%w: dropping namespace: %w", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("namespace", ns)
	}
	return nil
}

func (r *PostgresRegistry) RegisterTable(ctx context.Context, ident Identifier, ptr Pointer) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO arctic_tables (namespace, name, location, metadata_location, version)
		VALUES ($1, $2, $3, $4, $5)`,
		ident.Namespace, ident.Name, ptr.Location, ptr.MetadataLocation, ptr.Version)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return alreadyExists("table", ident.String())
		case pgForeignKeyViolation:
			return notFound("namespace", ident.Namespace)
		}
		return fmt.Errorf("%w: registering table: %w", ErrStorage, err)
	}
	return nil
}

func (r *PostgresRegistry) LoadPointer(ctx context.Context, ident Identifier) (Pointer, error) {
	var ptr Pointer
	err := r.pool.QueryRow(ctx, `
		SELECT location, metadata_location, version FROM arctic_tables
		WHERE namespace = $1 AND name = $2`,
		ident.Namespace, ident.Name).Scan(&ptr.Location, &ptr.MetadataLocation, &ptr.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pointer{}, notFound("table", ident.String())
		}
		return Pointer{}, fmt.Errorf("%w: loading pointer: %w", ErrStorage, err)
	}
	return ptr, nil
}

func (r *PostgresRegistry) SwapPointer(ctx context.Context, ident Identifier, expected Pointer, metadataLocation string) (Pointer, error) {
	var ptr Pointer
	err := r.pool.QueryRow(ctx, `
		UPDATE arctic_tables SET metadata_location = $3, version = version + 1
		WHERE namespace = $1 AND name = $2 AND version = $4
			AND location = $5 AND metadata_location = $6
		RETURNING location, metadata_location, version`,
		ident.Namespace, ident.Name, metadataLocation, expected.Version,
		expected.Location, expected.MetadataLocation).Scan(&ptr.Location, &ptr.MetadataLocation, &ptr.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			current, loadErr := r.LoadPointer(ctx, ident)
			if loadErr != nil {
				return Pointer{}, loadErr
			}
			if current.Location != expected.Location {
				return Pointer{}, conflict("%s now refers to the table at %s", ident, current.Location)
			}
			return Pointer{}, conflict("%s is no longer at version %d", ident, expected.Version)
		}
		return Pointer{}, fmt.Errorf("%w: swapping pointer: %w", ErrStorage, err)
	}
	return ptr, nil
}

func (r *PostgresRegistry) ListTables(ctx context.Context, ns string) ([]Identifier, error) {
	rows, err := r.pool.Query(ctx, `SELECT namespace, name FROM arctic_tables WHERE namespace = $1 ORDER BY name`, ns)
	if err != nil {
		return nil, fmt.Errorf("%w: listing tables: %w", ErrStorage, err)
	}
	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Identifier, error) {
		var ident Identifier
		err := row.Scan(&ident.Namespace, &ident.Name)
		return ident, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing tables: %w", ErrStorage, err)
	}
	return tables, nil
}

func (r *PostgresRegistry) RenameTable(ctx context.Context, from, to Identifier) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE arctic_tables SET namespace = $3, name = $4
		WHERE namespace = $1 AND name = $2`,
		from.Namespace, from.Name, to.Namespace, to.Name)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return alreadyExists("table", to.String())
		case pgForeignKeyViolation:
			return notFound("namespace", to.Namespace)
		}
		return fmt.Errorf("%w: renaming table: %w", ErrStorage, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("table", from.String())
	}
	return nil
}

func (r *PostgresRegistry) DropTable(ctx context.Context, ident Identifier) (Pointer, error) {
	var ptr Pointer
	err := r.pool.QueryRow(ctx, `
		DELETE FROM arctic_tables WHERE namespace = $1 AND name = $2
		RETURNING location, metadata_location, version`,
		ident.Namespace, ident.Name).Scan(&ptr.Location, &ptr.MetadataLocation, &ptr.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Pointer{}, notFound("table", ident.String())
		}
		return Pointer{}, fmt.Errorf("%w: dropping table: %w", ErrStorage, err)
	}
	return ptr, nil
}

func (r *PostgresRegistry) SoftDropTable(ctx context.Context, dropped DroppedTable) error {
	ident := dropped.Identifier
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var ptr Pointer
		err := tx.QueryRow(ctx, `
			DELETE FROM arctic_tables WHERE namespace = $1 AND name = $2
			RETURNING location, metadata_location, version`,
			ident.Namespace, ident.Name).Scan(&ptr.Location, &ptr.MetadataLocation, &ptr.Version)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound("table", ident.String())
			}
			return fmt.Errorf("%w: dropping table: %w", ErrStorage, err)
		}
		if ptr.Location != dropped.Location {
			return conflict("%s now refers to the table at %s", ident, ptr.Location)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO arctic_dropped_tables
				(table_uuid, namespace, name, location, metadata_location, version, dropped_at, expires_at, purge)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			dropped.TableUUID, ident.Namespace, ident.Name, ptr.Location, ptr.MetadataLocation, ptr.Version,
			dropped.DroppedAt, dropped.ExpiresAt, dropped.Purge)
		if err != nil {
			if pgCode(err) == pgUniqueViolation {
				return alreadyExists("dropped table", dropped.TableUUID)
			}
			return fmt.Errorf("%w: recording dropped table: %w", ErrStorage, err)
		}
		return nil
	})
}

func (r *PostgresRegistry) ListDroppedTables(ctx context.Context) ([]DroppedTable, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT table_uuid, namespace, name, location, dropped_at, expires_at, purge
		FROM arctic_dropped_tables ORDER BY expires_at, table_uuid`)
	if err != nil {
		return nil, fmt.Errorf("%w: listing dropped tables: %w", ErrStorage, err)
	}
	tables, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DroppedTable, error) {
		var d DroppedTable
		err := row.Scan(&d.TableUUID, &d.Identifier.Namespace, &d.Identifier.Name, &d.Location,
			&d.DroppedAt, &d.ExpiresAt, &d.Purge)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing dropped tables: %w", ErrStorage, err)
	}
	return tables, nil
}

func (r *PostgresRegistry) UndropTable(ctx context.Context, tableUUID string) (DroppedTable, error) {
	var d DroppedTable
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var ptr Pointer
		err := tx.QueryRow(ctx, `
			DELETE FROM arctic_dropped_tables WHERE table_uuid = $1
			RETURNING namespace, name, location, metadata_location, version, dropped_at, expires_at, purge`,
			tableUUID).Scan(&d.Identifier.Namespace, &d.Identifier.Name, &ptr.Location, &ptr.MetadataLocation,
			&ptr.Version, &d.DroppedAt, &d.ExpiresAt, &d.Purge)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return notFound("dropped table", tableUUID)
			}
			return fmt.Errorf("%w: undropping table: %w", ErrStorage, err)
		}
		d.TableUUID = tableUUID
		d.Location = ptr.Location

		_, err = tx.Exec(ctx, `
			INSERT INTO arctic_tables (namespace, name, location, metadata_location, version)
			VALUES ($1, $2, $3, $4, $5)`,
			d.Identifier.Namespace, d.Identifier.Name, ptr.Location, ptr.MetadataLocation, ptr.Version)
		if err != nil {
			switch pgCode(err) {
			case pgUniqueViolation:
				return alreadyExists("table", d.Identifier.String())
			case pgForeignKeyViolation:
				return notFound("namespace", d.Identifier.Namespace)
			}
			return fmt.Errorf("%w: undropping table: %w", ErrStorage, err)
		}
		return nil
	})
	if err != nil {
		return DroppedTable{}, err
	}
	return d, nil
}

func (r *PostgresRegistry) ForgetDroppedTable(ctx context.Context, tableUUID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM arctic_dropped_tables WHERE table_uuid = $1`, tableUUID); err != nil {
		return fmt.Errorf("%w: removing dropped table: %w", ErrStorage, err)
	}
	return nil
}
