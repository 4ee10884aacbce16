package schema

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"arctic-lake/iceberg"
)

// Querier is satisfied by *pgx.Conn and *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Column struct {
	Name     string
	TypeOID  uint32
	TypeName string
	Nullable bool
	// Precision and Scale are set for numeric columns declared with them.
	Precision int
	Scale     int
}

type TableSchema struct {
	Schema  string
	Name    string
	Columns []Column
}

func (t *TableSchema) Identifier() iceberg.Identifier {
	return iceberg.Identifier{Namespace: t.Schema, Name: t.Name}
}

// IcebergSchema converts the source columns to a table schema. Field ids are
// left for the catalog to assign.
func (t *TableSchema) IcebergSchema() iceberg.Schema {
	fields := make([]iceberg.Field, 0, len(t.Columns))
	for _, col := range t.Columns {
		fields = append(fields, iceberg.Field{
			Name:     col.Name,
			Type:     PostgresTypeToIceberg(col),
			Required: !col.Nullable,
		})
	}
	return iceberg.Schema{Fields: fields}
}

func GetTableSchema(ctx context.Context, conn Querier, schemaName, tableName string) (*TableSchema, error) {
	query := `
        SELECT
            c.column_name,
            c.is_nullable,
            t.oid AS type_oid,
            t.typname AS data_type,
            COALESCE(c.numeric_precision, 0),
            COALESCE(c.numeric_scale, 0)
        FROM information_schema.columns c
        JOIN pg_catalog.pg_type t ON c.udt_name = t.typname
        WHERE c.table_schema = $1 AND c.table_name = $2
        ORDER BY c.ordinal_position;
    `

	rows, err := conn.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("querying schema: %w", err)
	}
	defer rows.Close()

	schema := &TableSchema{
		Schema:  schemaName,
		Name:    tableName,
		Columns: make([]Column, 0),
	}

	for rows.Next() {
		var col Column
		var nullable string
		var precision, scale int32
		if err := rows.Scan(&col.Name, &nullable, &col.TypeOID, &col.TypeName, &precision, &scale); err != nil {
			return nil, fmt.Errorf("scanning column: %w", err)
		}
		col.Nullable = nullable == "YES"
		if col.TypeOID == pgtype.NumericOID {
			col.Precision, col.Scale = int(precision), int(scale)
		}
		schema.Columns = append(schema.Columns, col)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("%w: source table %s.%s", iceberg.ErrNotFound, schemaName, tableName)
	}

	return schema, nil
}

// PostgresTypeToIceberg maps a source column type to a table column type.
// Types without a native counterpart are stored as strings.
func PostgresTypeToIceberg(col Column) string {
	switch col.TypeOID {
	case pgtype.Int2OID, pgtype.Int4OID:
		return "int"
	case pgtype.Int8OID:
		return "long"
	case pgtype.TextOID, pgtype.VarcharOID, pgtype.BPCharOID, pgtype.NameOID, pgtype.JSONOID, pgtype.JSONBOID:
		return "string"
	case pgtype.Float4OID:
		return "float"
	case pgtype.Float8OID:
		return "double"
	case pgtype.BoolOID:
		return "boolean"
	case pgtype.DateOID:
		return "date"
	case pgtype.TimeOID:
		return "time"
	case pgtype.TimestampOID:
		return "timestamp"
	case pgtype.TimestamptzOID:
		return "timestamptz"
	case pgtype.UUIDOID:
		return "uuid"
	case pgtype.ByteaOID:
		return "binary"
	case pgtype.NumericOID:
		if col.Precision >= 1 && col.Precision <= 38 {
			return fmt.Sprintf("decimal(%d,%d)", col.Precision, col.Scale)
		}
		return "decimal(38,9)"
	default:
		return "string"
	}
}

// numericTypmod decodes precision and scale from a numeric type modifier.
func numericTypmod(typmod int32) (precision, scale int) {
	if typmod < 4 {
		return 0, 0
	}
	typmod -= 4
	return int(typmod>>16) & 0xffff, int(typmod) & 0xffff
}
