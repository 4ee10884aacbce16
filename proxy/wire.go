package proxy

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

func rowDescription(columns []*sql.ColumnType) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, col := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:         []byte(col.Name()),
			DataTypeOID:  mapDataTypeToOID(col.DatabaseTypeName()),
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       pgtype.TextFormatCode,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

func mapDataTypeToOID(databaseTypeName string) uint32 {
	name := strings.ToUpper(databaseTypeName)
	switch {
	case name == "BOOLEAN" || name == "BOOL":
		return pgtype.BoolOID
	case name == "BIGINT" || name == "INT8" || name == "HUGEINT":
		return pgtype.Int8OID
	case name == "INTEGER" || name == "INT4":
		return pgtype.Int4OID
	case name == "SMALLINT" || name == "INT2":
		return pgtype.Int2OID
	case name == "FLOAT" || name == "FLOAT4" || name == "REAL":
		return pgtype.Float4OID
	case name == "DOUBLE" || name == "FLOAT8":
		return pgtype.Float8OID
	case strings.HasPrefix(name, "DECIMAL"):
		return pgtype.NumericOID
	case name == "DATE":
		return pgtype.DateOID
	case name == "TIME":
		return pgtype.TimeOID
	case name == "TIMESTAMP":
		return pgtype.TimestampOID
	case name == "TIMESTAMPTZ" || name == "TIMESTAMP WITH TIME ZONE":
		return pgtype.TimestamptzOID
	case name == "BLOB":
		return pgtype.ByteaOID
	case name == "UUID":
		return pgtype.UUIDOID
	default:
		return pgtype.TextOID
	}
}

// encodeValue renders a scanned DuckDB value in Postgres text format.
func encodeValue(v any) []byte {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return []byte(`\x` + hex.EncodeToString(val))
	case string:
		return []byte(val)
	case bool:
		if val {
			return []byte("t")
		}
		return []byte("f")
	case time.Time:
		return []byte(val.Format("2006-01-02 15:04:05.999999Z07:00"))
	case float32:
		return []byte(strconv.FormatFloat(float64(val), 'g', -1, 32))
	case float64:
		return []byte(strconv.FormatFloat(val, 'g', -1, 64))
	}
	return []byte(fmt.Sprintf("%v", v))
}

// commandTag is the completion tag for a statement that returned rows rows.
func commandTag(query string, rows int) string {
	verb := strings.ToUpper(strings.Fields(query + " x")[0])
	switch verb {
	case "SELECT", "WITH", "FROM", "VALUES", "SHOW", "DESCRIBE":
		return "SELECT " + strconv.Itoa(rows)
	}
	return verb
}
