package replication

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"arctic-lake/iceberg"
	"arctic-lake/schema"
)

// mapTupleToRecord decodes a pgoutput tuple into a record keyed by column
// name. Unchanged TOAST values are left out of the record.
func mapTupleToRecord(typeMap *pgtype.Map, tuple *pglogrepl.TupleData, rel *schema.TableSchema) (map[string]any, error) {
	if tuple == nil {
		return nil, fmt.Errorf("missing tuple for %s.%s", rel.Schema, rel.Name)
	}
	if len(tuple.Columns) != len(rel.Columns) {
		return nil, fmt.Errorf("tuple has %d columns, relation %s.%s has %d", len(tuple.Columns), rel.Schema, rel.Name, len(rel.Columns))
	}

	record := make(map[string]any, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		relCol := rel.Columns[idx]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			record[relCol.Name] = nil
		case pglogrepl.TupleDataTypeToast:
		case pglogrepl.TupleDataTypeText:
			val, err := decodeColumnData(typeMap, col.Data, relCol.TypeOID, pgtype.TextFormatCode)
			if err != nil {
				return nil, fmt.Errorf("decoding column data for %s: %w", relCol.Name, err)
			}
			record[relCol.Name] = val
		case pglogrepl.TupleDataTypeBinary:
			val, err := decodeColumnData(typeMap, col.Data, relCol.TypeOID, pgtype.BinaryFormatCode)
			if err != nil {
				return nil, fmt.Errorf("decoding column data for %s: %w", relCol.Name, err)
			}
			record[relCol.Name] = val
		default:
			return nil, fmt.Errorf("unknown column data type: %c", col.DataType)
		}
	}
	return record, nil
}

func decodeColumnData(typeMap *pgtype.Map, data []byte, dataTypeOID uint32, formatCode int16) (any, error) {
	dataType, ok := typeMap.TypeForOID(dataTypeOID)
	if !ok {
		return string(data), nil
	}

	value, err := dataType.Codec.DecodeValue(typeMap, dataTypeOID, formatCode, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode value for OID %d: %w", dataTypeOID, err)
	}
	return normalizeValue(value)
}

// normalizeValue converts pgtype values into the plain Go values the data
// writer coerces.
func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, int, int16, int32, int64, float32, float64, []byte, time.Time, time.Duration:
		return val, nil
	case [16]byte:
		return uuid.UUID(val).String(), nil
	case pgtype.Time:
		if !val.Valid {
			return nil, nil
		}
		return time.Duration(val.Microseconds) * time.Microsecond, nil
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case driver.Valuer:
		dv, err := val.Value()
		if err != nil {
			return nil, err
		}
		return dv, nil
	}
	return fmt.Sprint(v), nil
}

// ParsePartitionField parses a configured partition field: "region",
// "day(created_at)" or "bucket[16](id)".
func ParsePartitionField(s string) (iceberg.UnboundPartitionField, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		if s == "" {
			return iceberg.UnboundPartitionField{}, fmt.Errorf("%w: empty partition field", iceberg.ErrValidation)
		}
		return iceberg.UnboundPartitionField{SourceName: s, Transform: "identity"}, nil
	}
	if !strings.HasSuffix(s, ")") || open == 0 {
		return iceberg.UnboundPartitionField{}, fmt.Errorf("%w: malformed partition field %q", iceberg.ErrValidation, s)
	}
	transform, source := s[:open], strings.TrimSpace(s[open+1:len(s)-1])
	if source == "" {
		return iceberg.UnboundPartitionField{}, fmt.Errorf("%w: malformed partition field %q", iceberg.ErrValidation, s)
	}
	if _, err := iceberg.ParseTransform(transform); err != nil {
		return iceberg.UnboundPartitionField{}, err
	}
	return iceberg.UnboundPartitionField{SourceName: source, Transform: transform}, nil
}
