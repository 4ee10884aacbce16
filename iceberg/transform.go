package iceberg

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/murmur3"
)

const (
	TransformIdentity = "identity"
	TransformBucket   = "bucket"
	TransformTruncate = "truncate"
	TransformYear     = "year"
	TransformMonth    = "month"
	TransformDay      = "day"
	TransformHour     = "hour"
	TransformVoid     = "void"
)

type Transform struct {
	Kind  string
	Param int
}

func ParseTransform(s string) (Transform, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case TransformIdentity, TransformYear, TransformMonth, TransformDay, TransformHour, TransformVoid:
		return Transform{Kind: s}, nil
	}

	open := strings.IndexByte(s, '[')
	if open < 0 || !strings.HasSuffix(s, "]") {
		return Transform{}, validationErr("unknown transform %q", s)
	}
	kind := s[:open]
	if kind != TransformBucket && kind != TransformTruncate {
		return Transform{}, validationErr("unknown transform %q", s)
	}
	n, err := strconv.Atoi(s[open+1 : len(s)-1])
	if err != nil || n <= 0 {
		return Transform{}, validationErr("invalid %s width in %q", kind, s)
	}
	return Transform{Kind: kind, Param: n}, nil
}

func (t Transform) String() string {
	if t.Kind == TransformBucket || t.Kind == TransformTruncate {
		return fmt.Sprintf("%s[%d]", t.Kind, t.Param)
	}
	return t.Kind
}

// CanApply reports whether the transform accepts a source column of the given type.
func (t Transform) CanApply(sourceType string) bool {
	switch t.Kind {
	case TransformIdentity, TransformVoid:
		return true
	case TransformBucket:
		return sourceType != "boolean" && sourceType != "float" && sourceType != "double"
	case TransformTruncate:
		return sourceType == "int" || sourceType == "long" || sourceType == "string" ||
			sourceType == "binary" || strings.HasPrefix(sourceType, "decimal")
	case TransformYear, TransformMonth, TransformDay:
		return sourceType == "date" || sourceType == "timestamp" || sourceType == "timestamptz"
	case TransformHour:
		return sourceType == "timestamp" || sourceType == "timestamptz"
	}
	return false
}

// Apply maps a source value to its partition value. The second result is
// false when the partition value is null.
func (t Transform) Apply(v any) (string, bool, error) {
	if v == nil || t.Kind == TransformVoid {
		return "", false, nil
	}

	switch t.Kind {
	case TransformIdentity:
		return formatValue(v), true, nil
	case TransformBucket:
		h, err := bucketHash(v)
		if err != nil {
			return "", false, err
		}
		return strconv.Itoa(int(h&math.MaxInt32) % t.Param), true, nil
	case TransformTruncate:
		return truncateValue(v, t.Param)
	case TransformYear, TransformMonth, TransformDay, TransformHour:
		ts, err := asTime(v)
		if err != nil {
			return "", false, err
		}
		return temporalValue(t.Kind, ts), true, nil
	}
	return "", false, fmt.Errorf("unsupported transform %s", t)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case float32:
		return strconv.FormatFloat(float64(val), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func asInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	}
	return 0, false
}

func bucketHash(v any) (uint32, error) {
	if n, ok := asInt64(v); ok {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(n))
		return murmur3.Sum32(buf[:]), nil
	}
	switch val := v.(type) {
	case string:
		return murmur3.Sum32([]byte(val)), nil
	case []byte:
		return murmur3.Sum32(val), nil
	case time.Time:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(val.UnixMicro()))
		return murmur3.Sum32(buf[:]), nil
	}
	return 0, fmt.Errorf("%w: cannot bucket %T", ErrValidation, v)
}

func truncateValue(v any, width int) (string, bool, error) {
	if n, ok := asInt64(v); ok {
		w := int64(width)
		return strconv.FormatInt(n-(((n%w)+w)%w), 10), true, nil
	}
	switch val := v.(type) {
	case string:
		runes := []rune(val)
		if len(runes) > width {
			runes = runes[:width]
		}
		return string(runes), true, nil
	case []byte:
		if len(val) > width {
			val = val[:width]
		}
		return string(val), true, nil
	}
	return "", false, fmt.Errorf("%w: cannot truncate %T", ErrValidation, v)
}

func asTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly} {
			if ts, err := time.Parse(layout, val); err == nil {
				return ts.UTC(), nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("%w: %T is not a temporal value", ErrValidation, v)
}

// temporalValue renders year/month/hour as ordinals since the epoch and day as a date.
func temporalValue(kind string, ts time.Time) string {
	switch kind {
	case TransformYear:
		return strconv.Itoa(ts.Year() - 1970)
	case TransformMonth:
		return strconv.Itoa((ts.Year()-1970)*12 + int(ts.Month()) - 1)
	case TransformDay:
		return ts.Format(time.DateOnly)
	default:
		return strconv.FormatInt(ts.Unix()/3600, 10)
	}
}

// ComparePartitionValues orders two partition values numerically when both
// parse as numbers and lexically otherwise.
func ComparePartitionValues(a, b string) int {
	if x, err := strconv.ParseInt(a, 10, 64); err == nil {
		if y, err := strconv.ParseInt(b, 10, 64); err == nil {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	if x, err := strconv.ParseFloat(a, 64); err == nil {
		if y, err := strconv.ParseFloat(b, 64); err == nil {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(a, b)
}

// PartitionPath renders the hive-style directory for a partition tuple.
func (p PartitionSpec) PartitionPath(values map[string]string) string {
	parts := make([]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		v, ok := values[f.Name]
		if !ok {
			v = "null"
		}
		parts = append(parts, f.Name+"="+url.QueryEscape(v))
	}
	return strings.Join(parts, "/")
}

// PartitionKey is a stable string form of a partition tuple used for grouping.
func (p PartitionSpec) PartitionKey(values map[string]string) string {
	return fmt.Sprintf("%d/%s", p.SpecID, p.PartitionPath(values))
}

// PartitionValues computes the partition tuple of a record keyed by column name.
func (p PartitionSpec) PartitionValues(schema Schema, record map[string]any) (map[string]string, error) {
	values := make(map[string]string, len(p.Fields))
	for _, f := range p.Fields {
		src, ok := schema.FieldByID(f.SourceID)
		if !ok {
			return nil, validationErr("partition field %s references unknown column %d", f.Name, f.SourceID)
		}
		t, err := ParseTransform(f.Transform)
		if err != nil {
			return nil, err
		}
		v, ok, err := t.Apply(record[src.Name])
		if err != nil {
			return nil, fmt.Errorf("partition field %s: %w", f.Name, err)
		}
		if ok {
			values[f.Name] = v
		}
	}
	return values, nil
}

// UnboundPartitionField names a partition field by source column before ids are assigned.
type UnboundPartitionField struct {
	SourceName string
	Transform  string
	Name       string
}

// BindPartitionSpec resolves source columns against schema and assigns field ids.
// Fields matching one in reuse keep its id.
func BindPartitionSpec(schema Schema, specID int, lastPartitionID int, fields []UnboundPartitionField, reuse []PartitionSpec) (PartitionSpec, int, error) {
	spec := PartitionSpec{SpecID: specID, Fields: []PartitionField{}}
	names := map[string]bool{}
	for _, uf := range fields {
		src, ok := schema.FieldByName(uf.SourceName)
		if !ok {
			return PartitionSpec{}, 0, validationErr("partition source column %q does not exist", uf.SourceName)
		}
		t, err := ParseTransform(uf.Transform)
		if err != nil {
			return PartitionSpec{}, 0, err
		}
		if !t.CanApply(src.Type) {
			return PartitionSpec{}, 0, validationErr("transform %s cannot be applied to %s column %s", t, src.Type, src.Name)
		}

		name := uf.Name
		if name == "" {
			name = defaultPartitionName(src.Name, t)
		}
		if names[name] {
			return PartitionSpec{}, 0, validationErr("duplicate partition field name %q", name)
		}
		if _, clash := schema.FieldByName(name); clash && t.Kind != TransformIdentity {
			return PartitionSpec{}, 0, validationErr("partition field name %q conflicts with a column", name)
		}
		names[name] = true

		field := PartitionField{SourceID: src.ID, Name: name, Transform: t.String()}
		field.FieldID = reusedPartitionFieldID(reuse, field)
		if field.FieldID == 0 {
			lastPartitionID = max(lastPartitionID, PartitionFieldIDStart-1) + 1
			field.FieldID = lastPartitionID
		}
		spec.Fields = append(spec.Fields, field)
	}
	return spec, lastPartitionID, nil
}

func reusedPartitionFieldID(specs []PartitionSpec, field PartitionField) int {
	for _, spec := range specs {
		for _, f := range spec.Fields {
			if f.SourceID == field.SourceID && f.Transform == field.Transform && f.Name == field.Name {
				return f.FieldID
			}
		}
	}
	return 0
}

func defaultPartitionName(source string, t Transform) string {
	switch t.Kind {
	case TransformIdentity:
		return source
	case TransformBucket, TransformTruncate:
		return fmt.Sprintf("%s_%s_%d", source, t.Kind, t.Param)
	default:
		return source + "_" + t.Kind
	}
}
