package schema

import (
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arctic-lake/iceberg"
)

func TestPostgresTypeToIceberg(t *testing.T) {
	tests := []struct {
		col  Column
		want string
	}{
		{Column{TypeOID: pgtype.Int2OID}, "int"},
		{Column{TypeOID: pgtype.Int4OID}, "int"},
		{Column{TypeOID: pgtype.Int8OID}, "long"},
		{Column{TypeOID: pgtype.VarcharOID}, "string"},
		{Column{TypeOID: pgtype.JSONBOID}, "string"},
		{Column{TypeOID: pgtype.Float4OID}, "float"},
		{Column{TypeOID: pgtype.Float8OID}, "double"},
		{Column{TypeOID: pgtype.BoolOID}, "boolean"},
		{Column{TypeOID: pgtype.DateOID}, "date"},
		{Column{TypeOID: pgtype.TimeOID}, "time"},
		{Column{TypeOID: pgtype.TimestampOID}, "timestamp"},
		{Column{TypeOID: pgtype.TimestamptzOID}, "timestamptz"},
		{Column{TypeOID: pgtype.UUIDOID}, "uuid"},
		{Column{TypeOID: pgtype.ByteaOID}, "binary"},
		{Column{TypeOID: pgtype.NumericOID, Precision: 10, Scale: 2}, "decimal(10,2)"},
		{Column{TypeOID: pgtype.NumericOID}, "decimal(38,9)"},
		{Column{TypeOID: pgtype.InetOID}, "string"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PostgresTypeToIceberg(tt.col), "oid %d", tt.col.TypeOID)
	}
}

func TestNumericTypmod(t *testing.T) {
	p, s := numericTypmod(int32((12<<16 | 3) + 4))
	assert.Equal(t, 12, p)
	assert.Equal(t, 3, s)

	p, s = numericTypmod(-1)
	assert.Zero(t, p)
	assert.Zero(t, s)
}

func TestIcebergSchema(t *testing.T) {
	ts := &TableSchema{Schema: "public", Name: "orders", Columns: []Column{
		{Name: "id", TypeOID: pgtype.Int8OID},
		{Name: "note", TypeOID: pgtype.TextOID, Nullable: true},
	}}
	assert.Equal(t, iceberg.Identifier{Namespace: "public", Name: "orders"}, ts.Identifier())
	assert.Equal(t, iceberg.Schema{Fields: []iceberg.Field{
		{Name: "id", Type: "long", Required: true},
		{Name: "note", Type: "string"},
	}}, ts.IcebergSchema())
}

func TestHandleRelationMessage(t *testing.T) {
	m := NewSchemaManager(nil)
	_, err := m.GetSchema(16384)
	require.ErrorIs(t, err, iceberg.ErrNotFound)

	msg := &pglogrepl.RelationMessageV2{RelationMessage: pglogrepl.RelationMessage{
		RelationID:   16384,
		Namespace:    "public",
		RelationName: "orders",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Flags: 1, Name: "id", DataType: pgtype.Int8OID, TypeModifier: -1},
			{Name: "amount", DataType: pgtype.NumericOID, TypeModifier: (10<<16 | 2) + 4},
		},
	}}
	first := m.HandleRelationMessage(msg)
	assert.True(t, first.Columns[0].Nullable)
	assert.Equal(t, "decimal(10,2)", PostgresTypeToIceberg(first.Columns[1]))

	first.Columns[0].Nullable = false
	second := m.HandleRelationMessage(msg)
	assert.False(t, second.Columns[0].Nullable)

	got, err := m.GetSchema(16384)
	require.NoError(t, err)
	assert.Same(t, second, got)

	byName, ok := m.GetSchemaByName("public", "orders")
	require.True(t, ok)
	assert.Same(t, second, byName)
}

func TestEvolution(t *testing.T) {
	current := iceberg.Schema{Fields: []iceberg.Field{
		{ID: 1, Name: "id", Type: "int", Required: true},
		{ID: 2, Name: "name", Type: "string"},
	}}

	same := &TableSchema{Columns: []Column{
		{Name: "id", TypeOID: pgtype.Int4OID},
		{Name: "name", TypeOID: pgtype.TextOID, Nullable: true},
	}}
	assert.Nil(t, Evolution(current, same))

	dropped := &TableSchema{Columns: []Column{{Name: "id", TypeOID: pgtype.Int4OID}}}
	assert.Nil(t, Evolution(current, dropped))

	changed := &TableSchema{Columns: []Column{
		{Name: "id", TypeOID: pgtype.Int8OID},
		{Name: "name", TypeOID: pgtype.TextOID, Nullable: true},
		{Name: "email", TypeOID: pgtype.TextOID, Nullable: true},
	}}
	assert.NotNil(t, Evolution(current, changed))
}
