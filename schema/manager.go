package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pglogrepl"

	"arctic-lake/iceberg"
)

// Manager caches source table schemas by relation id and name.
type Manager struct {
	conn          Querier
	schemas       map[uint32]*TableSchema // Maps relation ID to schema
	schemasByName map[string]*TableSchema // Maps "schema.table" to schema
	mu            sync.RWMutex
}

func NewSchemaManager(conn Querier) *Manager {
	return &Manager{
		conn:          conn,
		schemas:       make(map[uint32]*TableSchema),
		schemasByName: make(map[string]*TableSchema),
	}
}

// GetSchema returns schema by relation ID
func (m *Manager) GetSchema(relationID uint32) (*TableSchema, error) {
	m.mu.RLock()
	schema, exists := m.schemas[relationID]
	m.mu.RUnlock()

	if exists {
		return schema, nil
	}

	return nil, fmt.Errorf("%w: schema for relation ID %d", iceberg.ErrNotFound, relationID)
}

func (m *Manager) GetSchemaByName(schemaName, tableName string) (*TableSchema, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	schema, ok := m.schemasByName[schemaName+"."+tableName]
	return schema, ok
}

// HandleRelationMessage caches the schema announced by a relation message.
// Nullability is not part of the message, so it is carried over from a
// previously loaded schema by column name and defaults to nullable.
func (m *Manager) HandleRelationMessage(msg *pglogrepl.RelationMessageV2) *TableSchema {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := map[string]Column{}
	if prev, ok := m.schemasByName[msg.Namespace+"."+msg.RelationName]; ok {
		for _, col := range prev.Columns {
			known[col.Name] = col
		}
	}

	schema := &TableSchema{
		Schema:  msg.Namespace,
		Name:    msg.RelationName,
		Columns: make([]Column, len(msg.Columns)),
	}

	for i, col := range msg.Columns {
		c := Column{Name: col.Name, TypeOID: col.DataType, Nullable: true}
		if prev, ok := known[col.Name]; ok && prev.TypeOID == col.DataType {
			c.Nullable = prev.Nullable
			c.TypeName = prev.TypeName
		}
		c.Precision, c.Scale = numericTypmod(col.TypeModifier)
		schema.Columns[i] = c
	}

	m.schemas[msg.RelationID] = schema
	m.schemasByName[msg.Namespace+"."+msg.RelationName] = schema

	return schema
}

// InitializeSchema loads schema for specified tables
func (m *Manager) InitializeSchema(ctx context.Context, schemaName, tableName string) (*TableSchema, error) {
	schema, err := GetTableSchema(ctx, m.conn, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("getting table schema: %w", err)
	}

	var relationID uint32
	err = m.conn.QueryRow(ctx, `
        SELECT c.oid
        FROM pg_class c
        JOIN pg_namespace n ON n.oid = c.relnamespace
        WHERE n.nspname = $1 AND c.relname = $2
    `, schemaName, tableName).Scan(&relationID)
	if err != nil {
		return nil, fmt.Errorf("getting relation ID: %w", err)
	}

	m.mu.Lock()
	m.schemas[relationID] = schema
	m.schemasByName[schemaName+"."+tableName] = schema
	m.mu.Unlock()

	return schema, nil
}

// Evolution returns the schema update that brings current in line with the
// source: new columns are added as optional and int columns widened to long.
// It returns nil when nothing changes. Dropped source columns stay in the
// table.
func Evolution(current iceberg.Schema, source *TableSchema) *iceberg.SchemaUpdate {
	var u *iceberg.SchemaUpdate
	for _, col := range source.Columns {
		typ := PostgresTypeToIceberg(col)
		field, ok := current.FieldByName(col.Name)
		switch {
		case !ok:
			if u == nil {
				u = iceberg.NewSchemaUpdate()
			}
			u.AddColumn(col.Name, typ, false, "")
		case field.Type == "int" && typ == "long":
			if u == nil {
				u = iceberg.NewSchemaUpdate()
			}
			u.UpdateColumnType(col.Name, typ)
		}
	}
	return u
}
