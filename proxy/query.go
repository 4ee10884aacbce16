package proxy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"arctic-lake/iceberg"
	"arctic-lake/metatables"
)

var relationPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+("[^"]+"|[A-Za-z_][\w.$]*)`)

// relation is a temporary DuckDB object standing in for a table reference.
type relation struct {
	name   string
	create string
	// result is loaded into the relation after create when set.
	result *metatables.Result
}

type queryPlan struct {
	sql       string
	relations []relation
	metadata  bool
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// planQuery rewrites references to catalog tables and "t$view" metadata
// tables into temporary relations. Other references are left to DuckDB.
func (p *DuckDBProxy) planQuery(ctx context.Context, query string) (*queryPlan, error) {
	plan := &queryPlan{}
	seen := map[string]bool{}

	var b strings.Builder
	last := 0
	for _, m := range relationPattern.FindAllStringSubmatchIndex(query, -1) {
		start, end := m[2], m[3]
		name := strings.Trim(query[start:end], `"`)

		rel, ok, err := p.resolveRelation(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		b.WriteString(query[last:start])
		b.WriteString(rel.name)
		last = end

		if rel.result != nil {
			plan.metadata = true
		}
		if !seen[rel.name] {
			seen[rel.name] = true
			plan.relations = append(plan.relations, rel)
		}
	}
	b.WriteString(query[last:])
	plan.sql = b.String()
	return plan, nil
}

func (p *DuckDBProxy) resolveRelation(ctx context.Context, name string) (relation, bool, error) {
	if table, view, ok := metatables.ParseTableName(name); ok {
		ident := ResolveTable(table, p.namespace)
		tbl, err := p.catalog.LoadTable(ctx, ident)
		if err != nil {
			return relation{}, false, err
		}
		res, err := p.projector.Project(ctx, tbl, view, nil)
		if err != nil {
			return relation{}, false, err
		}
		relName := quoteIdent(ident.Name + "$" + view)
		return relation{name: relName, create: metadataTableDDL(relName, res), result: res}, true, nil
	}

	ident := ResolveTable(name, p.namespace)
	tbl, err := p.catalog.LoadTable(ctx, ident)
	if errors.Is(err, iceberg.ErrNotFound) {
		return relation{}, false, nil
	}
	if err != nil {
		return relation{}, false, err
	}
	files, err := p.catalog.Scan(ctx, tbl, iceberg.ScanOptions{})
	if err != nil {
		return relation{}, false, err
	}

	relName := quoteIdent(ident.Name)
	return relation{name: relName, create: "CREATE OR REPLACE TEMP VIEW " + relName + " AS " + p.scanSQL(tbl.Metadata.CurrentSchema(), files)}, true, nil
}

func (p *DuckDBProxy) scanSQL(schema iceberg.Schema, files []iceberg.DataFile) string {
	if len(files) == 0 {
		cols := make([]string, len(schema.Fields))
		for i, f := range schema.Fields {
			cols[i] = fmt.Sprintf("CAST(NULL AS %s) AS %s", duckType(f.Type), quoteIdent(f.Name))
		}
		return "SELECT " + strings.Join(cols, ", ") + " WHERE false"
	}
	uris := make([]string, len(files))
	for i, f := range files {
		uris[i] = quoteLiteral(p.catalog.Storage().URI(f.FilePath))
	}
	return "SELECT * FROM read_parquet([" + strings.Join(uris, ", ") + "], union_by_name = true)"
}

func duckType(t string) string {
	switch t {
	case "boolean":
		return "BOOLEAN"
	case "int":
		return "INTEGER"
	case "long":
		return "BIGINT"
	case "float":
		return "FLOAT"
	case "double":
		return "DOUBLE"
	case "date":
		return "DATE"
	case "time":
		return "TIME"
	case "timestamp":
		return "TIMESTAMP"
	case "timestamptz":
		return "TIMESTAMPTZ"
	case "binary":
		return "BLOB"
	default:
		return "VARCHAR"
	}
}

func metadataTableDDL(name string, res *metatables.Result) string {
	cols := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		cols[i] = quoteIdent(c.Name) + " " + duckType(c.Type)
	}
	return "CREATE OR REPLACE TEMP TABLE " + name + " (" + strings.Join(cols, ", ") + ")"
}

// metadataValue converts a projected value to a DuckDB parameter. Maps are
// stored as JSON text.
func metadataValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]string, map[string]int64:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	case time.Time:
		return val, nil
	}
	return v, nil
}

// materialize creates the plan's relations on conn. Temporary objects are
// scoped to the connection.
func materialize(ctx context.Context, conn *sql.Conn, plan *queryPlan) error {
	for _, rel := range plan.relations {
		if _, err := conn.ExecContext(ctx, rel.create); err != nil {
			return fmt.Errorf("creating %s: %w", rel.name, err)
		}
		if rel.result == nil || len(rel.result.Rows) == 0 {
			continue
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(rel.result.Columns)), ", ")
		stmt, err := conn.PrepareContext(ctx, "INSERT INTO "+rel.name+" VALUES ("+placeholders+")")
		if err != nil {
			return fmt.Errorf("preparing insert into %s: %w", rel.name, err)
		}
		for _, row := range rel.result.Rows {
			args := make([]any, len(row))
			for i, v := range row {
				if args[i], err = metadataValue(v); err != nil {
					stmt.Close()
					return err
				}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				stmt.Close()
				return fmt.Errorf("loading %s: %w", rel.name, err)
			}
		}
		stmt.Close()
	}
	return nil
}
