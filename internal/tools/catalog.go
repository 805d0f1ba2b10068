package tools

import (
	"fmt"
	"time"
)

// NewRegistry builds the frozen ten-tool catalog. Registration order is
// the order tools/list reports.
func NewRegistry(limits Limits) *Registry {
	limits = limits.withDefaults()
	r := &Registry{
		byName:        make(map[string]*toolSpec),
		statementRows: limits.StatementRows,
	}

	r.register(getDatabasesTool())
	r.register(getTablesTool())
	r.register(describeTableTool())
	r.register(getIndexesTool())
	r.register(getTableStatsTool())
	r.register(getDatabaseSizeTool())
	r.register(previewTableDataTool(limits.PreviewRows))
	r.register(countTableRowsTool())
	r.register(getActiveConnectionsTool(limits.ActivityRows))
	r.register(checkDatabaseHealthTool())

	return r
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func emptySchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// --- get_databases ---

const databasesSQL = `
SELECT datname AS database_name,
       pg_size_pretty(pg_database_size(datname)) AS size_pretty,
       pg_database_size(datname) AS size_bytes,
       datcollate AS collation,
       datctype AS character_type
FROM pg_database
WHERE datistemplate = false
ORDER BY pg_database_size(datname) DESC`

func getDatabasesTool() *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "get_databases",
			Description: "List all PostgreSQL databases with size information",
			InputSchema: emptySchema(),
		},
		plan: func(args map[string]any) (*plan, error) {
			return &plan{
				stmts: []statement{{key: "databases", sql: databasesSQL}},
				assemble: func(res map[string][]map[string]any) map[string]any {
					dbs := res["databases"]
					return map[string]any{
						"databases":   rowsOrEmpty(dbs),
						"total_count": len(dbs),
						"timestamp":   nowISO(),
					}
				},
			}, nil
		},
	}
}

// --- get_tables ---

const tablesSQL = `
SELECT t.table_name,
       t.table_type,
       pg_size_pretty(pg_total_relation_size(quote_ident(t.table_schema)||'.'||quote_ident(t.table_name))) AS size_pretty,
       pg_total_relation_size(quote_ident(t.table_schema)||'.'||quote_ident(t.table_name)) AS size_bytes,
       s.n_live_tup AS estimated_rows,
       s.last_analyze,
       s.last_autoanalyze
FROM information_schema.tables t
LEFT JOIN pg_stat_user_tables s ON s.relname = t.table_name AND s.schemaname = t.table_schema
WHERE t.table_schema = $1
  AND t.table_type = 'BASE TABLE'
ORDER BY pg_total_relation_size(quote_ident(t.table_schema)||'.'||quote_ident(t.table_name)) DESC NULLS LAST`

func getTablesTool() *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "get_tables",
			Description: "List all tables in a schema with size and row count information",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"database": stringProp("Database name label (optional, the configured target is always queried)"),
					"schema":   stringProp("Schema name (optional, defaults to 'public')"),
				},
				"additionalProperties": false,
			},
		},
		plan: func(args map[string]any) (*plan, error) {
			schema, err := schemaArg(args)
			if err != nil {
				return nil, err
			}
			database, err := identifierArg(args, "database", false)
			if err != nil {
				return nil, err
			}
			stmts := []statement{{key: "tables", sql: tablesSQL, args: []any{schema}}}
			if database == "" {
				stmts = append(stmts, statement{key: "current", sql: `SELECT current_database() AS db_name`})
			}
			return &plan{
				stmts: stmts,
				assemble: func(res map[string][]map[string]any) map[string]any {
					db := database
					if db == "" {
						if cur := res["current"]; len(cur) > 0 {
							db, _ = cur[0]["db_name"].(string)
						}
					}
					tables := res["tables"]
					return map[string]any{
						"database":    db,
						"schema":      schema,
						"tables":      rowsOrEmpty(tables),
						"total_count": len(tables),
						"timestamp":   nowISO(),
					}
				},
			}, nil
		},
	}
}

// --- describe_table ---

const columnsSQL = `
SELECT column_name,
       data_type,
       character_maximum_length,
       numeric_precision,
       numeric_scale,
       is_nullable,
       column_default,
       ordinal_position
FROM information_schema.columns
WHERE table_name = $1
  AND table_schema = $2
ORDER BY ordinal_position`

const constraintsSQL = `
SELECT tc.constraint_name,
       tc.constraint_type,
       kcu.column_name,
       ccu.table_name AS foreign_table_name,
       ccu.column_name AS foreign_column_name
FROM information_schema.table_constraints tc
LEFT JOIN information_schema.key_column_usage kcu
    ON tc.constraint_name = kcu.constraint_name
   AND tc.table_schema = kcu.table_schema
LEFT JOIN information_schema.constraint_column_usage ccu
    ON ccu.constraint_name = tc.constraint_name
   AND ccu.table_schema = tc.table_schema
WHERE tc.table_name = $1
  AND tc.table_schema = $2`

func tableArgsSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"database": stringProp("Database name"),
			"table":    stringProp("Table name"),
			"schema":   stringProp("Schema name (optional, defaults to 'public')"),
		},
		"required":             []string{"database", "table"},
		"additionalProperties": false,
	}
}

func describeTableTool() *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "describe_table",
			Description: "Get detailed information about table structure, columns, and constraints",
			InputSchema: tableArgsSchema(),
		},
		plan: func(args map[string]any) (*plan, error) {
			database, table, schema, err := tableArgs(args)
			if err != nil {
				return nil, err
			}
			return &plan{
				stmts: []statement{
					{key: "columns", sql: columnsSQL, args: []any{table, schema}},
					{key: "constraints", sql: constraintsSQL, args: []any{table, schema}},
				},
				assemble: func(res map[string][]map[string]any) map[string]any {
					cols := res["columns"]
					cons := res["constraints"]
					return map[string]any{
						"database":         database,
						"schema":           schema,
						"table":            table,
						"columns":          rowsOrEmpty(cols),
						"constraints":      rowsOrEmpty(cons),
						"column_count":     len(cols),
						"constraint_count": len(cons),
						"timestamp":        nowISO(),
					}
				},
			}, nil
		},
	}
}

// --- get_indexes ---

const indexesSQL = `
SELECT indexname AS index_name,
       indexdef AS index_definition,
       tablespace,
       CASE WHEN indexdef LIKE '%UNIQUE%' THEN true ELSE false END AS is_unique
FROM pg_indexes
WHERE tablename = $1
  AND schemaname = $2`

func getIndexesTool() *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "get_indexes",
			Description: "List all indexes for a specific table",
			InputSchema: tableArgsSchema(),
		},
		plan: func(args map[string]any) (*plan, error) {
			database, table, schema, err := tableArgs(args)
			if err != nil {
				return nil, err
			}
			return &plan{
				stmts: []statement{{key: "indexes", sql: indexesSQL, args: []any{table, schema}}},
				assemble: func(res map[string][]map[string]any) map[string]any {
					idx := res["indexes"]
					return map[string]any{
						"database":    database,
						"schema":      schema,
						"table":       table,
						"indexes":     rowsOrEmpty(idx),
						"index_count": len(idx),
						"timestamp":   nowISO(),
					}
				},
			}, nil
		},
	}
}

// --- get_table_stats ---

const tableStatsSQL = `
SELECT schemaname,
       relname AS tablename,
       n_tup_ins AS total_inserts,
       n_tup_upd AS total_updates,
       n_tup_del AS total_deletes,
       n_live_tup AS live_rows,
       n_dead_tup AS dead_rows,
       n_tup_hot_upd AS hot_updates,
       n_mod_since_analyze AS modifications_since_analyze,
       last_vacuum,
       last_autovacuum,
       last_analyze,
       last_autoanalyze,
       vacuum_count,
       autovacuum_count,
       analyze_count,
       autoanalyze_count
FROM pg_stat_user_tables
WHERE relname = $1
  AND schemaname = $2`

func getTableStatsTool() *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "get_table_stats",
			Description: "Get comprehensive statistics for a table including size, row counts, and activity",
			InputSchema: tableArgsSchema(),
		},
		plan: func(args map[string]any) (*plan, error) {
			database, table, schema, err := tableArgs(args)
			if err != nil {
				return nil, err
			}
			return &plan{
				stmts: []statement{{key: "stats", sql: tableStatsSQL, args: []any{table, schema}}},
				assemble: func(res map[string][]map[string]any) map[string]any {
					stats := res["stats"]
					if len(stats) == 0 {
						return map[string]any{
							"error":     fmt.Sprintf("table %s.%s not found or no statistics available", schema, table),
							"database":  database,
							"schema":    schema,
							"table":     table,
							"timestamp": nowISO(),
						}
					}
					return map[string]any{
						"database":   database,
						"statistics": stats[0],
						"timestamp":  nowISO(),
					}
				},
			}, nil
		},
	}
}

// --- get_database_size ---

const databaseSizeAllSQL = `
SELECT datname AS database_name,
       pg_size_pretty(pg_database_size(datname)) AS size_pretty,
       pg_database_size(datname) AS size_bytes
FROM pg_database
WHERE datistemplate = false
ORDER BY pg_database_size(datname) DESC`

const databaseSizeOneSQL = `
SELECT datname AS database_name,
       pg_size_pretty(pg_database_size(datname)) AS size_pretty,
       pg_database_size(datname) AS size_bytes
FROM pg_database
WHERE datname = $1 AND datistemplate = false`

func getDatabaseSizeTool() *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "get_database_size",
			Description: "Get size information for databases",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"database": stringProp("Name of specific database (optional, shows all if not provided)"),
				},
				"additionalProperties": false,
			},
		},
		plan: func(args map[string]any) (*plan, error) {
			database, err := identifierArg(args, "database", false)
			if err != nil {
				return nil, err
			}
			stmt := statement{key: "sizes", sql: databaseSizeAllSQL}
			if database != "" {
				stmt = statement{key: "sizes", sql: databaseSizeOneSQL, args: []any{database}}
			}
			return &plan{
				stmts: []statement{stmt},
				assemble: func(res map[string][]map[string]any) map[string]any {
					sizes := res["sizes"]
					var total int64
					for _, row := range sizes {
						total += toInt64(row["size_bytes"])
					}
					return map[string]any{
						"databases":         rowsOrEmpty(sizes),
						"total_databases":   len(sizes),
						"total_size_pretty": formatBytes(total),
						"total_size_bytes":  total,
						"timestamp":         nowISO(),
					}
				},
			}, nil
		},
	}
}

// --- preview_table_data ---

func previewTableDataTool(ceiling int) *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "preview_table_data",
			Description: fmt.Sprintf("Preview first few rows of a table (limited to %d rows for safety)", ceiling),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"database": stringProp("Database name"),
					"table":    stringProp("Table name"),
					"schema":   stringProp("Schema name (optional, defaults to 'public')"),
					"limit": map[string]any{
						"type":        "integer",
						"description": fmt.Sprintf("Number of rows to return (max %d)", ceiling),
						"minimum":     1,
						"maximum":     ceiling,
						"default":     5,
					},
				},
				"required":             []string{"database", "table"},
				"additionalProperties": false,
			},
		},
		plan: func(args map[string]any) (*plan, error) {
			database, table, schema, err := tableArgs(args)
			if err != nil {
				return nil, err
			}
			limit, err := limitArg(args, "limit", 5, ceiling)
			if err != nil {
				return nil, err
			}
			// schema and table passed identifier validation above; the
			// limit still binds as a parameter.
			sql := fmt.Sprintf("SELECT * FROM %s.%s LIMIT $1", schema, table)
			return &plan{
				stmts: []statement{{key: "rows", sql: sql, args: []any{limit}, maxRows: ceiling}},
				assemble: func(res map[string][]map[string]any) map[string]any {
					rows := res["rows"]
					return map[string]any{
						"database":      database,
						"schema":        schema,
						"table":         table,
						"rows_returned": len(rows),
						"limit_applied": limit,
						"data":          rowsOrEmpty(rows),
						"timestamp":     nowISO(),
					}
				},
			}, nil
		},
	}
}

// --- count_table_rows ---

func countTableRowsTool() *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "count_table_rows",
			Description: "Get accurate row count for a table",
			InputSchema: tableArgsSchema(),
		},
		plan: func(args map[string]any) (*plan, error) {
			database, table, schema, err := tableArgs(args)
			if err != nil {
				return nil, err
			}
			sql := fmt.Sprintf("SELECT COUNT(*) AS row_count FROM %s.%s", schema, table)
			return &plan{
				stmts: []statement{{key: "count", sql: sql}},
				assemble: func(res map[string][]map[string]any) map[string]any {
					var count int64
					if rows := res["count"]; len(rows) > 0 {
						count = toInt64(rows[0]["row_count"])
					}
					return map[string]any{
						"database":  database,
						"schema":    schema,
						"table":     table,
						"row_count": count,
						"timestamp": nowISO(),
					}
				},
			}, nil
		},
	}
}

// --- get_active_connections ---

const activeConnectionsSQL = `
SELECT pid,
       usename AS username,
       datname AS database_name,
       application_name,
       client_addr,
       client_port,
       backend_start,
       query_start,
       state,
       state_change
FROM pg_stat_activity
WHERE state = 'active'
  AND pid <> pg_backend_pid()`

func getActiveConnectionsTool(ceiling int) *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "get_active_connections",
			Description: fmt.Sprintf("Show current active database connections (limited to %d for safety)", ceiling),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"database": stringProp("Filter by specific database (optional)"),
				},
				"additionalProperties": false,
			},
		},
		plan: func(args map[string]any) (*plan, error) {
			database, err := identifierArg(args, "database", false)
			if err != nil {
				return nil, err
			}
			sql := activeConnectionsSQL
			var binds []any
			if database != "" {
				sql += " AND datname = $1 ORDER BY query_start DESC LIMIT $2"
				binds = []any{database, ceiling}
			} else {
				sql += " ORDER BY query_start DESC LIMIT $1"
				binds = []any{ceiling}
			}
			return &plan{
				stmts: []statement{{key: "connections", sql: sql, args: binds, maxRows: ceiling}},
				assemble: func(res map[string][]map[string]any) map[string]any {
					conns := res["connections"]
					out := map[string]any{
						"active_connections": rowsOrEmpty(conns),
						"connection_count":   len(conns),
						"timestamp":          nowISO(),
					}
					if database != "" {
						out["filtered_by_database"] = database
					}
					return out
				},
			}, nil
		},
	}
}

// --- check_database_health ---

const healthVersionSQL = `SELECT version(), current_timestamp, pg_is_in_recovery()`

const healthStatsSQL = `
SELECT COUNT(*) AS total_connections,
       COUNT(CASE WHEN state = 'active' THEN 1 END) AS active_connections
FROM pg_stat_activity`

func checkDatabaseHealthTool() *toolSpec {
	return &toolSpec{
		Descriptor: Descriptor{
			Name:        "check_database_health",
			Description: "Perform basic health check of the PostgreSQL database",
			InputSchema: emptySchema(),
		},
		plan: func(args map[string]any) (*plan, error) {
			return &plan{
				stmts: []statement{
					{key: "version", sql: healthVersionSQL},
					{key: "stats", sql: healthStatsSQL},
				},
				assemble: func(res map[string][]map[string]any) map[string]any {
					out := map[string]any{
						"status":    "healthy",
						"timestamp": nowISO(),
					}
					if rows := res["version"]; len(rows) > 0 {
						out["database_version"] = rows[0]["version"]
						out["current_time"] = rows[0]["current_timestamp"]
						out["is_standby"] = rows[0]["pg_is_in_recovery"]
					}
					if rows := res["stats"]; len(rows) > 0 {
						out["connections"] = rows[0]
					}
					return out
				},
			}, nil
		},
	}
}

// --- shared helpers ---

// tableArgs decodes the {database, table, schema} trio common to most of
// the catalog, running every identifier through the validator.
func tableArgs(args map[string]any) (database, table, schema string, err error) {
	if database, err = identifierArg(args, "database", true); err != nil {
		return
	}
	if table, err = identifierArg(args, "table", true); err != nil {
		return
	}
	schema, err = schemaArg(args)
	return
}

func rowsOrEmpty(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func formatBytes(n int64) string {
	if n == 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	size := float64(n)
	i := 0
	for size >= 1024 && i < len(units)-1 {
		size /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", size, units[i])
}
