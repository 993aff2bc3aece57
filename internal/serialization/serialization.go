// Package serialization handles metadata export/import between the sqlite
// engine database and JSON. It backs the zgwctl export/import subcommands.
package serialization

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ExportVersion is the version stamped into (and accepted from) the
// zgw_export envelope.
const ExportVersion = 1

// AllTables lists all valid table names in dependency order.
var AllTables = []string{"users", "access_keys", "buckets", "objects", "parts"}

// blobFields are SQLite BLOB columns carried as base64 strings in JSON.
var blobFields = map[string]bool{"content": true}

// tableColumns defines column order for each table. It mirrors the sqlite
// engine schema in internal/store.
var tableColumns = map[string][]string{
	"users":       {"display_name"},
	"access_keys": {"access_key", "secret_key", "display_name"},
	"buckets":     {"name", "owner", "created_at"},
	"objects":     {"bucket", "name", "mtime", "etag", "size", "storage_class", "owner", "content"},
	"parts":       {"bucket", "shadow", "part_number", "mtime", "etag", "size", "storage_class", "owner", "content"},
}

var tableOrderBy = map[string]string{
	"users":       "display_name",
	"access_keys": "access_key",
	"buckets":     "name",
	"objects":     "bucket, name",
	"parts":       "bucket, shadow, part_number",
}

// deleteOrder reverses the foreign-key dependency order for replace mode.
var deleteOrder = []string{"parts", "objects", "buckets", "access_keys", "users"}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
	// IncludeSecrets exports real secret keys instead of REDACTED.
	IncludeSecrets bool
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace deletes existing rows before inserting; otherwise rows that
	// collide with existing primary keys are skipped.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// Export reads the requested tables from the database at dbPath and returns
// them as one indented JSON document under a zgw_export envelope.
func Export(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}

	// The file: form makes mode=ro reach sqlite; a bare path with a query
	// suffix does not.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := map[string]any{
		"zgw_export": map[string]any{
			"version":     ExportVersion,
			"exported_at": time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		},
	}

	for _, table := range opts.Tables {
		columns, ok := tableColumns[table]
		if !ok {
			continue
		}
		query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
			strings.Join(columns, ", "), table, tableOrderBy[table])
		rows, err := db.Query(query)
		if err != nil {
			return "", fmt.Errorf("querying %s: %w", table, err)
		}

		tableRows := make([]map[string]any, 0)
		for rows.Next() {
			values := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return "", fmt.Errorf("scanning %s row: %w", table, err)
			}

			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col] = exportValue(col, values[i])
			}
			if table == "access_keys" && !opts.IncludeSecrets {
				row["secret_key"] = "REDACTED"
			}
			tableRows = append(tableRows, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return "", fmt.Errorf("iterating %s: %w", table, err)
		}

		result[table] = tableRows
	}

	// encoding/json emits map keys sorted, so the output is deterministic.
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Import loads a zgw_export JSON document into the database at dbPath.
func Import(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	envelope, _ := data["zgw_export"].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	db.Exec("PRAGMA foreign_keys = ON")

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	if opts.Replace {
		for _, table := range deleteOrder {
			if _, ok := data[table]; ok {
				if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
					tx.Rollback()
					return nil, fmt.Errorf("deleting %s: %w", table, err)
				}
			}
		}
	}

	for _, table := range AllTables {
		rowList, ok := data[table].([]any)
		if !ok {
			continue
		}
		columns := tableColumns[table]

		inserted := 0
		skipped := 0

		for _, rawRow := range rowList {
			rowMap, ok := rawRow.(map[string]any)
			if !ok {
				skipped++
				continue
			}

			if table == "access_keys" {
				if sk, _ := rowMap["secret_key"].(string); sk == "REDACTED" {
					skipped++
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("Skipped access key '%v': REDACTED secret_key", rowMap["access_key"]))
					continue
				}
			}

			values, err := bindRow(columns, rowMap)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}

			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
			var query string
			if opts.Replace {
				query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
					table, strings.Join(columns, ", "), placeholders)
			} else {
				query = fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
					table, strings.Join(columns, ", "), placeholders)
			}

			res, err := tx.Exec(query, values...)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}
			affected, _ := res.RowsAffected()
			if affected > 0 {
				inserted++
			} else {
				skipped++
			}
		}

		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return result, nil
}

// exportValue converts an SQL value into its JSON representation. BLOB
// columns become base64; the driver returns TEXT columns as []byte, which
// become plain strings.
func exportValue(col string, val any) any {
	if val == nil {
		return nil
	}
	if blobFields[col] {
		b, ok := val.([]byte)
		if !ok {
			return ""
		}
		return base64.StdEncoding.EncodeToString(b)
	}
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

// bindRow maps a decoded JSON row onto SQL bind values in column order.
func bindRow(columns []string, row map[string]any) ([]any, error) {
	values := make([]any, len(columns))
	for i, col := range columns {
		v := row[col]
		if blobFields[col] {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %s: expected base64 string", col)
			}
			decoded, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			values[i] = decoded
			continue
		}
		values[i] = v
	}
	return values, nil
}
